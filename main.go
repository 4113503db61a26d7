package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadflow/config"
	"leadflow/middleware"
	"leadflow/routes"
	"leadflow/utils"
	"leadflow/worker"
)

func main() {
	logger := log.New(os.Stdout, "LEADFLOW: ", log.Ldate|log.Ltime|log.Lshortfile)

	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		})
		if err != nil {
			logger.Fatalf("Failed to initialize Sentry: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	app := fiber.New()
	app.Use(middleware.CORS())

	// Profile cache: redis when configured, in-process otherwise
	var profileCache utils.ProfileCache
	if config.AppConfig.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		})
		profileCache = utils.NewRedisProfileCache(redisClient, config.AppConfig.ProfileCacheTTL)
	} else {
		profileCache = utils.NewMemoryProfileCache(config.AppConfig.ProfileCacheTTL)
	}

	mailer := utils.NewSenderMailer(config.DB, log.New(os.Stdout, "MAILER: ", log.LstdFlags))
	generator := utils.NewFallbackGenerator(utils.NewTemplateGenerator())

	scheduler := worker.NewTaskScheduler(config.DB, log.New(os.Stdout, "SCHEDULER: ", log.LstdFlags),
		config.AppConfig.SchedulerInterval, config.AppConfig.SchedulerWorkers)

	orchestrator := worker.NewOrchestrator(config.DB, scheduler, mailer, generator, profileCache, logrus.StandardLogger())
	orchestrator.ConfirmationGrace = config.AppConfig.ConfirmationGrace
	orchestrator.DelayUnit = config.AppConfig.TouchDelayUnit
	orchestrator.Profile = utils.CompanyProfile{
		Name:        config.AppConfig.CompanyName,
		Positioning: config.AppConfig.CompanyPositioning,
	}
	orchestrator.RegisterHandlers()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go scheduler.Start(ctx)

	replyWorker := worker.NewReplyWorker(config.DB, log.New(os.Stdout, "REPLY: ", log.LstdFlags),
		orchestrator, config.AppConfig.ReplyPollInterval)
	go replyWorker.Start(ctx)

	recoveryWorker := worker.NewRecoveryWorker(config.DB, log.New(os.Stdout, "RECOVERY: ", log.LstdFlags),
		mailer, config.AppConfig.RecoveryInterval, config.AppConfig.ResearchTimeout, config.AppConfig.ResearchStaleAfter)
	go recoveryWorker.Start(ctx)

	routes.SetupRoutes(app, config.DB, orchestrator)

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
