package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"leadflow/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	EncryptionKey string `json:"-"`
	JWTSecret     string `json:"-"`
	APIMasterKey  string `json:"-"`
	SentryDSN     string `json:"-"`

	Redis RedisConfig `json:"redis"`

	// Orchestration timing
	ConfirmationGrace  time.Duration `json:"confirmation_grace"`
	TouchDelayUnit     time.Duration `json:"touch_delay_unit"`
	SchedulerInterval  time.Duration `json:"scheduler_interval"`
	SchedulerWorkers   int           `json:"scheduler_workers"`
	ReplyPollInterval  time.Duration `json:"reply_poll_interval"`
	RecoveryInterval   time.Duration `json:"recovery_interval"`
	ResearchTimeout    time.Duration `json:"research_timeout"`
	ResearchStaleAfter time.Duration `json:"research_stale_after"`

	ProfileCacheTTL time.Duration `json:"profile_cache_ttl"`

	// Company profile fed to the draft generator
	CompanyName        string `json:"company_name"`
	CompanyPositioning string `json:"company_positioning"`
}

func init() {
	// Missing .env is fine; plain environment variables still apply
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "leadflow"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		APIMasterKey:  getEnv("API_MASTER_KEY", ""),
		SentryDSN:     getEnv("SENTRY_DSN", ""),

		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ADDRESS", "") != "",
			Address:  getEnv("REDIS_ADDRESS", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		ConfirmationGrace:  getEnvAsDuration("CONFIRMATION_GRACE", time.Minute),
		TouchDelayUnit:     getEnvAsDuration("TOUCH_DELAY_UNIT", 24*time.Hour),
		SchedulerInterval:  getEnvAsDuration("SCHEDULER_INTERVAL", 15*time.Second),
		SchedulerWorkers:   getEnvAsInt("SCHEDULER_WORKERS", 4),
		ReplyPollInterval:  getEnvAsDuration("REPLY_POLL_INTERVAL", 5*time.Minute),
		RecoveryInterval:   getEnvAsDuration("RECOVERY_INTERVAL", 10*time.Minute),
		ResearchTimeout:    getEnvAsDuration("RESEARCH_TIMEOUT", 30*time.Minute),
		ResearchStaleAfter: getEnvAsDuration("RESEARCH_STALE_AFTER", 30*24*time.Hour),

		ProfileCacheTTL: getEnvAsDuration("PROFILE_CACHE_TTL", time.Hour),

		CompanyName:        getEnv("COMPANY_NAME", ""),
		CompanyPositioning: getEnv("COMPANY_POSITIONING", "We help companies succeed"),
	}

	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(AppConfig.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be 32 bytes, got %d", len(AppConfig.EncryptionKey))
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if AppConfig.Environment == "production" && AppConfig.APIMasterKey == "" {
		return fmt.Errorf("API_MASTER_KEY is required in production")
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("Connected to the database, starting migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database migration completed")
	return nil
}

// MigrateDB runs schema migration for every persisted model.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Lead{},
		&models.LeadResearch{},
		&models.Sequence{},
		&models.SequenceMembership{},
		&models.Draft{},
		&models.EmailEvent{},
		&models.Sender{},
		&models.ScheduledTask{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	d, err := time.ParseDuration(valueStr)
	if err != nil {
		return fallback
	}
	return d
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Redis cache: %t", AppConfig.Redis.Enabled)
	log.Printf("Touch delay unit: %s, confirmation grace: %s",
		AppConfig.TouchDelayUnit, AppConfig.ConfirmationGrace)
}
