package routes

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"

	controller "leadflow/controllers"
	"leadflow/middleware"
	"leadflow/worker"
)

// SetupRoutes wires every HTTP endpoint. Webhooks stay outside the JWT gate
// because providers cannot do a token exchange.
func SetupRoutes(app *fiber.App, db *gorm.DB, orchestrator *worker.Orchestrator) {
	authController := controller.NewAuthController(log.New(os.Stdout, "AUTH: ", log.LstdFlags))
	leadController := controller.NewLeadController(db, log.New(os.Stdout, "LEAD: ", log.LstdFlags))
	sequenceController := controller.NewSequenceController(db, log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags), orchestrator)
	draftController := controller.NewDraftController(db, log.New(os.Stdout, "DRAFT: ", log.LstdFlags), orchestrator)
	webhookController := controller.NewWebhookController(db, log.New(os.Stdout, "WEBHOOK: ", log.LstdFlags), orchestrator)
	liveController := controller.NewLiveController(db, log.New(os.Stdout, "LIVE: ", log.LstdFlags))
	senderController := controller.NewSenderController(db, log.New(os.Stdout, "SENDER: ", log.LstdFlags))

	auth := app.Group("/auth", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	auth.Post("/token", authController.IssueToken)

	webhooks := app.Group("/webhooks", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	webhooks.Post("/email-events", webhookController.HandleProviderEvent)
	webhooks.Post("/test-reply", webhookController.SimulateReply)

	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	leads := api.Group("/leads")
	leads.Post("/", leadController.CreateLead)
	leads.Get("/", leadController.GetLeads)
	leads.Get("/:id", leadController.GetLead)
	leads.Patch("/:id", leadController.UpdateLead)
	leads.Get("/:id/events", leadController.GetLeadEvents)
	leads.Post("/:id/research", leadController.SubmitResearch)

	sequences := api.Group("/sequences")
	sequences.Post("/", sequenceController.CreateSequence)
	sequences.Get("/", sequenceController.GetSequences)
	sequences.Get("/:id", sequenceController.GetSequence)
	sequences.Patch("/:id", sequenceController.UpdateSequence)
	sequences.Delete("/:id", sequenceController.DeleteSequence)
	sequences.Post("/:id/start", sequenceController.StartSequence)
	sequences.Post("/:id/pause", sequenceController.PauseSequence)
	sequences.Post("/:id/enroll", sequenceController.EnrollLeads)
	sequences.Get("/:id/members", sequenceController.GetMembers)
	sequences.Post("/:id/members/:leadId/trigger", sequenceController.TriggerFollowUp)
	sequences.Get("/:id/live", liveController.Upgrade, liveController.StreamEvents())

	senders := api.Group("/senders")
	senders.Post("/", senderController.CreateSender)
	senders.Get("/", senderController.GetSenders)
	senders.Post("/:id/deactivate", senderController.DeactivateSender)

	drafts := api.Group("/drafts")
	drafts.Get("/", draftController.GetDrafts)
	drafts.Get("/:id", draftController.GetDraft)
	drafts.Post("/:id/approve", draftController.ApproveDraft)
	drafts.Post("/:id/reject", draftController.RejectDraft)
	drafts.Post("/bulk-approve", draftController.BulkApprove)
}
