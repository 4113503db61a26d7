package controllers

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/utils"
	"leadflow/worker"
)

type WebhookController struct {
	DB           *gorm.DB
	Logger       *log.Logger
	Orchestrator *worker.Orchestrator
}

func NewWebhookController(db *gorm.DB, logger *log.Logger, orchestrator *worker.Orchestrator) *WebhookController {
	return &WebhookController{DB: db, Logger: logger, Orchestrator: orchestrator}
}

// providerEventTypes maps event names used by common ESP webhook payloads to
// our event log vocabulary.
var providerEventTypes = map[string]string{
	"delivered":    models.EventTypeDelivered,
	"open":         models.EventTypeOpened,
	"opened":       models.EventTypeOpened,
	"click":        models.EventTypeClicked,
	"clicked":      models.EventTypeClicked,
	"reply":        models.EventTypeReplied,
	"replied":      models.EventTypeReplied,
	"bounce":       models.EventTypeBounced,
	"bounced":      models.EventTypeBounced,
	"unsubscribe":  models.EventTypeUnsubscribed,
	"unsubscribed": models.EventTypeUnsubscribed,
}

type providerEvent struct {
	Event     string     `json:"event" validate:"required"`
	Email     string     `json:"email" validate:"required,email"`
	MessageID string     `json:"message_id"`
	Subject   string     `json:"subject"`
	Body      string     `json:"body"`
	Timestamp *time.Time `json:"timestamp"`
}

// HandleProviderEvent ingests a delivery-provider webhook. Replies are routed
// through the global reply handler; everything else lands in the event log
// as-is. Events for unknown addresses are acknowledged and dropped so the
// provider stops retrying them.
func (wc *WebhookController) HandleProviderEvent(c *fiber.Ctx) error {
	var req providerEvent
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	eventType, ok := providerEventTypes[req.Event]
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown event type",
		})
	}

	var lead models.Lead
	err := wc.DB.Where("LOWER(email) = LOWER(?)", req.Email).First(&lead).Error
	if err == gorm.ErrRecordNotFound {
		wc.Logger.Printf("Webhook for unknown address %s dropped", req.Email)
		return c.JSON(fiber.Map{"message": "Acknowledged"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to look up lead",
		})
	}

	occurredAt := time.Now().UTC()
	if req.Timestamp != nil {
		occurredAt = *req.Timestamp
	}

	if eventType == models.EventTypeReplied {
		if err := wc.Orchestrator.HandleReply(lead.ID, req.Subject, req.Body, req.MessageID, occurredAt); err != nil {
			wc.Logger.Printf("Reply handling failed for lead %d: %v", lead.ID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to process reply",
			})
		}
		return c.JSON(fiber.Map{"message": "Reply processed"})
	}

	var lastSent models.EmailEvent
	touch := 0
	var sequenceID *uint
	if err := wc.DB.Where("lead_id = ? AND event_type = ?", lead.ID, models.EventTypeSent).
		Order("occurred_at DESC").First(&lastSent).Error; err == nil {
		touch = lastSent.TouchNumber
		sequenceID = lastSent.SequenceID
	}

	event := models.EmailEvent{
		LeadID:      lead.ID,
		SequenceID:  sequenceID,
		EventType:   eventType,
		TouchNumber: touch,
		OccurredAt:  occurredAt,
		MessageID:   req.MessageID,
		Title:       req.Subject,
	}
	if err := wc.DB.Create(&event).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record event",
		})
	}

	if eventType == models.EventTypeUnsubscribed {
		wc.DB.Model(&models.SequenceMembership{}).
			Where("lead_id = ? AND status IN ?", lead.ID,
				[]string{models.MembershipStatusPending, models.MembershipStatusReady, models.MembershipStatusActive}).
			Updates(map[string]interface{}{
				"status":         models.MembershipStatusStopped,
				"stopped_reason": "unsubscribed",
			})
	}

	return c.JSON(fiber.Map{"message": "Event recorded"})
}

type testReplyRequest struct {
	LeadID  uint   `json:"lead_id" validate:"required"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SimulateReply injects a reply for a lead without going through a mailbox,
// for exercising the stop path in development.
func (wc *WebhookController) SimulateReply(c *fiber.Ctx) error {
	var req testReplyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var lead models.Lead
	if err := wc.DB.First(&lead, req.LeadID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Lead not found",
		})
	}

	subject := req.Subject
	if subject == "" {
		subject = "Re: your email"
	}
	if err := wc.Orchestrator.HandleReply(lead.ID, subject, req.Body, "", time.Now().UTC()); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process reply",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Reply simulated",
		"lead_id": lead.ID,
	})
}
