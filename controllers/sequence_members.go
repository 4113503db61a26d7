package controllers

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/utils"
)

type enrollRequest struct {
	LeadIDs []uint `json:"lead_ids" validate:"required,min=1,max=500"`
}

// EnrollLeads adds leads to the sequence. The response separates leads newly
// added from leads skipped (already members, missing, or invalid email);
// re-posting the same ids is harmless.
func (sc *SequenceController) EnrollLeads(c *fiber.Ctx) error {
	sequenceID, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid sequence id",
		})
	}

	var req enrollRequest
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

	added, skipped, err := sc.Orchestrator.EnrollLeads(uint(sequenceID), req.LeadIDs)
	if err == gorm.ErrRecordNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}
	if err != nil {
		sc.Logger.Printf("Enrollment failed for sequence %d: %v", sequenceID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Enrollment failed",
		})
	}

	return c.JSON(fiber.Map{
		"added":   added,
		"skipped": skipped,
	})
}

// GetMembers lists memberships for a sequence with their leads.
func (sc *SequenceController) GetMembers(c *fiber.Ctx) error {
	var sequence models.Sequence
	if err := sc.DB.First(&sequence, c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}

	query := sc.DB.Where("sequence_id = ?", sequence.ID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var memberships []models.SequenceMembership
	if err := query.Preload("Lead").Order("created_at").Find(&memberships).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch members",
		})
	}

	type memberView struct {
		models.SequenceMembership
		LeadEmail   string `json:"lead_email"`
		LeadName    string `json:"lead_name"`
		NextTouchIn string `json:"next_touch_in,omitempty"`
	}
	now := time.Now().UTC()
	views := make([]memberView, 0, len(memberships))
	for _, m := range memberships {
		view := memberView{
			SequenceMembership: m,
			LeadEmail:          m.Lead.Email,
			LeadName:           m.Lead.FullName(),
		}
		if m.NextTouchAt != nil && m.NextTouchAt.After(now) {
			view.NextTouchIn = utils.FormatDuration(m.NextTouchAt.Sub(now))
		}
		views = append(views, view)
	}

	return c.JSON(fiber.Map{
		"members": views,
		"count":   len(views),
	})
}

// TriggerFollowUp fires the next touch for one member immediately instead of
// waiting out the configured delay. The usual wake-time checks still apply,
// so a member who replied in the meantime is left alone.
func (sc *SequenceController) TriggerFollowUp(c *fiber.Ctx) error {
	sequenceID, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid sequence id",
		})
	}
	leadID, err := strconv.ParseUint(c.Params("leadId"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid lead id",
		})
	}

	var sequence models.Sequence
	if err := sc.DB.First(&sequence, sequenceID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}

	var membership models.SequenceMembership
	err = sc.DB.Where("sequence_id = ? AND lead_id = ?", sequenceID, leadID).
		First(&membership).Error
	if err == gorm.ErrRecordNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Lead is not a member of this sequence",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch membership",
		})
	}

	if membership.Stopped() {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": fmt.Sprintf("Membership is %s", membership.Status),
		})
	}
	if membership.CurrentTouch >= sequence.Touches {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Max touches exceeded",
		})
	}
	if membership.CurrentTouch < 1 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "First touch has not been sent yet",
		})
	}

	var lastSent models.EmailEvent
	sentAt := time.Now().UTC()
	if err := sc.DB.Where("lead_id = ? AND sequence_id = ? AND event_type = ?",
		leadID, sequenceID, models.EventTypeSent).
		Order("occurred_at DESC").First(&lastSent).Error; err == nil {
		sentAt = lastSent.OccurredAt
	}

	if _, err := sc.Orchestrator.Scheduler.Schedule(models.TaskTypeFollowUp, models.FollowUpPayload{
		LeadID:      uint(leadID),
		SequenceID:  uint(sequenceID),
		TouchNumber: membership.CurrentTouch,
		SentAt:      sentAt,
	}, 0); err != nil {
		sc.Logger.Printf("Failed to trigger follow-up: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to trigger follow-up",
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message": "Follow-up queued",
		"touch":   membership.CurrentTouch + 1,
	})
}
