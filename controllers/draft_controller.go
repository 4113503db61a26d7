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

type DraftController struct {
	DB           *gorm.DB
	Logger       *log.Logger
	Orchestrator *worker.Orchestrator
}

func NewDraftController(db *gorm.DB, logger *log.Logger, orchestrator *worker.Orchestrator) *DraftController {
	return &DraftController{DB: db, Logger: logger, Orchestrator: orchestrator}
}

func (dc *DraftController) GetDrafts(c *fiber.Ctx) error {
	query := dc.DB.Model(&models.Draft{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if sequenceID := c.Query("sequence_id"); sequenceID != "" {
		query = query.Where("sequence_id = ?", sequenceID)
	}

	var drafts []models.Draft
	if err := query.Order("created_at DESC").Limit(200).Find(&drafts).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch drafts",
		})
	}

	return c.JSON(fiber.Map{
		"drafts": drafts,
		"count":  len(drafts),
	})
}

func (dc *DraftController) GetDraft(c *fiber.Ctx) error {
	var draft models.Draft
	err := dc.DB.First(&draft, c.Params("id")).Error
	if err == gorm.ErrRecordNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Draft not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch draft",
		})
	}

	return c.JSON(draft)
}

type approveDraftRequest struct {
	ApprovedBy string `json:"approved_by" validate:"required,min=2,max=100"`
	Subject    string `json:"subject" validate:"max=255"`
	Body       string `json:"body"`
}

// ApproveDraft approves a pending draft, with optional subject/body edits,
// and sends it immediately. A send failure leaves the draft approved so the
// caller can retry without re-reviewing.
func (dc *DraftController) ApproveDraft(c *fiber.Ctx) error {
	var draft models.Draft
	err := dc.DB.First(&draft, c.Params("id")).Error
	if err == gorm.ErrRecordNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Draft not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch draft",
		})
	}

	if draft.Status == models.DraftStatusRejected {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Draft was rejected",
		})
	}

	var req approveDraftRequest
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

	if draft.Status == models.DraftStatusPending {
		now := time.Now().UTC()
		draft.Status = models.DraftStatusApproved
		draft.ApprovedBy = req.ApprovedBy
		draft.ApprovedAt = &now
	}
	if req.Subject != "" {
		draft.SelectedSubject = req.Subject
	}
	if req.Body != "" {
		draft.Body = req.Body
	}
	if err := dc.DB.Save(&draft).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save draft",
		})
	}

	if err := dc.Orchestrator.SendDraft(&draft); err != nil {
		dc.Logger.Printf("Send failed for draft %d: %v", draft.ID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":  "Draft approved but send failed; retry the approval to resend",
			"detail": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"message": "Draft approved and sent",
		"draft":   draft,
	})
}

type rejectDraftRequest struct {
	Reason string `json:"reason" validate:"required,min=2,max=500"`
}

// RejectDraft marks a pending draft rejected; the slot opens for regeneration.
func (dc *DraftController) RejectDraft(c *fiber.Ctx) error {
	var draft models.Draft
	err := dc.DB.First(&draft, c.Params("id")).Error
	if err == gorm.ErrRecordNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Draft not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch draft",
		})
	}

	if draft.Status != models.DraftStatusPending {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Only pending drafts can be rejected",
		})
	}

	var req rejectDraftRequest
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

	if err := dc.DB.Model(&draft).Updates(map[string]interface{}{
		"status":           models.DraftStatusRejected,
		"rejection_reason": req.Reason,
	}).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to reject draft",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Draft rejected",
	})
}

type bulkApproveRequest struct {
	DraftIDs   []uint `json:"draft_ids" validate:"required,min=1,max=100"`
	ApprovedBy string `json:"approved_by" validate:"required,min=2,max=100"`
}

// BulkApprove approves and sends a batch of pending drafts, reporting the
// per-draft outcome rather than failing the batch on the first error.
func (dc *DraftController) BulkApprove(c *fiber.Ctx) error {
	var req bulkApproveRequest
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

	type outcome struct {
		DraftID uint   `json:"draft_id"`
		Status  string `json:"status"`
		Error   string `json:"error,omitempty"`
	}
	outcomes := make([]outcome, 0, len(req.DraftIDs))
	sent := 0

	for _, draftID := range req.DraftIDs {
		var draft models.Draft
		if err := dc.DB.First(&draft, draftID).Error; err != nil {
			outcomes = append(outcomes, outcome{DraftID: draftID, Status: "not_found"})
			continue
		}
		if draft.Status == models.DraftStatusRejected {
			outcomes = append(outcomes, outcome{DraftID: draftID, Status: "rejected"})
			continue
		}

		if draft.Status == models.DraftStatusPending {
			now := time.Now().UTC()
			if err := dc.DB.Model(&draft).Updates(map[string]interface{}{
				"status":      models.DraftStatusApproved,
				"approved_by": req.ApprovedBy,
				"approved_at": now,
			}).Error; err != nil {
				outcomes = append(outcomes, outcome{DraftID: draftID, Status: "error", Error: err.Error()})
				continue
			}
			draft.Status = models.DraftStatusApproved
		}

		if err := dc.Orchestrator.SendDraft(&draft); err != nil {
			dc.Logger.Printf("Bulk send failed for draft %d: %v", draftID, err)
			outcomes = append(outcomes, outcome{DraftID: draftID, Status: "send_failed", Error: err.Error()})
			continue
		}
		outcomes = append(outcomes, outcome{DraftID: draftID, Status: "sent"})
		sent++
	}

	return c.JSON(fiber.Map{
		"sent":     sent,
		"outcomes": outcomes,
	})
}
