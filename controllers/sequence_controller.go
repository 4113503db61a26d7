package controllers

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/utils"
	"leadflow/worker"
)

type SequenceController struct {
	DB           *gorm.DB
	Logger       *log.Logger
	Orchestrator *worker.Orchestrator
}

func NewSequenceController(db *gorm.DB, logger *log.Logger, orchestrator *worker.Orchestrator) *SequenceController {
	return &SequenceController{DB: db, Logger: logger, Orchestrator: orchestrator}
}

type createSequenceRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=200"`
	Description string `json:"description" validate:"max=1000"`
	Touches     int    `json:"touches" validate:"required,min=1,max=10"`
	TouchDelays []int  `json:"touch_delays" validate:"required,min=1,dive,min=1"`
}

func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var req createSequenceRequest
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
	if len(req.TouchDelays) != req.Touches-1 && len(req.TouchDelays) != req.Touches {
		// Delays gate touches 2..N, so N-1 entries is the natural shape; a
		// trailing extra entry is tolerated and ignored.
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "touch_delays must cover every touch after the first",
		})
	}

	sequence := models.Sequence{
		ExternalID:  uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Touches:     req.Touches,
		TouchDelays: req.TouchDelays,
		Status:      models.SequenceStatusDraft,
	}
	if err := sc.DB.Create(&sequence).Error; err != nil {
		sc.Logger.Printf("Failed to create sequence: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create sequence",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(sequence)
}

func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	var sequences []models.Sequence
	if err := sc.DB.Order("created_at DESC").Find(&sequences).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch sequences",
		})
	}

	return c.JSON(fiber.Map{
		"sequences": sequences,
		"count":     len(sequences),
	})
}

func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	var sequence models.Sequence
	err := sc.DB.First(&sequence, c.Params("id")).Error
	if err == gorm.ErrRecordNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch sequence",
		})
	}

	var memberCounts []struct {
		Status string
		Count  int64
	}
	sc.DB.Model(&models.SequenceMembership{}).
		Select("status, COUNT(*) as count").
		Where("sequence_id = ?", sequence.ID).
		Group("status").
		Scan(&memberCounts)

	counts := make(map[string]int64, len(memberCounts))
	for _, mc := range memberCounts {
		counts[mc.Status] = mc.Count
	}

	return c.JSON(fiber.Map{
		"sequence": sequence,
		"members":  counts,
	})
}

type updateSequenceRequest struct {
	Name        string `json:"name" validate:"omitempty,min=2,max=200"`
	Description string `json:"description" validate:"max=1000"`
	Touches     int    `json:"touches" validate:"omitempty,min=1,max=10"`
	TouchDelays []int  `json:"touch_delays" validate:"omitempty,min=1,dive,min=1"`
}

// UpdateSequence edits definition fields. Touch structure is frozen once the
// sequence has any membership past touch 0, otherwise in-flight math would
// shift under the members.
func (sc *SequenceController) UpdateSequence(c *fiber.Ctx) error {
	var sequence models.Sequence
	if err := sc.DB.First(&sequence, c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}

	var req updateSequenceRequest
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

	if req.Name != "" {
		sequence.Name = req.Name
	}
	if req.Description != "" {
		sequence.Description = req.Description
	}

	if req.Touches != 0 || len(req.TouchDelays) > 0 {
		var inFlight int64
		sc.DB.Model(&models.SequenceMembership{}).
			Where("sequence_id = ? AND current_touch > 0", sequence.ID).
			Count(&inFlight)
		if inFlight > 0 {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Cannot change touch structure while members are in flight",
			})
		}
		if req.Touches != 0 {
			sequence.Touches = req.Touches
		}
		if len(req.TouchDelays) > 0 {
			sequence.TouchDelays = req.TouchDelays
		}
	}

	if err := sc.DB.Save(&sequence).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update sequence",
		})
	}

	return c.JSON(sequence)
}

// StartSequence activates the sequence and kicks off drafting for members
// awaiting touch 1.
func (sc *SequenceController) StartSequence(c *fiber.Ctx) error {
	var sequence models.Sequence
	if err := sc.DB.First(&sequence, c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}

	if err := sc.Orchestrator.StartSequence(sequence.ID); err != nil {
		sc.Logger.Printf("Failed to start sequence %d: %v", sequence.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to start sequence",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Sequence started",
		"status":  models.SequenceStatusActive,
	})
}

// PauseSequence stops new drafting passes. Already-scheduled follow-up tasks
// still wake but find the sequence paused via the membership checks.
func (sc *SequenceController) PauseSequence(c *fiber.Ctx) error {
	var sequence models.Sequence
	if err := sc.DB.First(&sequence, c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}

	if err := sc.DB.Model(&sequence).Update("status", models.SequenceStatusPaused).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to pause sequence",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Sequence paused",
		"status":  models.SequenceStatusPaused,
	})
}

// DeleteSequence refuses to delete while any membership is still live.
func (sc *SequenceController) DeleteSequence(c *fiber.Ctx) error {
	var sequence models.Sequence
	if err := sc.DB.First(&sequence, c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}

	var live int64
	sc.DB.Model(&models.SequenceMembership{}).
		Where("sequence_id = ? AND status IN ?", sequence.ID,
			[]string{models.MembershipStatusPending, models.MembershipStatusReady, models.MembershipStatusActive}).
		Count(&live)
	if live > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":        "Sequence has active members",
			"live_members": live,
		})
	}

	if err := sc.DB.Delete(&sequence).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete sequence",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Sequence deleted",
	})
}
