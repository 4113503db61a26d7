package controllers

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/utils"
)

type LeadController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewLeadController(db *gorm.DB, logger *log.Logger) *LeadController {
	return &LeadController{DB: db, Logger: logger}
}

type createLeadRequest struct {
	Email       string `json:"email" validate:"required,email"`
	FirstName   string `json:"first_name" validate:"max=100"`
	LastName    string `json:"last_name" validate:"max=100"`
	CompanyName string `json:"company_name" validate:"max=200"`
	Website     string `json:"website" validate:"max=255"`
	Position    string `json:"position" validate:"max=100"`
	Industry    string `json:"industry" validate:"max=100"`
	Source      string `json:"source" validate:"max=100"`
}

func (lc *LeadController) CreateLead(c *fiber.Ctx) error {
	var req createLeadRequest
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

	var existing models.Lead
	if err := lc.DB.Where("email = ?", req.Email).First(&existing).Error; err == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":   "Lead with this email already exists",
			"lead_id": existing.ID,
		})
	}

	lead := models.Lead{
		Email:       req.Email,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		CompanyName: req.CompanyName,
		Website:     req.Website,
		Position:    req.Position,
		Industry:    req.Industry,
		Source:      req.Source,
		Status:      models.LeadStatusNew,
	}
	if err := lc.DB.Create(&lead).Error; err != nil {
		lc.Logger.Printf("Failed to create lead: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create lead",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(lead)
}

func (lc *LeadController) GetLeads(c *fiber.Ctx) error {
	query := lc.DB.Model(&models.Lead{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var leads []models.Lead
	if err := query.Order("created_at DESC").Limit(200).Find(&leads).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch leads",
		})
	}

	return c.JSON(fiber.Map{
		"leads": leads,
		"count": len(leads),
	})
}

func (lc *LeadController) GetLead(c *fiber.Ctx) error {
	var lead models.Lead
	err := lc.DB.Preload("Research").Preload("Memberships").First(&lead, c.Params("id")).Error
	if err == gorm.ErrRecordNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Lead not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch lead",
		})
	}

	return c.JSON(lead)
}

type updateLeadRequest struct {
	Status string `json:"status" validate:"omitempty,oneof=new researching qualified contacted replied converted disqualified completed not_qualified"`
}

func (lc *LeadController) UpdateLead(c *fiber.Ctx) error {
	var lead models.Lead
	if err := lc.DB.First(&lead, c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Lead not found",
		})
	}

	var req updateLeadRequest
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

	if req.Status != "" {
		if err := lc.DB.Model(&lead).Update("status", req.Status).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to update lead",
			})
		}
	}

	return c.JSON(lead)
}

// GetLeadEvents returns the lead's event log, newest first.
func (lc *LeadController) GetLeadEvents(c *fiber.Ctx) error {
	var lead models.Lead
	if err := lc.DB.First(&lead, c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Lead not found",
		})
	}

	query := lc.DB.Where("lead_id = ?", lead.ID)
	if eventType := c.Query("type"); eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}

	var events []models.EmailEvent
	if err := query.Order("occurred_at DESC").Limit(500).Find(&events).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch events",
		})
	}

	return c.JSON(fiber.Map{
		"events": events,
		"count":  len(events),
	})
}

type researchRequest struct {
	PainIndicators []string `json:"pain_indicators"`
	BuyingSignals  []string `json:"buying_signals"`
	Triggers       []string `json:"triggers"`
	Role           string   `json:"role" validate:"max=100"`
	Seniority      string   `json:"seniority" validate:"omitempty,oneof=junior mid senior executive"`
}

// SubmitResearch upserts the research record for a lead and marks the lead
// qualified. Re-submitting replaces the previous research and clears the
// staleness flag.
func (lc *LeadController) SubmitResearch(c *fiber.Ctx) error {
	var lead models.Lead
	if err := lc.DB.First(&lead, c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Lead not found",
		})
	}

	var req researchRequest
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

	now := time.Now().UTC()
	var research models.LeadResearch
	err := lc.DB.Where("lead_id = ?", lead.ID).First(&research).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		research = models.LeadResearch{
			LeadID:         lead.ID,
			PainIndicators: req.PainIndicators,
			BuyingSignals:  req.BuyingSignals,
			Triggers:       req.Triggers,
			Role:           req.Role,
			Seniority:      req.Seniority,
			ResearchedAt:   now,
		}
		if err := lc.DB.Create(&research).Error; err != nil {
			lc.Logger.Printf("Failed to create research for lead %d: %v", lead.ID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to save research",
			})
		}
	case err == nil:
		research.PainIndicators = req.PainIndicators
		research.BuyingSignals = req.BuyingSignals
		research.Triggers = req.Triggers
		research.Role = req.Role
		research.Seniority = req.Seniority
		research.ResearchedAt = now
		research.IsStale = false
		if err := lc.DB.Save(&research).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to save research",
			})
		}
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch research",
		})
	}

	if lead.Status == models.LeadStatusNew || lead.Status == models.LeadStatusResearching {
		lc.DB.Model(&lead).Update("status", models.LeadStatusQualified)
	}

	return c.JSON(research)
}
