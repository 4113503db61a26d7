package controllers

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/utils"
)

type SenderController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewSenderController(db *gorm.DB, logger *log.Logger) *SenderController {
	return &SenderController{DB: db, Logger: logger}
}

type createSenderRequest struct {
	Name      string `json:"name" validate:"required,min=2,max=100"`
	FromEmail string `json:"from_email" validate:"required,email"`
	FromName  string `json:"from_name" validate:"required,min=2,max=100"`

	SMTPHost     string `json:"smtp_host" validate:"required"`
	SMTPPort     int    `json:"smtp_port" validate:"required,min=1,max=65535"`
	SMTPUsername string `json:"smtp_username" validate:"required"`
	SMTPPassword string `json:"smtp_password" validate:"required"`

	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" validate:"omitempty,min=1,max=65535"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"imap_password"`
	IMAPEncryption string `json:"imap_encryption" validate:"omitempty,oneof=SSL TLS STARTTLS NONE"`

	DailyLimit int `json:"daily_limit" validate:"omitempty,min=1,max=2000"`
}

// CreateSender registers a sending mailbox. Passwords are encrypted before
// the row is written and never returned.
func (sc *SenderController) CreateSender(c *fiber.Ctx) error {
	var req createSenderRequest
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

	smtpPassword, err := utils.Encrypt(req.SMTPPassword)
	if err != nil {
		sc.Logger.Printf("Failed to encrypt SMTP password: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store credentials",
		})
	}

	sender := models.Sender{
		Name:         req.Name,
		FromEmail:    req.FromEmail,
		FromName:     req.FromName,
		SMTPHost:     req.SMTPHost,
		SMTPPort:     req.SMTPPort,
		SMTPUsername: req.SMTPUsername,
		SMTPPassword: smtpPassword,
		IsActive:     true,
	}
	if req.IMAPHost != "" {
		imapPassword, err := utils.Encrypt(req.IMAPPassword)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to store credentials",
			})
		}
		sender.IMAPHost = req.IMAPHost
		sender.IMAPPort = req.IMAPPort
		sender.IMAPUsername = req.IMAPUsername
		sender.IMAPPassword = imapPassword
		if req.IMAPEncryption != "" {
			sender.IMAPEncryption = req.IMAPEncryption
		}
	}
	if req.DailyLimit > 0 {
		sender.DailyLimit = req.DailyLimit
	}

	if err := sc.DB.Create(&sender).Error; err != nil {
		sc.Logger.Printf("Failed to create sender: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create sender",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(sender)
}

func (sc *SenderController) GetSenders(c *fiber.Ctx) error {
	var senders []models.Sender
	if err := sc.DB.Order("created_at").Find(&senders).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch senders",
		})
	}

	return c.JSON(fiber.Map{
		"senders": senders,
		"count":   len(senders),
	})
}

// DeactivateSender takes a mailbox out of rotation without deleting its
// send history.
func (sc *SenderController) DeactivateSender(c *fiber.Ctx) error {
	var sender models.Sender
	if err := sc.DB.First(&sender, c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sender not found",
		})
	}

	if err := sc.DB.Model(&sender).Update("is_active", false).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to deactivate sender",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Sender deactivated",
	})
}
