package utils

import (
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"

	"leadflow/models"
)

// Email is one outbound message.
type Email struct {
	From     string
	FromName string
	To       string
	Subject  string
	Body     string
}

// MailService sends a single email and returns its message id. Semantics are
// at-most-once per call: the caller never retries a failed send automatically,
// that would risk duplicate delivery.
type MailService interface {
	Send(email Email) (string, error)
}

// SenderMailer sends through the configured Sender rows over SMTP, rotating
// by remaining daily capacity.
type SenderMailer struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewSenderMailer(db *gorm.DB, logger *log.Logger) *SenderMailer {
	return &SenderMailer{
		DB:     db,
		Logger: logger,
	}
}

// RotateSender selects the active sender with the most remaining capacity today.
func (sm *SenderMailer) RotateSender() (*models.Sender, error) {
	var senders []models.Sender
	if err := sm.DB.Where("is_active = ?", true).Find(&senders).Error; err != nil {
		return nil, err
	}

	if len(senders) == 0 {
		return nil, errors.New("no active senders available")
	}

	var bestSender *models.Sender
	maxAvailable := 0

	for i := range senders {
		available := senders[i].DailyLimit - senders[i].SentToday
		if available > maxAvailable {
			maxAvailable = available
			bestSender = &senders[i]
		}
	}

	if bestSender == nil || maxAvailable <= 0 {
		return nil, errors.New("no senders with available capacity")
	}

	return bestSender, nil
}

func (sm *SenderMailer) Send(email Email) (string, error) {
	sender, err := sm.RotateSender()
	if err != nil {
		return "", err
	}

	password, err := Decrypt(sender.SMTPPassword)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt SMTP password: %w", err)
	}

	from := email.From
	fromName := email.FromName
	if from == "" {
		from = sender.FromEmail
		fromName = sender.FromName
	}

	messageID := uuid.New().String()

	m := gomail.NewMessage()
	m.SetHeader("From", fmt.Sprintf("%s <%s>", fromName, from))
	m.SetHeader("To", email.To)
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@leadflow>", messageID))
	m.SetBody("text/plain", email.Body)

	dialer := gomail.NewDialer(
		sender.SMTPHost,
		sender.SMTPPort,
		sender.SMTPUsername,
		password,
	)

	if err := dialer.DialAndSend(m); err != nil {
		return "", fmt.Errorf("failed to send via %s: %w", sender.FromEmail, err)
	}

	if err := sm.DB.Model(&models.Sender{}).
		Where("id = ?", sender.ID).
		Updates(map[string]interface{}{
			"sent_today": gorm.Expr("sent_today + ?", 1),
			"total_sent": gorm.Expr("total_sent + ?", 1),
		}).Error; err != nil {
		sm.Logger.Printf("Failed to update sender usage for %d: %v", sender.ID, err)
	}

	return messageID, nil
}

// ResetDailyCounters clears sent_today for all senders. Called once per day
// by the recovery worker.
func (sm *SenderMailer) ResetDailyCounters() error {
	return sm.DB.Model(&models.Sender{}).
		Where("sent_today > 0").
		Update("sent_today", 0).Error
}
