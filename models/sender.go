package models

import (
	"time"

	"gorm.io/gorm"
)

// Sender represents outbound sending and reply-polling credentials for one
// mailbox. Passwords are encrypted at the application layer before they ever
// reach the row.
type Sender struct {
	gorm.Model

	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`

	// SMTP configuration
	SMTPHost     string `gorm:"not null" json:"smtp_host"`
	SMTPPort     int    `gorm:"not null" json:"smtp_port"`
	SMTPUsername string `gorm:"not null" json:"smtp_username"`
	SMTPPassword string `gorm:"not null" json:"-"`

	// IMAP configuration, used by the reply poller
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"`
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// Status
	IsActive     bool       `gorm:"default:true" json:"is_active"`
	LastError    *string    `json:"last_error"`
	LastPolledAt *time.Time `json:"last_polled_at"`

	// Usage
	DailyLimit int `gorm:"default:500" json:"daily_limit"`
	SentToday  int `gorm:"default:0" json:"sent_today"`
	TotalSent  int `gorm:"default:0" json:"total_sent"`
}
