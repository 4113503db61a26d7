package models

import (
	"time"

	"gorm.io/gorm"
)

// Email event types
const (
	EventTypeSent         = "sent"
	EventTypeDelivered    = "delivered"
	EventTypeOpened       = "opened"
	EventTypeClicked      = "clicked"
	EventTypeReplied      = "replied"
	EventTypeBounced      = "bounced"
	EventTypeUnsubscribed = "unsubscribed"
)

// EmailEvent is an append-only fact about a lead/email interaction. Rows are
// never updated or deleted; the event log is the sole source of truth for
// "did this lead reply".
type EmailEvent struct {
	gorm.Model
	LeadID     uint  `gorm:"not null;index" json:"lead_id"`
	SequenceID *uint `gorm:"index" json:"sequence_id"`
	DraftID    *uint `gorm:"index" json:"draft_id"`

	EventType   string    `gorm:"not null;index" json:"event_type"`
	TouchNumber int       `json:"touch_number"`
	OccurredAt  time.Time `gorm:"not null;index" json:"occurred_at"`

	// Transport metadata
	MessageID string `gorm:"index" json:"message_id"`

	// Reply content, when the event is a reply
	Title string `json:"title"`
	Body  string `gorm:"type:text" json:"body"`

	Lead     Lead      `json:"-"`
	Sequence *Sequence `json:"-"`
	Draft    *Draft    `json:"-"`
}
