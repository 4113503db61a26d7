package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Task types dispatched by the scheduler.
const (
	TaskTypeDraftingPass = "sequence.drafting_pass"
	TaskTypeConfirmation = "sequence.confirmation"
	TaskTypeFollowUp     = "sequence.follow_up"
)

// Scheduled task statuses
const (
	TaskStatusQueued  = "queued"
	TaskStatusRunning = "running"
	TaskStatusDone    = "done"
	TaskStatusFailed  = "failed"
)

// ScheduledTask is a durable delayed callback. Delivery is at-least-once: a
// worker crash between claim and completion leaves the row in running until
// the stale sweep requeues it, and a task that was executed but not marked
// done will run again. Every handler must tolerate redelivery.
type ScheduledTask struct {
	gorm.Model
	TaskType string `gorm:"not null;index" json:"task_type"`
	Payload  []byte `gorm:"type:jsonb" json:"payload"`

	RunAt  time.Time `gorm:"not null;index" json:"run_at"`
	Status string    `gorm:"default:'queued';index" json:"status"`

	Attempts    int        `gorm:"default:0" json:"attempts"`
	MaxAttempts int        `gorm:"default:5" json:"max_attempts"`
	LastError   string     `json:"last_error"`
	ClaimedAt   *time.Time `json:"claimed_at"`
}

// DraftingPayload wakes the drafting pass for one sequence.
type DraftingPayload struct {
	SequenceID uint `json:"sequence_id"`
}

// Validate checks the payload at the enqueue/dispatch boundary.
func (p DraftingPayload) Validate() error {
	if p.SequenceID == 0 {
		return errors.New("drafting payload: sequence_id is required")
	}
	return nil
}

// ConfirmationPayload fires once after the grace delay that follows touch 1.
type ConfirmationPayload struct {
	LeadID     uint      `json:"lead_id"`
	SequenceID uint      `json:"sequence_id"`
	DraftID    uint      `json:"draft_id"`
	SentAt     time.Time `json:"sent_at"`
}

func (p ConfirmationPayload) Validate() error {
	if p.LeadID == 0 || p.SequenceID == 0 {
		return errors.New("confirmation payload: lead_id and sequence_id are required")
	}
	if p.SentAt.IsZero() {
		return errors.New("confirmation payload: sent_at is required")
	}
	return nil
}

// FollowUpPayload fires once per scheduled touch. TouchNumber is the touch
// that was already sent; the task attempts TouchNumber+1.
type FollowUpPayload struct {
	LeadID      uint      `json:"lead_id"`
	SequenceID  uint      `json:"sequence_id"`
	TouchNumber int       `json:"touch_number"`
	SentAt      time.Time `json:"sent_at"`
}

func (p FollowUpPayload) Validate() error {
	if p.LeadID == 0 || p.SequenceID == 0 {
		return errors.New("follow-up payload: lead_id and sequence_id are required")
	}
	if p.TouchNumber < 1 {
		return errors.New("follow-up payload: touch_number must be at least 1")
	}
	if p.SentAt.IsZero() {
		return errors.New("follow-up payload: sent_at is required")
	}
	return nil
}
