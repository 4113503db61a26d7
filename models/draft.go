package models

import (
	"time"

	"gorm.io/gorm"
)

// Draft approval statuses
const (
	DraftStatusPending  = "pending"
	DraftStatusApproved = "approved"
	DraftStatusRejected = "rejected"
)

// Draft is generated-but-unsent message content for one touch of one lead's
// sequence run. At most one non-rejected draft may exist per
// (lead, sequence, touch) triple; that uniqueness is the idempotency guard
// against duplicate generation and the drafting pass relies on it.
type Draft struct {
	gorm.Model
	LeadID     uint  `gorm:"not null;index" json:"lead_id"`
	SequenceID *uint `gorm:"index" json:"sequence_id"`

	TouchNumber     int      `gorm:"not null;default:1" json:"touch_number"`
	SubjectOptions  []string `gorm:"type:jsonb;serializer:json" json:"subject_options"`
	SelectedSubject string   `json:"selected_subject"`
	Body            string   `gorm:"type:text;not null" json:"body"`

	// Strategy context captured at generation time
	Angle        string `json:"angle"`
	Tone         string `json:"tone"`
	CallToAction string `json:"call_to_action"`
	Fallback     bool   `gorm:"default:false" json:"fallback"`

	// Approval
	Status          string     `gorm:"default:'pending';index" json:"status"`
	ApprovedBy      string     `json:"approved_by"`
	ApprovedAt      *time.Time `json:"approved_at"`
	RejectionReason string     `json:"rejection_reason"`

	Lead     Lead      `json:"-"`
	Sequence *Sequence `json:"-"`
}

// Subject returns the subject line to send: the operator's selection when one
// was made, otherwise the first generated option.
func (d *Draft) Subject() string {
	if d.SelectedSubject != "" {
		return d.SelectedSubject
	}
	if len(d.SubjectOptions) > 0 {
		return d.SubjectOptions[0]
	}
	return ""
}
