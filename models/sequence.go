package models

import (
	"time"

	"gorm.io/gorm"
)

// Sequence statuses
const (
	SequenceStatusDraft     = "draft"
	SequenceStatusActive    = "active"
	SequenceStatusPaused    = "paused"
	SequenceStatusCompleted = "completed"
)

// Membership statuses. Stopped is terminal: the orchestrator never moves a
// membership out of it, only re-enrollment into a different sequence resumes
// contact.
const (
	MembershipStatusPending   = "pending"
	MembershipStatusReady     = "ready"
	MembershipStatusActive    = "active"
	MembershipStatusCompleted = "completed"
	MembershipStatusStopped   = "stopped"
)

// Sequence defines a named outreach campaign: how many touches it sends and
// how long to wait between them.
type Sequence struct {
	gorm.Model
	ExternalID  string `gorm:"uniqueIndex" json:"external_id"`
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	// Touches is the total number of emails in the sequence.
	// TouchDelays[0] is the wait before touch 2, TouchDelays[1] before
	// touch 3, and so on. Values are in the unit configured at boot
	// (days in production).
	Touches     int    `gorm:"default:3" json:"touches"`
	TouchDelays []int  `gorm:"type:jsonb;serializer:json" json:"touch_delays"`
	Status      string `gorm:"default:'draft'" json:"status"`

	Memberships []SequenceMembership `gorm:"foreignKey:SequenceID" json:"memberships,omitempty"`
}

// DelayBeforeTouch returns the configured wait before the given touch fires,
// in delay units. Touch numbering starts at 1; there is no delay before
// touch 1. Falls back to the last configured delay when the list is short.
func (s *Sequence) DelayBeforeTouch(touch int) int {
	if touch <= 1 || len(s.TouchDelays) == 0 {
		return 0
	}
	idx := touch - 2
	if idx >= len(s.TouchDelays) {
		idx = len(s.TouchDelays) - 1
	}
	return s.TouchDelays[idx]
}

// SequenceMembership is a lead's progress record within one sequence,
// unique per (sequence, lead) pair. CurrentTouch only ever increases.
type SequenceMembership struct {
	gorm.Model
	SequenceID uint `gorm:"not null;uniqueIndex:idx_memberships_sequence_lead" json:"sequence_id"`
	LeadID     uint `gorm:"not null;uniqueIndex:idx_memberships_sequence_lead" json:"lead_id"`

	// CurrentTouch is the highest touch already sent; 0 means none.
	CurrentTouch int        `gorm:"default:0" json:"current_touch"`
	NextTouchAt  *time.Time `gorm:"index" json:"next_touch_at"`

	Status        string `gorm:"default:'pending';index" json:"status"`
	StoppedReason string `json:"stopped_reason"`

	Sequence Sequence `json:"-"`
	Lead     Lead     `json:"-"`
}

// Stopped reports whether the membership is in a terminal state.
func (m *SequenceMembership) Stopped() bool {
	return m.Status == MembershipStatusStopped || m.Status == MembershipStatusCompleted
}
