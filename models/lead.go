package models

import (
	"time"

	"gorm.io/gorm"
)

// Lead funnel statuses. The orchestrator and the qualification scorer are
// the only writers of Lead.Status.
const (
	LeadStatusNew          = "new"
	LeadStatusResearching  = "researching"
	LeadStatusQualified    = "qualified"
	LeadStatusSequencing   = "sequencing" // transient, hidden from the actionable queue
	LeadStatusContacted    = "contacted"
	LeadStatusReplied      = "replied"
	LeadStatusConverted    = "converted"
	LeadStatusDisqualified = "disqualified"
	LeadStatusCompleted    = "completed"
	LeadStatusNotQualified = "not_qualified"
)

// Lead represents a single sales prospect
type Lead struct {
	gorm.Model

	Email       string `gorm:"index" json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	CompanyName string `gorm:"not null" json:"company_name"`
	Website     string `json:"website"`
	Position    string `json:"position"`
	Industry    string `json:"industry"`

	// Funnel status
	Status string `gorm:"default:'new';index" json:"status"`

	// Metadata
	Source          string     `json:"source"`
	LastContactedAt *time.Time `json:"last_contacted_at"`

	// Relations
	Research    *LeadResearch        `gorm:"foreignKey:LeadID" json:"research,omitempty"`
	Memberships []SequenceMembership `gorm:"foreignKey:LeadID" json:"memberships,omitempty"`
	Drafts      []Draft              `gorm:"foreignKey:LeadID" json:"drafts,omitempty"`
	Events      []EmailEvent         `gorm:"foreignKey:LeadID" json:"events,omitempty"`
}

// FullName joins first and last name, skipping empty parts.
func (l *Lead) FullName() string {
	switch {
	case l.FirstName == "":
		return l.LastName
	case l.LastName == "":
		return l.FirstName
	default:
		return l.FirstName + " " + l.LastName
	}
}

// LeadResearch holds the research collaborator's output for a lead. It is the
// drafting precondition: a lead without a research row is skipped by the
// drafting pass.
type LeadResearch struct {
	gorm.Model
	LeadID uint `gorm:"not null;uniqueIndex" json:"lead_id"`

	PainIndicators []string `gorm:"type:jsonb;serializer:json" json:"pain_indicators"`
	BuyingSignals  []string `gorm:"type:jsonb;serializer:json" json:"buying_signals"`
	Triggers       []string `gorm:"type:jsonb;serializer:json" json:"triggers"`
	Role           string   `json:"role"`
	Seniority      string   `json:"seniority"`

	ResearchedAt time.Time `gorm:"not null" json:"researched_at"`
	IsStale      bool      `gorm:"default:false" json:"is_stale"`

	Lead Lead `json:"-"`
}
