package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/utils"
)

const profileCacheKey = "company-profile"

// Orchestrator drives every lead's progress through its sequences: it creates
// drafts, sends approved ones, schedules the next touch, and stops the chain
// the moment a reply is observed. It holds no in-memory state between
// touches; everything needed to resume lives in the membership and event rows.
type Orchestrator struct {
	DB        *gorm.DB
	Scheduler *TaskScheduler
	Mail      utils.MailService
	Generator utils.Generator
	Cache     utils.ProfileCache
	Logger    *logrus.Logger

	// ConfirmationGrace is the wait after touch 1 before the lead becomes
	// visible as contacted. DelayUnit converts a sequence's stored delay
	// values into wall time (a day in production, shorter in tests).
	ConfirmationGrace time.Duration
	DelayUnit         time.Duration

	// Profile is the company profile used when the cache is cold.
	Profile utils.CompanyProfile
}

func NewOrchestrator(db *gorm.DB, scheduler *TaskScheduler, mail utils.MailService, generator utils.Generator, cache utils.ProfileCache, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		DB:                db,
		Scheduler:         scheduler,
		Mail:              mail,
		Generator:         generator,
		Cache:             cache,
		Logger:            logger,
		ConfirmationGrace: time.Minute,
		DelayUnit:         24 * time.Hour,
	}
}

// RegisterHandlers binds the orchestrator's task handlers to the scheduler.
func (o *Orchestrator) RegisterHandlers() {
	o.Scheduler.Register(models.TaskTypeDraftingPass, func(ctx context.Context, payload []byte) error {
		var p models.DraftingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return err
		}
		return o.DraftingPass(ctx, p)
	})

	o.Scheduler.Register(models.TaskTypeConfirmation, func(ctx context.Context, payload []byte) error {
		var p models.ConfirmationPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return err
		}
		return o.ConfirmationTask(ctx, p)
	})

	o.Scheduler.Register(models.TaskTypeFollowUp, func(ctx context.Context, payload []byte) error {
		var p models.FollowUpPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return err
		}
		return o.FollowUpTask(ctx, p)
	})
}

// EnrollLeads adds leads to a sequence. Re-enrolling a lead already in the
// sequence is reported as skipped, never as an error. A lead that is already
// contacted (touch 1 sent outside the sequence) enrolls ready at touch 1 so
// the sequence picks up from touch 2.
func (o *Orchestrator) EnrollLeads(sequenceID uint, leadIDs []uint) (added, skipped int, err error) {
	var sequence models.Sequence
	if err := o.DB.First(&sequence, sequenceID).Error; err != nil {
		return 0, 0, err
	}

	for _, leadID := range leadIDs {
		var lead models.Lead
		if err := o.DB.First(&lead, leadID).Error; err != nil {
			skipped++
			continue
		}

		if lead.Email == "" || checkmail.ValidateFormat(lead.Email) != nil {
			o.Logger.WithFields(logrus.Fields{
				"lead_id": lead.ID,
				"email":   lead.Email,
			}).Warn("Skipping enrollment: invalid email")
			skipped++
			continue
		}

		var existing models.SequenceMembership
		err := o.DB.Where("sequence_id = ? AND lead_id = ?", sequenceID, leadID).
			First(&existing).Error
		if err == nil {
			skipped++
			continue
		}
		if err != gorm.ErrRecordNotFound {
			return added, skipped, err
		}

		membership := models.SequenceMembership{
			SequenceID: sequenceID,
			LeadID:     leadID,
			Status:     models.MembershipStatusPending,
		}
		if lead.Status == models.LeadStatusContacted {
			membership.Status = models.MembershipStatusReady
			membership.CurrentTouch = 1
		}
		if err := o.DB.Create(&membership).Error; err != nil {
			return added, skipped, err
		}
		added++
	}

	if sequence.Status == models.SequenceStatusActive && added > 0 {
		if _, err := o.Scheduler.Schedule(models.TaskTypeDraftingPass, models.DraftingPayload{SequenceID: sequenceID}, 0); err != nil {
			o.Logger.WithError(err).Error("Failed to schedule drafting pass after enrollment")
		}
	}

	return added, skipped, nil
}

// StartSequence activates a sequence, wakes the drafting pass for members
// still awaiting touch 1, and schedules the touch-2 follow-up for members
// whose first touch already went out.
func (o *Orchestrator) StartSequence(sequenceID uint) error {
	var sequence models.Sequence
	if err := o.DB.First(&sequence, sequenceID).Error; err != nil {
		return err
	}

	if sequence.Status != models.SequenceStatusActive {
		if err := o.DB.Model(&sequence).Update("status", models.SequenceStatusActive).Error; err != nil {
			return err
		}
	}

	var memberships []models.SequenceMembership
	if err := o.DB.Where("sequence_id = ?", sequenceID).Find(&memberships).Error; err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range memberships {
		m := &memberships[i]
		if m.Status != models.MembershipStatusReady || m.CurrentTouch != 1 {
			continue
		}

		var lead models.Lead
		if err := o.DB.First(&lead, m.LeadID).Error; err != nil {
			continue
		}
		if lead.Status != models.LeadStatusContacted {
			continue
		}

		sentAt := now
		if lead.LastContactedAt != nil {
			sentAt = *lead.LastContactedAt
		}
		delay := o.touchDelay(&sequence, 2)
		if _, err := o.Scheduler.Schedule(models.TaskTypeFollowUp, models.FollowUpPayload{
			LeadID:      m.LeadID,
			SequenceID:  sequenceID,
			TouchNumber: 1,
			SentAt:      sentAt,
		}, delay); err != nil {
			return err
		}

		o.DB.Model(m).Updates(map[string]interface{}{
			"status":        models.MembershipStatusActive,
			"next_touch_at": now.Add(delay),
		})
		o.DB.Model(&lead).Update("status", models.LeadStatusSequencing)
	}

	_, err := o.Scheduler.Schedule(models.TaskTypeDraftingPass, models.DraftingPayload{SequenceID: sequenceID}, 0)
	return err
}

// DraftingPass generates touch-1 drafts for every member of the sequence
// still awaiting its first touch. Safe to re-run any number of times: the
// draft existence guard makes re-running the retry strategy for partial
// failures.
func (o *Orchestrator) DraftingPass(ctx context.Context, p models.DraftingPayload) error {
	var sequence models.Sequence
	if err := o.DB.First(&sequence, p.SequenceID).Error; err != nil {
		return err
	}
	if sequence.Status != models.SequenceStatusActive {
		o.Logger.WithFields(logrus.Fields{
			"sequence_id": p.SequenceID,
			"status":      sequence.Status,
		}).Info("Drafting pass skipped: sequence not active")
		return nil
	}

	var memberships []models.SequenceMembership
	err := o.DB.
		Where("sequence_id = ? AND status IN ? AND current_touch < 1",
			p.SequenceID,
			[]string{models.MembershipStatusPending, models.MembershipStatusActive}).
		Find(&memberships).Error
	if err != nil {
		return err
	}

	processed := 0
	for _, m := range memberships {
		var lead models.Lead
		if err := o.DB.Preload("Research").First(&lead, m.LeadID).Error; err != nil {
			o.Logger.WithError(err).WithField("lead_id", m.LeadID).Warn("Drafting pass: lead not found")
			continue
		}

		exists, err := o.draftExists(lead.ID, p.SequenceID, 1)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		if lead.Research == nil {
			o.Logger.WithFields(logrus.Fields{
				"lead_id": lead.ID,
				"company": lead.CompanyName,
			}).Info("Drafting pass: skipping lead without research")
			continue
		}

		if _, err := o.CreateDraft(ctx, &lead, p.SequenceID, 1, models.DraftStatusPending); err != nil {
			// Partial failure tolerated: committed drafts stay, re-run resumes here.
			o.Logger.WithError(err).WithField("lead_id", lead.ID).Error("Drafting pass: generation failed")
			continue
		}
		processed++
	}

	o.Logger.WithFields(logrus.Fields{
		"sequence_id": p.SequenceID,
		"processed":   processed,
	}).Info("Drafting pass completed")
	return nil
}

// CreateDraft generates and persists a draft for the given touch. Status is
// pending for human-gated drafts and approved for auto-approved follow-ups.
func (o *Orchestrator) CreateDraft(ctx context.Context, lead *models.Lead, sequenceID uint, touchNumber int, status string) (*models.Draft, error) {
	profile := o.companyProfile(ctx)
	strategy := utils.DetermineStrategy(lead.Research)

	result, err := o.Generator.Generate(lead, lead.Research, profile, strategy, touchNumber)
	if err != nil {
		return nil, err
	}
	if result.FallbackUsed {
		o.Logger.WithFields(logrus.Fields{
			"lead_id": lead.ID,
			"touch":   touchNumber,
		}).Warn("Generator fell back to templated content")
	}

	draft := models.Draft{
		LeadID:         lead.ID,
		SequenceID:     &sequenceID,
		TouchNumber:    touchNumber,
		SubjectOptions: result.SubjectOptions,
		Body:           result.Body,
		Angle:          strategy.Angle,
		Tone:           strategy.Tone,
		CallToAction:   strategy.CallToAction,
		Fallback:       result.FallbackUsed,
		Status:         status,
	}
	if status == models.DraftStatusApproved {
		draft.ApprovedAt = utils.Pointer(time.Now().UTC())
		draft.ApprovedBy = "orchestrator"
	}
	if err := o.DB.Create(&draft).Error; err != nil {
		return nil, err
	}
	return &draft, nil
}

// SendDraft sends an approved draft, appends the sent event, advances the
// membership state machine, and schedules the next wake-up. A stopped
// membership or a reply since the last touch blocks the send entirely;
// stopped is terminal and the orchestrator never moves a membership out of
// it. A failed send leaves the draft approved with no event and no schedule;
// the caller must retry explicitly.
func (o *Orchestrator) SendDraft(draft *models.Draft) error {
	if draft.Status != models.DraftStatusApproved {
		return fmt.Errorf("draft %d is not approved", draft.ID)
	}
	if draft.SequenceID == nil {
		return fmt.Errorf("draft %d has no sequence", draft.ID)
	}

	var lead models.Lead
	if err := o.DB.First(&lead, draft.LeadID).Error; err != nil {
		return err
	}
	var sequence models.Sequence
	if err := o.DB.First(&sequence, *draft.SequenceID).Error; err != nil {
		return err
	}

	// Absent before touch 1; created below once the first follow-up lands.
	var membership models.SequenceMembership
	merr := o.DB.Where("sequence_id = ? AND lead_id = ?", *draft.SequenceID, lead.ID).
		First(&membership).Error
	if merr != nil && merr != gorm.ErrRecordNotFound {
		return merr
	}
	haveMembership := merr == nil
	if haveMembership && membership.Stopped() {
		o.Logger.WithFields(logrus.Fields{
			"lead_id": lead.ID,
			"touch":   draft.TouchNumber,
			"status":  membership.Status,
		}).Info("Send skipped: membership terminal")
		return nil
	}

	var lastSentAt time.Time
	var lastSent models.EmailEvent
	if err := o.DB.Where("lead_id = ? AND event_type = ?", lead.ID, models.EventTypeSent).
		Order("occurred_at DESC").First(&lastSent).Error; err == nil {
		lastSentAt = lastSent.OccurredAt
	}
	replied, err := o.hasReplySince(lead.ID, lastSentAt)
	if err != nil {
		return err
	}
	if replied {
		o.Logger.WithFields(logrus.Fields{
			"lead_id": lead.ID,
			"touch":   draft.TouchNumber,
		}).Info("Send skipped: lead replied")
		return nil
	}

	messageID, err := o.Mail.Send(utils.Email{
		To:      lead.Email,
		Subject: draft.Subject(),
		Body:    draft.Body,
	})
	if err != nil {
		return fmt.Errorf("send failed for draft %d: %w", draft.ID, err)
	}

	now := time.Now().UTC()
	completed := draft.TouchNumber >= sequence.Touches

	err = o.DB.Transaction(func(tx *gorm.DB) error {
		event := models.EmailEvent{
			LeadID:      lead.ID,
			SequenceID:  draft.SequenceID,
			DraftID:     &draft.ID,
			EventType:   models.EventTypeSent,
			TouchNumber: draft.TouchNumber,
			OccurredAt:  now,
			MessageID:   messageID,
		}
		if err := tx.Create(&event).Error; err != nil {
			return err
		}

		if draft.TouchNumber == 1 {
			// Hidden until the confirmation grace period elapses without a reply.
			return tx.Model(&lead).Updates(map[string]interface{}{
				"status":            models.LeadStatusSequencing,
				"last_contacted_at": now,
			}).Error
		}

		if !haveMembership {
			membership = models.SequenceMembership{
				SequenceID: *draft.SequenceID,
				LeadID:     lead.ID,
				Status:     models.MembershipStatusActive,
			}
			if err := tx.Create(&membership).Error; err != nil {
				return err
			}
		}

		updates := map[string]interface{}{
			"status": models.MembershipStatusActive,
		}
		if draft.TouchNumber > membership.CurrentTouch {
			updates["current_touch"] = draft.TouchNumber
		}
		leadStatus := models.LeadStatusSequencing
		if completed {
			updates["status"] = models.MembershipStatusCompleted
			updates["next_touch_at"] = nil
			leadStatus = models.LeadStatusCompleted
		} else {
			updates["next_touch_at"] = now.Add(o.touchDelay(&sequence, draft.TouchNumber+1))
		}
		if err := tx.Model(&membership).Updates(updates).Error; err != nil {
			return err
		}

		return tx.Model(&lead).Updates(map[string]interface{}{
			"status":            leadStatus,
			"last_contacted_at": now,
		}).Error
	})
	if err != nil {
		return err
	}

	o.Logger.WithFields(logrus.Fields{
		"lead_id":     lead.ID,
		"sequence_id": *draft.SequenceID,
		"touch":       draft.TouchNumber,
		"message_id":  messageID,
	}).Info("Touch sent")

	// Scheduling happens after the state commit so a scheduling failure can
	// never orphan the event row.
	if draft.TouchNumber == 1 {
		_, err = o.Scheduler.Schedule(models.TaskTypeConfirmation, models.ConfirmationPayload{
			LeadID:     lead.ID,
			SequenceID: *draft.SequenceID,
			DraftID:    draft.ID,
			SentAt:     now,
		}, o.ConfirmationGrace)
		return err
	}
	if completed {
		o.Logger.WithField("lead_id", lead.ID).Info("Sequence complete")
		return nil
	}

	_, err = o.Scheduler.Schedule(models.TaskTypeFollowUp, models.FollowUpPayload{
		LeadID:      lead.ID,
		SequenceID:  *draft.SequenceID,
		TouchNumber: draft.TouchNumber,
		SentAt:      now,
	}, o.touchDelay(&sequence, draft.TouchNumber+1))
	return err
}

// ConfirmationTask fires once after the grace delay that follows touch 1.
// If the lead replied in the window the global reply handler has already
// stopped the path and nothing happens; otherwise the lead becomes visible
// as contacted and the membership is ready for touch 2.
func (o *Orchestrator) ConfirmationTask(_ context.Context, p models.ConfirmationPayload) error {
	replied, err := o.hasReplySince(p.LeadID, p.SentAt)
	if err != nil {
		return err
	}
	if replied {
		o.Logger.WithField("lead_id", p.LeadID).Info("Confirmation: lead already replied, no action")
		return nil
	}

	return o.DB.Transaction(func(tx *gorm.DB) error {
		var membership models.SequenceMembership
		err := tx.Where("sequence_id = ? AND lead_id = ?", p.SequenceID, p.LeadID).
			First(&membership).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			membership = models.SequenceMembership{
				SequenceID: p.SequenceID,
				LeadID:     p.LeadID,
			}
			if err := tx.Create(&membership).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		case membership.Stopped():
			// Stopped without a reply (unsubscribe, completion). The lead
			// must not surface as actionable.
			return nil
		}

		if err := tx.Model(&membership).Updates(map[string]interface{}{
			"status":        models.MembershipStatusReady,
			"current_touch": 1,
		}).Error; err != nil {
			return err
		}

		return tx.Model(&models.Lead{}).Where("id = ?", p.LeadID).
			Update("status", models.LeadStatusContacted).Error
	})
}

// FollowUpTask attempts the touch after p.TouchNumber. It is delivered
// at-least-once and may race an incoming reply, so it re-checks everything
// on wake: membership status first (cheap second line of defense), then the
// event log (the authority), then the touch limit, then the draft/event
// existence guards.
func (o *Orchestrator) FollowUpTask(ctx context.Context, p models.FollowUpPayload) error {
	var membership models.SequenceMembership
	err := o.DB.Where("sequence_id = ? AND lead_id = ?", p.SequenceID, p.LeadID).
		First(&membership).Error
	if err == nil && membership.Stopped() {
		o.Logger.WithFields(logrus.Fields{
			"lead_id": p.LeadID,
			"status":  membership.Status,
		}).Info("Follow-up aborted: membership terminal")
		return nil
	}
	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}

	replied, err := o.hasReplySince(p.LeadID, p.SentAt)
	if err != nil {
		return err
	}
	if replied {
		o.Logger.WithField("lead_id", p.LeadID).Info("Follow-up aborted: reply received")
		return nil
	}

	var sequence models.Sequence
	if err := o.DB.First(&sequence, p.SequenceID).Error; err != nil {
		return err
	}
	nextTouch := p.TouchNumber + 1
	if nextTouch > sequence.Touches {
		o.Logger.WithFields(logrus.Fields{
			"lead_id": p.LeadID,
			"touch":   nextTouch,
		}).Info("Follow-up aborted: sequence exhausted")
		return nil
	}

	var draft models.Draft
	err = o.DB.
		Where("lead_id = ? AND sequence_id = ? AND touch_number = ? AND status <> ?",
			p.LeadID, p.SequenceID, nextTouch, models.DraftStatusRejected).
		First(&draft).Error
	switch {
	case err == nil:
		// Redelivery or a crash between persist and send. If the draft
		// already produced a sent event the work is done; otherwise finish
		// the send exactly once.
		var sentCount int64
		if err := o.DB.Model(&models.EmailEvent{}).
			Where("draft_id = ? AND event_type = ?", draft.ID, models.EventTypeSent).
			Count(&sentCount).Error; err != nil {
			return err
		}
		if sentCount > 0 {
			o.Logger.WithFields(logrus.Fields{
				"lead_id": p.LeadID,
				"touch":   nextTouch,
			}).Info("Follow-up aborted: touch already sent")
			return nil
		}
		if draft.Status == models.DraftStatusPending {
			// Follow-ups past touch 1 are auto-approved.
			now := time.Now().UTC()
			if err := o.DB.Model(&draft).Updates(map[string]interface{}{
				"status":      models.DraftStatusApproved,
				"approved_by": "orchestrator",
				"approved_at": now,
			}).Error; err != nil {
				return err
			}
			draft.Status = models.DraftStatusApproved
		}
	case err == gorm.ErrRecordNotFound:
		var lead models.Lead
		if err := o.DB.Preload("Research").First(&lead, p.LeadID).Error; err != nil {
			return err
		}
		created, err := o.CreateDraft(ctx, &lead, p.SequenceID, nextTouch, models.DraftStatusApproved)
		if err != nil {
			return err
		}
		draft = *created
	default:
		return err
	}

	return o.SendDraft(&draft)
}

// HandleReply is the global reply handler: it records the reply, moves the
// lead to replied, and stops every live membership for the lead across all
// sequences. It is the sole authority that can stop an in-flight follow-up
// chain.
func (o *Orchestrator) HandleReply(leadID uint, title, body, messageID string, occurredAt time.Time) error {
	if messageID != "" {
		var count int64
		if err := o.DB.Model(&models.EmailEvent{}).
			Where("message_id = ? AND event_type = ?", messageID, models.EventTypeReplied).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil // already processed
		}
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	err := o.DB.Transaction(func(tx *gorm.DB) error {
		var lead models.Lead
		if err := tx.First(&lead, leadID).Error; err != nil {
			return err
		}

		var lastSent models.EmailEvent
		touch := 0
		var sequenceID *uint
		if err := tx.Where("lead_id = ? AND event_type = ?", leadID, models.EventTypeSent).
			Order("occurred_at DESC").First(&lastSent).Error; err == nil {
			touch = lastSent.TouchNumber
			sequenceID = lastSent.SequenceID
		}

		event := models.EmailEvent{
			LeadID:      leadID,
			SequenceID:  sequenceID,
			EventType:   models.EventTypeReplied,
			TouchNumber: touch,
			OccurredAt:  occurredAt,
			MessageID:   messageID,
			Title:       title,
			Body:        body,
		}
		if err := tx.Create(&event).Error; err != nil {
			return err
		}

		if lead.Status != models.LeadStatusReplied && lead.Status != models.LeadStatusConverted {
			if err := tx.Model(&lead).Update("status", models.LeadStatusReplied).Error; err != nil {
				return err
			}
		}

		return tx.Model(&models.SequenceMembership{}).
			Where("lead_id = ? AND status IN ?", leadID,
				[]string{models.MembershipStatusPending, models.MembershipStatusReady, models.MembershipStatusActive}).
			Updates(map[string]interface{}{
				"status":         models.MembershipStatusStopped,
				"stopped_reason": "replied",
			}).Error
	})
	if err != nil {
		return err
	}

	o.Logger.WithFields(logrus.Fields{
		"lead_id":    leadID,
		"message_id": messageID,
	}).Info("Reply recorded, memberships stopped")
	return nil
}

func (o *Orchestrator) hasReplySince(leadID uint, since time.Time) (bool, error) {
	var count int64
	err := o.DB.Model(&models.EmailEvent{}).
		Where("lead_id = ? AND event_type = ? AND occurred_at >= ?",
			leadID, models.EventTypeReplied, since).
		Count(&count).Error
	return count > 0, err
}

func (o *Orchestrator) draftExists(leadID, sequenceID uint, touchNumber int) (bool, error) {
	var count int64
	err := o.DB.Model(&models.Draft{}).
		Where("lead_id = ? AND sequence_id = ? AND touch_number = ? AND status <> ?",
			leadID, sequenceID, touchNumber, models.DraftStatusRejected).
		Count(&count).Error
	return count > 0, err
}

func (o *Orchestrator) touchDelay(sequence *models.Sequence, touch int) time.Duration {
	return time.Duration(sequence.DelayBeforeTouch(touch)) * o.DelayUnit
}

func (o *Orchestrator) companyProfile(ctx context.Context) *utils.CompanyProfile {
	if o.Cache != nil {
		if profile, ok := o.Cache.Get(ctx, profileCacheKey); ok {
			return profile
		}
	}
	profile := o.Profile
	if o.Cache != nil {
		if err := o.Cache.Set(ctx, profileCacheKey, &profile); err != nil {
			o.Logger.WithError(err).Warn("Failed to cache company profile")
		}
	}
	return &profile
}
