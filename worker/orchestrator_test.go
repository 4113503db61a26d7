package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"leadflow/config"
	"leadflow/models"
	"leadflow/utils"
)

type fakeMailer struct {
	sent []utils.Email
	fail bool
}

func (m *fakeMailer) Send(email utils.Email) (string, error) {
	if m.fail {
		return "", fmt.Errorf("smtp unavailable")
	}
	m.sent = append(m.sent, email)
	return fmt.Sprintf("<msg-%d@test>", len(m.sent)), nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, config.MigrateDB(db))
	return db
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeMailer, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)

	mailer := &fakeMailer{}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	scheduler := NewTaskScheduler(db, log.New(io.Discard, "", 0), time.Second, 1)
	o := NewOrchestrator(db, scheduler, mailer, utils.NewTemplateGenerator(),
		utils.NewMemoryProfileCache(time.Hour), logger)
	o.ConfirmationGrace = time.Minute
	o.DelayUnit = time.Hour
	o.RegisterHandlers()
	return o, mailer, db
}

func createTestSequence(t *testing.T, db *gorm.DB, touches int) *models.Sequence {
	t.Helper()
	sequence := models.Sequence{
		ExternalID:  fmt.Sprintf("seq-%s-%d", t.Name(), touches),
		Name:        "Q3 Outbound",
		Touches:     touches,
		TouchDelays: []int{2, 3},
		Status:      models.SequenceStatusActive,
	}
	require.NoError(t, db.Create(&sequence).Error)
	return &sequence
}

func createTestLead(t *testing.T, db *gorm.DB, email string, withResearch bool) *models.Lead {
	t.Helper()
	lead := models.Lead{
		Email:       email,
		FirstName:   "Ada",
		LastName:    "Lovelace",
		CompanyName: "Analytical Engines",
		Position:    "CTO",
		Status:      models.LeadStatusQualified,
	}
	require.NoError(t, db.Create(&lead).Error)
	if withResearch {
		research := models.LeadResearch{
			LeadID:         lead.ID,
			PainIndicators: []string{"manual reporting"},
			Triggers:       []string{"raised a Series B"},
			Seniority:      "executive",
			ResearchedAt:   time.Now().UTC(),
		}
		require.NoError(t, db.Create(&research).Error)
	}
	return &lead
}

func countTasks(t *testing.T, db *gorm.DB, taskType, status string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&models.ScheduledTask{}).
		Where("task_type = ? AND status = ?", taskType, status).
		Count(&count).Error)
	return count
}

func countEvents(t *testing.T, db *gorm.DB, leadID uint, eventType string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&models.EmailEvent{}).
		Where("lead_id = ? AND event_type = ?", leadID, eventType).
		Count(&count).Error)
	return count
}

func TestEnrollLeadsIsIdempotent(t *testing.T) {
	o, _, db := newTestOrchestrator(t)
	sequence := createTestSequence(t, db, 3)
	lead := createTestLead(t, db, "ada@example.com", true)

	added, skipped, err := o.EnrollLeads(sequence.ID, []uint{lead.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 0, skipped)

	added, skipped, err = o.EnrollLeads(sequence.ID, []uint{lead.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 1, skipped)

	var count int64
	db.Model(&models.SequenceMembership{}).
		Where("sequence_id = ? AND lead_id = ?", sequence.ID, lead.ID).
		Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestEnrollLeadsSkipsInvalidEmail(t *testing.T) {
	o, _, db := newTestOrchestrator(t)
	sequence := createTestSequence(t, db, 3)

	bad := models.Lead{Email: "not-an-email", CompanyName: "Acme"}
	require.NoError(t, db.Create(&bad).Error)

	added, skipped, err := o.EnrollLeads(sequence.ID, []uint{bad.ID, 99999})
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 2, skipped)
}

func TestEnrollContactedLeadStartsAtTouchOne(t *testing.T) {
	o, _, db := newTestOrchestrator(t)
	sequence := createTestSequence(t, db, 3)
	lead := createTestLead(t, db, "ada@example.com", true)
	require.NoError(t, db.Model(lead).Update("status", models.LeadStatusContacted).Error)

	added, _, err := o.EnrollLeads(sequence.ID, []uint{lead.ID})
	require.NoError(t, err)
	require.Equal(t, 1, added)

	var membership models.SequenceMembership
	require.NoError(t, db.Where("sequence_id = ? AND lead_id = ?", sequence.ID, lead.ID).
		First(&membership).Error)
	assert.Equal(t, models.MembershipStatusReady, membership.Status)
	assert.Equal(t, 1, membership.CurrentTouch)
}

func TestDraftingPassCreatesOneDraftPerLead(t *testing.T) {
	o, _, db := newTestOrchestrator(t)
	sequence := createTestSequence(t, db, 3)
	researched := createTestLead(t, db, "ada@example.com", true)
	unresearched := createTestLead(t, db, "bare@example.com", false)

	_, _, err := o.EnrollLeads(sequence.ID, []uint{researched.ID, unresearched.ID})
	require.NoError(t, err)

	payload := models.DraftingPayload{SequenceID: sequence.ID}
	require.NoError(t, o.DraftingPass(context.Background(), payload))
	require.NoError(t, o.DraftingPass(context.Background(), payload))

	var drafts []models.Draft
	require.NoError(t, db.Where("sequence_id = ?", sequence.ID).Find(&drafts).Error)
	require.Len(t, drafts, 1)
	assert.Equal(t, researched.ID, drafts[0].LeadID)
	assert.Equal(t, 1, drafts[0].TouchNumber)
	assert.Equal(t, models.DraftStatusPending, drafts[0].Status)
	assert.NotEmpty(t, drafts[0].SubjectOptions)
	assert.NotEmpty(t, drafts[0].Body)
}

func TestDraftingPassSkipsPausedSequence(t *testing.T) {
	o, _, db := newTestOrchestrator(t)
	sequence := createTestSequence(t, db, 3)
	lead := createTestLead(t, db, "ada@example.com", true)

	_, _, err := o.EnrollLeads(sequence.ID, []uint{lead.ID})
	require.NoError(t, err)
	require.NoError(t, db.Model(sequence).Update("status", models.SequenceStatusPaused).Error)

	require.NoError(t, o.DraftingPass(context.Background(), models.DraftingPayload{SequenceID: sequence.ID}))

	var drafts int64
	db.Model(&models.Draft{}).Where("sequence_id = ?", sequence.ID).Count(&drafts)
	assert.EqualValues(t, 0, drafts)
}

func TestSendFirstTouchSchedulesConfirmation(t *testing.T) {
	o, mailer, db := newTestOrchestrator(t)
	sequence := createTestSequence(t, db, 3)
	lead := createTestLead(t, db, "ada@example.com", true)

	_, _, err := o.EnrollLeads(sequence.ID, []uint{lead.ID})
	require.NoError(t, err)
	require.NoError(t, o.DraftingPass(context.Background(), models.DraftingPayload{SequenceID: sequence.ID}))

	var draft models.Draft
	require.NoError(t, db.Where("lead_id = ?", lead.ID).First(&draft).Error)
	require.NoError(t, db.Model(&draft).Updates(map[string]interface{}{
		"status":      models.DraftStatusApproved,
		"approved_by": "reviewer",
	}).Error)
	draft.Status = models.DraftStatusApproved

	require.NoError(t, o.SendDraft(&draft))

	assert.Len(t, mailer.sent, 1)
	assert.Equal(t, lead.Email, mailer.sent[0].To)
	assert.EqualValues(t, 1, countEvents(t, db, lead.ID, models.EventTypeSent))
	assert.EqualValues(t, 1, countTasks(t, db, models.TaskTypeConfirmation, models.TaskStatusQueued))

	var fresh models.Lead
	require.NoError(t, db.First(&fresh, lead.ID).Error)
	assert.Equal(t, models.LeadStatusSequencing, fresh.Status)
	assert.NotNil(t, fresh.LastContactedAt)
}

func TestSendDraftSkipsStoppedMembership(t *testing.T) {
	o, mailer, db := newTestOrchestrator(t)
	sequence := createTestSequence(t, db, 3)
	lead := createTestLead(t, db, "ada@example.com", true)
	require.NoError(t, db.Create(&models.SequenceMembership{
		SequenceID:   sequence.ID,
		LeadID:       lead.ID,
		Status:       models.MembershipStatusActive,
		CurrentTouch: 1,
	}).Error)

	// Reply arrives while the touch-2 draft sits approved in the queue.
	require.NoError(t, o.HandleReply(lead.ID, "Re: hello", "we're in", "<late-reply@remote>", time.Now().UTC()))

	stale := models.Draft{
		LeadID:      lead.ID,
		SequenceID:  &sequence.ID,
		TouchNumber: 2,
		Body:        "stale follow-up",
		Status:      models.DraftStatusApproved,
	}
	require.NoError(t, db.Create(&stale).Error)

	require.NoError(t, o.SendDraft(&stale))

	assert.Empty(t, mailer.sent)
	assert.EqualValues(t, 0, countEvents(t, db, lead.ID, models.EventTypeSent))

	var membership models.SequenceMembership
	require.NoError(t, db.Where("sequence_id = ? AND lead_id = ?", sequence.ID, lead.ID).
		First(&membership).Error)
	assert.Equal(t, models.MembershipStatusStopped, membership.Status)
	assert.Equal(t, 1, membership.CurrentTouch)
}

func TestSendDraftSkipsAfterReplyEvent(t *testing.T) {
	o, mailer, db := newTestOrchestrator(t)
	sequence := createTestSequence(t, db, 3)
	lead := createTestLead(t, db, "ada@example.com", true)
	require.NoError(t, db.Create(&models.SequenceMembership{
		SequenceID:   sequence.ID,
		LeadID:       lead.ID,
		Status:       models.MembershipStatusActive,
		CurrentTouch: 1,
	}).Error)

	// Event log alone blocks the send even when nothing stopped the
	// membership yet.
	require.NoError(t, db.Create(&models.EmailEvent{
		LeadID:     lead.ID,
		EventType:  models.EventTypeSent,
		OccurredAt: time.Now().UTC().Add(-2 * time.Hour),
	}).Error)
	require.NoError(t, db.Create(&models.EmailEvent{
		LeadID:     lead.ID,
		EventType:  models.EventTypeReplied,
		OccurredAt: time.Now().UTC().Add(-time.Hour),
	}).Error)

	draft := models.Draft{
		LeadID:      lead.ID,
		SequenceID:  &sequence.ID,
		TouchNumber: 2,
		Body:        "follow-up",
		Status:      models.DraftStatusApproved,
	}
	require.NoError(t, db.Create(&draft).Error)

	require.NoError(t, o.SendDraft(&draft))
	assert.Empty(t, mailer.sent)

	var membership models.SequenceMembership
	require.NoError(t, db.Where("sequence_id = ? AND lead_id = ?", sequence.ID, lead.ID).
		First(&membership).Error)
	assert.Equal(t, 1, membership.CurrentTouch)
}

func TestSendFailureLeavesDraftApproved(t *testing.T) {
	o, mailer, db := newTestOrchestrator(t)
	sequence := createTestSequence(t, db, 3)
	lead := createTestLead(t, db, "ada@example.com", true)

	draft := models.Draft{
		LeadID:      lead.ID,
		SequenceID:  &sequence.ID,
		TouchNumber: 1,
		Body:        "hello",
		Status:      models.DraftStatusApproved,
	}
	require.NoError(t, db.Create(&draft).Error)

	mailer.fail = true
	err := o.SendDraft(&draft)
	require.Error(t, err)

	var fresh models.Draft
	require.NoError(t, db.First(&fresh, draft.ID).Error)
	assert.Equal(t, models.DraftStatusApproved, fresh.Status)
	assert.EqualValues(t, 0, countEvents(t, db, lead.ID, models.EventTypeSent))
	assert.EqualValues(t, 0, countTasks(t, db, models.TaskTypeConfirmation, models.TaskStatusQueued))
}

func TestConfirmationMarksLeadContacted(t *testing.T) {
	o, _, db := newTestOrchestrator(t)
	sequence := createTestSequence(t, db, 3)
	lead := createTestLead(t, db, "ada@example.com", true)
	require.NoError(t, db.Model(lead).Update("status", models.LeadStatusSequencing).Error)
	require.NoError(t, db.Create(&models.SequenceMembership{
		SequenceID: sequence.ID,
		LeadID:     lead.ID,
		Status:     models.MembershipStatusPending,
	}).Error)

	err := o.ConfirmationTask(context.Background(), models.ConfirmationPayload{
		LeadID:     lead.ID,
		SequenceID: sequence.ID,
		DraftID:    1,
		SentAt:     time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)

	var fresh models.Lead
	require.NoError(t, db.First(&fresh, lead.ID).Error)
	assert.Equal(t, models.LeadStatusContacted, fresh.Status)

	var membership models.SequenceMembership
	require.NoError(t, db.Where("sequence_id = ? AND lead_id = ?", sequence.ID, lead.ID).
		First(&membership).Error)
	assert.Equal(t, models.MembershipStatusReady, membership.Status)
	assert.Equal(t, 1, membership.CurrentTouch)
}

func TestConfirmationDoesNothingAfterReply(t *testing.T) {
	o, _, db := newTestOrchestrator(t)
	sequence := createTestSequence(t, db, 3)
	lead := createTestLead(t, db, "ada@example.com", true)

	sentAt := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, db.Create(&models.EmailEvent{
		LeadID:     lead.ID,
		EventType:  models.EventTypeReplied,
		OccurredAt: time.Now().UTC(),
	}).Error)

	err := o.ConfirmationTask(context.Background(), models.ConfirmationPayload{
		LeadID:     lead.ID,
		SequenceID: sequence.ID,
		DraftID:    1,
		SentAt:     sentAt,
	})
	require.NoError(t, err)

	var fresh models.Lead
	require.NoError(t, db.First(&fresh, lead.ID).Error)
	assert.NotEqual(t, models.LeadStatusContacted, fresh.Status)
}

func TestConfirmationLeavesStoppedMembershipAlone(t *testing.T) {
	o, _, db := newTestOrchestrator(t)
	sequence := createTestSequence(t, db, 3)
	lead := createTestLead(t, db, "ada@example.com", true)
	require.NoError(t, db.Model(lead).Update("status", models.LeadStatusSequencing).Error)

	// Stopped without any reply event, e.g. an unsubscribe webhook.
	require.NoError(t, db.Create(&models.SequenceMembership{
		SequenceID:    sequence.ID,
		LeadID:        lead.ID,
		Status:        models.MembershipStatusStopped,
		StoppedReason: "unsubscribed",
	}).Error)

	err := o.ConfirmationTask(context.Background(), models.ConfirmationPayload{
		LeadID:     lead.ID,
		SequenceID: sequence.ID,
		DraftID:    1,
		SentAt:     time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)

	var fresh models.Lead
	require.NoError(t, db.First(&fresh, lead.ID).Error)
	assert.Equal(t, models.LeadStatusSequencing, fresh.Status)

	var membership models.SequenceMembership
	require.NoError(t, db.Where("sequence_id = ? AND lead_id = ?", sequence.ID, lead.ID).
		First(&membership).Error)
	assert.Equal(t, models.MembershipStatusStopped, membership.Status)
	assert.Equal(t, "unsubscribed", membership.StoppedReason)
	assert.Equal(t, 0, membership.CurrentTouch)
}

func TestFollowUpSendsNextTouch(t *testing.T) {
	o, mailer, db := newTestOrchestrator(t)
	sequence := createTestSequence(t, db, 3)
	lead := createTestLead(t, db, "ada@example.com", true)
	require.NoError(t, db.Create(&models.SequenceMembership{
		SequenceID:   sequence.ID,
		LeadID:       lead.ID,
		Status:       models.MembershipStatusReady,
		CurrentTouch: 1,
	}).Error)

	sentAt := time.Now().UTC().Add(-2 * time.Hour)
	err := o.FollowUpTask(context.Background(), models.FollowUpPayload{
		LeadID:      lead.ID,
		SequenceID:  sequence.ID,
		TouchNumber: 1,
		SentAt:      sentAt,
	})
	require.NoError(t, err)

	assert.Len(t, mailer.sent, 1)

	var draft models.Draft
	require.NoError(t, db.Where("lead_id = ? AND touch_number = 2", lead.ID).First(&draft).Error)
	assert.Equal(t, models.DraftStatusApproved, draft.Status)
	assert.Equal(t, "orchestrator", draft.ApprovedBy)

	var membership models.SequenceMembership
	require.NoError(t, db.Where("sequence_id = ? AND lead_id = ?", sequence.ID, lead.ID).
		First(&membership).Error)
	assert.Equal(t, models.MembershipStatusActive, membership.Status)
	assert.Equal(t, 2, membership.CurrentTouch)
	assert.NotNil(t, membership.NextTouchAt)

	// Touch 3 is queued, not sent.
	assert.EqualValues(t, 1, countTasks(t, db, models.TaskTypeFollowUp, models.TaskStatusQueued))
}

func TestFollowUpRedeliveryIsIdempotent(t *testing.T) {
	o, mailer, db := newTestOrchestrator(t)
	sequence := createTestSequence(t, db, 3)
	lead := createTestLead(t, db, "ada@example.com", true)
	require.NoError(t, db.Create(&models.SequenceMembership{
		SequenceID:   sequence.ID,
		LeadID:       lead.ID,
		Status:       models.MembershipStatusReady,
		CurrentTouch: 1,
	}).Error)

	payload := models.FollowUpPayload{
		LeadID:      lead.ID,
		SequenceID:  sequence.ID,
		TouchNumber: 1,
		SentAt:      time.Now().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, o.FollowUpTask(context.Background(), payload))
	require.NoError(t, o.FollowUpTask(context.Background(), payload))

	assert.Len(t, mailer.sent, 1)

	var membership models.SequenceMembership
	require.NoError(t, db.Where("sequence_id = ? AND lead_id = ?", sequence.ID, lead.ID).
		First(&membership).Error)
	assert.Equal(t, 2, membership.CurrentTouch)
}

func TestFollowUpCompletesUnsentApprovedDraft(t *testing.T) {
	o, mailer, db := newTestOrchestrator(t)
	sequence := createTestSequence(t, db, 3)
	lead := createTestLead(t, db, "ada@example.com", true)
	require.NoError(t, db.Create(&models.SequenceMembership{
		SequenceID:   sequence.ID,
		LeadID:       lead.ID,
		Status:       models.MembershipStatusActive,
		CurrentTouch: 1,
	}).Error)

	// Crash happened after persisting the draft but before sending it.
	existing := models.Draft{
		LeadID:      lead.ID,
		SequenceID:  &sequence.ID,
		TouchNumber: 2,
		Body:        "recovered body",
		Status:      models.DraftStatusApproved,
	}
	require.NoError(t, db.Create(&existing).Error)

	err := o.FollowUpTask(context.Background(), models.FollowUpPayload{
		LeadID:      lead.ID,
		SequenceID:  sequence.ID,
		TouchNumber: 1,
		SentAt:      time.Now().UTC().Add(-2 * time.Hour),
	})
	require.NoError(t, err)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "recovered body", mailer.sent[0].Body)

	var drafts []models.Draft
	require.NoError(t, db.Where("lead_id = ? AND touch_number = 2", lead.ID).Find(&drafts).Error)
	assert.Len(t, drafts, 1)

	var event models.EmailEvent
	require.NoError(t, db.Where("lead_id = ? AND event_type = ?", lead.ID, models.EventTypeSent).
		First(&event).Error)
	require.NotNil(t, event.DraftID)
	assert.Equal(t, existing.ID, *event.DraftID)
}

func TestFollowUpAbortsAfterReply(t *testing.T) {
	o, mailer, db := newTestOrchestrator(t)
	sequence := createTestSequence(t, db, 3)
	lead := createTestLead(t, db, "ada@example.com", true)
	require.NoError(t, db.Create(&models.SequenceMembership{
		SequenceID:   sequence.ID,
		LeadID:       lead.ID,
		Status:       models.MembershipStatusActive,
		CurrentTouch: 1,
	}).Error)

	sentAt := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, o.HandleReply(lead.ID, "Re: hello", "interested!", "<reply-1@remote>", time.Now().UTC()))

	err := o.FollowUpTask(context.Background(), models.FollowUpPayload{
		LeadID:      lead.ID,
		SequenceID:  sequence.ID,
		TouchNumber: 1,
		SentAt:      sentAt,
	})
	require.NoError(t, err)

	assert.Empty(t, mailer.sent)

	var membership models.SequenceMembership
	require.NoError(t, db.Where("sequence_id = ? AND lead_id = ?", sequence.ID, lead.ID).
		First(&membership).Error)
	assert.Equal(t, 1, membership.CurrentTouch)
}

func TestFollowUpChecksEventLogWithoutMembership(t *testing.T) {
	o, mailer, db := newTestOrchestrator(t)
	sequence := createTestSequence(t, db, 3)
	lead := createTestLead(t, db, "ada@example.com", true)

	// No membership row at all; the event log alone must stop the send.
	sentAt := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, db.Create(&models.EmailEvent{
		LeadID:     lead.ID,
		EventType:  models.EventTypeReplied,
		OccurredAt: time.Now().UTC(),
	}).Error)

	err := o.FollowUpTask(context.Background(), models.FollowUpPayload{
		LeadID:      lead.ID,
		SequenceID:  sequence.ID,
		TouchNumber: 1,
		SentAt:      sentAt,
	})
	require.NoError(t, err)
	assert.Empty(t, mailer.sent)
}

func TestFinalTouchCompletesMembership(t *testing.T) {
	o, mailer, db := newTestOrchestrator(t)
	sequence := createTestSequence(t, db, 3)
	lead := createTestLead(t, db, "ada@example.com", true)
	require.NoError(t, db.Create(&models.SequenceMembership{
		SequenceID:   sequence.ID,
		LeadID:       lead.ID,
		Status:       models.MembershipStatusActive,
		CurrentTouch: 2,
	}).Error)

	err := o.FollowUpTask(context.Background(), models.FollowUpPayload{
		LeadID:      lead.ID,
		SequenceID:  sequence.ID,
		TouchNumber: 2,
		SentAt:      time.Now().UTC().Add(-2 * time.Hour),
	})
	require.NoError(t, err)

	require.Len(t, mailer.sent, 1)

	var membership models.SequenceMembership
	require.NoError(t, db.Where("sequence_id = ? AND lead_id = ?", sequence.ID, lead.ID).
		First(&membership).Error)
	assert.Equal(t, models.MembershipStatusCompleted, membership.Status)
	assert.Equal(t, 3, membership.CurrentTouch)
	assert.Nil(t, membership.NextTouchAt)

	var fresh models.Lead
	require.NoError(t, db.First(&fresh, lead.ID).Error)
	assert.Equal(t, models.LeadStatusCompleted, fresh.Status)

	// Nothing further scheduled.
	assert.EqualValues(t, 0, countTasks(t, db, models.TaskTypeFollowUp, models.TaskStatusQueued))
}

func TestFollowUpPastLastTouchIsNoop(t *testing.T) {
	o, mailer, _ := newTestOrchestrator(t)
	sequence := createTestSequence(t, o.DB, 3)
	lead := createTestLead(t, o.DB, "ada@example.com", true)

	err := o.FollowUpTask(context.Background(), models.FollowUpPayload{
		LeadID:      lead.ID,
		SequenceID:  sequence.ID,
		TouchNumber: 3,
		SentAt:      time.Now().UTC().Add(-2 * time.Hour),
	})
	require.NoError(t, err)
	assert.Empty(t, mailer.sent)
}

func TestHandleReplyStopsAllLiveMemberships(t *testing.T) {
	o, _, db := newTestOrchestrator(t)
	first := createTestSequence(t, db, 3)
	second := createTestSequence(t, db, 2)
	lead := createTestLead(t, db, "ada@example.com", true)

	require.NoError(t, db.Create(&models.SequenceMembership{
		SequenceID: first.ID, LeadID: lead.ID,
		Status: models.MembershipStatusActive, CurrentTouch: 1,
	}).Error)
	require.NoError(t, db.Create(&models.SequenceMembership{
		SequenceID: second.ID, LeadID: lead.ID,
		Status: models.MembershipStatusPending,
	}).Error)
	require.NoError(t, db.Create(&models.SequenceMembership{
		SequenceID: second.ID, LeadID: lead.ID + 1000,
		Status: models.MembershipStatusActive,
	}).Error)

	require.NoError(t, o.HandleReply(lead.ID, "Re: hi", "tell me more", "<reply-2@remote>", time.Now().UTC()))

	var stopped []models.SequenceMembership
	require.NoError(t, db.Where("lead_id = ?", lead.ID).Find(&stopped).Error)
	require.Len(t, stopped, 2)
	for _, m := range stopped {
		assert.Equal(t, models.MembershipStatusStopped, m.Status)
		assert.Equal(t, "replied", m.StoppedReason)
	}

	// Other leads are untouched.
	var other models.SequenceMembership
	require.NoError(t, db.Where("lead_id = ?", lead.ID+1000).First(&other).Error)
	assert.Equal(t, models.MembershipStatusActive, other.Status)

	var fresh models.Lead
	require.NoError(t, db.First(&fresh, lead.ID).Error)
	assert.Equal(t, models.LeadStatusReplied, fresh.Status)
	assert.EqualValues(t, 1, countEvents(t, db, lead.ID, models.EventTypeReplied))
}

func TestHandleReplyDeduplicatesByMessageID(t *testing.T) {
	o, _, db := newTestOrchestrator(t)
	lead := createTestLead(t, db, "ada@example.com", true)

	require.NoError(t, o.HandleReply(lead.ID, "Re: hi", "first", "<dup@remote>", time.Now().UTC()))
	require.NoError(t, o.HandleReply(lead.ID, "Re: hi", "retry", "<dup@remote>", time.Now().UTC()))

	assert.EqualValues(t, 1, countEvents(t, db, lead.ID, models.EventTypeReplied))
}

func TestHandleReplyPreservesConvertedStatus(t *testing.T) {
	o, _, db := newTestOrchestrator(t)
	lead := createTestLead(t, db, "ada@example.com", true)
	require.NoError(t, db.Model(lead).Update("status", models.LeadStatusConverted).Error)

	require.NoError(t, o.HandleReply(lead.ID, "Re: hi", "thanks", "<conv@remote>", time.Now().UTC()))

	var fresh models.Lead
	require.NoError(t, db.First(&fresh, lead.ID).Error)
	assert.Equal(t, models.LeadStatusConverted, fresh.Status)
}
