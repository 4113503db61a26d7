package controllers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"leadflow/config"
	"leadflow/models"
	"leadflow/utils"
	"leadflow/worker"
)

type stubMailer struct{}

func (stubMailer) Send(utils.Email) (string, error) { return "<stub@test>", nil }

func newWebhookApp(t *testing.T) (*fiber.App, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, config.MigrateDB(db))

	discard := log.New(io.Discard, "", 0)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	scheduler := worker.NewTaskScheduler(db, discard, time.Second, 1)
	orchestrator := worker.NewOrchestrator(db, scheduler, stubMailer{}, utils.NewTemplateGenerator(),
		utils.NewMemoryProfileCache(time.Hour), logger)
	orchestrator.RegisterHandlers()

	wc := NewWebhookController(db, discard, orchestrator)

	app := fiber.New()
	app.Post("/webhooks/email-events", wc.HandleProviderEvent)
	app.Post("/webhooks/test-reply", wc.SimulateReply)
	return app, db
}

func postJSON(t *testing.T, app *fiber.App, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestWebhookReplyStopsMemberships(t *testing.T) {
	app, db := newWebhookApp(t)

	lead := models.Lead{Email: "ada@example.com", CompanyName: "Analytical Engines"}
	require.NoError(t, db.Create(&lead).Error)
	membership := models.SequenceMembership{
		SequenceID: 1, LeadID: lead.ID,
		Status: models.MembershipStatusActive, CurrentTouch: 1,
	}
	require.NoError(t, db.Create(&membership).Error)

	resp := postJSON(t, app, "/webhooks/email-events", map[string]interface{}{
		"event":      "replied",
		"email":      "ada@example.com",
		"message_id": "<hook-1@remote>",
		"subject":    "Re: hello",
		"body":       "sounds interesting",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var fresh models.SequenceMembership
	require.NoError(t, db.First(&fresh, membership.ID).Error)
	assert.Equal(t, models.MembershipStatusStopped, fresh.Status)
	assert.Equal(t, "replied", fresh.StoppedReason)

	var events int64
	db.Model(&models.EmailEvent{}).
		Where("lead_id = ? AND event_type = ?", lead.ID, models.EventTypeReplied).
		Count(&events)
	assert.EqualValues(t, 1, events)
}

func TestWebhookRecordsOpenEvent(t *testing.T) {
	app, db := newWebhookApp(t)

	lead := models.Lead{Email: "ada@example.com", CompanyName: "Analytical Engines"}
	require.NoError(t, db.Create(&lead).Error)

	resp := postJSON(t, app, "/webhooks/email-events", map[string]interface{}{
		"event": "opened",
		"email": "ada@example.com",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var events int64
	db.Model(&models.EmailEvent{}).
		Where("lead_id = ? AND event_type = ?", lead.ID, models.EventTypeOpened).
		Count(&events)
	assert.EqualValues(t, 1, events)
}

func TestWebhookUnknownAddressIsAcknowledged(t *testing.T) {
	app, db := newWebhookApp(t)

	resp := postJSON(t, app, "/webhooks/email-events", map[string]interface{}{
		"event": "opened",
		"email": "stranger@example.com",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var events int64
	db.Model(&models.EmailEvent{}).Count(&events)
	assert.EqualValues(t, 0, events)
}

func TestWebhookRejectsUnknownEventType(t *testing.T) {
	app, _ := newWebhookApp(t)

	resp := postJSON(t, app, "/webhooks/email-events", map[string]interface{}{
		"event": "teleported",
		"email": "ada@example.com",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSimulateReply(t *testing.T) {
	app, db := newWebhookApp(t)

	lead := models.Lead{Email: "ada@example.com", CompanyName: "Analytical Engines"}
	require.NoError(t, db.Create(&lead).Error)

	resp := postJSON(t, app, "/webhooks/test-reply", map[string]interface{}{
		"lead_id": lead.ID,
		"body":    "simulated reply",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var fresh models.Lead
	require.NoError(t, db.First(&fresh, lead.ID).Error)
	assert.Equal(t, models.LeadStatusReplied, fresh.Status)
}
