package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/models"
)

func newTestScheduler(t *testing.T) *TaskScheduler {
	t.Helper()
	db := newTestDB(t)
	return NewTaskScheduler(db, log.New(io.Discard, "", 0), 10*time.Millisecond, 1)
}

func noopHandler(context.Context, []byte) error { return nil }

func TestScheduleRequiresRegisteredHandler(t *testing.T) {
	ts := newTestScheduler(t)

	_, err := ts.Schedule(models.TaskTypeDraftingPass, models.DraftingPayload{SequenceID: 1}, 0)
	require.Error(t, err)

	ts.Register(models.TaskTypeDraftingPass, noopHandler)
	id, err := ts.Schedule(models.TaskTypeDraftingPass, models.DraftingPayload{SequenceID: 1}, 0)
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestScheduleRejectsInvalidPayload(t *testing.T) {
	ts := newTestScheduler(t)
	ts.Register(models.TaskTypeDraftingPass, noopHandler)

	_, err := ts.Schedule(models.TaskTypeDraftingPass, models.DraftingPayload{}, 0)
	require.Error(t, err)
}

func TestClaimIsExclusive(t *testing.T) {
	ts := newTestScheduler(t)
	ts.Register(models.TaskTypeDraftingPass, noopHandler)

	id, err := ts.Schedule(models.TaskTypeDraftingPass, models.DraftingPayload{SequenceID: 1}, 0)
	require.NoError(t, err)

	var task models.ScheduledTask
	require.NoError(t, ts.DB.First(&task, id).Error)

	other := task
	assert.True(t, ts.claim(&task))
	assert.False(t, ts.claim(&other))
	assert.Equal(t, 1, task.Attempts)
}

func TestRunTaskMarksDone(t *testing.T) {
	ts := newTestScheduler(t)
	ran := 0
	ts.Register(models.TaskTypeDraftingPass, func(context.Context, []byte) error {
		ran++
		return nil
	})

	id, err := ts.Schedule(models.TaskTypeDraftingPass, models.DraftingPayload{SequenceID: 1}, 0)
	require.NoError(t, err)

	var task models.ScheduledTask
	require.NoError(t, ts.DB.First(&task, id).Error)
	require.True(t, ts.claim(&task))
	ts.RunTask(context.Background(), task)

	assert.Equal(t, 1, ran)
	var fresh models.ScheduledTask
	require.NoError(t, ts.DB.First(&fresh, id).Error)
	assert.Equal(t, models.TaskStatusDone, fresh.Status)
}

func TestRunTaskRequeuesWithBackoff(t *testing.T) {
	ts := newTestScheduler(t)
	ts.BackoffBase = time.Minute
	ts.Register(models.TaskTypeDraftingPass, func(context.Context, []byte) error {
		return errors.New("downstream unavailable")
	})

	id, err := ts.Schedule(models.TaskTypeDraftingPass, models.DraftingPayload{SequenceID: 1}, 0)
	require.NoError(t, err)

	var task models.ScheduledTask
	require.NoError(t, ts.DB.First(&task, id).Error)
	require.True(t, ts.claim(&task))
	before := time.Now().UTC()
	ts.RunTask(context.Background(), task)

	var fresh models.ScheduledTask
	require.NoError(t, ts.DB.First(&fresh, id).Error)
	assert.Equal(t, models.TaskStatusQueued, fresh.Status)
	assert.Equal(t, "downstream unavailable", fresh.LastError)
	assert.True(t, fresh.RunAt.After(before.Add(30*time.Second)), "run_at should be pushed out by backoff")
}

func TestRunTaskFailsAfterMaxAttempts(t *testing.T) {
	ts := newTestScheduler(t)
	ts.Register(models.TaskTypeDraftingPass, func(context.Context, []byte) error {
		return errors.New("still broken")
	})

	task := models.ScheduledTask{
		TaskType:    models.TaskTypeDraftingPass,
		Payload:     []byte(`{"sequence_id":1}`),
		RunAt:       time.Now().UTC(),
		Status:      models.TaskStatusRunning,
		Attempts:    5,
		MaxAttempts: 5,
	}
	require.NoError(t, ts.DB.Create(&task).Error)

	ts.RunTask(context.Background(), task)

	var fresh models.ScheduledTask
	require.NoError(t, ts.DB.First(&fresh, task.ID).Error)
	assert.Equal(t, models.TaskStatusFailed, fresh.Status)
	assert.Equal(t, "still broken", fresh.LastError)
}

func TestRunTaskFailsUnknownType(t *testing.T) {
	ts := newTestScheduler(t)

	task := models.ScheduledTask{
		TaskType: "no.such.type",
		Payload:  []byte(`{}`),
		RunAt:    time.Now().UTC(),
		Status:   models.TaskStatusRunning,
	}
	require.NoError(t, ts.DB.Create(&task).Error)

	ts.RunTask(context.Background(), task)

	var fresh models.ScheduledTask
	require.NoError(t, ts.DB.First(&fresh, task.ID).Error)
	assert.Equal(t, models.TaskStatusFailed, fresh.Status)
}

func TestRequeueStaleRecoversAbandonedTasks(t *testing.T) {
	ts := newTestScheduler(t)
	ts.StaleAfter = 10 * time.Minute

	old := time.Now().UTC().Add(-time.Hour)
	recent := time.Now().UTC()
	stale := models.ScheduledTask{
		TaskType:  models.TaskTypeFollowUp,
		Payload:   []byte(`{}`),
		RunAt:     old,
		Status:    models.TaskStatusRunning,
		ClaimedAt: &old,
	}
	live := models.ScheduledTask{
		TaskType:  models.TaskTypeFollowUp,
		Payload:   []byte(`{}`),
		RunAt:     recent,
		Status:    models.TaskStatusRunning,
		ClaimedAt: &recent,
	}
	require.NoError(t, ts.DB.Create(&stale).Error)
	require.NoError(t, ts.DB.Create(&live).Error)

	n, err := ts.RequeueStale()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var requeued models.ScheduledTask
	require.NoError(t, ts.DB.First(&requeued, stale.ID).Error)
	assert.Equal(t, models.TaskStatusQueued, requeued.Status)

	var untouched models.ScheduledTask
	require.NoError(t, ts.DB.First(&untouched, live.ID).Error)
	assert.Equal(t, models.TaskStatusRunning, untouched.Status)
}

func TestStartProcessesDueTasks(t *testing.T) {
	ts := newTestScheduler(t)
	done := make(chan struct{})
	ts.Register(models.TaskTypeDraftingPass, func(context.Context, []byte) error {
		close(done)
		return nil
	})

	_, err := ts.Schedule(models.TaskTypeDraftingPass, models.DraftingPayload{SequenceID: 1}, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.Start(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task was not executed")
	}
}
