package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/getsentry/sentry-go"
	"gorm.io/gorm"

	"leadflow/models"
)

// TaskHandler executes one delivered task. Handlers run concurrently across
// leads and must be idempotent: delivery is at-least-once.
type TaskHandler func(ctx context.Context, payload []byte) error

// TaskPayload is a typed task argument validated at the enqueue boundary.
type TaskPayload interface {
	Validate() error
}

// TaskScheduler is a durable delayed-task executor backed by the
// scheduled_tasks table. Due tasks are claimed with a conditional update and
// handed to a worker pool; failures are retried with exponential backoff;
// tasks stuck in running (worker crash) are requeued by the stale sweep.
// There is no cancellation API: handlers cancel cooperatively by re-checking
// state when they wake.
type TaskScheduler struct {
	DB       *gorm.DB
	Logger   *log.Logger
	Interval time.Duration
	Workers  int

	// BackoffBase doubles per attempt; StaleAfter bounds how long a claimed
	// task may sit in running before it is assumed lost.
	BackoffBase time.Duration
	StaleAfter  time.Duration

	handlers map[string]TaskHandler
}

func NewTaskScheduler(db *gorm.DB, logger *log.Logger, interval time.Duration, workers int) *TaskScheduler {
	if workers < 1 {
		workers = 1
	}
	return &TaskScheduler{
		DB:          db,
		Logger:      logger,
		Interval:    interval,
		Workers:     workers,
		BackoffBase: 30 * time.Second,
		StaleAfter:  10 * time.Minute,
		handlers:    make(map[string]TaskHandler),
	}
}

// Register binds a handler to a task type. Must be called before Start.
func (ts *TaskScheduler) Register(taskType string, handler TaskHandler) {
	ts.handlers[taskType] = handler
}

// Schedule enqueues a task to run after the given delay.
func (ts *TaskScheduler) Schedule(taskType string, payload TaskPayload, delay time.Duration) (uint, error) {
	return ts.ScheduleAt(taskType, payload, time.Now().UTC().Add(delay))
}

// ScheduleAt enqueues a task to run at the given time.
func (ts *TaskScheduler) ScheduleAt(taskType string, payload TaskPayload, at time.Time) (uint, error) {
	if _, ok := ts.handlers[taskType]; !ok {
		return 0, fmt.Errorf("no handler registered for task type %q", taskType)
	}
	if err := payload.Validate(); err != nil {
		return 0, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	task := models.ScheduledTask{
		TaskType:    taskType,
		Payload:     data,
		RunAt:       at,
		Status:      models.TaskStatusQueued,
		MaxAttempts: 5,
	}
	if err := ts.DB.Create(&task).Error; err != nil {
		return 0, err
	}
	return task.ID, nil
}

// Start runs the polling loop until the context is cancelled.
func (ts *TaskScheduler) Start(ctx context.Context) {
	ts.Logger.Printf("Task scheduler started (%d workers, poll every %s)", ts.Workers, ts.Interval)

	tasks := make(chan models.ScheduledTask)
	for i := 0; i < ts.Workers; i++ {
		go ts.worker(ctx, tasks)
	}

	ticker := time.NewTicker(ts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ts.Logger.Println("Task scheduler shutting down...")
			close(tasks)
			return
		case <-ticker.C:
			if n, err := ts.RequeueStale(); err != nil {
				ts.Logger.Printf("Stale requeue failed: %v", err)
			} else if n > 0 {
				ts.Logger.Printf("Requeued %d stale running tasks", n)
			}
			ts.dispatchDue(ctx, tasks)
		}
	}
}

func (ts *TaskScheduler) worker(ctx context.Context, tasks <-chan models.ScheduledTask) {
	for task := range tasks {
		ts.RunTask(ctx, task)
	}
}

func (ts *TaskScheduler) dispatchDue(ctx context.Context, out chan<- models.ScheduledTask) {
	var due []models.ScheduledTask
	err := ts.DB.
		Where("status = ? AND run_at <= ?", models.TaskStatusQueued, time.Now().UTC()).
		Order("run_at").
		Limit(100).
		Find(&due).Error
	if err != nil {
		ts.Logger.Printf("Failed to fetch due tasks: %v", err)
		return
	}

	for _, task := range due {
		if !ts.claim(&task) {
			continue // another worker got it first
		}
		select {
		case out <- task:
		case <-ctx.Done():
			return
		}
	}
}

// claim transitions queued -> running for exactly one poller. The conditional
// update narrows the duplicate-execution window; at-least-once still holds.
func (ts *TaskScheduler) claim(task *models.ScheduledTask) bool {
	now := time.Now().UTC()
	res := ts.DB.Model(&models.ScheduledTask{}).
		Where("id = ? AND status = ?", task.ID, models.TaskStatusQueued).
		Updates(map[string]interface{}{
			"status":     models.TaskStatusRunning,
			"claimed_at": now,
			"attempts":   gorm.Expr("attempts + ?", 1),
		})
	if res.Error != nil {
		ts.Logger.Printf("Failed to claim task %d: %v", task.ID, res.Error)
		return false
	}
	if res.RowsAffected == 0 {
		return false
	}
	task.Attempts++
	task.ClaimedAt = &now
	return true
}

// RunTask executes one claimed task and records the outcome.
func (ts *TaskScheduler) RunTask(ctx context.Context, task models.ScheduledTask) {
	handler, ok := ts.handlers[task.TaskType]
	if !ok {
		ts.Logger.Printf("Task %d has unknown type %q, marking failed", task.ID, task.TaskType)
		ts.DB.Model(&models.ScheduledTask{}).Where("id = ?", task.ID).
			Updates(map[string]interface{}{
				"status":     models.TaskStatusFailed,
				"last_error": "unknown task type",
			})
		return
	}

	err := handler(ctx, task.Payload)
	if err == nil {
		ts.DB.Model(&models.ScheduledTask{}).Where("id = ?", task.ID).
			Update("status", models.TaskStatusDone)
		return
	}

	ts.Logger.Printf("Task %d (%s) attempt %d failed: %v", task.ID, task.TaskType, task.Attempts, err)

	if task.Attempts >= task.MaxAttempts {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("task_type", task.TaskType)
			scope.SetExtra("task_id", task.ID)
			scope.SetExtra("attempts", task.Attempts)
			sentry.CaptureException(err)
		})
		ts.DB.Model(&models.ScheduledTask{}).Where("id = ?", task.ID).
			Updates(map[string]interface{}{
				"status":     models.TaskStatusFailed,
				"last_error": err.Error(),
			})
		return
	}

	// Exponential backoff: base doubles per attempt already made.
	backoff := ts.BackoffBase << (task.Attempts - 1)
	ts.DB.Model(&models.ScheduledTask{}).Where("id = ?", task.ID).
		Updates(map[string]interface{}{
			"status":     models.TaskStatusQueued,
			"run_at":     time.Now().UTC().Add(backoff),
			"last_error": err.Error(),
		})
}

// RequeueStale returns tasks abandoned mid-run (claimed before the stale
// cutoff but never finished) to the queue.
func (ts *TaskScheduler) RequeueStale() (int64, error) {
	cutoff := time.Now().UTC().Add(-ts.StaleAfter)
	res := ts.DB.Model(&models.ScheduledTask{}).
		Where("status = ? AND claimed_at < ?", models.TaskStatusRunning, cutoff).
		Updates(map[string]interface{}{
			"status": models.TaskStatusQueued,
			"run_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}
