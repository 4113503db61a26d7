package worker

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/utils"
)

// RecoveryWorker sweeps for states that only arise from crashes or the
// passage of time: research that started but never finished, research data
// old enough to be unreliable, and the senders' daily counters.
type RecoveryWorker struct {
	db     *gorm.DB
	logger *log.Logger
	mailer *utils.SenderMailer

	interval        time.Duration
	researchTimeout time.Duration
	staleAfter      time.Duration

	lastCounterReset time.Time
}

func NewRecoveryWorker(db *gorm.DB, logger *log.Logger, mailer *utils.SenderMailer, interval, researchTimeout, staleAfter time.Duration) *RecoveryWorker {
	return &RecoveryWorker{
		db:              db,
		logger:          logger,
		mailer:          mailer,
		interval:        interval,
		researchTimeout: researchTimeout,
		staleAfter:      staleAfter,
	}
}

func (rw *RecoveryWorker) Start(ctx context.Context) {
	rw.logger.Println("Starting recovery worker...")
	ticker := time.NewTicker(rw.interval)

	for {
		select {
		case <-ticker.C:
			rw.runSweeps()
		case <-ctx.Done():
			rw.logger.Println("Stopping recovery worker...")
			ticker.Stop()
			return
		}
	}
}

func (rw *RecoveryWorker) runSweeps() {
	if err := rw.ResetStuckLeads(); err != nil {
		rw.logger.Printf("Stuck lead sweep failed: %v", err)
	}
	if err := rw.MarkStaleResearch(); err != nil {
		rw.logger.Printf("Stale research sweep failed: %v", err)
	}
	rw.maybeResetCounters()
}

// ResetStuckLeads moves leads that have sat in researching past the timeout
// to not_qualified so they stop blocking their sequences.
func (rw *RecoveryWorker) ResetStuckLeads() error {
	cutoff := time.Now().UTC().Add(-rw.researchTimeout)

	result := rw.db.Model(&models.Lead{}).
		Where("status = ? AND updated_at < ?", models.LeadStatusResearching, cutoff).
		Update("status", models.LeadStatusNotQualified)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		rw.logger.Printf("Reset %d stuck leads to not_qualified", result.RowsAffected)
	}
	return nil
}

// MarkStaleResearch flags research rows older than the staleness window so
// drafting can tell fresh intelligence from decayed intelligence.
func (rw *RecoveryWorker) MarkStaleResearch() error {
	cutoff := time.Now().UTC().Add(-rw.staleAfter)

	result := rw.db.Model(&models.LeadResearch{}).
		Where("is_stale = ? AND researched_at < ?", false, cutoff).
		Update("is_stale", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		rw.logger.Printf("Marked %d research records stale", result.RowsAffected)
	}
	return nil
}

// maybeResetCounters zeroes sent_today once per UTC day.
func (rw *RecoveryWorker) maybeResetCounters() {
	now := time.Now().UTC()
	if rw.lastCounterReset.Year() == now.Year() && rw.lastCounterReset.YearDay() == now.YearDay() {
		return
	}

	if err := rw.mailer.ResetDailyCounters(); err != nil {
		rw.logger.Printf("Daily counter reset failed: %v", err)
		return
	}
	rw.lastCounterReset = now
}
