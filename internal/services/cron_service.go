package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/trip-booking-core/internal/cache"
)

// CronService manages scheduled background jobs
type CronService struct {
	cron    *cron.Cron
	purger  cache.Purger
	records *RecordSink
	now     func() time.Time
	logger  *logrus.Logger
}

// NewCronService creates a new CronService. purger may be nil when the cache
// backend expires entries itself.
func NewCronService(purger cache.Purger, records *RecordSink, logger *logrus.Logger) *CronService {
	// Create cron with seconds precision
	c := cron.New(cron.WithSeconds())

	return &CronService{
		cron:    c,
		purger:  purger,
		records: records,
		now:     time.Now,
		logger:  logger,
	}
}

// Start starts all cron jobs
func (s *CronService) Start() error {
	s.logger.Info("Starting cron service...")

	// Job 1: Drop expired cache entries every minute
	// Cron format: second minute hour day month weekday
	if s.purger != nil {
		if _, err := s.cron.AddFunc("0 * * * * *", s.purgeCacheJob); err != nil {
			return fmt.Errorf("failed to schedule cache purge job: %w", err)
		}
		s.logger.Info("✓ Scheduled: Purge expired cache entries (every minute)")
	}

	// Job 2: Mark elapsed carts expired, offset by 30s from the purge
	if _, err := s.cron.AddFunc("30 * * * * *", s.expireCartsJob); err != nil {
		return fmt.Errorf("failed to schedule cart expiry job: %w", err)
	}
	s.logger.Info("✓ Scheduled: Expire stale carts (every minute)")

	s.cron.Start()
	s.logger.Info("✓ Cron service started successfully")

	return nil
}

// Stop stops all cron jobs and waits for running ones
func (s *CronService) Stop() {
	s.logger.Info("Stopping cron service...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("✓ Cron service stopped")
}

// purgeCacheJob removes expired entries from the in-memory cache
func (s *CronService) purgeCacheJob() {
	startTime := time.Now()
	removed := s.purger.Purge()

	s.logger.WithFields(logrus.Fields{
		"removed":     removed,
		"duration_ms": time.Since(startTime).Milliseconds(),
	}).Debug("[CRON] Purged expired cache entries")
}

// expireCartsJob marks cart records whose expires_at has passed
func (s *CronService) expireCartsJob() {
	startTime := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.records.ExpireStale(ctx, s.now())
	if err != nil {
		s.logger.WithError(err).Error("[CRON ERROR] Failed to expire stale carts")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"expired":     n,
		"duration_ms": time.Since(startTime).Milliseconds(),
	}).Info("[CRON] Expired stale carts")
}

// RunMaintenanceNow runs both jobs immediately
func (s *CronService) RunMaintenanceNow() {
	s.logger.Info("[MANUAL] Running maintenance jobs now...")
	if s.purger != nil {
		s.purgeCacheJob()
	}
	s.expireCartsJob()
}

// GetJobStatus returns the status of scheduled jobs
func (s *CronService) GetJobStatus() map[string]interface{} {
	entries := s.cron.Entries()

	jobs := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, map[string]interface{}{
			"id":       entry.ID,
			"next_run": entry.Next,
			"prev_run": entry.Prev,
		})
	}

	return map[string]interface{}{
		"running":   len(entries) > 0,
		"job_count": len(entries),
		"jobs":      jobs,
	}
}
