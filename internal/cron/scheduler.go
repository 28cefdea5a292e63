// Package cron drives the orchestrator: a fixed-interval sync tick, a retry
// pass on a cron schedule and periodic error-log retention.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/inbox-labeler/internal/orchestrator"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) and descriptors such as @hourly or @every 5m.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

const (
	defaultPollInterval  = time.Minute
	defaultPurgeSchedule = "@hourly"
)

// Runner is the orchestrator surface the scheduler drives.
type Runner interface {
	Tick(ctx context.Context) (orchestrator.TickStats, error)
	RetryFailedTasks(ctx context.Context) (orchestrator.TickStats, error)
}

// Purger deletes error log rows older than a cutoff.
type Purger interface {
	PurgeErrorsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	Runner Runner
	Logger *slog.Logger
	// PollInterval defaults to 1 minute if zero.
	PollInterval time.Duration
	// RetrySchedule disables the retry pass when empty.
	RetrySchedule string

	Purger        Purger
	Retention     time.Duration // 0 disables purging
	PurgeSchedule string        // defaults to @hourly
}

// Scheduler fires Tick immediately and then every PollInterval, and runs the
// retry pass and retention purge on their cron schedules. Passes started
// before Stop are allowed to finish.
type Scheduler struct {
	runner        Runner
	logger        *slog.Logger
	interval      time.Duration
	retrySchedule string
	purger        Purger
	retention     time.Duration
	purgeSchedule string

	cron   *cronlib.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	purgeSchedule := cfg.PurgeSchedule
	if purgeSchedule == "" {
		purgeSchedule = defaultPurgeSchedule
	}
	return &Scheduler{
		runner:        cfg.Runner,
		logger:        logger,
		interval:      interval,
		retrySchedule: cfg.RetrySchedule,
		purger:        cfg.Purger,
		retention:     cfg.Retention,
		purgeSchedule: purgeSchedule,
	}
}

// Start registers the cron jobs and begins the tick loop. It fails only on an
// invalid cron expression.
func (s *Scheduler) Start(ctx context.Context) error {
	// Passes run on a context that survives Stop so an in-flight pass can
	// finish writing its outcome.
	passCtx := context.WithoutCancel(ctx)

	s.cron = cronlib.New(cronlib.WithParser(cronParser))
	if s.retrySchedule != "" {
		if _, err := s.cron.AddFunc(s.retrySchedule, func() { s.retry(passCtx) }); err != nil {
			return err
		}
	}
	if s.purger != nil && s.retention > 0 {
		if _, err := s.cron.AddFunc(s.purgeSchedule, func() { s.purge(passCtx) }); err != nil {
			return err
		}
		s.purge(passCtx)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.cron.Start()
	s.wg.Add(1)
	go s.loop(loopCtx, passCtx)
	s.logger.Info("scheduler started",
		"poll_interval", s.interval,
		"retry_schedule", s.retrySchedule,
		"retention", s.retention,
	)
	return nil
}

// Stop halts new passes and waits for running ones to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx, passCtx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(passCtx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(passCtx)
		}
	}
}

// tick runs one sync pass. Errors are logged; the loop keeps going.
func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.runner.Tick(ctx); err != nil {
		s.logger.Error("sync tick failed", "error", err)
	}
}

func (s *Scheduler) retry(ctx context.Context) {
	if _, err := s.runner.RetryFailedTasks(ctx); err != nil {
		s.logger.Error("retry pass failed", "error", err)
	}
}

func (s *Scheduler) purge(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)
	n, err := s.purger.PurgeErrorsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("error log purge failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("error log purged", "rows", n, "cutoff", cutoff)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
