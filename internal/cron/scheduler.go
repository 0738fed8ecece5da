// Package cron runs the fabric's background maintenance on cron
// schedules: expired lock sweeps, orphaned turn recovery, idempotency
// and artifact purges, and event log retention.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/turnfabric/internal/config"
	"github.com/basket/turnfabric/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Recoverer is the orchestrator's recovery entry point; the scheduler
// re-invokes it periodically to pick up turns stranded by other
// instances' crashes.
type Recoverer interface {
	Recover(ctx context.Context) error
}

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Store       *persistence.Store
	Recoverer   Recoverer
	Logger      *slog.Logger
	Maintenance config.MaintenanceConfig
	// Interval is the tick cadence; defaults to 30s.
	Interval time.Duration
}

type job struct {
	name     string
	schedule cronlib.Schedule
	nextRun  time.Time
	run      func(ctx context.Context) error
}

// Scheduler ticks at a fixed cadence and fires each job whose cron
// schedule has come due.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	jobs     []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds the maintenance job set from config. Invalid cron
// expressions are an error; a half-configured janitor is worse than none.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s := &Scheduler{
		logger:   logger.With("component", "maintenance"),
		interval: interval,
	}

	retention := time.Duration(cfg.Maintenance.RetentionEventDays) * 24 * time.Hour

	specs := []struct {
		name string
		expr string
		run  func(ctx context.Context) error
	}{
		{"lock_sweep", cfg.Maintenance.LockSweepSchedule, func(ctx context.Context) error {
			n, err := cfg.Store.SweepExpiredLocks(ctx)
			if err == nil && n > 0 {
				logger.Info("swept expired session locks", "count", n)
			}
			return err
		}},
		{"orphan_recovery", cfg.Maintenance.RecoverySchedule, func(ctx context.Context) error {
			if cfg.Recoverer == nil {
				return nil
			}
			return cfg.Recoverer.Recover(ctx)
		}},
		{"idempotency_purge", cfg.Maintenance.PurgeSchedule, func(ctx context.Context) error {
			_, err := cfg.Store.PurgeExpiredIdempotency(ctx)
			return err
		}},
		{"artifact_purge", cfg.Maintenance.PurgeSchedule, func(ctx context.Context) error {
			_, err := cfg.Store.PurgeExpiredArtifacts(ctx)
			return err
		}},
		{"event_retention", cfg.Maintenance.PurgeSchedule, func(ctx context.Context) error {
			if retention <= 0 {
				return nil
			}
			n, err := cfg.Store.PurgeFabricEventsBefore(ctx, time.Now().UTC().Add(-retention))
			if err == nil && n > 0 {
				logger.Info("purged aged fabric events", "count", n)
			}
			return err
		}},
	}
	now := time.Now()
	for _, spec := range specs {
		sched, err := cronParser.Parse(spec.expr)
		if err != nil {
			return nil, err
		}
		s.jobs = append(s.jobs, &job{
			name:     spec.name,
			schedule: sched,
			nextRun:  sched.Next(now),
			run:      spec.run,
		})
	}
	return s, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, j := range s.jobs {
		if now.Before(j.nextRun) {
			continue
		}
		if err := j.run(ctx); err != nil {
			s.logger.Error("maintenance job failed", "job", j.name, "error", err)
		}
		j.nextRun = j.schedule.Next(now)
	}
}

// RunAll fires every job immediately, regardless of schedule. Used by
// the status subcommand and by tests.
func (s *Scheduler) RunAll(ctx context.Context) {
	s.tick(ctx, time.Now().Add(365*24*time.Hour))
	for _, j := range s.jobs {
		j.nextRun = j.schedule.Next(time.Now())
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
