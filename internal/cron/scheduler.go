// Package cron runs the orphan recovery sweep on a cron schedule so sessions
// whose consumer died are picked up without waiting for new producer events.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/vietdev99/claude-mem-sub001/internal/session"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Sweeper runs one recovery sweep.
type Sweeper interface {
	Recover(ctx context.Context, opts session.RecoveryOptions) (session.RecoveryReport, error)
}

// Config holds the dependencies for the sweep scheduler.
type Config struct {
	Sweeper  Sweeper
	Logger   *slog.Logger
	Schedule string                  // 5-field cron expression
	Interval time.Duration           // fixed tick; overrides Schedule when > 0
	Options  session.RecoveryOptions // passed to every sweep; Trigger is forced to "cron"
}

// Scheduler periodically runs the recovery sweep.
type Scheduler struct {
	sweeper  Sweeper
	logger   *slog.Logger
	schedule cronlib.Schedule
	interval time.Duration
	opts     session.RecoveryOptions

	mu     sync.Mutex
	runs   int
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the schedule and builds a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Sweeper == nil {
		return nil, fmt.Errorf("cron: sweeper is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		sweeper:  cfg.Sweeper,
		logger:   logger.With("component", "cron"),
		interval: cfg.Interval,
		opts:     cfg.Options,
	}
	s.opts.Trigger = "cron"
	if s.interval <= 0 {
		sched, err := cronParser.Parse(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("cron: parse schedule %q: %w", cfg.Schedule, err)
		}
		s.schedule = sched
	}
	return s, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	if s.schedule != nil {
		s.logger.Info("recovery sweep scheduled", "next_run_at", s.schedule.Next(time.Now()))
	} else {
		s.logger.Info("recovery sweep scheduled", "interval", s.interval)
	}
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("recovery sweep scheduler stopped")
}

// Runs returns how many sweeps have completed.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Scheduler) next(now time.Time) time.Time {
	if s.schedule == nil {
		return now.Add(s.interval)
	}
	return s.schedule.Next(now)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		now := time.Now()
		timer := time.NewTimer(s.next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	report, err := s.sweeper.Recover(ctx, s.opts)
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("cron: recovery sweep failed", "error", err)
		return
	}
	s.logger.Debug("cron: recovery sweep done",
		"reset", report.Reset,
		"started", report.Started,
		"deferred", report.Deferred,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
