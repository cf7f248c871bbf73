package session

import (
	"context"
	"fmt"
	"time"

	"github.com/vietdev99/claude-mem-sub001/internal/bus"
	"github.com/vietdev99/claude-mem-sub001/internal/otel"
)

// RecoveryOptions tune a recovery sweep. Zero fields take the defaults.
type RecoveryOptions struct {
	// StuckThreshold is how long an item may stay processing before it is
	// presumed orphaned. Default 5m.
	StuckThreshold time.Duration
	// MaxSessions caps the consumers one sweep starts. Default 10.
	MaxSessions int
	// StartDelay spaces out consumer starts. Default 100ms; negative disables.
	StartDelay time.Duration
	// Trigger labels the sweep in logs and metrics ("startup", "cron", "manual").
	Trigger string
}

func (o RecoveryOptions) withDefaults() RecoveryOptions {
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = 5 * time.Minute
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = 10
	}
	if o.StartDelay == 0 {
		o.StartDelay = 100 * time.Millisecond
	}
	if o.Trigger == "" {
		o.Trigger = "manual"
	}
	return o
}

// RecoveryReport summarizes one sweep.
type RecoveryReport struct {
	Trigger  string  `json:"trigger"`
	Reset    int64   `json:"reset"`
	Found    int     `json:"found"`
	Started  int     `json:"started"`
	Skipped  int     `json:"skipped"`
	Deferred int     `json:"deferred"`
	Failed   int     `json:"failed"`
	Sessions []int64 `json:"sessions,omitempty"`
}

// Recover resets stuck items and starts consumers for sessions that have
// durable work but no live loop. Running it again is harmless: sessions that
// already have a consumer are skipped.
func (m *Manager) Recover(ctx context.Context, opts RecoveryOptions) (report RecoveryReport, err error) {
	opts = opts.withDefaults()
	report.Trigger = opts.Trigger
	ctx, span := otel.StartSpan(ctx, m.tracer, "recovery.sweep")
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		otel.EndSpan(span, outcome, err)
	}()

	reset, err := m.store.ResetStuck(ctx, opts.StuckThreshold, m.liveSessionIDs()...)
	if err != nil {
		return report, fmt.Errorf("reset stuck items: %w", err)
	}
	report.Reset = reset

	ids, err := m.store.SessionsWithPendingWork(ctx)
	if err != nil {
		return report, fmt.Errorf("list sessions with pending work: %w", err)
	}
	report.Found = len(ids)

	for _, id := range ids {
		if m.hasLiveConsumer(id) {
			report.Skipped++
			continue
		}
		if report.Started >= opts.MaxSessions {
			report.Deferred++
			continue
		}
		if report.Started > 0 && opts.StartDelay > 0 {
			t := time.NewTimer(opts.StartDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return report, ctx.Err()
			case <-t.C:
			}
		}
		_, started, err := m.startConsumer(ctx, id)
		if err != nil {
			report.Failed++
			m.logger.WarnContext(ctx, "recovery could not start consumer", "session_id", id, "error", err)
			continue
		}
		if !started {
			// Another caller started it after the liveness check.
			report.Skipped++
			continue
		}
		report.Started++
		report.Sessions = append(report.Sessions, id)
	}

	m.metrics.ObserveRecovery(opts.Trigger, report.Started)
	m.bus.Publish(bus.TopicRecoverySweep, bus.RecoverySweepEvent{
		Trigger:  report.Trigger,
		Reset:    report.Reset,
		Found:    report.Found,
		Started:  report.Started,
		Skipped:  report.Skipped,
		Deferred: report.Deferred,
		Failed:   report.Failed,
	})
	if report.Reset > 0 || report.Started > 0 || report.Failed > 0 {
		m.logger.InfoContext(ctx, "recovery sweep",
			"trigger", report.Trigger,
			"reset", report.Reset,
			"found", report.Found,
			"started", report.Started,
			"skipped", report.Skipped,
			"deferred", report.Deferred,
			"failed", report.Failed,
		)
	}
	return report, nil
}
