package cron_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vietdev99/claude-mem-sub001/internal/cron"
	"github.com/vietdev99/claude-mem-sub001/internal/persistence"
	"github.com/vietdev99/claude-mem-sub001/internal/session"
	"github.com/vietdev99/claude-mem-sub001/internal/worker"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeSweeper struct {
	mu    sync.Mutex
	calls []session.RecoveryOptions
	err   error
}

func (f *fakeSweeper) Recover(_ context.Context, opts session.RecoveryOptions) (session.RecoveryReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	return session.RecoveryReport{Trigger: opts.Trigger}, f.err
}

func (f *fakeSweeper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_RunsSweepOnInterval(t *testing.T) {
	sw := &fakeSweeper{}
	sched, err := cron.NewScheduler(cron.Config{
		Sweeper:  sw,
		Logger:   quietLogger(),
		Interval: 20 * time.Millisecond,
		Options:  session.RecoveryOptions{MaxSessions: 4, Trigger: "ignored"},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return sw.count() >= 2 })
	sched.Stop()

	runs := sched.Runs()
	time.Sleep(50 * time.Millisecond)
	if sched.Runs() != runs {
		t.Fatal("sweeps kept running after Stop")
	}
	sw.mu.Lock()
	opts := sw.calls[0]
	sw.mu.Unlock()
	if opts.Trigger != "cron" || opts.MaxSessions != 4 {
		t.Fatalf("unexpected sweep options %+v", opts)
	}
}

func TestScheduler_SweepErrorsDoNotStopLoop(t *testing.T) {
	sw := &fakeSweeper{err: errors.New("database is locked")}
	sched, err := cron.NewScheduler(cron.Config{Sweeper: sw, Logger: quietLogger(), Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()
	waitFor(t, 2*time.Second, func() bool { return sw.count() >= 3 })
}

func TestScheduler_RejectsBadSchedule(t *testing.T) {
	if _, err := cron.NewScheduler(cron.Config{Sweeper: &fakeSweeper{}, Schedule: "every minute"}); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := cron.NewScheduler(cron.Config{Schedule: "*/5 * * * *"}); err == nil {
		t.Fatal("expected error without sweeper")
	}
	if _, err := cron.NewScheduler(cron.Config{Sweeper: &fakeSweeper{}, Schedule: "*/5 * * * *"}); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
}

func TestScheduler_RecoversOrphanedSession(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "claude-mem.db"), persistence.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	sess, err := store.InitSession(ctx, "conv-cron", "demo", "p")
	if err != nil {
		t.Fatalf("init session: %v", err)
	}
	if _, err := store.Enqueue(ctx, sess.ID, persistence.Observation{ToolName: "Read"}, 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	mgr, err := session.New(session.Config{Store: store, Worker: worker.Passthrough{}, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(sctx)
	})

	sched, err := cron.NewScheduler(cron.Config{
		Sweeper:  mgr,
		Logger:   quietLogger(),
		Interval: 20 * time.Millisecond,
		Options:  session.RecoveryOptions{StartDelay: -1},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool {
		n, err := store.PendingCount(ctx, sess.ID)
		return err == nil && n == 0
	})
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 10, 17, 10, 2, 0, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/5 * * * *", time.Date(2026, 10, 17, 10, 5, 0, 0, time.UTC)},
		{"0 * * * *", time.Date(2026, 10, 17, 11, 0, 0, 0, time.UTC)},
		{"30 2 * * *", time.Date(2026, 10, 18, 2, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := cron.NextRunTime(tt.expr, base)
		if err != nil {
			t.Fatalf("NextRunTime(%q): %v", tt.expr, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("NextRunTime(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
	if _, err := cron.NextRunTime("not a cron", base); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}
