package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/vietdev99/claude-mem-sub001/internal/persistence"
	"github.com/vietdev99/claude-mem-sub001/internal/session"
)

func TestRecover_CrashBeforeCompleteIsReprocessedOnce(t *testing.T) {
	store := openStore(t, persistence.Options{})
	ctx := context.Background()
	sid := initSession(t, store, "conv-crash")

	// A previous process claimed the item and died before recording an outcome.
	id, err := store.Enqueue(ctx, sid, persistence.Observation{ToolName: "Read"}, 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimNext(ctx, sid); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE pending_messages SET started_processing_at_epoch = ? WHERE id = ?;`,
		time.Now().Add(-10*time.Minute).UnixMilli(), id); err != nil {
		t.Fatalf("age claim: %v", err)
	}

	rec := &recorder{}
	mgr := newManager(t, store, rec)
	report, err := mgr.Recover(ctx, session.RecoveryOptions{StuckThreshold: 5 * time.Minute, StartDelay: -1, Trigger: "startup"})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Reset != 1 || report.Found != 1 || report.Started != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	waitFor(t, 2*time.Second, "item reprocessed", func() bool {
		return itemStatus(t, store, id).Status == persistence.StatusProcessed
	})
	time.Sleep(20 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("expected exactly one worker call, got %d", rec.count())
	}
}

func TestRecover_StuckItemsResetAcrossSessions(t *testing.T) {
	store := openStore(t, persistence.Options{})
	ctx := context.Background()
	for _, conv := range []string{"conv-x", "conv-y"} {
		sid := initSession(t, store, conv)
		if _, err := store.Enqueue(ctx, sid, persistence.Observation{ToolName: "Bash"}, 1); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if _, err := store.ClaimNext(ctx, sid); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}
	if _, err := store.DB().Exec(`UPDATE pending_messages SET started_processing_at_epoch = ?;`,
		time.Now().Add(-time.Hour).UnixMilli()); err != nil {
		t.Fatalf("age claims: %v", err)
	}
	before, err := store.StuckCount(ctx, 5*time.Minute)
	if err != nil || before != 2 {
		t.Fatalf("expected 2 stuck before recovery, got %d err=%v", before, err)
	}

	mgr := newManager(t, store, &recorder{})
	report, err := mgr.Recover(ctx, session.RecoveryOptions{StartDelay: -1})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Reset != 2 || report.Started != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	after, err := store.StuckCount(ctx, 5*time.Minute)
	if err != nil || after != 0 {
		t.Fatalf("expected 0 stuck after recovery, got %d err=%v", after, err)
	}
}

func TestRecover_LimitsStartsAndIsIdempotent(t *testing.T) {
	store := openStore(t, persistence.Options{})
	ctx := context.Background()
	var ids []int64
	for _, conv := range []string{"conv-1", "conv-2", "conv-3"} {
		sid := initSession(t, store, conv)
		ids = append(ids, sid)
		if _, err := store.Enqueue(ctx, sid, persistence.Summarize{LastAssistantMessage: "hi"}, 1); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	entered := make(chan int64, 3)
	mgr := newManager(t, store, blockingRecorder(entered))

	opts := session.RecoveryOptions{MaxSessions: 2, StartDelay: -1}
	first, err := mgr.Recover(ctx, opts)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if first.Found != 3 || first.Started != 2 || first.Deferred != 1 || first.Skipped != 0 {
		t.Fatalf("unexpected first report %+v", first)
	}
	if first.Sessions[0] != ids[0] || first.Sessions[1] != ids[1] {
		t.Fatalf("expected oldest sessions first, got %v", first.Sessions)
	}

	second, err := mgr.Recover(ctx, opts)
	if err != nil {
		t.Fatalf("recover again: %v", err)
	}
	if second.Skipped != 2 || second.Started != 1 || second.Deferred != 0 {
		t.Fatalf("unexpected second report %+v", second)
	}
	third, err := mgr.Recover(ctx, opts)
	if err != nil {
		t.Fatalf("recover third: %v", err)
	}
	if third.Skipped != 3 || third.Started != 0 {
		t.Fatalf("expected every session skipped, got %+v", third)
	}
	if mgr.ActiveSessionCount() != 3 {
		t.Fatalf("expected 3 active sessions, got %d", mgr.ActiveSessionCount())
	}
}

func TestRecover_SpacesStarts(t *testing.T) {
	store := openStore(t, persistence.Options{})
	ctx := context.Background()
	for _, conv := range []string{"conv-a", "conv-b", "conv-c"} {
		sid := initSession(t, store, conv)
		if _, err := store.Enqueue(ctx, sid, persistence.Observation{ToolName: "Read"}, 1); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	mgr := newManager(t, store, &recorder{})

	start := time.Now()
	report, err := mgr.Recover(ctx, session.RecoveryOptions{StartDelay: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Started != 3 {
		t.Fatalf("expected 3 starts, got %+v", report)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("expected starts spaced by the delay, took %v", elapsed)
	}
}

func TestRecover_ConsumerStartedDuringSweepIsSkipped(t *testing.T) {
	store := openStore(t, persistence.Options{})
	ctx := context.Background()
	var ids []int64
	for _, conv := range []string{"conv-first", "conv-second"} {
		sid := initSession(t, store, conv)
		ids = append(ids, sid)
		if _, err := store.Enqueue(ctx, sid, persistence.Observation{ToolName: "Read"}, 1); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	entered := make(chan int64, 2)
	mgr := newManager(t, store, blockingRecorder(entered))

	type result struct {
		report session.RecoveryReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := mgr.Recover(ctx, session.RecoveryOptions{StartDelay: 400 * time.Millisecond})
		done <- result{report, err}
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first recovered session never started work")
	}
	// The sweep is now sleeping between starts; claim the second session first.
	time.Sleep(50 * time.Millisecond)
	if _, err := mgr.GetOrStartConsumer(ctx, ids[1]); err != nil {
		t.Fatalf("start second consumer: %v", err)
	}

	var res result
	select {
	case res = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("recovery sweep did not finish")
	}
	if res.err != nil {
		t.Fatalf("recover: %v", res.err)
	}
	report := res.report
	if report.Found != 2 || report.Started != 1 || report.Skipped != 1 {
		t.Fatalf("expected one start and one skip, got %+v", report)
	}
	if len(report.Sessions) != 1 || report.Sessions[0] != ids[0] {
		t.Fatalf("expected only the first session reported, got %v", report.Sessions)
	}
}
