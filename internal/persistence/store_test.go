package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vietdev99/claude-mem-sub001/internal/persistence"
)

func openTestStore(t *testing.T, opts persistence.Options) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "claude-mem.db")
	store, err := persistence.Open(dbPath, opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func mustSession(t *testing.T, store *persistence.Store, conversationID string) int64 {
	t.Helper()
	sess, err := store.InitSession(context.Background(), conversationID, "demo", "fix the build")
	if err != nil {
		t.Fatalf("init session %s: %v", conversationID, err)
	}
	return sess.ID
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t, persistence.Options{})
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"sessions", "pending_messages", "queue_events", "observations", "summaries", "audit_log"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?;`, table).Scan(&name)
		if err != nil {
			t.Fatalf("expected table %s: %v", table, err)
		}
	}

	version, _, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected schema version 2, got %d", version)
	}
	if store.MaxRetries() != persistence.DefaultMaxRetries {
		t.Fatalf("expected default max retries %d, got %d", persistence.DefaultMaxRetries, store.MaxRetries())
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	store, dbPath := openTestStore(t, persistence.Options{})
	ctx := context.Background()
	sid := mustSession(t, store, "conv-reopen")
	if _, err := store.Enqueue(ctx, sid, persistence.Summarize{LastAssistantMessage: "done"}, 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := persistence.Open(dbPath, persistence.Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	n, err := reopened.PendingCount(ctx, sid)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pending item after reopen, got %d", n)
	}
}

func TestStore_RejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t, persistence.Options{})
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 2;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(dbPath, persistence.Options{}); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestInitSession_IdempotentPerConversation(t *testing.T) {
	store, _ := openTestStore(t, persistence.Options{})
	ctx := context.Background()

	first, err := store.InitSession(ctx, "conv-1", "alpha", "first prompt")
	if err != nil {
		t.Fatalf("init session: %v", err)
	}
	second, err := store.InitSession(ctx, "conv-1", "", "second prompt")
	if err != nil {
		t.Fatalf("init session again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same session id, got %d and %d", first.ID, second.ID)
	}
	if second.PromptCounter != 2 {
		t.Fatalf("expected prompt counter 2, got %d", second.PromptCounter)
	}
	if second.Project != "alpha" {
		t.Fatalf("expected project kept as alpha, got %q", second.Project)
	}
	if second.LastUserPrompt != "second prompt" {
		t.Fatalf("expected refreshed prompt, got %q", second.LastUserPrompt)
	}

	if _, err := store.InitSession(ctx, "  ", "alpha", "x"); err == nil {
		t.Fatal("expected error for blank conversation id")
	}
}

func TestGetSession_NotFound(t *testing.T) {
	store, _ := openTestStore(t, persistence.Options{})
	_, err := store.GetSession(context.Background(), 999)
	if !errors.Is(err, persistence.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	err = store.CompleteSession(context.Background(), 999)
	if !errors.Is(err, persistence.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound from complete, got %v", err)
	}
}

func TestCompleteSession(t *testing.T) {
	store, _ := openTestStore(t, persistence.Options{})
	ctx := context.Background()
	sid := mustSession(t, store, "conv-complete")
	if err := store.CompleteSession(ctx, sid); err != nil {
		t.Fatalf("complete session: %v", err)
	}
	sess, err := store.GetSession(ctx, sid)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != persistence.SessionCompleted || sess.CompletedAt == nil {
		t.Fatalf("expected completed session, got %+v", sess)
	}

	// A new prompt reactivates it.
	again, err := store.InitSession(ctx, "conv-complete", "", "next")
	if err != nil {
		t.Fatalf("re-init: %v", err)
	}
	if again.Status != persistence.SessionActive || again.CompletedAt != nil {
		t.Fatalf("expected reactivated session, got %+v", again)
	}
}

func TestRecentContext_FiltersByProject(t *testing.T) {
	store, _ := openTestStore(t, persistence.Options{})
	ctx := context.Background()

	alpha, err := store.InitSession(ctx, "conv-a", "alpha", "p")
	if err != nil {
		t.Fatalf("init alpha: %v", err)
	}
	beta, err := store.InitSession(ctx, "conv-b", "beta", "p")
	if err != nil {
		t.Fatalf("init beta: %v", err)
	}
	complete := func(sessionID int64, res persistence.Result) {
		t.Helper()
		if _, err := store.Enqueue(ctx, sessionID, persistence.Observation{ToolName: "Read"}, 1); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		item, err := store.ClaimNext(ctx, sessionID)
		if err != nil || item == nil {
			t.Fatalf("claim: item=%v err=%v", item, err)
		}
		if err := store.CompleteItem(ctx, item.ID, res); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	historic := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	complete(alpha.ID, persistence.Result{
		Observations: []persistence.ObservationRecord{{
			Type: "discovery", Title: "Read config", FilesRead: []string{"/a.ts"}, Facts: []string{"uses yaml"},
		}},
		OccurredAt: historic,
	})
	complete(beta.ID, persistence.Result{
		Summary: &persistence.SummaryRecord{Request: "ship it", Completed: "shipped"},
	})

	snap, err := store.RecentContext(ctx, "alpha", 10)
	if err != nil {
		t.Fatalf("recent context: %v", err)
	}
	if len(snap.Observations) != 1 || len(snap.Summaries) != 0 {
		t.Fatalf("expected 1 alpha observation and no summaries, got %+v", snap)
	}
	obs := snap.Observations[0]
	if obs.Title != "Read config" || len(obs.FilesRead) != 1 || obs.FilesRead[0] != "/a.ts" {
		t.Fatalf("unexpected observation %+v", obs)
	}
	if !obs.CreatedAt.Equal(historic) {
		t.Fatalf("expected historic timestamp %v, got %v", historic, obs.CreatedAt)
	}

	all, err := store.RecentContext(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent context all: %v", err)
	}
	if len(all.Observations) != 1 || len(all.Summaries) != 1 {
		t.Fatalf("expected 1 observation and 1 summary overall, got %+v", all)
	}
	if all.Summaries[0].Completed != "shipped" {
		t.Fatalf("unexpected summary %+v", all.Summaries[0])
	}
}
