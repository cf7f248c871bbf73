// Package audit appends operator actions to an append-only JSONL file and,
// when a database is attached, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vietdev99/claude-mem-sub001/internal/shared"
)

// Outcome values for Entry.Outcome.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

type actorKey struct{}

// WithActor tags ctx with the caller recorded on entries that leave Actor empty.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor returns the caller carried by ctx, or "operator".
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "operator"
}

// Entry is one audited operator action.
type Entry struct {
	Actor   string
	Action  string
	Target  string
	Outcome string
	Detail  string
}

type record struct {
	AuditID   string `json:"audit_id"`
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Target    string `json:"target,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}

// Log writes audit entries. A nil *Log discards everything.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	db     *sql.DB
	count  atomic.Int64
	errors atomic.Int64
	now    func() time.Time
}

// Open creates <homeDir>/logs/audit.jsonl for appending. db may be nil.
func Open(homeDir string, db *sql.DB) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{file: f, db: db, now: time.Now}, nil
}

// Close closes the JSONL file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Count returns the number of entries recorded since Open.
func (l *Log) Count() int64 {
	if l == nil {
		return 0
	}
	return l.count.Load()
}

// WriteErrors returns how many entries failed to reach a sink.
func (l *Log) WriteErrors() int64 {
	if l == nil {
		return 0
	}
	return l.errors.Load()
}

// Record appends e to every configured sink. Secrets are redacted first.
// Audit failures never fail the audited action; they are counted instead.
func (l *Log) Record(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	if e.Actor == "" {
		e.Actor = Actor(ctx)
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeOK
	}
	rec := record{
		AuditID: uuid.NewString(),
		TraceID: shared.TraceID(ctx),
		Actor:   e.Actor,
		Action:  e.Action,
		Target:  shared.Redact(e.Target),
		Outcome: e.Outcome,
		Detail:  shared.Redact(e.Detail),
	}
	ts := l.now().UTC()
	rec.Timestamp = ts.Format(time.RFC3339Nano)
	l.count.Add(1)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		b, err := json.Marshal(rec)
		if err == nil {
			_, err = l.file.Write(append(b, '\n'))
		}
		if err != nil {
			l.errors.Add(1)
		}
	}
	if l.db != nil {
		if _, err := l.db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (audit_id, trace_id, actor, action, target, outcome, detail, created_at_epoch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.AuditID, rec.TraceID, rec.Actor, rec.Action, rec.Target, rec.Outcome, rec.Detail, ts.UnixMilli()); err != nil {
			l.errors.Add(1)
		}
	}
}
