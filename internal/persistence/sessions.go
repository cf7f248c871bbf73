package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// Session is the durable metadata of one conversation session. It is what the
// coordinator hydrates an in-memory session from after a restart.
type Session struct {
	ID             int64         `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Project        string        `json:"project"`
	LastUserPrompt string        `json:"last_user_prompt"`
	PromptCounter  int           `json:"prompt_counter"`
	Status         SessionStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

const sessionColumns = `id, conversation_id, project, user_prompt, prompt_counter, status, started_at_epoch, completed_at_epoch`

func scanSession(scanFn func(dest ...any) error, sess *Session) error {
	var startedAt int64
	var completedAt sql.NullInt64
	if err := scanFn(
		&sess.ID,
		&sess.ConversationID,
		&sess.Project,
		&sess.LastUserPrompt,
		&sess.PromptCounter,
		&sess.Status,
		&startedAt,
		&completedAt,
	); err != nil {
		return err
	}
	sess.StartedAt = fromEpoch(startedAt)
	sess.CompletedAt = fromNullEpoch(completedAt)
	return nil
}

// InitSession registers a new user prompt for a conversation. The first call
// creates the session; later calls bump the prompt counter and refresh the
// cached prompt. Returns the session as stored after the update.
func (s *Store) InitSession(ctx context.Context, conversationID, project, prompt string) (*Session, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("init session: conversation id is required")
	}
	var out Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (conversation_id, project, user_prompt, prompt_counter, status, started_at_epoch)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT(conversation_id) DO UPDATE SET
				prompt_counter = prompt_counter + 1,
				user_prompt = excluded.user_prompt,
				project = CASE WHEN excluded.project <> '' THEN excluded.project ELSE project END,
				status = excluded.status,
				completed_at_epoch = NULL;
		`, conversationID, project, prompt, SessionActive, toEpoch(s.now())); err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE conversation_id = ?;`, conversationID)
		if err := scanSession(row.Scan, &out); err != nil {
			return fmt.Errorf("read session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSession looks a session up by id.
func (s *Store) GetSession(ctx context.Context, sessionID int64) (*Session, error) {
	var sess Session
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?;`, sessionID)
	if err := scanSession(row.Scan, &sess); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %d: %w", sessionID, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// CompleteSession marks a session completed. Queued work is untouched.
func (s *Store) CompleteSession(ctx context.Context, sessionID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = ?, completed_at_epoch = ? WHERE id = ?;
		`, SessionCompleted, toEpoch(s.now()), sessionID)
		if err != nil {
			return fmt.Errorf("complete session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("complete session rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("session %d: %w", sessionID, ErrSessionNotFound)
		}
		return nil
	})
}
