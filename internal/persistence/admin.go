package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Operator maintenance. These never touch processing rows of sessions listed
// in exclude; callers pass the sessions that currently have a live consumer.

// ClearFailed deletes every permanently failed item.
func (s *Store) ClearFailed(ctx context.Context) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM pending_messages WHERE status = ?;`, StatusFailed)
		if err != nil {
			return fmt.Errorf("clear failed items: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ClearAll deletes every queue row except in-flight rows of excluded sessions.
func (s *Store) ClearAll(ctx context.Context, exclude ...int64) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `DELETE FROM pending_messages`
		var args []any
		if ex, exArgs := excludeClause("session_id", exclude); ex != "" {
			query += ` WHERE NOT (status = ? AND NOT (` + ex + `))`
			args = append([]any{StatusProcessing}, exArgs...)
		}
		res, err := tx.ExecContext(ctx, query+";", args...)
		if err != nil {
			return fmt.Errorf("clear queue: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// RetryAllStuck is the operator form of ResetStuck.
func (s *Store) RetryAllStuck(ctx context.Context, threshold time.Duration, exclude ...int64) (int64, error) {
	cond, args := s.stuckCond(threshold, exclude)
	n, err := s.requeueWhere(ctx, "item.operator_retry_stuck", cond, args...)
	if err != nil {
		return 0, fmt.Errorf("retry stuck items: %w", err)
	}
	return n, nil
}

// RetryItem re-arms a failed item. The retry count is kept; automatic retries
// resume from where they stopped. Returns the owning session.
func (s *Store) RetryItem(ctx context.Context, itemID int64) (int64, error) {
	var sessionID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.transitionItemTx(ctx, tx, itemID,
			[]ItemStatus{StatusFailed}, StatusPending, "item.operator_retry", "")
		if err != nil {
			return err
		}
		if !ok {
			return transitionMissTx(ctx, tx, itemID, StatusPending)
		}
		if err := tx.QueryRowContext(ctx, `
			UPDATE pending_messages
			SET started_processing_at_epoch = NULL, completed_at_epoch = NULL
			WHERE id = ?
			RETURNING session_id;
		`, itemID).Scan(&sessionID); err != nil {
			return fmt.Errorf("re-arm item: %w", err)
		}
		return nil
	})
	return sessionID, err
}

// ListFilter narrows ListItems. Zero fields match everything.
type ListFilter struct {
	Status    ItemStatus
	SessionID int64
	Limit     int
}

func (s *Store) ListItems(ctx context.Context, f ListFilter) ([]QueueItem, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.SessionID != 0 {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT ` + itemColumns + ` FROM pending_messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	var out []QueueItem
	for rows.Next() {
		var item QueueItem
		if err := scanItem(rows.Scan, &item); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}
