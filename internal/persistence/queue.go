package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/vietdev99/claude-mem-sub001/internal/shared"
)

func (s *Store) appendQueueEventTx(ctx context.Context, tx *sql.Tx, itemID, sessionID int64, from, to ItemStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO queue_events (item_id, session_id, trace_id, event_type, state_from, state_to, payload_json, created_at_epoch)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?);
	`, itemID, sessionID, shared.TraceID(ctx), eventType, string(from), string(to), payload, toEpoch(s.now()))
	if err != nil {
		return fmt.Errorf("insert queue_event: %w", err)
	}
	return nil
}

// transitionItemTx moves an item from one of allowedFrom to `to` and records a
// queue event. It returns false without error when the item is missing or is
// not in an allowed state. Column updates beyond status are left to the caller
// inside the same transaction.
func (s *Store) transitionItemTx(
	ctx context.Context,
	tx *sql.Tx,
	itemID int64,
	allowedFrom []ItemStatus,
	to ItemStatus,
	eventType string,
	payload string,
) (bool, error) {
	var current ItemStatus
	var sessionID int64
	if err := tx.QueryRowContext(ctx, `
		SELECT status, session_id FROM pending_messages WHERE id = ?;
	`, itemID).Scan(&current, &sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select item for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE pending_messages SET status = ? WHERE id = ? AND status = ?;
	`, to, itemID, current)
	if err != nil {
		return false, fmt.Errorf("update item transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendQueueEventTx(ctx, tx, itemID, sessionID, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

// transitionMissTx explains why a transition did not apply.
func transitionMissTx(ctx context.Context, tx *sql.Tx, itemID int64, to ItemStatus) error {
	var current ItemStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM pending_messages WHERE id = ?;`, itemID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("item %d: %w", itemID, ErrItemNotFound)
		}
		return fmt.Errorf("select item status: %w", err)
	}
	return fmt.Errorf("item %d %s -> %s: %w", itemID, current, to, ErrInvalidTransition)
}

// Enqueue durably appends a pending item to the session's queue.
func (s *Store) Enqueue(ctx context.Context, sessionID int64, payload Payload, promptNumber int) (int64, error) {
	kind, raw, err := encodePayload(payload)
	if err != nil {
		return 0, err
	}
	var itemID int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO pending_messages (session_id, kind, payload_json, prompt_number, status, created_at_epoch)
			VALUES (?, ?, ?, ?, ?, ?);
		`, sessionID, kind, raw, promptNumber, StatusPending, toEpoch(s.now()))
		if err != nil {
			if strings.Contains(err.Error(), "FOREIGN KEY") {
				return fmt.Errorf("enqueue for session %d: %w", sessionID, ErrSessionNotFound)
			}
			return fmt.Errorf("insert queue item: %w", err)
		}
		itemID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("queue item id: %w", err)
		}
		return s.appendQueueEventTx(ctx, tx, itemID, sessionID, "", StatusPending, "item.enqueued",
			fmt.Sprintf(`{"kind":%q}`, kind))
	})
	if err != nil {
		return 0, err
	}
	return itemID, nil
}

// ClaimNext moves the oldest pending item of the session to processing and
// returns it. It returns (nil, nil) when the session has nothing pending.
func (s *Store) ClaimNext(ctx context.Context, sessionID int64) (*QueueItem, error) {
	var result *QueueItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = nil
		var item QueueItem
		row := tx.QueryRowContext(ctx, `
			SELECT `+itemColumns+`
			FROM pending_messages
			WHERE session_id = ? AND status = ?
			ORDER BY id ASC
			LIMIT 1;
		`, sessionID, StatusPending)
		if err := scanItem(row.Scan, &item); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select pending item: %w", err)
		}

		ok, err := s.transitionItemTx(ctx, tx, item.ID,
			[]ItemStatus{StatusPending}, StatusProcessing,
			"item.claimed", "")
		if err != nil {
			return fmt.Errorf("claim item transition: %w", err)
		}
		if !ok {
			return nil
		}
		startedAt := s.now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_messages SET started_processing_at_epoch = ? WHERE id = ?;
		`, toEpoch(startedAt), item.ID); err != nil {
			return fmt.Errorf("stamp claim: %w", err)
		}
		started := fromEpoch(toEpoch(startedAt))
		item.Status = StatusProcessing
		item.StartedProcessingAt = &started
		result = &item
		return nil
	})
	return result, err
}

// MarkProcessed completes an in-flight item without structured output.
func (s *Store) MarkProcessed(ctx context.Context, itemID int64) error {
	return s.CompleteItem(ctx, itemID, Result{})
}

func (s *Store) markProcessedTx(ctx context.Context, tx *sql.Tx, itemID int64) error {
	ok, err := s.transitionItemTx(ctx, tx, itemID,
		[]ItemStatus{StatusProcessing}, StatusProcessed,
		"item.processed", "")
	if err != nil {
		return err
	}
	if !ok {
		return transitionMissTx(ctx, tx, itemID, StatusProcessed)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE pending_messages SET completed_at_epoch = ?, last_error = '' WHERE id = ?;
	`, toEpoch(s.now()), itemID); err != nil {
		return fmt.Errorf("stamp completion: %w", err)
	}
	return nil
}

// MarkFailed records a retryable failure of an in-flight item. Below the retry
// ceiling the item goes back to pending with its retry count incremented;
// at the ceiling it becomes failed and is never retried automatically.
func (s *Store) MarkFailed(ctx context.Context, itemID int64, reason string) (FailureDecision, error) {
	var decision FailureDecision
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var retryCount int
		var status ItemStatus
		if err := tx.QueryRowContext(ctx, `
			SELECT status, retry_count FROM pending_messages WHERE id = ?;
		`, itemID).Scan(&status, &retryCount); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("item %d: %w", itemID, ErrItemNotFound)
			}
			return fmt.Errorf("select failed item: %w", err)
		}
		if status != StatusProcessing {
			return fmt.Errorf("item %d %s -> failed: %w", itemID, status, ErrInvalidTransition)
		}

		if retryCount < s.maxRetries {
			ok, err := s.transitionItemTx(ctx, tx, itemID,
				[]ItemStatus{StatusProcessing}, StatusPending,
				"item.retrying", fmt.Sprintf(`{"retry_count":%d}`, retryCount+1))
			if err != nil {
				return err
			}
			if !ok {
				return transitionMissTx(ctx, tx, itemID, StatusPending)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE pending_messages
				SET retry_count = retry_count + 1, started_processing_at_epoch = NULL, last_error = ?
				WHERE id = ?;
			`, reason, itemID); err != nil {
				return fmt.Errorf("bump retry count: %w", err)
			}
			decision = FailureDecision{Outcome: FailureOutcomeRetried, RetryCount: retryCount + 1, MaxRetries: s.maxRetries}
			return nil
		}

		if err := s.failTx(ctx, tx, itemID, reason, "item.failed_max_retries"); err != nil {
			return err
		}
		decision = FailureDecision{Outcome: FailureOutcomeFailed, RetryCount: retryCount, MaxRetries: s.maxRetries}
		return nil
	})
	return decision, err
}

// MarkFatal fails an in-flight item permanently regardless of its retry count.
func (s *Store) MarkFatal(ctx context.Context, itemID int64, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.failTx(ctx, tx, itemID, reason, "item.failed_fatal")
	})
}

func (s *Store) failTx(ctx context.Context, tx *sql.Tx, itemID int64, reason, eventType string) error {
	ok, err := s.transitionItemTx(ctx, tx, itemID,
		[]ItemStatus{StatusProcessing}, StatusFailed, eventType, "")
	if err != nil {
		return err
	}
	if !ok {
		return transitionMissTx(ctx, tx, itemID, StatusFailed)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE pending_messages SET completed_at_epoch = ?, last_error = ? WHERE id = ?;
	`, toEpoch(s.now()), reason, itemID); err != nil {
		return fmt.Errorf("stamp failure: %w", err)
	}
	return nil
}

// Release returns an in-flight item to pending without counting a retry. Used
// when processing is cancelled rather than failed.
func (s *Store) Release(ctx context.Context, itemID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.transitionItemTx(ctx, tx, itemID,
			[]ItemStatus{StatusProcessing}, StatusPending, "item.released", "")
		if err != nil {
			return err
		}
		if !ok {
			return transitionMissTx(ctx, tx, itemID, StatusPending)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_messages SET started_processing_at_epoch = NULL WHERE id = ?;
		`, itemID); err != nil {
			return fmt.Errorf("clear claim stamp: %w", err)
		}
		return nil
	})
}

// requeueWhere moves every processing row matching cond back to pending.
func (s *Store) requeueWhere(ctx context.Context, eventType, cond string, args ...any) (int64, error) {
	var requeued int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		requeued = 0
		query := `SELECT id FROM pending_messages WHERE status = ?`
		if cond != "" {
			query += " AND " + cond
		}
		rows, err := tx.QueryContext(ctx, query+" ORDER BY id ASC;", append([]any{StatusProcessing}, args...)...)
		if err != nil {
			return fmt.Errorf("query processing items: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan processing item: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate processing items: %w", err)
		}

		for _, id := range ids {
			ok, err := s.transitionItemTx(ctx, tx, id,
				[]ItemStatus{StatusProcessing}, StatusPending, eventType, "")
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE pending_messages SET started_processing_at_epoch = NULL WHERE id = ?;
			`, id); err != nil {
				return fmt.Errorf("clear claim stamp: %w", err)
			}
			requeued++
		}
		return nil
	})
	return requeued, err
}

func excludeClause(column string, exclude []int64) (string, []any) {
	if len(exclude) == 0 {
		return "", nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(exclude)), ",")
	args := make([]any, 0, len(exclude))
	for _, id := range exclude {
		args = append(args, id)
	}
	return fmt.Sprintf("%s NOT IN (%s)", column, marks), args
}

func (s *Store) stuckCond(threshold time.Duration, exclude []int64) (string, []any) {
	cutoff := toEpoch(s.now().Add(-threshold))
	cond := "started_processing_at_epoch < ?"
	args := []any{cutoff}
	if ex, exArgs := excludeClause("session_id", exclude); ex != "" {
		cond += " AND " + ex
		args = append(args, exArgs...)
	}
	return cond, args
}

// ResetStuck returns processing items claimed longer ago than threshold to
// pending. Sessions in exclude are left alone.
func (s *Store) ResetStuck(ctx context.Context, threshold time.Duration, exclude ...int64) (int64, error) {
	cond, args := s.stuckCond(threshold, exclude)
	n, err := s.requeueWhere(ctx, "item.stuck_reset", cond, args...)
	if err != nil {
		return 0, fmt.Errorf("reset stuck items: %w", err)
	}
	return n, nil
}

// StuckCount counts processing items claimed longer ago than threshold.
func (s *Store) StuckCount(ctx context.Context, threshold time.Duration) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM pending_messages
		WHERE status = ? AND started_processing_at_epoch < ?;
	`, StatusProcessing, toEpoch(s.now().Add(-threshold))).Scan(&n); err != nil {
		return 0, fmt.Errorf("count stuck items: %w", err)
	}
	return n, nil
}

// RequeueProcessing returns every processing item of the session to pending.
// Called when a consumer loop starts: no loop owns those rows any more.
func (s *Store) RequeueProcessing(ctx context.Context, sessionID int64) (int64, error) {
	n, err := s.requeueWhere(ctx, "item.orphan_requeued", "session_id = ?", sessionID)
	if err != nil {
		return 0, fmt.Errorf("requeue session %d: %w", sessionID, err)
	}
	return n, nil
}

// SessionsWithPendingWork lists sessions holding pending or in-flight items,
// oldest work first.
func (s *Store) SessionsWithPendingWork(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id
		FROM pending_messages
		WHERE status IN (?, ?)
		GROUP BY session_id
		ORDER BY MIN(id) ASC;
	`, StatusPending, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("query sessions with pending work: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions with pending work: %w", err)
	}
	return out, nil
}

// PendingCount counts unfinished (pending or in-flight) items of a session.
func (s *Store) PendingCount(ctx context.Context, sessionID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM pending_messages WHERE session_id = ? AND status IN (?, ?);
	`, sessionID, StatusPending, StatusProcessing).Scan(&n); err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

func (s *Store) HasAnyPendingWork(ctx context.Context) (bool, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM pending_messages WHERE status IN (?, ?));
	`, StatusPending, StatusProcessing).Scan(&exists); err != nil {
		return false, fmt.Errorf("has pending work: %w", err)
	}
	return exists == 1, nil
}

func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	c, err := s.Counts(ctx)
	if err != nil {
		return 0, err
	}
	return c.Depth(), nil
}

func (s *Store) Counts(ctx context.Context) (QueueCounts, error) {
	var c QueueCounts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'processed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM pending_messages;
	`)
	if err := row.Scan(&c.Pending, &c.Processing, &c.Processed, &c.Failed); err != nil {
		return c, fmt.Errorf("queue counts: %w", err)
	}
	return c, nil
}

func (s *Store) GetItem(ctx context.Context, itemID int64) (*QueueItem, error) {
	var item QueueItem
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM pending_messages WHERE id = ?;`, itemID)
	if err := scanItem(row.Scan, &item); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("item %d: %w", itemID, ErrItemNotFound)
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &item, nil
}

// QueueEvent is one recorded status transition of a queue item.
type QueueEvent struct {
	EventID   int64      `json:"event_id"`
	ItemID    int64      `json:"item_id"`
	SessionID int64      `json:"session_id"`
	TraceID   string     `json:"trace_id"`
	EventType string     `json:"event_type"`
	StateFrom ItemStatus `json:"state_from,omitempty"`
	StateTo   ItemStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

// ItemEvents returns the transition history of an item, oldest first.
func (s *Store) ItemEvents(ctx context.Context, itemID int64) ([]QueueEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, item_id, session_id, trace_id, event_type, COALESCE(state_from, ''), state_to, payload_json, created_at_epoch
		FROM queue_events
		WHERE item_id = ?
		ORDER BY event_id ASC;
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("query item events: %w", err)
	}
	defer rows.Close()
	var out []QueueEvent
	for rows.Next() {
		var ev QueueEvent
		var createdAt int64
		if err := rows.Scan(&ev.EventID, &ev.ItemID, &ev.SessionID, &ev.TraceID, &ev.EventType,
			&ev.StateFrom, &ev.StateTo, &ev.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan item event: %w", err)
		}
		ev.CreatedAt = fromEpoch(createdAt)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item events: %w", err)
	}
	return out, nil
}
