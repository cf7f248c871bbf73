package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ObservationRecord is one structured observation produced by the worker.
type ObservationRecord struct {
	Type          string   `json:"type"`
	Title         string   `json:"title"`
	Subtitle      string   `json:"subtitle,omitempty"`
	Narrative     string   `json:"narrative,omitempty"`
	Facts         []string `json:"facts,omitempty"`
	FilesRead     []string `json:"files_read,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
}

// SummaryRecord is the structured summary produced for a Summarize item.
type SummaryRecord struct {
	Request      string `json:"request"`
	Investigated string `json:"investigated,omitempty"`
	Learned      string `json:"learned,omitempty"`
	Completed    string `json:"completed,omitempty"`
	NextSteps    string `json:"next_steps,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// Result is the worker output persisted together with item completion.
type Result struct {
	Observations []ObservationRecord
	Summary      *SummaryRecord
	// OccurredAt stamps the stored rows. Zero means now.
	OccurredAt time.Time
}

// CompleteItem stores the worker's output and marks the item processed in one
// transaction, so a crash never leaves output without completion or the reverse.
func (s *Store) CompleteItem(ctx context.Context, itemID int64, res Result) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var sessionID int64
		var promptNumber int
		var project string
		if err := tx.QueryRowContext(ctx, `
			SELECT q.session_id, q.prompt_number, s.project
			FROM pending_messages q JOIN sessions s ON s.id = q.session_id
			WHERE q.id = ?;
		`, itemID).Scan(&sessionID, &promptNumber, &project); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("item %d: %w", itemID, ErrItemNotFound)
			}
			return fmt.Errorf("select completed item: %w", err)
		}
		occurredAt := res.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = s.now()
		}

		for _, obs := range res.Observations {
			facts, err := marshalStrings(obs.Facts)
			if err != nil {
				return err
			}
			filesRead, err := marshalStrings(obs.FilesRead)
			if err != nil {
				return err
			}
			filesModified, err := marshalStrings(obs.FilesModified)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO observations (session_id, item_id, project, type, title, subtitle, narrative,
					facts_json, files_read_json, files_modified_json, prompt_number, created_at_epoch)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, sessionID, itemID, project, obs.Type, obs.Title, obs.Subtitle, obs.Narrative,
				facts, filesRead, filesModified, promptNumber, toEpoch(occurredAt)); err != nil {
				return fmt.Errorf("insert observation: %w", err)
			}
		}
		if sum := res.Summary; sum != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO summaries (session_id, item_id, project, request, investigated, learned,
					completed, next_steps, notes, prompt_number, created_at_epoch)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, sessionID, itemID, project, sum.Request, sum.Investigated, sum.Learned,
				sum.Completed, sum.NextSteps, sum.Notes, promptNumber, toEpoch(occurredAt)); err != nil {
				return fmt.Errorf("insert summary: %w", err)
			}
		}
		return s.markProcessedTx(ctx, tx, itemID)
	})
}

func marshalStrings(v []string) (string, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode string list: %w", err)
	}
	return string(raw), nil
}

func unmarshalStrings(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// StoredObservation is an observation row as read back for context replay.
type StoredObservation struct {
	ID           int64     `json:"id"`
	SessionID    int64     `json:"session_id"`
	ItemID       int64     `json:"item_id"`
	Project      string    `json:"project"`
	PromptNumber int       `json:"prompt_number"`
	CreatedAt    time.Time `json:"created_at"`
	ObservationRecord
}

// StoredSummary is a summary row as read back for context replay.
type StoredSummary struct {
	ID           int64     `json:"id"`
	SessionID    int64     `json:"session_id"`
	Project      string    `json:"project"`
	PromptNumber int       `json:"prompt_number"`
	CreatedAt    time.Time `json:"created_at"`
	SummaryRecord
}

// ContextSnapshot is the compact history replayed into a new session.
type ContextSnapshot struct {
	Project      string              `json:"project"`
	Observations []StoredObservation `json:"observations"`
	Summaries    []StoredSummary     `json:"summaries"`
}

// RecentContext returns the newest observations and summaries for a project,
// newest first. An empty project matches every project.
func (s *Store) RecentContext(ctx context.Context, project string, limit int) (*ContextSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	snap := &ContextSnapshot{Project: project}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, item_id, project, prompt_number, created_at_epoch,
			type, title, subtitle, narrative, facts_json, files_read_json, files_modified_json
		FROM observations
		WHERE (? = '' OR project = ?)
		ORDER BY created_at_epoch DESC, id DESC
		LIMIT ?;
	`, project, project, limit)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	for rows.Next() {
		var obs StoredObservation
		var createdAt int64
		var facts, filesRead, filesModified string
		if err := rows.Scan(&obs.ID, &obs.SessionID, &obs.ItemID, &obs.Project, &obs.PromptNumber, &createdAt,
			&obs.Type, &obs.Title, &obs.Subtitle, &obs.Narrative, &facts, &filesRead, &filesModified); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		obs.CreatedAt = fromEpoch(createdAt)
		obs.Facts = unmarshalStrings(facts)
		obs.FilesRead = unmarshalStrings(filesRead)
		obs.FilesModified = unmarshalStrings(filesModified)
		snap.Observations = append(snap.Observations, obs)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observations: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, session_id, project, prompt_number, created_at_epoch,
			request, investigated, learned, completed, next_steps, notes
		FROM summaries
		WHERE (? = '' OR project = ?)
		ORDER BY created_at_epoch DESC, id DESC
		LIMIT ?;
	`, project, project, limit)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sum StoredSummary
		var createdAt int64
		if err := rows.Scan(&sum.ID, &sum.SessionID, &sum.Project, &sum.PromptNumber, &createdAt,
			&sum.Request, &sum.Investigated, &sum.Learned, &sum.Completed, &sum.NextSteps, &sum.Notes); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.CreatedAt = fromEpoch(createdAt)
		snap.Summaries = append(snap.Summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return snap, nil
}
