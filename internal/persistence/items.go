package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusProcessed  ItemStatus = "processed"
	StatusFailed     ItemStatus = "failed"
)

// processed is terminal; failed only leaves through an operator re-arm.
var allowedTransitions = map[ItemStatus]map[ItemStatus]struct{}{
	StatusPending: {
		StatusProcessing: {},
	},
	StatusProcessing: {
		StatusProcessed: {},
		StatusPending:   {}, // Retry, release, or stuck recovery.
		StatusFailed:    {},
	},
	StatusFailed: {
		StatusPending: {}, // Manual re-arm.
	},
}

func canTransition(from, to ItemStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type ItemKind string

const (
	KindObservation ItemKind = "observation"
	KindSummarize   ItemKind = "summarize"
)

// Payload is the unit of work carried by a queue item. The set of
// implementations is closed: Observation and Summarize.
type Payload interface {
	Kind() ItemKind
	isPayload()
}

// Observation is a raw tool-use event captured from a live conversation.
type Observation struct {
	ToolName   string `json:"tool_name"`
	ToolInput  string `json:"tool_input"`
	ToolOutput string `json:"tool_output"`
	Cwd        string `json:"cwd,omitempty"`
}

func (Observation) Kind() ItemKind { return KindObservation }
func (Observation) isPayload()     {}

// Summarize asks the worker to summarize the session so far.
type Summarize struct {
	LastAssistantMessage string `json:"last_assistant_message"`
}

func (Summarize) Kind() ItemKind { return KindSummarize }
func (Summarize) isPayload()     {}

func encodePayload(p Payload) (ItemKind, string, error) {
	if p == nil {
		return "", "", fmt.Errorf("encode payload: nil payload")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", "", fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return p.Kind(), string(raw), nil
}

func decodePayload(kind ItemKind, raw string) (Payload, error) {
	switch kind {
	case KindObservation:
		var obs Observation
		if err := json.Unmarshal([]byte(raw), &obs); err != nil {
			return nil, fmt.Errorf("decode observation payload: %w", err)
		}
		return obs, nil
	case KindSummarize:
		var sum Summarize
		if err := json.Unmarshal([]byte(raw), &sum); err != nil {
			return nil, fmt.Errorf("decode summarize payload: %w", err)
		}
		return sum, nil
	default:
		return nil, fmt.Errorf("decode payload: unknown kind %q", kind)
	}
}

// QueueItem is one durable unit of work owned by a session.
type QueueItem struct {
	ID                  int64
	SessionID           int64
	Payload             Payload
	PromptNumber        int
	Status              ItemStatus
	RetryCount          int
	LastError           string
	CreatedAt           time.Time
	StartedProcessingAt *time.Time
	CompletedAt         *time.Time
}

func (q QueueItem) MarshalJSON() ([]byte, error) {
	var kind ItemKind
	if q.Payload != nil {
		kind = q.Payload.Kind()
	}
	return json.Marshal(struct {
		ID                  int64      `json:"id"`
		SessionID           int64      `json:"session_id"`
		Kind                ItemKind   `json:"kind"`
		Payload             Payload    `json:"payload"`
		PromptNumber        int        `json:"prompt_number"`
		Status              ItemStatus `json:"status"`
		RetryCount          int        `json:"retry_count"`
		LastError           string     `json:"last_error,omitempty"`
		CreatedAt           time.Time  `json:"created_at"`
		StartedProcessingAt *time.Time `json:"started_processing_at,omitempty"`
		CompletedAt         *time.Time `json:"completed_at,omitempty"`
	}{
		ID:                  q.ID,
		SessionID:           q.SessionID,
		Kind:                kind,
		Payload:             q.Payload,
		PromptNumber:        q.PromptNumber,
		Status:              q.Status,
		RetryCount:          q.RetryCount,
		LastError:           q.LastError,
		CreatedAt:           q.CreatedAt,
		StartedProcessingAt: q.StartedProcessingAt,
		CompletedAt:         q.CompletedAt,
	})
}

const itemColumns = `id, session_id, kind, payload_json, prompt_number, status, retry_count,
	last_error, created_at_epoch, started_processing_at_epoch, completed_at_epoch`

func scanItem(scanFn func(dest ...any) error, item *QueueItem) error {
	var (
		kind      ItemKind
		raw       string
		createdAt int64
		started   sql.NullInt64
		completed sql.NullInt64
	)
	if err := scanFn(
		&item.ID,
		&item.SessionID,
		&kind,
		&raw,
		&item.PromptNumber,
		&item.Status,
		&item.RetryCount,
		&item.LastError,
		&createdAt,
		&started,
		&completed,
	); err != nil {
		return err
	}
	payload, err := decodePayload(kind, raw)
	if err != nil {
		return err
	}
	item.Payload = payload
	item.CreatedAt = fromEpoch(createdAt)
	item.StartedProcessingAt = fromNullEpoch(started)
	item.CompletedAt = fromNullEpoch(completed)
	return nil
}

type FailureOutcome string

const (
	FailureOutcomeRetried FailureOutcome = "retried"
	FailureOutcomeFailed  FailureOutcome = "failed"
)

// FailureDecision reports what MarkFailed did with an item.
type FailureDecision struct {
	Outcome    FailureOutcome `json:"outcome"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
}

// QueueCounts is a per-status snapshot of the whole queue.
type QueueCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Processed  int `json:"processed"`
	Failed     int `json:"failed"`
}

// Depth is the amount of unfinished work: pending plus in-flight.
func (c QueueCounts) Depth() int {
	return c.Pending + c.Processing
}
