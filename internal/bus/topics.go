package bus

// Queue item lifecycle topics.
const (
	TopicItemEnqueued  = "queue.enqueued"
	TopicItemProcessed = "queue.processed"
	TopicItemRetrying  = "queue.retrying"
	TopicItemFailed    = "queue.failed"
	TopicItemReleased  = "queue.released"
)

// Session and activity topics.
const (
	TopicSessionStarted   = "session.started"
	TopicSessionRemoved   = "session.removed"
	TopicConsumerStopped  = "session.consumer_stopped"
	TopicProcessingStatus = "status.processing"
	TopicRecoverySweep    = "recovery.sweep"
	TopicAdminAction      = "admin.action"
)

// ItemEvent describes a queue item transition.
type ItemEvent struct {
	SessionID  int64  `json:"session_id"`
	ItemID     int64  `json:"item_id"`
	Kind       string `json:"kind"`
	RetryCount int    `json:"retry_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (e ItemEvent) EventSessionID() int64 { return e.SessionID }

// SessionEvent describes an in-memory session lifecycle change.
type SessionEvent struct {
	SessionID      int64  `json:"session_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Project        string `json:"project,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

func (e SessionEvent) EventSessionID() int64 { return e.SessionID }

// ProcessingStatusEvent is the activity indicator pushed to status listeners.
type ProcessingStatusEvent struct {
	IsProcessing   bool `json:"is_processing"`
	QueueDepth     int  `json:"queue_depth"`
	ActiveSessions int  `json:"active_sessions"`
}

// RecoverySweepEvent summarizes one orphan recovery sweep.
type RecoverySweepEvent struct {
	Trigger  string `json:"trigger"`
	Reset    int64  `json:"reset"`
	Found    int    `json:"found"`
	Started  int    `json:"started"`
	Skipped  int    `json:"skipped"`
	Deferred int    `json:"deferred"`
	Failed   int    `json:"failed"`
}

// AdminActionEvent is published after an operator maintenance action.
type AdminActionEvent struct {
	Action   string `json:"action"`
	Affected int64  `json:"affected"`
}
