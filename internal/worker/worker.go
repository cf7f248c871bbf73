// Package worker defines the contract between the session consumer loop and
// the external transformer that turns raw tool events into stored memory.
package worker

import (
	"context"

	"github.com/vietdev99/claude-mem-sub001/internal/persistence"
)

// SessionInfo is the session context handed to the worker with every item.
type SessionInfo struct {
	SessionID      int64
	ConversationID string
	Project        string
	LastUserPrompt string
}

// Worker processes one claimed item. It is invoked serially per session and
// must abort promptly when ctx is cancelled. A returned error is treated as
// retryable unless it is marked Fatal or classifies as non-retryable.
type Worker interface {
	Process(ctx context.Context, sess SessionInfo, item persistence.QueueItem) (persistence.Result, error)
}

// Func adapts a plain function to the Worker interface.
type Func func(ctx context.Context, sess SessionInfo, item persistence.QueueItem) (persistence.Result, error)

func (f Func) Process(ctx context.Context, sess SessionInfo, item persistence.QueueItem) (persistence.Result, error) {
	return f(ctx, sess, item)
}
