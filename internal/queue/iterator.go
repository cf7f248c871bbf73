package queue

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"

	"github.com/vietdev99/claude-mem-sub001/internal/persistence"
)

// ErrIteratorClosed is returned by Next once the iterator has stopped.
var ErrIteratorClosed = errors.New("queue iterator closed")

// Claimer atomically claims the next pending item of a session. It returns
// nil when the session has nothing pending.
type Claimer interface {
	ClaimNext(ctx context.Context, sessionID int64) (*persistence.QueueItem, error)
}

// Iterator yields a session's items in FIFO order, suspending on the wake
// channel while the queue is empty. It serves exactly one consumer and cannot
// be restarted after it stops.
type Iterator struct {
	claimer   Claimer
	sessionID int64
	wake      *Wake
	closed    atomic.Bool
}

// NewIterator builds an iterator for sessionID.
func NewIterator(claimer Claimer, sessionID int64, wake *Wake) *Iterator {
	return &Iterator{claimer: claimer, sessionID: sessionID, wake: wake}
}

// Next blocks until an item is claimed or ctx ends. On cancellation it returns
// ctx.Err() and closes the iterator. A claim error is returned as is and also
// closes the iterator. Next must not be called concurrently.
func (it *Iterator) Next(ctx context.Context) (*persistence.QueueItem, error) {
	if it.closed.Load() {
		return nil, ErrIteratorClosed
	}
	for {
		if err := ctx.Err(); err != nil {
			it.closed.Store(true)
			return nil, err
		}
		item, err := it.claimer.ClaimNext(ctx, it.sessionID)
		if err != nil {
			it.closed.Store(true)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if item != nil {
			return item, nil
		}
		select {
		case <-ctx.Done():
			it.closed.Store(true)
			return nil, ctx.Err()
		case <-it.wake.C():
		}
	}
}

// All adapts Next to a range-over-func sequence. The sequence ends after the
// first error, which is yielded once.
func (it *Iterator) All(ctx context.Context) iter.Seq2[*persistence.QueueItem, error] {
	return func(yield func(*persistence.QueueItem, error) bool) {
		for {
			item, err := it.Next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Closed reports whether the iterator has stopped.
func (it *Iterator) Closed() bool {
	return it.closed.Load()
}
