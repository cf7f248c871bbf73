package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vietdev99/claude-mem-sub001/internal/bus"
	"github.com/vietdev99/claude-mem-sub001/internal/otel"
	"github.com/vietdev99/claude-mem-sub001/internal/persistence"
	"github.com/vietdev99/claude-mem-sub001/internal/queue"
	"github.com/vietdev99/claude-mem-sub001/internal/shared"
	"github.com/vietdev99/claude-mem-sub001/internal/worker"
)

// Item outcomes reported to metrics, spans and logs.
const (
	outcomeProcessed = "processed"
	outcomeRetrying  = "retrying"
	outcomeFailed    = "failed"
	outcomeReleased  = "released"
)

// Consumer is the handle of one session's consumer loop.
type Consumer struct {
	sessionID int64
	done      chan struct{}
	err       error
}

func newConsumer(sessionID int64) *Consumer {
	return &Consumer{sessionID: sessionID, done: make(chan struct{})}
}

func (c *Consumer) SessionID() int64 { return c.sessionID }

// Done is closed when the loop has exited.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// Err returns why the loop exited. It is nil while running and
// context.Canceled after a normal stop.
func (c *Consumer) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the loop exits or ctx ends.
func (c *Consumer) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (m *Manager) runConsumer(as *activeSession, c *Consumer, prev <-chan struct{}) {
	defer m.wg.Done()
	err := m.consume(as, prev)
	c.err = err
	close(c.done)

	if err == nil || errors.Is(err, context.Canceled) {
		m.logger.DebugContext(as.ctx, "consumer stopped")
		m.bus.Publish(bus.TopicConsumerStopped, bus.SessionEvent{SessionID: as.id, Reason: "cancelled"})
		return
	}

	cause := "store"
	if errors.Is(err, errConsumerPanic) {
		cause = "panic"
	}
	m.metrics.IncTeardown(cause)
	m.logger.ErrorContext(as.ctx, "consumer failed; tearing down session", "error", err, "cause", cause)

	m.mu.Lock()
	removed := false
	if cur, ok := m.active[as.id]; ok && cur == as {
		as.mu.Lock()
		if as.consumer == c {
			delete(m.active, as.id)
			removed = true
		}
		as.mu.Unlock()
	}
	m.metrics.SetActiveSessions(len(m.active))
	m.mu.Unlock()
	if removed {
		as.cancel()
		m.fireRemoved(as.id, "consumer_error")
	}
}

var errConsumerPanic = errors.New("consumer panic")

// consume drains the session until its context is cancelled or a store
// operation fails.
func (m *Manager) consume(as *activeSession, prev <-chan struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", errConsumerPanic, r, debug.Stack())
		}
	}()
	ctx := as.ctx

	// A deleted predecessor may still be finishing its last item.
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	n, err := m.store.RequeueProcessing(ctx, as.id)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("requeue orphaned items: %w", err)
	}
	if n > 0 {
		m.logger.WarnContext(ctx, "requeued orphaned in-flight items", "count", n)
	}

	it := queue.NewIterator(m.store, as.id, as.wake)
	for item, err := range it.All(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("claim next item: %w", err)
		}
		if err := m.handleItem(ctx, as, item); err != nil {
			return err
		}
	}
	return nil
}

// handleItem runs the worker for one claimed item and records the outcome.
// Item-level failures are absorbed; only store failures and cancellation are
// returned.
func (m *Manager) handleItem(ctx context.Context, as *activeSession, item *persistence.QueueItem) error {
	ctx = shared.WithItemID(shared.WithTraceID(ctx, shared.NewTraceID()), item.ID)
	// Store writes must land even when the session is being cancelled.
	storeCtx := context.WithoutCancel(ctx)
	kind := string(item.Payload.Kind())
	as.noteClaim(item.CreatedAt)
	m.logger.DebugContext(ctx, "item claimed", "kind", kind, "retry_count", item.RetryCount)

	spanCtx, span := otel.StartItemSpan(ctx, m.tracer, as.id, item.ID, kind, item.RetryCount)
	var itemCtx context.Context
	var cancel context.CancelFunc
	if m.itemTimeout > 0 {
		itemCtx, cancel = context.WithTimeout(spanCtx, m.itemTimeout)
	} else {
		itemCtx, cancel = context.WithCancel(spanCtx)
	}
	defer cancel()

	start := time.Now()
	res, werr := m.worker.Process(itemCtx, as.info(), *item)
	elapsed := time.Since(start)

	// Never complete an item once the session is cancelled; it goes back to
	// pending for the next consumer.
	if ctx.Err() != nil {
		if err := m.store.Release(storeCtx, item.ID); err != nil && !errors.Is(err, persistence.ErrItemNotFound) {
			otel.EndSpan(span, outcomeReleased, err)
			return fmt.Errorf("release item %d: %w", item.ID, err)
		}
		otel.EndSpan(span, outcomeReleased, nil)
		m.metrics.ObserveItem(kind, outcomeReleased, elapsed)
		m.bus.Publish(bus.TopicItemReleased, bus.ItemEvent{SessionID: as.id, ItemID: item.ID, Kind: kind, RetryCount: item.RetryCount})
		m.logger.InfoContext(ctx, "item released on cancel", "kind", kind)
		return ctx.Err()
	}

	if werr != nil {
		if errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
			werr = fmt.Errorf("item timeout exceeded: %w", werr)
		}
		return m.recordFailure(storeCtx, ctx, as, item, kind, werr, elapsed, span)
	}

	if res.OccurredAt.IsZero() {
		res.OccurredAt = as.takeEarliest()
	}
	if err := m.store.CompleteItem(storeCtx, item.ID, res); err != nil {
		if errors.Is(err, persistence.ErrItemNotFound) || errors.Is(err, persistence.ErrInvalidTransition) {
			// Removed or re-armed by an operator while in flight.
			otel.EndSpan(span, outcomeReleased, err)
			m.logger.WarnContext(ctx, "item changed while in flight; result dropped", "error", err)
			return nil
		}
		otel.EndSpan(span, outcomeFailed, err)
		return fmt.Errorf("complete item %d: %w", item.ID, err)
	}
	as.clearEarliest()
	otel.EndSpan(span, outcomeProcessed, nil)
	m.metrics.ObserveItem(kind, outcomeProcessed, elapsed)
	m.bus.Publish(bus.TopicItemProcessed, bus.ItemEvent{SessionID: as.id, ItemID: item.ID, Kind: kind, RetryCount: item.RetryCount})
	m.logger.InfoContext(ctx, "item processed",
		"kind", kind,
		"observations", len(res.Observations),
		"summary", res.Summary != nil,
		"duration_ms", elapsed.Milliseconds(),
	)
	m.publishStatus(ctx)
	return nil
}

func (m *Manager) recordFailure(storeCtx, ctx context.Context, as *activeSession, item *persistence.QueueItem, kind string, werr error, elapsed time.Duration, span trace.Span) error {
	reason := shared.Redact(werr.Error())
	ev := bus.ItemEvent{SessionID: as.id, ItemID: item.ID, Kind: kind, Error: reason}

	if worker.IsFatal(werr) {
		if err := m.store.MarkFatal(storeCtx, item.ID, reason); err != nil {
			otel.EndSpan(span, outcomeFailed, err)
			if errors.Is(err, persistence.ErrItemNotFound) {
				return nil
			}
			return fmt.Errorf("mark item %d fatal: %w", item.ID, err)
		}
		otel.EndSpan(span, outcomeFailed, werr)
		m.metrics.ObserveItem(kind, outcomeFailed, elapsed)
		ev.RetryCount = item.RetryCount
		m.bus.Publish(bus.TopicItemFailed, ev)
		m.logger.WarnContext(ctx, "item failed permanently",
			"kind", kind, "error", reason, "class", worker.ClassifyError(werr))
		m.publishStatus(ctx)
		return nil
	}

	decision, err := m.store.MarkFailed(storeCtx, item.ID, reason)
	if err != nil {
		otel.EndSpan(span, outcomeFailed, err)
		if errors.Is(err, persistence.ErrItemNotFound) {
			return nil
		}
		return fmt.Errorf("mark item %d failed: %w", item.ID, err)
	}
	ev.RetryCount = decision.RetryCount
	if decision.Outcome == persistence.FailureOutcomeRetried {
		otel.EndSpan(span, outcomeRetrying, werr)
		m.metrics.ObserveItem(kind, outcomeRetrying, elapsed)
		m.bus.Publish(bus.TopicItemRetrying, ev)
		m.logger.WarnContext(ctx, "item failed; will retry",
			"kind", kind, "error", reason, "retry_count", decision.RetryCount, "max_retries", decision.MaxRetries)
		return nil
	}
	otel.EndSpan(span, outcomeFailed, werr)
	m.metrics.ObserveItem(kind, outcomeFailed, elapsed)
	m.bus.Publish(bus.TopicItemFailed, ev)
	m.logger.ErrorContext(ctx, "item failed after max retries",
		"kind", kind, "error", reason, "retry_count", decision.RetryCount)
	m.publishStatus(ctx)
	return nil
}
