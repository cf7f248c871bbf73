package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/vietdev99/claude-mem-sub001/internal/audit"
	"github.com/vietdev99/claude-mem-sub001/internal/bus"
)

// Operator actions. They route through the manager so that a session with a
// live consumer never has its in-flight row touched behind the loop's back.

// ClearFailed deletes every permanently failed item.
func (m *Manager) ClearFailed(ctx context.Context) (int64, error) {
	n, err := m.store.ClearFailed(ctx)
	m.recordAdmin(ctx, "queue.clear_failed", "", n, err)
	if err != nil {
		return 0, fmt.Errorf("clear failed: %w", err)
	}
	return n, nil
}

// ClearAll stops every live consumer and then deletes the whole queue.
func (m *Manager) ClearAll(ctx context.Context) (int64, error) {
	for _, id := range m.activeIDs() {
		if err := m.removeSession(ctx, id, "queue_cleared"); err != nil {
			m.recordAdmin(ctx, "queue.clear_all", "", 0, err)
			return 0, err
		}
	}
	// Loops started after the sweep above keep their in-flight row.
	n, err := m.store.ClearAll(ctx, m.liveSessionIDs()...)
	m.recordAdmin(ctx, "queue.clear_all", "", n, err)
	if err != nil {
		return 0, fmt.Errorf("clear all: %w", err)
	}
	return n, nil
}

// RetryStuck re-queues items stuck in processing longer than threshold.
// Sessions with a live consumer are skipped: their in-flight item is not stuck.
func (m *Manager) RetryStuck(ctx context.Context, threshold time.Duration) (int64, error) {
	n, err := m.store.RetryAllStuck(ctx, threshold, m.liveSessionIDs()...)
	m.recordAdmin(ctx, "queue.retry_stuck", "threshold:"+threshold.String(), n, err)
	if err != nil {
		return 0, fmt.Errorf("retry stuck: %w", err)
	}
	return n, nil
}

// RetryItem re-arms a failed item and makes sure its session drains it.
func (m *Manager) RetryItem(ctx context.Context, itemID int64) (int64, error) {
	target := "item:" + strconv.FormatInt(itemID, 10)
	sessionID, err := m.store.RetryItem(ctx, itemID)
	if err != nil {
		m.recordAdmin(ctx, "queue.retry_item", target, 0, err)
		return 0, fmt.Errorf("retry item %d: %w", itemID, err)
	}
	m.recordAdmin(ctx, "queue.retry_item", target, 1, nil)

	m.mu.Lock()
	as, ok := m.active[sessionID]
	m.mu.Unlock()
	if ok && as.liveConsumer() != nil {
		as.wake.Notify()
		return sessionID, nil
	}
	if _, err := m.GetOrStartConsumer(ctx, sessionID); err != nil {
		return sessionID, fmt.Errorf("start consumer for session %d: %w", sessionID, err)
	}
	return sessionID, nil
}

func (m *Manager) activeIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) recordAdmin(ctx context.Context, action, target string, affected int64, err error) {
	entry := audit.Entry{
		Action:  action,
		Target:  target,
		Outcome: audit.OutcomeOK,
		Detail:  "affected=" + strconv.FormatInt(affected, 10),
	}
	if err != nil {
		entry.Outcome = audit.OutcomeError
		entry.Detail = err.Error()
		m.logger.WarnContext(ctx, "admin action failed", "action", action, "target", target, "error", err)
	} else {
		m.logger.InfoContext(ctx, "admin action", "action", action, "target", target, "affected", affected)
		m.bus.Publish(bus.TopicAdminAction, bus.AdminActionEvent{Action: action, Affected: affected})
		m.publishStatus(ctx)
	}
	m.audit.Record(ctx, entry)
}
