// Package session coordinates per-session consumer loops over the durable
// queue: it owns the in-memory session records, starts at most one loop per
// session, and tears loops down on delete, error or shutdown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vietdev99/claude-mem-sub001/internal/audit"
	"github.com/vietdev99/claude-mem-sub001/internal/bus"
	"github.com/vietdev99/claude-mem-sub001/internal/observability"
	"github.com/vietdev99/claude-mem-sub001/internal/persistence"
	"github.com/vietdev99/claude-mem-sub001/internal/queue"
	"github.com/vietdev99/claude-mem-sub001/internal/shared"
	"github.com/vietdev99/claude-mem-sub001/internal/worker"
)

var (
	// ErrShuttingDown is returned once Shutdown has started.
	ErrShuttingDown = errors.New("session manager shutting down")
	// ErrQueueSaturated is returned when the queue exceeds MaxQueueDepth.
	ErrQueueSaturated = errors.New("queue saturated: backpressure applied")
)

// Store is the durable queue surface the manager drives.
type Store interface {
	queue.Claimer
	Enqueue(ctx context.Context, sessionID int64, payload persistence.Payload, promptNumber int) (int64, error)
	CompleteItem(ctx context.Context, itemID int64, res persistence.Result) error
	MarkFailed(ctx context.Context, itemID int64, reason string) (persistence.FailureDecision, error)
	MarkFatal(ctx context.Context, itemID int64, reason string) error
	Release(ctx context.Context, itemID int64) error
	RequeueProcessing(ctx context.Context, sessionID int64) (int64, error)
	PendingCount(ctx context.Context, sessionID int64) (int, error)
	QueueDepth(ctx context.Context) (int, error)
	HasAnyPendingWork(ctx context.Context) (bool, error)
	ResetStuck(ctx context.Context, threshold time.Duration, exclude ...int64) (int64, error)
	SessionsWithPendingWork(ctx context.Context) ([]int64, error)
	ClearFailed(ctx context.Context) (int64, error)
	ClearAll(ctx context.Context, exclude ...int64) (int64, error)
	RetryAllStuck(ctx context.Context, threshold time.Duration, exclude ...int64) (int64, error)
	RetryItem(ctx context.Context, itemID int64) (int64, error)
}

// SessionLookup resolves durable session metadata for hydration.
type SessionLookup interface {
	GetSession(ctx context.Context, sessionID int64) (*persistence.Session, error)
}

// Config wires a Manager. Store is required; Sessions defaults to Store when
// it implements SessionLookup, Worker defaults to worker.Passthrough.
type Config struct {
	Store    Store
	Sessions SessionLookup
	Worker   worker.Worker
	Logger   *slog.Logger
	Bus      *bus.Bus
	Metrics  *observability.Metrics
	Tracer   trace.Tracer
	Audit    *audit.Log

	// ItemTimeout bounds one worker call. Zero means no limit.
	ItemTimeout time.Duration
	// MaxQueueDepth rejects enqueues once this many items are unfinished. Zero means no limit.
	MaxQueueDepth int
}

// ObservationInput is a raw tool event submitted by a producer.
type ObservationInput struct {
	ToolName   string
	ToolInput  string
	ToolOutput string
	Cwd        string
	// PromptNumber overrides the session's current prompt counter when > 0.
	PromptNumber int
}

// activeSession is the in-memory record of one session. It is created lazily
// and never reused after removal: a recreated session gets a fresh context
// and wake channel.
type activeSession struct {
	id        int64
	ctx       context.Context
	cancel    context.CancelFunc
	wake      *queue.Wake
	startedAt time.Time

	mu              sync.Mutex
	conversationID  string
	project         string
	lastUserPrompt  string
	promptNumber    int
	consumer        *Consumer
	earliestPending time.Time
}

func (as *activeSession) info() worker.SessionInfo {
	as.mu.Lock()
	defer as.mu.Unlock()
	return worker.SessionInfo{
		SessionID:      as.id,
		ConversationID: as.conversationID,
		Project:        as.project,
		LastUserPrompt: as.lastUserPrompt,
	}
}

// noteClaim folds a claimed item's creation time into earliestPending.
func (as *activeSession) noteClaim(createdAt time.Time) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.earliestPending.IsZero() || createdAt.Before(as.earliestPending) {
		as.earliestPending = createdAt
	}
}

func (as *activeSession) takeEarliest() time.Time {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.earliestPending
}

func (as *activeSession) clearEarliest() {
	as.mu.Lock()
	as.earliestPending = time.Time{}
	as.mu.Unlock()
}

func (as *activeSession) liveConsumer() *Consumer {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.consumer != nil && !as.consumer.finished() {
		return as.consumer
	}
	return nil
}

// Manager is the session lifecycle coordinator.
type Manager struct {
	store         Store
	sessions      SessionLookup
	worker        worker.Worker
	logger        *slog.Logger
	bus           *bus.Bus
	metrics       *observability.Metrics
	tracer        trace.Tracer
	audit         *audit.Log
	itemTimeout   time.Duration
	maxQueueDepth int

	base       context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu           sync.Mutex
	active       map[int64]*activeSession
	draining     map[int64]*Consumer
	onRemoved    func(sessionID int64)
	shuttingDown bool
}

// New builds a Manager from cfg.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session manager: store is required")
	}
	lookup := cfg.Sessions
	if lookup == nil {
		l, ok := cfg.Store.(SessionLookup)
		if !ok {
			return nil, fmt.Errorf("session manager: session lookup is required")
		}
		lookup = l
	}
	w := cfg.Worker
	if w == nil {
		w = worker.Passthrough{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:         cfg.Store,
		sessions:      lookup,
		worker:        w,
		logger:        logger.With("component", "session"),
		bus:           cfg.Bus,
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
		audit:         cfg.Audit,
		itemTimeout:   cfg.ItemTimeout,
		maxQueueDepth: cfg.MaxQueueDepth,
		base:          base,
		baseCancel:    cancel,
		active:        make(map[int64]*activeSession),
		draining:      make(map[int64]*Consumer),
	}, nil
}

// SetOnSessionRemoved registers a callback fired after a session's in-memory
// record is removed, whether by DeleteSession or by a consumer teardown.
func (m *Manager) SetOnSessionRemoved(fn func(sessionID int64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemoved = fn
}

// ensureActive returns the in-memory record for sessionID, hydrating it from
// durable metadata when the manager has not seen the session yet.
func (m *Manager) ensureActive(ctx context.Context, sessionID int64) (*activeSession, error) {
	m.mu.Lock()
	if as, ok := m.active[sessionID]; ok {
		m.mu.Unlock()
		return as, nil
	}
	m.mu.Unlock()

	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("hydrate session %d: %w", sessionID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if as, ok := m.active[sessionID]; ok {
		return as, nil
	}
	sctx, cancel := context.WithCancel(shared.WithSessionID(m.base, sessionID))
	as := &activeSession{
		id:             sessionID,
		ctx:            sctx,
		cancel:         cancel,
		wake:           queue.NewWake(),
		startedAt:      time.Now(),
		conversationID: sess.ConversationID,
		project:        sess.Project,
		lastUserPrompt: sess.LastUserPrompt,
		promptNumber:   sess.PromptCounter,
	}
	m.active[sessionID] = as
	m.metrics.SetActiveSessions(len(m.active))
	m.bus.Publish(bus.TopicSessionStarted, bus.SessionEvent{
		SessionID:      sessionID,
		ConversationID: sess.ConversationID,
		Project:        sess.Project,
	})
	return as, nil
}

// Refresh updates the in-memory copy of a session's metadata after a new
// prompt. Sessions without an in-memory record are ignored.
func (m *Manager) Refresh(sess persistence.Session) {
	m.mu.Lock()
	as, ok := m.active[sess.ID]
	m.mu.Unlock()
	if !ok {
		return
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if sess.Project != "" {
		as.project = sess.Project
	}
	as.lastUserPrompt = sess.LastUserPrompt
	as.promptNumber = sess.PromptCounter
}

// EnqueueObservation durably queues a tool event and then wakes the session's
// consumer. It returns only after the item is persisted.
func (m *Manager) EnqueueObservation(ctx context.Context, sessionID int64, in ObservationInput) (int64, error) {
	return m.enqueue(ctx, sessionID, persistence.Observation{
		ToolName:   in.ToolName,
		ToolInput:  in.ToolInput,
		ToolOutput: in.ToolOutput,
		Cwd:        in.Cwd,
	}, in.PromptNumber)
}

// EnqueueSummarize durably queues a summary request for the session.
func (m *Manager) EnqueueSummarize(ctx context.Context, sessionID int64, lastAssistantMessage string) (int64, error) {
	return m.enqueue(ctx, sessionID, persistence.Summarize{LastAssistantMessage: lastAssistantMessage}, 0)
}

func (m *Manager) enqueue(ctx context.Context, sessionID int64, payload persistence.Payload, promptNumber int) (int64, error) {
	as, err := m.ensureActive(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if m.maxQueueDepth > 0 {
		depth, err := m.store.QueueDepth(ctx)
		if err != nil {
			return 0, fmt.Errorf("check queue depth: %w", err)
		}
		if depth >= m.maxQueueDepth {
			return 0, ErrQueueSaturated
		}
	}
	if promptNumber <= 0 {
		as.mu.Lock()
		promptNumber = as.promptNumber
		as.mu.Unlock()
	}
	id, err := m.store.Enqueue(ctx, sessionID, payload, promptNumber)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", payload.Kind(), err)
	}
	as.wake.Notify()

	kind := string(payload.Kind())
	m.metrics.IncEnqueued(kind)
	m.bus.Publish(bus.TopicItemEnqueued, bus.ItemEvent{SessionID: sessionID, ItemID: id, Kind: kind})
	m.logger.DebugContext(shared.WithSessionID(ctx, sessionID), "item enqueued", "item_id", id, "kind", kind)
	m.publishStatus(ctx)
	return id, nil
}

// GetOrStartConsumer returns the session's running consumer, starting one if
// none is live. Repeated calls return the same handle.
func (m *Manager) GetOrStartConsumer(ctx context.Context, sessionID int64) (*Consumer, error) {
	c, _, err := m.startConsumer(ctx, sessionID)
	return c, err
}

// startConsumer reports started=false when a live consumer already owned the
// session.
func (m *Manager) startConsumer(ctx context.Context, sessionID int64) (*Consumer, bool, error) {
	m.mu.Lock()
	shutting := m.shuttingDown
	m.mu.Unlock()
	if shutting {
		return nil, false, ErrShuttingDown
	}
	as, err := m.ensureActive(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown {
		return nil, false, ErrShuttingDown
	}
	if m.active[sessionID] != as {
		return nil, false, fmt.Errorf("session %d removed while starting consumer", sessionID)
	}
	if c := as.liveConsumer(); c != nil {
		return c, false, nil
	}
	var prev <-chan struct{}
	if d, ok := m.draining[sessionID]; ok {
		prev = d.done
	}
	c := newConsumer(sessionID)
	as.mu.Lock()
	as.consumer = c
	as.mu.Unlock()

	m.wg.Add(1)
	go m.runConsumer(as, c, prev)
	m.logger.InfoContext(as.ctx, "consumer started")
	return c, true, nil
}

// DeleteSession cancels the session's consumer, waits for it to stop and
// removes the in-memory record. The loop's own error is not returned.
func (m *Manager) DeleteSession(ctx context.Context, sessionID int64) error {
	return m.removeSession(ctx, sessionID, "deleted")
}

func (m *Manager) removeSession(ctx context.Context, sessionID int64, reason string) error {
	m.mu.Lock()
	as, ok := m.active[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.active, sessionID)
	as.mu.Lock()
	c := as.consumer
	as.mu.Unlock()
	if c != nil {
		m.draining[sessionID] = c
	}
	m.metrics.SetActiveSessions(len(m.active))
	m.mu.Unlock()

	as.cancel()
	if c == nil {
		m.finishRemoval(as, nil, reason)
		return nil
	}
	if err := c.Wait(ctx); err != nil && ctx.Err() != nil {
		// The record is already gone; complete the removal once the loop
		// actually exits even though this caller stops waiting.
		go func() {
			<-c.Done()
			m.finishRemoval(as, c, reason)
		}()
		return fmt.Errorf("await consumer for session %d: %w", sessionID, ctx.Err())
	}
	m.finishRemoval(as, c, reason)
	return nil
}

func (m *Manager) finishRemoval(as *activeSession, c *Consumer, reason string) {
	if c != nil {
		m.mu.Lock()
		if m.draining[as.id] == c {
			delete(m.draining, as.id)
		}
		m.mu.Unlock()
	}
	m.logger.InfoContext(as.ctx, "session removed", "reason", reason)
	m.fireRemoved(as.id, reason)
}

func (m *Manager) fireRemoved(sessionID int64, reason string) {
	m.mu.Lock()
	fn := m.onRemoved
	m.mu.Unlock()
	if fn != nil {
		fn(sessionID)
	}
	m.bus.Publish(bus.TopicSessionRemoved, bus.SessionEvent{SessionID: sessionID, Reason: reason})
	m.publishStatus(context.Background())
}

// ActiveSessionCount returns the number of in-memory session records.
func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// liveSessionIDs lists sessions whose consumer loop is running, sorted.
func (m *Manager) liveSessionIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.active)+len(m.draining))
	for id, as := range m.active {
		if as.liveConsumer() != nil {
			ids = append(ids, id)
		}
	}
	for id, c := range m.draining {
		if !c.finished() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Manager) hasLiveConsumer(sessionID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if as, ok := m.active[sessionID]; ok && as.liveConsumer() != nil {
		return true
	}
	if c, ok := m.draining[sessionID]; ok && !c.finished() {
		return true
	}
	return false
}

// QueueDepth returns the number of unfinished items across all sessions.
func (m *Manager) QueueDepth(ctx context.Context) (int, error) {
	return m.store.QueueDepth(ctx)
}

// PendingCount returns the unfinished items of one session.
func (m *Manager) PendingCount(ctx context.Context, sessionID int64) (int, error) {
	return m.store.PendingCount(ctx, sessionID)
}

// IsProcessing reports whether any session has unfinished work. It reads the
// store, so it stays accurate across restarts.
func (m *Manager) IsProcessing(ctx context.Context) (bool, error) {
	return m.store.HasAnyPendingWork(ctx)
}

// SessionStatus describes one in-memory session.
type SessionStatus struct {
	SessionID       int64      `json:"session_id"`
	ConversationID  string     `json:"conversation_id"`
	Project         string     `json:"project"`
	ConsumerRunning bool       `json:"consumer_running"`
	StartedAt       time.Time  `json:"started_at"`
	EarliestPending *time.Time `json:"earliest_pending,omitempty"`
}

// Status is a point-in-time snapshot of the coordinator.
type Status struct {
	IsProcessing   bool            `json:"is_processing"`
	QueueDepth     int             `json:"queue_depth"`
	ActiveSessions int             `json:"active_sessions"`
	Sessions       []SessionStatus `json:"sessions"`
}

func (m *Manager) Status(ctx context.Context) (Status, error) {
	depth, err := m.store.QueueDepth(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("queue depth: %w", err)
	}
	m.mu.Lock()
	sessions := make([]SessionStatus, 0, len(m.active))
	for _, as := range m.active {
		running := as.liveConsumer() != nil
		as.mu.Lock()
		st := SessionStatus{
			SessionID:       as.id,
			ConversationID:  as.conversationID,
			Project:         as.project,
			ConsumerRunning: running,
			StartedAt:       as.startedAt,
		}
		if !as.earliestPending.IsZero() {
			ep := as.earliestPending
			st.EarliestPending = &ep
		}
		as.mu.Unlock()
		sessions = append(sessions, st)
	}
	m.mu.Unlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].SessionID < sessions[j].SessionID })
	return Status{
		IsProcessing:   depth > 0,
		QueueDepth:     depth,
		ActiveSessions: len(sessions),
		Sessions:       sessions,
	}, nil
}

// publishStatus pushes the activity indicator to the bus and gauges.
func (m *Manager) publishStatus(ctx context.Context) {
	depth, err := m.store.QueueDepth(context.WithoutCancel(ctx))
	if err != nil {
		m.logger.DebugContext(ctx, "queue depth unavailable", "error", err)
		return
	}
	active := m.ActiveSessionCount()
	m.metrics.SetQueueDepth(depth)
	m.metrics.SetActiveSessions(active)
	m.bus.Publish(bus.TopicProcessingStatus, bus.ProcessingStatusEvent{
		IsProcessing:   depth > 0,
		QueueDepth:     depth,
		ActiveSessions: active,
	})
}

// Shutdown stops accepting new consumers, cancels every loop and waits for
// them until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
	} else {
		m.shuttingDown = true
		m.mu.Unlock()
		m.baseCancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("drain consumers: %w", ctx.Err())
	}

	m.mu.Lock()
	ids := make([]int64, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	clear(m.active)
	clear(m.draining)
	m.metrics.SetActiveSessions(0)
	m.mu.Unlock()
	m.logger.Info("session manager stopped", "sessions", len(ids))
	return nil
}
