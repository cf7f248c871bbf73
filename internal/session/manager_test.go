package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietdev99/claude-mem-sub001/internal/bus"
	"github.com/vietdev99/claude-mem-sub001/internal/persistence"
	"github.com/vietdev99/claude-mem-sub001/internal/session"
	"github.com/vietdev99/claude-mem-sub001/internal/worker"
)

func openStore(t *testing.T, opts persistence.Options) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "claude-mem.db"), opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newManager(t *testing.T, store *persistence.Store, w worker.Worker, mutate ...func(*session.Config)) *session.Manager {
	t.Helper()
	cfg := session.Config{
		Store:  store,
		Worker: w,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	mgr, err := session.New(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mgr.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return mgr
}

func initSession(t *testing.T, store *persistence.Store, conversationID string) int64 {
	t.Helper()
	sess, err := store.InitSession(context.Background(), conversationID, "demo", "fix the build")
	if err != nil {
		t.Fatalf("init session: %v", err)
	}
	return sess.ID
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pendingCount(t *testing.T, store *persistence.Store, sessionID int64) int {
	t.Helper()
	n, err := store.PendingCount(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	return n
}

func itemStatus(t *testing.T, store *persistence.Store, itemID int64) *persistence.QueueItem {
	t.Helper()
	item, err := store.GetItem(context.Background(), itemID)
	if err != nil {
		t.Fatalf("get item %d: %v", itemID, err)
	}
	return item
}

// recorder is a worker that logs every call and delegates to fn.
type recorder struct {
	mu    sync.Mutex
	calls []persistence.QueueItem
	infos []worker.SessionInfo
	fn    func(ctx context.Context, item persistence.QueueItem) (persistence.Result, error)
}

func (r *recorder) Process(ctx context.Context, sess worker.SessionInfo, item persistence.QueueItem) (persistence.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, item)
	r.infos = append(r.infos, sess)
	fn := r.fn
	r.mu.Unlock()
	if fn == nil {
		return worker.Passthrough{}.Process(ctx, sess, item)
	}
	return fn(ctx, item)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) toolNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		if obs, ok := c.Payload.(persistence.Observation); ok {
			out = append(out, obs.ToolName)
		}
	}
	return out
}

func TestManager_ReadThenWriteProcessedInOrder(t *testing.T) {
	store := openStore(t, persistence.Options{})
	rec := &recorder{}
	mgr := newManager(t, store, rec)
	ctx := context.Background()
	sid := initSession(t, store, "conv-s1")

	readID, err := mgr.EnqueueObservation(ctx, sid, session.ObservationInput{ToolName: "Read", ToolInput: `{"file_path":"/a.ts"}`})
	if err != nil {
		t.Fatalf("enqueue read: %v", err)
	}
	writeID, err := mgr.EnqueueObservation(ctx, sid, session.ObservationInput{ToolName: "Write", ToolInput: `{"file_path":"/b.ts"}`})
	if err != nil {
		t.Fatalf("enqueue write: %v", err)
	}
	if n := pendingCount(t, store, sid); n != 2 {
		t.Fatalf("expected 2 pending before consumer start, got %d", n)
	}

	if _, err := mgr.GetOrStartConsumer(ctx, sid); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	waitFor(t, 2*time.Second, "queue to drain", func() bool { return pendingCount(t, store, sid) == 0 })

	if got := rec.toolNames(); len(got) != 2 || got[0] != "Read" || got[1] != "Write" {
		t.Fatalf("expected Read then Write, got %v", got)
	}
	for _, id := range []int64{readID, writeID} {
		if item := itemStatus(t, store, id); item.Status != persistence.StatusProcessed || item.CompletedAt == nil {
			t.Fatalf("item %d not processed: %+v", id, item)
		}
	}
	snap, err := store.RecentContext(ctx, "demo", 10)
	if err != nil {
		t.Fatalf("recent context: %v", err)
	}
	if len(snap.Observations) != 2 {
		t.Fatalf("expected 2 stored observations, got %d", len(snap.Observations))
	}
}

func TestManager_FIFOWithinSession(t *testing.T) {
	store := openStore(t, persistence.Options{})
	rec := &recorder{}
	mgr := newManager(t, store, rec)
	ctx := context.Background()
	sid := initSession(t, store, "conv-fifo")

	var want []string
	for i := 0; i < 20; i++ {
		name := "Tool" + string(rune('A'+i))
		want = append(want, name)
		if _, err := mgr.EnqueueObservation(ctx, sid, session.ObservationInput{ToolName: name}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if i == 5 {
			if _, err := mgr.GetOrStartConsumer(ctx, sid); err != nil {
				t.Fatalf("start consumer: %v", err)
			}
		}
	}
	waitFor(t, 3*time.Second, "20 items processed", func() bool { return rec.count() == 20 && pendingCount(t, store, sid) == 0 })
	got := rec.toolNames()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch at %d: got %v", i, got)
		}
	}
}

func TestManager_CrossSessionIndependence(t *testing.T) {
	store := openStore(t, persistence.Options{})
	ctx := context.Background()
	blocked := initSession(t, store, "conv-blocked")
	free := initSession(t, store, "conv-free")

	release := make(chan struct{})
	rec := &recorder{}
	rec.fn = func(ctx context.Context, item persistence.QueueItem) (persistence.Result, error) {
		if item.SessionID == blocked {
			select {
			case <-release:
			case <-ctx.Done():
				return persistence.Result{}, ctx.Err()
			}
		}
		return persistence.Result{}, nil
	}
	mgr := newManager(t, store, rec)
	defer close(release)

	if _, err := mgr.EnqueueObservation(ctx, blocked, session.ObservationInput{ToolName: "Read"}); err != nil {
		t.Fatalf("enqueue blocked: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := mgr.EnqueueObservation(ctx, free, session.ObservationInput{ToolName: "Edit"}); err != nil {
			t.Fatalf("enqueue free: %v", err)
		}
	}
	for _, sid := range []int64{blocked, free} {
		if _, err := mgr.GetOrStartConsumer(ctx, sid); err != nil {
			t.Fatalf("start consumer %d: %v", sid, err)
		}
	}

	waitFor(t, 2*time.Second, "free session to drain", func() bool { return pendingCount(t, store, free) == 0 })
	if n := pendingCount(t, store, blocked); n != 1 {
		t.Fatalf("blocked session should still hold its item, got %d", n)
	}
	waitFor(t, 2*time.Second, "blocked worker call", func() bool { return rec.count() == 4 })
	if n := pendingCount(t, store, blocked); n != 1 {
		t.Fatalf("blocked item must stay unfinished, got %d", n)
	}
}

func TestManager_AtMostOneConsumer(t *testing.T) {
	store := openStore(t, persistence.Options{})
	ctx := context.Background()
	sid := initSession(t, store, "conv-single")

	var inFlight, maxInFlight atomic.Int32
	rec := &recorder{}
	rec.fn = func(ctx context.Context, _ persistence.QueueItem) (persistence.Result, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return persistence.Result{}, nil
	}
	mgr := newManager(t, store, rec)

	first, err := mgr.GetOrStartConsumer(ctx, sid)
	if err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	second, err := mgr.GetOrStartConsumer(ctx, sid)
	if err != nil {
		t.Fatalf("start consumer again: %v", err)
	}
	if first != second {
		t.Fatal("expected the same consumer handle on repeated start")
	}

	var wg sync.WaitGroup
	handles := make(chan *session.Consumer, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := mgr.GetOrStartConsumer(ctx, sid)
			if err != nil {
				t.Errorf("concurrent start: %v", err)
				return
			}
			handles <- c
			if _, err := mgr.EnqueueObservation(ctx, sid, session.ObservationInput{ToolName: "Grep"}); err != nil {
				t.Errorf("enqueue: %v", err)
			}
		}()
	}
	wg.Wait()
	close(handles)
	for c := range handles {
		if c != first {
			t.Fatal("concurrent starts produced a second consumer")
		}
	}
	waitFor(t, 2*time.Second, "items processed", func() bool { return rec.count() == 8 && pendingCount(t, store, sid) == 0 })
	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("expected serial processing, saw %d concurrent worker calls", got)
	}
	if mgr.ActiveSessionCount() != 1 {
		t.Fatalf("expected 1 active session, got %d", mgr.ActiveSessionCount())
	}
}

func TestManager_RetryCeiling(t *testing.T) {
	store := openStore(t, persistence.Options{MaxRetries: 2})
	ctx := context.Background()
	sid := initSession(t, store, "conv-retry")
	rec := &recorder{}
	rec.fn = func(context.Context, persistence.QueueItem) (persistence.Result, error) {
		return persistence.Result{}, worker.Retryable(errors.New("upstream 503"))
	}
	mgr := newManager(t, store, rec)

	id, err := mgr.EnqueueObservation(ctx, sid, session.ObservationInput{ToolName: "Bash"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := mgr.GetOrStartConsumer(ctx, sid); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	waitFor(t, 2*time.Second, "item to fail", func() bool {
		return itemStatus(t, store, id).Status == persistence.StatusFailed
	})
	item := itemStatus(t, store, id)
	if rec.count() != 3 {
		t.Fatalf("expected 3 claims, got %d", rec.count())
	}
	if item.RetryCount != 2 {
		t.Fatalf("expected retryCount 2, got %d", item.RetryCount)
	}
	if !strings.Contains(item.LastError, "upstream 503") {
		t.Fatalf("expected last error recorded, got %q", item.LastError)
	}

	if err := mgr.DeleteSession(ctx, sid); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := mgr.GetOrStartConsumer(ctx, sid); err != nil {
		t.Fatalf("restart consumer: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 3 {
		t.Fatalf("failed item must not be claimed again, got %d calls", rec.count())
	}
	if item := itemStatus(t, store, id); item.Status != persistence.StatusFailed || item.RetryCount != 2 {
		t.Fatalf("failed item changed: %+v", item)
	}
}

func TestManager_FatalErrorSkipsRetries(t *testing.T) {
	store := openStore(t, persistence.Options{})
	ctx := context.Background()
	sid := initSession(t, store, "conv-fatal")
	rec := &recorder{}
	rec.fn = func(context.Context, persistence.QueueItem) (persistence.Result, error) {
		return persistence.Result{}, errors.New("401 unauthorized")
	}
	mgr := newManager(t, store, rec)

	id, err := mgr.EnqueueSummarize(ctx, sid, "done for today")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := mgr.GetOrStartConsumer(ctx, sid); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	waitFor(t, 2*time.Second, "item to fail", func() bool {
		return itemStatus(t, store, id).Status == persistence.StatusFailed
	})
	if rec.count() != 1 {
		t.Fatalf("expected a single attempt, got %d", rec.count())
	}
	if item := itemStatus(t, store, id); item.RetryCount != 0 {
		t.Fatalf("expected retryCount 0, got %d", item.RetryCount)
	}
}

func TestManager_ItemTimeoutCountsAsRetryableFailure(t *testing.T) {
	store := openStore(t, persistence.Options{MaxRetries: 1})
	ctx := context.Background()
	sid := initSession(t, store, "conv-timeout")
	rec := &recorder{}
	rec.fn = func(ctx context.Context, _ persistence.QueueItem) (persistence.Result, error) {
		<-ctx.Done()
		return persistence.Result{}, ctx.Err()
	}
	mgr := newManager(t, store, rec, func(c *session.Config) { c.ItemTimeout = 20 * time.Millisecond })

	id, err := mgr.EnqueueObservation(ctx, sid, session.ObservationInput{ToolName: "WebFetch"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := mgr.GetOrStartConsumer(ctx, sid); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	waitFor(t, 2*time.Second, "item to time out twice", func() bool {
		return itemStatus(t, store, id).Status == persistence.StatusFailed
	})
	item := itemStatus(t, store, id)
	if rec.count() != 2 || item.RetryCount != 1 {
		t.Fatalf("expected 2 attempts and retryCount 1, got %d attempts %+v", rec.count(), item)
	}
	if !strings.Contains(item.LastError, "timeout") {
		t.Fatalf("expected timeout in last error, got %q", item.LastError)
	}
}

func TestManager_WakeWithoutPolling(t *testing.T) {
	store := openStore(t, persistence.Options{})
	ctx := context.Background()
	sid := initSession(t, store, "conv-wake")
	called := make(chan time.Time, 1)
	rec := &recorder{}
	rec.fn = func(context.Context, persistence.QueueItem) (persistence.Result, error) {
		called <- time.Now()
		return persistence.Result{}, nil
	}
	mgr := newManager(t, store, rec)

	if _, err := mgr.GetOrStartConsumer(ctx, sid); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if _, err := mgr.EnqueueObservation(ctx, sid, session.ObservationInput{ToolName: "Read"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case at := <-called:
		if d := at.Sub(start); d > 250*time.Millisecond {
			t.Fatalf("suspended consumer took %v to claim", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("suspended consumer never woke")
	}
}

func TestManager_DeleteSessionCancelsInFlightWork(t *testing.T) {
	store := openStore(t, persistence.Options{})
	ctx := context.Background()
	sid := initSession(t, store, "conv-delete")

	var block atomic.Bool
	block.Store(true)
	entered := make(chan struct{}, 1)
	rec := &recorder{}
	rec.fn = func(ctx context.Context, _ persistence.QueueItem) (persistence.Result, error) {
		if !block.Load() {
			return persistence.Result{}, nil
		}
		entered <- struct{}{}
		<-ctx.Done()
		// Report success anyway; the loop must not complete after cancel.
		return persistence.Result{}, nil
	}
	mgr := newManager(t, store, rec)

	var removed []int64
	var removedMu sync.Mutex
	mgr.SetOnSessionRemoved(func(id int64) {
		removedMu.Lock()
		removed = append(removed, id)
		removedMu.Unlock()
	})

	id, err := mgr.EnqueueObservation(ctx, sid, session.ObservationInput{ToolName: "Read"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := mgr.GetOrStartConsumer(ctx, sid)
	if err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never called")
	}

	if err := mgr.DeleteSession(ctx, sid); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	select {
	case <-first.Done():
	default:
		t.Fatal("DeleteSession returned before the loop exited")
	}
	if !errors.Is(first.Err(), context.Canceled) {
		t.Fatalf("expected loop to end with context.Canceled, got %v", first.Err())
	}
	item := itemStatus(t, store, id)
	if item.Status != persistence.StatusPending || item.RetryCount != 0 {
		t.Fatalf("expected released pending item, got %+v", item)
	}
	if mgr.ActiveSessionCount() != 0 {
		t.Fatalf("expected no active sessions, got %d", mgr.ActiveSessionCount())
	}
	removedMu.Lock()
	if len(removed) != 1 || removed[0] != sid {
		t.Fatalf("expected removal callback for %d, got %v", sid, removed)
	}
	removedMu.Unlock()

	// A recreated session gets a fresh loop that picks the item back up.
	block.Store(false)
	second, err := mgr.GetOrStartConsumer(ctx, sid)
	if err != nil {
		t.Fatalf("restart consumer: %v", err)
	}
	if second == first {
		t.Fatal("expected a new consumer after delete")
	}
	waitFor(t, 2*time.Second, "item processed after restart", func() bool {
		return itemStatus(t, store, id).Status == persistence.StatusProcessed
	})
}

// slowAbort blocks the first call until its context is cancelled and then
// takes abortDelay to return. Later calls succeed at once.
type slowAbort struct {
	abortDelay time.Duration
	entered    chan struct{}

	blocked     atomic.Bool
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
}

func newSlowAbort(delay time.Duration) *slowAbort {
	return &slowAbort{abortDelay: delay, entered: make(chan struct{}, 1)}
}

func (w *slowAbort) Process(ctx context.Context, _ worker.SessionInfo, _ persistence.QueueItem) (persistence.Result, error) {
	n := w.inFlight.Add(1)
	defer w.inFlight.Add(-1)
	for {
		cur := w.maxInFlight.Load()
		if n <= cur || w.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	w.calls.Add(1)
	if w.blocked.CompareAndSwap(false, true) {
		w.entered <- struct{}{}
		<-ctx.Done()
		time.Sleep(w.abortDelay)
		return persistence.Result{}, ctx.Err()
	}
	return persistence.Result{}, nil
}

func TestManager_DeleteSessionFinishesRemovalAfterCallerGivesUp(t *testing.T) {
	store := openStore(t, persistence.Options{})
	ctx := context.Background()
	sid := initSession(t, store, "conv-delete-timeout")
	w := newSlowAbort(200 * time.Millisecond)
	b := bus.New()
	mgr := newManager(t, store, w, func(c *session.Config) { c.Bus = b })

	sub := b.Subscribe(bus.TopicSessionRemoved)
	defer b.Unsubscribe(sub)
	var removed atomic.Int32
	mgr.SetOnSessionRemoved(func(int64) { removed.Add(1) })

	if _, err := mgr.EnqueueObservation(ctx, sid, session.ObservationInput{ToolName: "Read"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	c, err := mgr.GetOrStartConsumer(ctx, sid)
	if err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	select {
	case <-w.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never called")
	}

	dctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = mgr.DeleteSession(dctx, sid)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if mgr.ActiveSessionCount() != 0 {
		t.Fatalf("expected record removed, got %d active", mgr.ActiveSessionCount())
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop never exited")
	}
	waitFor(t, 2*time.Second, "removal callback", func() bool { return removed.Load() == 1 })
	select {
	case ev := <-sub.Ch():
		if p, ok := ev.Payload.(bus.SessionEvent); !ok || p.SessionID != sid || p.Reason != "deleted" {
			t.Fatalf("unexpected removal event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session.removed never published")
	}
	time.Sleep(50 * time.Millisecond)
	if got := removed.Load(); got != 1 {
		t.Fatalf("expected one removal callback, got %d", got)
	}
}

func TestManager_RestartWhileDrainingWaitsForPredecessor(t *testing.T) {
	store := openStore(t, persistence.Options{})
	ctx := context.Background()
	sid := initSession(t, store, "conv-redrain")
	w := newSlowAbort(200 * time.Millisecond)
	mgr := newManager(t, store, w)

	id, err := mgr.EnqueueObservation(ctx, sid, session.ObservationInput{ToolName: "Edit"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := mgr.GetOrStartConsumer(ctx, sid)
	if err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	select {
	case <-w.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never called")
	}

	deleted := make(chan error, 1)
	go func() { deleted <- mgr.DeleteSession(ctx, sid) }()
	waitFor(t, 2*time.Second, "record removed", func() bool { return mgr.ActiveSessionCount() == 0 })

	// The predecessor is still inside its slow abort.
	second, err := mgr.GetOrStartConsumer(ctx, sid)
	if err != nil {
		t.Fatalf("restart consumer: %v", err)
	}
	if second == first {
		t.Fatal("expected a new consumer")
	}
	select {
	case <-first.Done():
		t.Fatal("predecessor finished before the restart; the race was not exercised")
	default:
	}

	if err := <-deleted; err != nil {
		t.Fatalf("delete session: %v", err)
	}
	waitFor(t, 2*time.Second, "item processed", func() bool {
		return itemStatus(t, store, id).Status == persistence.StatusProcessed
	})
	if got := w.maxInFlight.Load(); got != 1 {
		t.Fatalf("worker ran %d calls at once for one session", got)
	}
	if got := w.calls.Load(); got != 2 {
		t.Fatalf("expected 2 worker calls (aborted + processed), got %d", got)
	}
	events, err := store.ItemEvents(ctx, id)
	if err != nil {
		t.Fatalf("item events: %v", err)
	}
	processed := 0
	for _, ev := range events {
		if ev.StateTo == persistence.StatusProcessed {
			processed++
		}
	}
	if processed != 1 {
		t.Fatalf("expected exactly one processed transition, got %d in %+v", processed, events)
	}
}

func TestManager_PanicTearsDownOnlyThatSession(t *testing.T) {
	store := openStore(t, persistence.Options{})
	ctx := context.Background()
	bad := initSession(t, store, "conv-panic")
	good := initSession(t, store, "conv-fine")

	var panicked atomic.Bool
	rec := &recorder{}
	rec.fn = func(_ context.Context, item persistence.QueueItem) (persistence.Result, error) {
		if item.SessionID == bad && panicked.CompareAndSwap(false, true) {
			panic("worker blew up")
		}
		return persistence.Result{}, nil
	}
	b := bus.New()
	sub := b.Subscribe(bus.TopicSessionRemoved)
	defer b.Unsubscribe(sub)
	mgr := newManager(t, store, rec, func(c *session.Config) { c.Bus = b })

	badItem, err := mgr.EnqueueObservation(ctx, bad, session.ObservationInput{ToolName: "Read"})
	if err != nil {
		t.Fatalf("enqueue bad: %v", err)
	}
	if _, err := mgr.EnqueueObservation(ctx, good, session.ObservationInput{ToolName: "Read"}); err != nil {
		t.Fatalf("enqueue good: %v", err)
	}
	for _, sid := range []int64{bad, good} {
		if _, err := mgr.GetOrStartConsumer(ctx, sid); err != nil {
			t.Fatalf("start consumer: %v", err)
		}
	}

	select {
	case ev := <-sub.Ch():
		se, ok := ev.Payload.(bus.SessionEvent)
		if !ok || se.SessionID != bad || se.Reason != "consumer_error" {
			t.Fatalf("unexpected removal event %#v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected session.removed after panic")
	}
	waitFor(t, 2*time.Second, "good session to drain", func() bool { return pendingCount(t, store, good) == 0 })
	if item := itemStatus(t, store, badItem); item.Status != persistence.StatusProcessing {
		t.Fatalf("crashed item should stay processing until recovered, got %s", item.Status)
	}

	if _, err := mgr.GetOrStartConsumer(ctx, bad); err != nil {
		t.Fatalf("restart bad session: %v", err)
	}
	waitFor(t, 2*time.Second, "crashed item reprocessed", func() bool {
		return itemStatus(t, store, badItem).Status == persistence.StatusProcessed
	})
}

func TestManager_HydratesUnseenSession(t *testing.T) {
	store := openStore(t, persistence.Options{})
	ctx := context.Background()
	sess, err := store.InitSession(ctx, "conv-restart", "proj-h", "add caching")
	if err != nil {
		t.Fatalf("init session: %v", err)
	}
	rec := &recorder{}
	mgr := newManager(t, store, rec)

	if _, err := mgr.EnqueueSummarize(ctx, sess.ID, "Added an LRU cache."); err != nil {
		t.Fatalf("enqueue summarize: %v", err)
	}
	if _, err := mgr.GetOrStartConsumer(ctx, sess.ID); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	waitFor(t, 2*time.Second, "summary processed", func() bool { return rec.count() == 1 && pendingCount(t, store, sess.ID) == 0 })

	rec.mu.Lock()
	info := rec.infos[0]
	rec.mu.Unlock()
	if info.Project != "proj-h" || info.ConversationID != "conv-restart" || info.LastUserPrompt != "add caching" {
		t.Fatalf("unexpected session info %+v", info)
	}
	snap, err := store.RecentContext(ctx, "proj-h", 5)
	if err != nil {
		t.Fatalf("recent context: %v", err)
	}
	if len(snap.Summaries) != 1 || snap.Summaries[0].Request != "add caching" {
		t.Fatalf("unexpected summaries %+v", snap.Summaries)
	}

	if _, err := mgr.EnqueueSummarize(ctx, 4242, "x"); !errors.Is(err, persistence.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for unknown session, got %v", err)
	}
}

func TestManager_BacklogKeepsOriginalTimestamp(t *testing.T) {
	store := openStore(t, persistence.Options{})
	ctx := context.Background()
	sid := initSession(t, store, "conv-backlog")
	rec := &recorder{}
	mgr := newManager(t, store, rec)

	id, err := mgr.EnqueueObservation(ctx, sid, session.ObservationInput{ToolName: "Read", ToolInput: `{"file_path":"/old.go"}`})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	historic := time.Now().Add(-6 * time.Hour).Truncate(time.Millisecond)
	if _, err := store.DB().Exec(`UPDATE pending_messages SET created_at_epoch = ? WHERE id = ?;`, historic.UnixMilli(), id); err != nil {
		t.Fatalf("backdate item: %v", err)
	}

	if _, err := mgr.GetOrStartConsumer(ctx, sid); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	waitFor(t, 2*time.Second, "item processed", func() bool { return pendingCount(t, store, sid) == 0 })

	snap, err := store.RecentContext(ctx, "demo", 5)
	if err != nil {
		t.Fatalf("recent context: %v", err)
	}
	if len(snap.Observations) != 1 || !snap.Observations[0].CreatedAt.Equal(historic) {
		t.Fatalf("expected observation stamped %v, got %+v", historic, snap.Observations)
	}
}

func TestManager_Backpressure(t *testing.T) {
	store := openStore(t, persistence.Options{})
	ctx := context.Background()
	sid := initSession(t, store, "conv-full")
	mgr := newManager(t, store, &recorder{}, func(c *session.Config) { c.MaxQueueDepth = 1 })

	if _, err := mgr.EnqueueObservation(ctx, sid, session.ObservationInput{ToolName: "Read"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := mgr.EnqueueObservation(ctx, sid, session.ObservationInput{ToolName: "Read"}); !errors.Is(err, session.ErrQueueSaturated) {
		t.Fatalf("expected ErrQueueSaturated, got %v", err)
	}
}

func TestManager_StatusAndAggregates(t *testing.T) {
	store := openStore(t, persistence.Options{})
	ctx := context.Background()
	sid := initSession(t, store, "conv-status")
	mgr := newManager(t, store, &recorder{})

	processing, err := mgr.IsProcessing(ctx)
	if err != nil || processing {
		t.Fatalf("expected idle manager, got %v err=%v", processing, err)
	}
	if _, err := mgr.EnqueueObservation(ctx, sid, session.ObservationInput{ToolName: "Read"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	st, err := mgr.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.IsProcessing || st.QueueDepth != 1 || st.ActiveSessions != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
	if len(st.Sessions) != 1 || st.Sessions[0].ConsumerRunning || st.Sessions[0].ConversationID != "conv-status" {
		t.Fatalf("unexpected session status %+v", st.Sessions)
	}
	if n, err := mgr.PendingCount(ctx, sid); err != nil || n != 1 {
		t.Fatalf("pending count = %d err=%v", n, err)
	}
	if d, err := mgr.QueueDepth(ctx); err != nil || d != 1 {
		t.Fatalf("queue depth = %d err=%v", d, err)
	}
}

func TestManager_ShutdownStopsConsumers(t *testing.T) {
	store := openStore(t, persistence.Options{})
	ctx := context.Background()
	sid := initSession(t, store, "conv-shutdown")
	mgr := newManager(t, store, &recorder{})

	c, err := mgr.GetOrStartConsumer(ctx, sid)
	if err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := mgr.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("consumer still running after shutdown")
	}
	if _, err := mgr.GetOrStartConsumer(ctx, sid); !errors.Is(err, session.ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
	if mgr.ActiveSessionCount() != 0 {
		t.Fatalf("expected no sessions after shutdown, got %d", mgr.ActiveSessionCount())
	}
}
