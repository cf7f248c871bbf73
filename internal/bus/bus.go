// Package bus fans queue and session activity out to in-process listeners
// such as the websocket stream. Delivery is best effort: queue state lives in
// the store, never here.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

// Event is one published notification. Seq increases by one per Publish on a
// Bus, so a listener can spot gaps left by dropped events.
type Event struct {
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
}

// SessionScoped is implemented by payloads that belong to one session.
type SessionScoped interface {
	EventSessionID() int64
}

// SessionOf returns the session an event belongs to, or 0 for global events.
func SessionOf(ev Event) int64 {
	if p, ok := ev.Payload.(SessionScoped); ok {
		return p.EventSessionID()
	}
	return 0
}

type SubscribeOption func(*Subscription)

// WithBuffer sets the subscription channel capacity.
func WithBuffer(n int) SubscribeOption {
	return func(s *Subscription) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithSession keeps only events scoped to sessionID. Global events (status,
// recovery, admin) are filtered out too.
func WithSession(sessionID int64) SubscribeOption {
	return func(s *Subscription) { s.session = sessionID }
}

type Subscription struct {
	id      uint64
	prefix  string
	session int64
	buffer  int
	ch      chan Event
	dropped atomic.Int64
}

func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped reports how many matching events were discarded because the
// buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(ev Event) bool {
	if s.prefix != "" && !strings.HasPrefix(ev.Topic, s.prefix) {
		return false
	}
	return s.session == 0 || SessionOf(ev) == s.session
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	seq    atomic.Uint64
	now    func() time.Time
}

func New() *Bus {
	return &Bus{
		subs: make(map[uint64]*Subscription),
		now:  time.Now,
	}
}

// Subscribe registers a listener for topics starting with topicPrefix (empty
// matches everything). Slow listeners miss events rather than block
// publishers.
func (b *Bus) Subscribe(topicPrefix string, opts ...SubscribeOption) *Subscription {
	sub := &Subscription{prefix: topicPrefix, buffer: defaultBufferSize}
	for _, opt := range opts {
		opt(sub)
	}
	sub.ch = make(chan Event, sub.buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers to every matching subscriber without blocking. A nil Bus
// drops everything, so components may run without one.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{
		Seq:     b.seq.Add(1),
		At:      b.now().UTC(),
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
