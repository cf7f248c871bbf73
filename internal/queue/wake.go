// Package queue provides the per-session wake signal and the consumer-side
// iterator that drains a session's durable queue.
package queue

// Wake is a persistent dirty flag for one session. A Notify that arrives while
// nobody is waiting stays latched until the next receive, so a consumer that
// re-checks the store after every wake never misses an enqueue.
type Wake struct {
	ch chan struct{}
}

// NewWake returns a fresh, unsignalled wake channel.
func NewWake() *Wake {
	return &Wake{ch: make(chan struct{}, 1)}
}

// Notify marks the session dirty. It never blocks; repeated notifications
// collapse into one.
func (w *Wake) Notify() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C returns the receive side of the flag.
func (w *Wake) C() <-chan struct{} {
	return w.ch
}
