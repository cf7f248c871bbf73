package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vietdev99/claude-mem-sub001/internal/bus"
)

const eventWriteTimeout = 5 * time.Second

// handleEvents streams bus events over a websocket. Optional query
// parameters: topic (prefix filter) and session (only events for that id).
// The stream opens with a processing status snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "event bus not configured")
		return
	}
	var sessionFilter int64
	if raw := r.URL.Query().Get("session"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "invalid session "+strconv.Quote(raw))
			return
		}
		sessionFilter = id
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"), bus.WithSession(sessionFilter))
	defer s.cfg.Bus.Unsubscribe(sub)
	s.cfg.Metrics.AddStreamSubscribers(1)
	defer s.cfg.Metrics.AddStreamSubscribers(-1)

	// The stream is write-only; CloseRead handles pings and notices when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.DebugContext(ctx, "events: client connected")

	if st, err := s.cfg.Manager.Status(ctx); err == nil {
		snapshot := bus.Event{
			At:    time.Now().UTC(),
			Topic: bus.TopicProcessingStatus,
			Payload: bus.ProcessingStatusEvent{
				IsProcessing:   st.IsProcessing,
				QueueDepth:     st.QueueDepth,
				ActiveSessions: st.ActiveSessions,
			},
		}
		if err := writeEvent(ctx, conn, snapshot); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.DebugContext(r.Context(), "events: client disconnected", "dropped", sub.Dropped())
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				s.logger.DebugContext(r.Context(), "events: write failed", "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev bus.Event) error {
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, ev)
}
