package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/vietdev99/claude-mem-sub001/internal/persistence"
)

const defaultListLimit = 100

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.ListFilter{Status: persistence.ItemStatus(strings.TrimSpace(q.Get("status")))}
	switch filter.Status {
	case "", persistence.StatusPending, persistence.StatusProcessing, persistence.StatusProcessed, persistence.StatusFailed:
	default:
		respondError(w, http.StatusBadRequest, "invalid_request", "unknown status "+string(filter.Status))
		return
	}
	sessionID, err := queryInt(r, "session", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	filter.SessionID = int64(sessionID)
	filter.Limit = limit

	items, err := s.cfg.Store.ListItems(r.Context(), filter)
	if err != nil {
		s.respondFailure(w, r, "list queue", err)
		return
	}
	counts, err := s.cfg.Store.Counts(r.Context())
	if err != nil {
		s.respondFailure(w, r, "queue counts", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"counts": counts,
	})
}

func (s *Server) handleClearFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.cfg.Manager.ClearFailed(r.Context())
	if err != nil {
		s.respondFailure(w, r, "clear failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.cfg.Manager.ClearAll(r.Context())
	if err != nil {
		s.respondFailure(w, r, "clear all", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

// handleRetryStuck accepts an optional threshold_seconds query parameter.
func (s *Server) handleRetryStuck(w http.ResponseWriter, r *http.Request) {
	threshold := s.cfg.Recovery.StuckThreshold
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	secs, err := queryInt(r, "threshold_seconds", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if secs > 0 {
		threshold = time.Duration(secs) * time.Second
	}
	n, err := s.cfg.Manager.RetryStuck(r.Context(), threshold)
	if err != nil {
		s.respondFailure(w, r, "retry stuck", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"retried":           n,
		"threshold_seconds": int64(threshold.Seconds()),
	})
}

func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	sessionID, err := s.cfg.Manager.RetryItem(r.Context(), itemID)
	if err != nil && sessionID == 0 {
		s.respondFailure(w, r, "retry item", err)
		return
	}
	if err != nil {
		// Re-armed, but the consumer could not start; recovery will pick it up.
		s.logger.WarnContext(r.Context(), "retry item: consumer not started", "item_id", itemID, "error", err)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"item_id":    itemID,
		"session_id": sessionID,
		"status":     string(persistence.StatusPending),
	})
}

// handleRecovery runs a manual recovery sweep with the configured limits.
func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	opts := s.cfg.Recovery
	opts.Trigger = "manual"
	report, err := s.cfg.Manager.Recover(r.Context(), opts)
	if err != nil {
		s.respondFailure(w, r, "recovery sweep", err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}
