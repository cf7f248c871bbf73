package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vietdev99/claude-mem-sub001/internal/persistence"
	"github.com/vietdev99/claude-mem-sub001/internal/session"
	"github.com/vietdev99/claude-mem-sub001/internal/shared"
)

type initSessionRequest struct {
	ConversationID string `json:"conversation_id"`
	Project        string `json:"project"`
	Prompt         string `json:"prompt"`
}

type observationRequest struct {
	ToolName     string          `json:"tool_name"`
	ToolInput    json.RawMessage `json:"tool_input"`
	ToolResponse json.RawMessage `json:"tool_response"`
	Cwd          string          `json:"cwd"`
	PromptNumber int             `json:"prompt_number"`
}

type summarizeRequest struct {
	LastAssistantMessage string `json:"last_assistant_message"`
}

type enqueueResponse struct {
	ItemID    int64  `json:"item_id"`
	SessionID int64  `json:"session_id"`
	Status    string `json:"status"`
}

// rawText flattens a free-form JSON field: strings are unquoted, anything
// else is kept as compact JSON, and null becomes empty.
func rawText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return trimmed
}

// handleInitSession registers a prompt for a conversation and refreshes the
// in-memory copy the consumer reads.
func (s *Server) handleInitSession(w http.ResponseWriter, r *http.Request) {
	var req initSessionRequest
	if !decodeValidated(w, r, s.validators.initSession, &req) {
		return
	}
	sess, err := s.cfg.Store.InitSession(r.Context(), req.ConversationID, req.Project, req.Prompt)
	if err != nil {
		s.respondFailure(w, r, "init session", err)
		return
	}
	s.cfg.Manager.Refresh(*sess)
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleObservation(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req observationRequest
	if !decodeValidated(w, r, s.validators.observation, &req) {
		return
	}
	ctx := shared.WithSessionID(r.Context(), sessionID)
	itemID, err := s.cfg.Manager.EnqueueObservation(ctx, sessionID, session.ObservationInput{
		ToolName:     req.ToolName,
		ToolInput:    rawText(req.ToolInput),
		ToolOutput:   rawText(req.ToolResponse),
		Cwd:          req.Cwd,
		PromptNumber: req.PromptNumber,
	})
	if err != nil {
		// The event is lost unless the producer retries; say so loudly.
		s.respondFailure(w, r.WithContext(ctx), "enqueue observation", err)
		return
	}
	s.ensureConsumer(w, r.WithContext(ctx), sessionID, itemID)
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req summarizeRequest
	if !decodeValidated(w, r, s.validators.summarize, &req) {
		return
	}
	ctx := shared.WithSessionID(r.Context(), sessionID)
	itemID, err := s.cfg.Manager.EnqueueSummarize(ctx, sessionID, req.LastAssistantMessage)
	if err != nil {
		s.respondFailure(w, r.WithContext(ctx), "enqueue summarize", err)
		return
	}
	s.ensureConsumer(w, r.WithContext(ctx), sessionID, itemID)
}

// ensureConsumer starts the session's loop after a successful enqueue. The
// item is already durable, so a failure here is logged and the request still
// succeeds; the next recovery sweep picks the item up.
func (s *Server) ensureConsumer(w http.ResponseWriter, r *http.Request, sessionID, itemID int64) {
	if _, err := s.cfg.Manager.GetOrStartConsumer(r.Context(), sessionID); err != nil {
		s.logger.WarnContext(r.Context(), "consumer not started; item left for recovery",
			"item_id", itemID, "error", err)
	}
	respondJSON(w, http.StatusAccepted, enqueueResponse{
		ItemID:    itemID,
		SessionID: sessionID,
		Status:    string(persistence.StatusPending),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ctx := shared.WithSessionID(r.Context(), sessionID)
	draining := false
	if err := s.cfg.Manager.DeleteSession(ctx, sessionID); err != nil {
		if ctx.Err() == nil {
			s.respondFailure(w, r.WithContext(ctx), "delete session", err)
			return
		}
		// The manager finishes the removal when the loop exits.
		draining = true
	}
	if err := s.cfg.Store.CompleteSession(context.WithoutCancel(ctx), sessionID); err != nil {
		s.respondFailure(w, r.WithContext(ctx), "complete session", err)
		return
	}
	code := http.StatusOK
	if draining {
		code = http.StatusAccepted
	}
	respondJSON(w, code, map[string]any{
		"session_id": sessionID,
		"status":     string(persistence.SessionCompleted),
		"draining":   draining,
	})
}

func (s *Server) handleSessionQueue(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	pending, err := s.cfg.Manager.PendingCount(r.Context(), sessionID)
	if err != nil {
		s.respondFailure(w, r, "session queue", err)
		return
	}
	items, err := s.cfg.Store.ListItems(r.Context(), persistence.ListFilter{SessionID: sessionID, Limit: 100})
	if err != nil {
		s.respondFailure(w, r, "session queue", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"pending":    pending,
		"items":      items,
	})
}

func (s *Server) handleProcessingStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Manager.Status(r.Context())
	if err != nil {
		s.respondFailure(w, r, "processing status", err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	snap, err := s.cfg.Store.RecentContext(r.Context(), r.URL.Query().Get("project"), limit)
	if err != nil {
		s.respondFailure(w, r, "recent context", err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}
