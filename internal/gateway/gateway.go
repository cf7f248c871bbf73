package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vietdev99/claude-mem-sub001/internal/audit"
	"github.com/vietdev99/claude-mem-sub001/internal/bus"
	"github.com/vietdev99/claude-mem-sub001/internal/observability"
	"github.com/vietdev99/claude-mem-sub001/internal/persistence"
	"github.com/vietdev99/claude-mem-sub001/internal/session"
	"github.com/vietdev99/claude-mem-sub001/internal/shared"
)

// ActorHeader names the operator behind an admin request in the audit log.
const ActorHeader = "X-Claude-Mem-Actor"

// Store is the part of the durable store the HTTP API reads directly. Queue
// mutations go through the session manager.
type Store interface {
	InitSession(ctx context.Context, conversationID, project, prompt string) (*persistence.Session, error)
	CompleteSession(ctx context.Context, sessionID int64) error
	ListItems(ctx context.Context, f persistence.ListFilter) ([]persistence.QueueItem, error)
	Counts(ctx context.Context) (persistence.QueueCounts, error)
	RecentContext(ctx context.Context, project string, limit int) (*persistence.ContextSnapshot, error)
}

type Config struct {
	Manager *session.Manager
	Store   Store
	Bus     *bus.Bus
	Metrics *observability.Metrics
	Logger  *slog.Logger

	AuthToken string

	// AllowOrigins lists cross-origin patterns for browsers and the event
	// stream. Empty means same-origin only.
	AllowOrigins []string

	// MaxBodyBytes caps request bodies. Zero means 10MB.
	MaxBodyBytes int64

	// Recovery is used by POST /api/recovery and as the default stuck
	// threshold for POST /api/queue/retry-stuck.
	Recovery session.RecoveryOptions

	// ConfigFingerprint is the hash of the active config exposed on /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg        Config
	logger     *slog.Logger
	validators validators
	startedAt  time.Time
}

func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil || cfg.Store == nil {
		return nil, fmt.Errorf("gateway: manager and store are required")
	}
	vs, err := newValidators()
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		logger:     logger.With("component", "gateway"),
		validators: vs,
		startedAt:  time.Now(),
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(NewCORSMiddleware(s.cfg.AllowOrigins))
	r.Use(RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes))
	r.Use(NewAuthMiddleware(s.cfg.AuthToken).Wrap)
	r.Use(requestContext)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.cfg.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions/init", s.handleInitSession)
		r.Post("/sessions/{id}/observations", s.handleObservation)
		r.Post("/sessions/{id}/summarize", s.handleSummarize)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Get("/sessions/{id}/queue", s.handleSessionQueue)

		r.Get("/processing-status", s.handleProcessingStatus)

		r.Get("/queue", s.handleListQueue)
		r.Post("/queue/clear-failed", s.handleClearFailed)
		r.Post("/queue/clear-all", s.handleClearAll)
		r.Post("/queue/retry-stuck", s.handleRetryStuck)
		r.Post("/queue/{itemID}/retry", s.handleRetryItem)

		r.Post("/recovery", s.handleRecovery)
		r.Get("/context", s.handleContext)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// requestContext tags every request with a trace id and the audit actor.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.EnsureTraceID(r.Context())
		actor := strings.TrimSpace(r.Header.Get(ActorHeader))
		if actor == "" {
			actor = "http"
		}
		ctx = audit.WithActor(ctx, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.cfg.Manager.QueueDepth(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "healthz: queue depth", "error", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  "store unavailable",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"active_sessions":    s.cfg.Manager.ActiveSessionCount(),
		"queue_depth":        depth,
		"uptime_seconds":     int64(time.Since(s.startedAt).Seconds()),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	})
}

// --- helpers ---

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorBody{Error: code, Message: message})
}

// readBody returns the request body, treating an empty body as "{}".
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return []byte("{}"), nil
	}
	return body, nil
}

// decodeValidated reads the body, checks it against v and decodes it into dst.
// It writes the error response itself and reports whether decoding succeeded.
func decodeValidated(w http.ResponseWriter, r *http.Request, v *requestValidator, dst any) bool {
	body, err := readBody(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
			return false
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	if err := v.Validate(body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	raw := chi.URLParam(r, param)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_id", fmt.Sprintf("invalid %s %q", param, raw))
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

// statusForError maps queue and session errors onto HTTP status codes.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, persistence.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, persistence.ErrItemNotFound):
		return http.StatusNotFound, "item_not_found"
	case errors.Is(err, persistence.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, session.ErrQueueSaturated):
		return http.StatusTooManyRequests, "queue_saturated"
	case errors.Is(err, session.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := statusForError(err)
	msg := shared.Redact(err.Error())
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), op+" failed", "error", msg)
	} else {
		s.logger.DebugContext(r.Context(), op+" rejected", "error", msg, "status", status)
	}
	respondError(w, status, code, msg)
}
