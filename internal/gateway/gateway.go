// Package gateway serves the labeler's local HTTP surface: health, error log
// inspection, task lookup and reset, and a websocket event stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/inbox-labeler/internal/bus"
	otelPkg "github.com/basket/inbox-labeler/internal/otel"
	"github.com/basket/inbox-labeler/internal/persistence"
)

const (
	defaultErrorLimit = 50
	maxErrorLimit     = 1000
)

type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Logger *slog.Logger
	Tracer trace.Tracer

	// Busy reports whether a sync pass is running. Optional.
	Busy func() bool
	// Fingerprint returns the active config hash. Optional; it changes on reload.
	Fingerprint func() string
	Version     string

	AuthToken    string
	AllowOrigins []string
	RateLimit    *RateLimitMiddleware
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	started time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return &Server{cfg: cfg, logger: logger, tracer: tracer, started: time.Now()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /healthz", s.handleHealthz)
	s.route(mux, "GET /api/errors", s.handleErrors)
	s.route(mux, "GET /api/tasks/{id}", s.handleTask)
	s.route(mux, "POST /api/tasks/{id}/reset", s.handleTaskReset)
	mux.HandleFunc("GET /ws/events", s.handleEvents)

	var h http.Handler = mux
	if s.cfg.RateLimit != nil {
		h = s.cfg.RateLimit.Wrap(h)
	}
	return NewAuthMiddleware(s.cfg.AuthToken).Wrap(h)
}

// route registers a handler wrapped in a server span.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otelPkg.StartServerSpan(r.Context(), s.tracer, "labeler.http "+pattern,
			otelPkg.AttrHTTPRoute.String(pattern))
		defer span.End()
		h(w, r.WithContext(ctx))
	})
}

type healthResponse struct {
	Healthy        bool               `json:"healthy"`
	DBOK           bool               `json:"db_ok"`
	Busy           bool               `json:"busy"`
	Stats          *persistence.Stats `json:"stats,omitempty"`
	LastSyncAt     *time.Time         `json:"last_sync_at,omitempty"`
	InboxProjectID string             `json:"inbox_project_id,omitempty"`
	Fingerprint    string             `json:"config_fingerprint,omitempty"`
	Version        string             `json:"version,omitempty"`
	UptimeSeconds  int64              `json:"uptime_seconds"`
	Error          string             `json:"error,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{
		Version:       s.cfg.Version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.cfg.Busy != nil {
		resp.Busy = s.cfg.Busy()
	}
	if s.cfg.Fingerprint != nil {
		resp.Fingerprint = s.cfg.Fingerprint()
	}

	stats, err := s.cfg.Store.GetStats(ctx)
	if err == nil {
		resp.Stats = &stats
		var state persistence.SyncState
		state, err = s.cfg.Store.GetSyncState(ctx)
		resp.LastSyncAt = state.LastSyncAt
		resp.InboxProjectID = state.InboxProjectID
	}
	resp.DBOK = err == nil
	resp.Healthy = resp.DBOK

	status := http.StatusOK
	if err != nil {
		s.logger.Error("healthz: store unavailable", "error", err)
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	limit := defaultErrorLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxErrorLimit)
	}
	entries, err := s.cfg.Store.ListErrors(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []persistence.ErrorLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": entries, "count": len(entries)})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, persistence.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleTaskReset forgets a failed task so the next sync treats it as new.
// Tasks in any other state are left alone and reported as a conflict.
func (s *Server) handleTaskReset(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	reset, err := s.cfg.Store.ResetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !reset {
		rec, getErr := s.cfg.Store.GetTask(r.Context(), taskID)
		switch {
		case errors.Is(getErr, persistence.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, getErr.Error())
		case getErr != nil:
			writeError(w, http.StatusInternalServerError, getErr.Error())
		default:
			writeError(w, http.StatusConflict, "task is "+string(rec.Status)+", only failed tasks can be reset")
		}
		return
	}
	s.logger.Info("failed task reset", "task_id", taskID)
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "reset": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
