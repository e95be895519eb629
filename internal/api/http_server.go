// Package api exposes the outbox and the poller over HTTP for operators and
// the local UI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/engine"
	"fieldsync/internal/export"
	"fieldsync/internal/handlers"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/poller"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const requestIDHeader = "X-Request-ID"

// Outbox is the orchestrator surface the API drives.
type Outbox interface {
	Stats(ctx context.Context) (engine.Stats, error)
	Pending(ctx context.Context, userID string) ([]models.QueuedOperation, error)
	ProcessAll(ctx context.Context, filterUserID string) (engine.PassResult, error)
	Requeue(ctx context.Context, id int64, userID string) error
	Discard(ctx context.Context, id int64, userID string) error
}

// Poller is the polling controller surface the API drives.
type Poller interface {
	ForceCheck(ctx context.Context) (poller.Outcome, error)
	SetMode(mode poller.Mode)
	Mode() poller.Mode
	Metadata() models.SyncMetadata
}

// DeadLetters lists mirrored stalled operations.
type DeadLetters interface {
	List(ctx context.Context, n int64) ([]models.QueuedOperation, error)
}

// HandlerStats reports per-entity replay counters.
type HandlerStats interface {
	Stats() handlers.Stats
}

// Deps are the collaborators behind the endpoints. Outbox is required.
type Deps struct {
	Outbox      Outbox
	Poller      Poller
	DeadLetters DeadLetters
	Handlers    []HandlerStats
}

// HTTPServer serves the outbox control API.
type HTTPServer struct {
	cfg    config.APIConfig
	deps   Deps
	server *http.Server
	auth   *HTTPAuth
	logger zerolog.Logger
	now    func() time.Time
}

func NewHTTPServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	srv := &HTTPServer{
		cfg:    cfg,
		deps:   deps,
		auth:   NewHTTPAuth(cfg),
		logger: logger.With().Str("component", "http").Logger(),
		now:    time.Now,
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	return srv
}

func (s *HTTPServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Wrap)

		r.Route("/outbox", func(r chi.Router) {
			r.Get("/stats", s.handleStats)
			r.Get("/operations", s.handleOperations)
			r.Post("/sync", s.handleSync)
			r.Post("/operations/{id}/retry", s.handleRetry)
			r.Delete("/operations/{id}", s.handleDiscard)
			r.Get("/export", s.handleExport)
			r.Get("/deadletters", s.handleDeadLetters)
		})

		r.Route("/poll", func(r chi.Router) {
			r.Post("/check", s.handleForceCheck)
			r.Put("/mode", s.handleSetMode)
		})
	})

	return r
}

// Handler returns the router, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Outbox.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "online": stats.Online})
}

type statsResponse struct {
	engine.Stats
	Entities        []handlers.Stats `json:"entities,omitempty"`
	PollMode        string           `json:"poll_mode,omitempty"`
	LastSync        int64            `json:"last_sync_timestamp"`
	LastPush        int64            `json:"last_push_timestamp"`
	DeltaCounters   map[string]int64 `json:"delta_counters,omitempty"`
	LastKnownUserID string           `json:"last_known_user_id,omitempty"`
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Outbox.Stats(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	resp := statsResponse{Stats: stats}
	for _, h := range s.deps.Handlers {
		resp.Entities = append(resp.Entities, h.Stats())
	}
	if s.deps.Poller != nil {
		meta := s.deps.Poller.Metadata()
		resp.PollMode = s.deps.Poller.Mode().String()
		resp.LastSync = meta.LastSyncTimestamp
		resp.LastPush = meta.LastPushTimestamp
		resp.DeltaCounters = meta.DeltaCounters
		resp.LastKnownUserID = meta.LastKnownUserID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleOperations(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	ops, err := s.deps.Outbox.Pending(r.Context(), userID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if ops == nil {
		ops = []models.QueuedOperation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops, "total": len(ops)})
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	result, err := s.deps.Outbox.ProcessAll(r.Context(), userID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Skipped {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.mutateOperation(w, r, s.deps.Outbox.Requeue, "requeued")
}

func (s *HTTPServer) handleDiscard(w http.ResponseWriter, r *http.Request) {
	s.mutateOperation(w, r, s.deps.Outbox.Discard, "discarded")
}

func (s *HTTPServer) mutateOperation(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64, string) error, status string) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid operation id")
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	switch err := fn(r.Context(), id, userID); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": status})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "operation not found")
	default:
		s.internalError(w, r, err)
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	ops, err := s.deps.Outbox.Pending(r.Context(), userID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	now := s.now()
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="outbox_%s.xlsx"`, now.UTC().Format("20060102_150405")))
	if err := export.Write(w, ops, now); err != nil {
		s.logger.Error().Err(err).Msg("write outbox export")
	}
}

func (s *HTTPServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetters == nil {
		writeError(w, http.StatusNotImplemented, "dead letter list is not configured")
		return
	}
	limit := int64(100)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	ops, err := s.deps.DeadLetters.List(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops, "total": len(ops)})
}

func (s *HTTPServer) handleForceCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Poller == nil {
		writeError(w, http.StatusNotImplemented, "poller is not configured")
		return
	}
	outcome, err := s.deps.Poller.ForceCheck(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"outcome": string(outcome), "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (s *HTTPServer) handleSetMode(w http.ResponseWriter, r *http.Request) {
	if s.deps.Poller == nil {
		writeError(w, http.StatusNotImplemented, "poller is not configured")
		return
	}
	var body struct {
		Mode string `json:"mode"`
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	mode, err := poller.ParseMode(strings.TrimSpace(body.Mode))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Poller.SetMode(mode)
	writeJSON(w, http.StatusOK, map[string]string{"mode": mode.String()})
}

func (s *HTTPServer) internalError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, engine.ErrMissingOwner) {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	s.logger.Error().Err(err).Str("path", r.URL.Path).Str("request_id", w.Header().Get(requestIDHeader)).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return "", false
	}
	return userID, true
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		metrics.IncHTTP(route)

		s.logger.Info().
			Str("request_id", w.Header().Get(requestIDHeader)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
