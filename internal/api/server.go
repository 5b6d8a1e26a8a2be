// Package api exposes the delivery pipeline over HTTP: submission,
// status reads, explicit actions, stats and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailflowd/mailflow/internal/gate"
	"github.com/mailflowd/mailflow/internal/logging"
	"github.com/mailflowd/mailflow/internal/message"
	"github.com/mailflowd/mailflow/internal/metrics"
	"github.com/mailflowd/mailflow/internal/service"
	"github.com/mailflowd/mailflow/internal/store"
)

// maxListLimit caps list and batch reads so a single request cannot
// drag the whole store over the wire.
const maxListLimit = 500

// Config holds the HTTP server settings.
type Config struct {
	Listen string
	// APIKeys maps a key name to the bcrypt hash of the key. Any
	// matching key authenticates as an operator.
	APIKeys map[string]string
	// RequestsPerSecond and Burst shape the per-IP rate limit.
	// Zero means the default of 50 req/s with a burst of 100.
	RequestsPerSecond float64
	Burst             int
}

// Server is the HTTP front of the pipeline.
type Server struct {
	config  Config
	service *service.Service
	stats   *metrics.ValkeyStore
	apiKeys map[string]string
	limiter *rateLimiter
	logger  *slog.Logger
	http    *http.Server
}

// NewServer builds the server. stats may be nil when no stats store is
// configured; the stats endpoint then reports it unavailable.
func NewServer(config Config, svc *service.Service, stats *metrics.ValkeyStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Listen == "" {
		config.Listen = ":8825"
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 50
	}
	if config.Burst <= 0 {
		config.Burst = 100
	}
	logger = logger.With("component", "api")
	return &Server{
		config:  config,
		service: svc,
		stats:   stats,
		apiKeys: config.APIKeys,
		limiter: newRateLimiter(config.RequestsPerSecond, config.Burst, logger),
		logger:  logger,
	}
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.limiter.middleware)
	r.Use(s.authMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/messages", s.handleSubmit).Methods(http.MethodPost)
	v1.HandleFunc("/messages", s.handleList).Methods(http.MethodGet)
	v1.HandleFunc("/messages/status", s.handleBatchStatus).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{id}", s.handleGet).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{id}/actions", s.handleActions).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{id}/actions", s.handleAct).Methods(http.MethodPost)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/logging/level", s.handleGetLogLevel).Methods(http.MethodGet)
	v1.HandleFunc("/logging/level", s.handleSetLogLevel).Methods(http.MethodPost)

	return r
}

// Start begins serving and blocks until the listener fails.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}
	s.logger.Info("API server listening", "addr", s.config.Listen)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// messageDoc is the external view of a message, the stored document
// plus the actions the caller could invoke right now.
type messageDoc struct {
	*message.Message
	AvailableActions []message.Action `json:"available_actions"`
}

func (s *Server) doc(r *http.Request, m *message.Message) messageDoc {
	return messageDoc{
		Message:          m,
		AvailableActions: message.AvailableActions(m.Status, callerRole(r)),
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	m, err := s.service.Submit(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, s.doc(r, m))
	case m != nil && refusedByGate(err):
		// The message was stored; report the verdict with the doc so
		// the caller can still track it.
		writeJSON(w, http.StatusUnprocessableEntity, struct {
			Error string `json:"error"`
			messageDoc
		}{err.Error(), s.doc(r, m)})
	default:
		s.logger.Error("Submit failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func refusedByGate(err error) bool {
	for _, g := range []error{
		gate.ErrDomainUnknown, gate.ErrDomainDisabled, gate.ErrMessageTooLarge,
		gate.ErrQuotaExceeded, gate.ErrDKIMInvalid, gate.ErrAllRecipientsBlocked,
		gate.ErrSpamRejected,
	} {
		if errors.Is(err, g) {
			return true
		}
	}
	return false
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := s.service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.doc(r, m))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, err := s.service.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	docs := make([]messageDoc, 0, len(msgs))
	for _, m := range msgs {
		docs = append(docs, s.doc(r, m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": docs,
		"count":    len(docs),
	})
}

func filterFromQuery(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{
		Domain:     q.Get("domain"),
		Sender:     q.Get("sender"),
		Recipient:  q.Get("recipient"),
		AgentGroup: q.Get("agent_group"),
		Limit:      maxListLimit,
	}
	for _, raw := range q["status"] {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				f.Statuses = append(f.Statuses, message.Status(st))
			}
		}
	}
	if v := q.Get("priority"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, fmt.Errorf("invalid priority %q", v)
		}
		p := message.Priority(n)
		f.Priority = &p
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid from timestamp %q", v)
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid to timestamp %q", v)
		}
		f.To = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		if n < maxListLimit {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid offset %q", v)
		}
		f.Offset = n
	}
	return f, nil
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.IDs) > maxListLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d ids per request", maxListLimit))
		return
	}
	// Missing ids are skipped rather than failing the batch.
	docs := make([]messageDoc, 0, len(req.IDs))
	for _, id := range req.IDs {
		m, err := s.service.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		docs = append(docs, s.doc(r, m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": docs,
		"count":    len(docs),
	})
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	actions, err := s.service.Actions(r.Context(), id, callerRole(r))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) handleAct(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
		writeError(w, http.StatusBadRequest, "missing action")
		return
	}

	err := s.service.Act(r.Context(), id, message.Action(req.Action), callerRole(r), callerActor(r))
	switch {
	case err == nil:
		m, getErr := s.service.Get(r.Context(), id)
		if getErr != nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		writeJSON(w, http.StatusOK, s.doc(r, m))
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, service.ErrActionNotAllowed):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusConflict, err.Error())
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats store not configured")
		return
	}
	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	hourly, err := s.stats.Hourly(r.Context())
	if err != nil {
		s.logger.Warn("Hourly stats unavailable", "error", err)
	}
	recent, err := s.stats.RecentErrors(r.Context(), 20)
	if err != nil {
		s.logger.Warn("Recent errors unavailable", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"delivery":      stats,
		"hourly":        hourly,
		"recent_errors": recent,
	})
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	level := logging.GetLevelManager().Level()
	writeJSON(w, http.StatusOK, map[string]string{
		"level": strings.ToLower(level.String()),
	})
}

func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	if callerRole(r) != message.RoleOperator {
		writeError(w, http.StatusForbidden, "operator role required")
		return
	}
	var req struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	level, err := logging.ParseLevel(req.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logging.GetLevelManager().SetLevel(level)
	s.logger.Info("Log level changed", "level", req.Level, "actor", callerActor(r))
	writeJSON(w, http.StatusOK, map[string]string{
		"level": strings.ToLower(level.String()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
