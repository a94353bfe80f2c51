package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rmax-ai/crmseed/pkg/engine"
	"github.com/rmax-ai/crmseed/pkg/engine/distribution"
	"github.com/rmax-ai/crmseed/pkg/replay"
	"github.com/rmax-ai/crmseed/pkg/store"
)

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	actorKey   contextKey = "actor"
)

// Interfaces for dependencies to enable mocking

type Store interface {
	CreateRun(ctx context.Context, run *store.Run) error
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
	ListDLQEntries(ctx context.Context, filter store.DLQFilter) ([]*store.DLQEntry, error)
	CountDLQEntries(ctx context.Context, runID string) (int, error)
	ListReplayAudits(ctx context.Context, runID string, limit int) ([]*store.ReplayAudit, error)
	Ping(ctx context.Context) error
}

type Executor interface {
	Start(ctx context.Context, runID string) error
	Abort(ctx context.Context, runID string) error
	Override(ctx context.Context, runID string, cfg store.RunConfig) (*store.Run, error)
	ResetClaims(ctx context.Context, runID string) (int, error)
	Report(runID string) (engine.Report, bool)
}

type Replayer interface {
	Replay(ctx context.Context, req replay.Request) (*store.ReplayAudit, error)
}

type Leadership interface {
	IsLeader() bool
	Epoch() int64
	Leader(ctx context.Context) (string, bool, error)
}

type Config struct {
	Addr string
	// Tokens are operator bearer tokens; when empty, mutating routes are open.
	Tokens []string
	Logger *slog.Logger
}

// Server is the operator HTTP API.
type Server struct {
	store    Store
	exec     Executor
	replayer Replayer
	election Leadership
	tokens   map[string]bool
	logger   *slog.Logger
	server   *http.Server

	tlsCertFile string
	tlsKeyFile  string
}

func NewServer(st Store, exec Executor, replayer Replayer, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8090"
	}

	s := &Server{
		store:    st,
		exec:     exec,
		replayer: replayer,
		tokens:   make(map[string]bool, len(cfg.Tokens)),
		logger:   cfg.Logger,
	}
	for _, t := range cfg.Tokens {
		if t = strings.TrimSpace(t); t != "" {
			s.tokens[hashToken(t)] = true
		}
	}

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/runs", s.mutating(s.handleCreateRun))
	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /v1/runs/{id}/schedule", s.handleSchedule)
	mux.HandleFunc("POST /v1/runs/{id}/start", s.mutating(s.handleStartRun))
	mux.HandleFunc("POST /v1/runs/{id}/abort", s.mutating(s.handleAbortRun))
	mux.HandleFunc("POST /v1/runs/{id}/override", s.mutating(s.handleOverrideRun))
	mux.HandleFunc("POST /v1/runs/{id}/reset-claims", s.mutating(s.handleResetClaims))

	mux.HandleFunc("GET /v1/dlq", s.handleListDLQ)
	mux.HandleFunc("POST /v1/dlq/replay", s.mutating(s.handleReplay))
	mux.HandleFunc("GET /v1/replays", s.handleListReplays)

	mux.HandleFunc("GET /v1/reports/{type}", s.handleReport)

	return s.withLogging(s.withRecovery(withSecureHeaders(mux)))
}

func (s *Server) mutating(h http.HandlerFunc) http.HandlerFunc {
	return s.withLeaderCheck(s.withAuth(h))
}

func (s *Server) SetTLS(certFile, keyFile string) {
	s.tlsCertFile = certFile
	s.tlsKeyFile = keyFile
}

func (s *Server) SetElectionManager(em Leadership) {
	s.election = em
}

// Start runs the HTTP server (blocking).
func (s *Server) Start() error {
	var err error
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		s.logger.Info("server_starting_tls", "addr", s.server.Addr)
		err = s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	} else {
		s.logger.Info("server_starting", "addr", s.server.Addr)
		err = s.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("server_stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Leader: true}
	if s.election != nil {
		resp.Leader = s.election.IsLeader()
		resp.Epoch = s.election.Epoch()
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("health_store_unreachable", "trace_id", getTraceID(r.Context()), "error", err)
		resp.Status = "degraded"
		s.writeJSON(w, r, http.StatusServiceUnavailable, resp)
		return
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed_to_encode_response", "trace_id", getTraceID(r.Context()), "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	body := map[string]string{"error": code}
	if reason != "" {
		body["reason"] = reason
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeDomainError maps domain errors onto status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "")
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, engine.ErrRunActive):
		writeError(w, http.StatusConflict, "run_active", "")
	case errors.Is(err, engine.ErrRunAborted):
		writeError(w, http.StatusConflict, "run_aborted", "")
	case errors.Is(err, engine.ErrExecutorClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "")
	case errors.Is(err, distribution.ErrInvalidParams), errors.Is(err, replay.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.logger.Error("request_failed", "trace_id", getTraceID(r.Context()), "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_server_error", "")
	}
}

// Middleware: Auth. Open when no tokens are configured.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.tokens) == 0 {
			next(w, r.WithContext(context.WithValue(r.Context(), actorKey, "anonymous")))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing_token")
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid_token_format")
			return
		}
		hash := hashToken(parts[1])
		if !s.tokens[hash] {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid_token")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), actorKey, "token:"+hash[:12])))
	}
}

func actorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey).(string); ok {
		return v
	}
	return "anonymous"
}

// Middleware: Panic Recovery
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic_recovered", "trace_id", getTraceID(r.Context()), "error", fmt.Sprint(err), "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal_server_error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Middleware: Request Logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = generateTraceID()
		}
		r = r.WithContext(context.WithValue(r.Context(), traceIDKey, traceID))

		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(ww, r)

		s.logger.Info("http_request",
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func generateTraceID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func getTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// statusWriter captures HTTP status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// Middleware: Secure Headers
func withSecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// Middleware: Leader Check. Followers redirect writes to the leader when its
// holder id is a URL, otherwise they refuse them.
func (s *Server) withLeaderCheck(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.election == nil || s.election.IsLeader() {
			next(w, r)
			return
		}

		leader, ok, err := s.election.Leader(r.Context())
		if err != nil {
			s.logger.Error("failed_to_check_leader", "trace_id", getTraceID(r.Context()), "error", err)
			writeError(w, http.StatusInternalServerError, "internal_server_error", "")
			return
		}
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", "no_leader_elected")
			return
		}
		if !strings.HasPrefix(leader, "http://") && !strings.HasPrefix(leader, "https://") {
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", "not_leader")
			return
		}

		target := strings.TrimRight(leader, "/") + r.URL.Path
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusTemporaryRedirect)
	}
}
