// Package rpc exposes the sync control plane over HTTP.
//
// Endpoints:
//
//	POST /sync/full              submit a full sync job
//	POST /sync/incremental       submit an incremental sync job
//	GET  /sync/status/{id}       job status and summary
//	POST /sync/cancel/{id}       request cancellation
//	GET  /sync/jobs              list jobs (filter: status, limit)
//	GET  /health/live            liveness (503 while shutting down)
//	GET  /health/ready           per-resource readiness
//	GET  /metrics                in-process metrics snapshot (text)
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/camatools/pacsync/internal/adapter"
	"github.com/camatools/pacsync/internal/jobs"
	"github.com/camatools/pacsync/internal/orchestrator"
	"github.com/camatools/pacsync/internal/types"
)

// Snapshotter renders accumulated metrics as text. Satisfied by
// telemetry.Sink; nil disables /metrics content.
type Snapshotter interface {
	Snapshot() string
}

// Server is the HTTP control plane.
type Server struct {
	manager *jobs.Manager
	orch    *orchestrator.Orchestrator
	metrics Snapshotter
	version string
	token   string // Bearer token; empty disables auth

	httpServer *http.Server
	listener   net.Listener
	addr       string
	started    time.Time
	draining   atomic.Bool
	reqSeq     atomic.Int64
	mu         sync.RWMutex
}

// NewServer creates a control-plane server listening on addr.
func NewServer(manager *jobs.Manager, orch *orchestrator.Orchestrator, metrics Snapshotter, addr, token, version string) *Server {
	return &Server{
		manager: manager,
		orch:    orch,
		metrics: metrics,
		addr:    addr,
		token:   token,
		version: version,
	}
}

// Start listens and serves until ctx is cancelled, then drains with a
// short shutdown grace period.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.started = time.Now()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.draining.Store(true)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	err = s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address once the server is listening.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Handler builds the route table without binding a listener. Tests use
// it with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints (no auth required)
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	// Sync endpoints (auth required when a token is configured)
	mux.HandleFunc("POST /sync/full", s.auth(s.submitHandler(types.JobFullSync)))
	mux.HandleFunc("POST /sync/incremental", s.auth(s.submitHandler(types.JobIncrementalSync)))
	mux.HandleFunc("GET /sync/status/{id}", s.auth(s.handleStatus))
	mux.HandleFunc("POST /sync/cancel/{id}", s.auth(s.handleCancel))
	mux.HandleFunc("GET /sync/jobs", s.auth(s.handleList))
	return mux
}

// Draining marks the server as shutting down so liveness flips to 503
// before the listener closes. Start does this itself on ctx
// cancellation; tests call it directly.
func (s *Server) Draining() { s.draining.Store(true) }

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			header := r.Header.Get("Authorization")
			got, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || got != s.token {
				s.writeError(w, r, http.StatusUnauthorized, "unauthorized", errors.New("missing or invalid bearer token"))
				return
			}
		}
		next(w, r)
	}
}

// submitRequest is the body for POST /sync/full and /sync/incremental.
type submitRequest struct {
	TenantID    string   `json:"tenant_id"`
	EntityTypes []string `json:"entity_types,omitempty"`
	Since       string   `json:"since,omitempty"`
	BatchSize   int      `json:"batch_size,omitempty"`
}

func (s *Server) submitHandler(kind types.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "bad_request", err)
			return
		}
		var req submitRequest
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				s.writeError(w, r, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid JSON: %w", err))
				return
			}
		}

		params := map[string]interface{}{}
		if len(req.EntityTypes) > 0 {
			ets := make([]interface{}, len(req.EntityTypes))
			for i, e := range req.EntityTypes {
				ets[i] = e
			}
			params["entity_types"] = ets
		}
		if req.Since != "" {
			params["since"] = req.Since
		}
		if req.BatchSize > 0 {
			params["batch_size"] = req.BatchSize
		}

		job, err := s.manager.Submit(r.Context(), kind, req.TenantID, params)
		if err != nil {
			s.writeAdapterError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, job)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAdapterError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAdapterError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var status types.JobStatus
	if v := r.URL.Query().Get("status"); v != "" {
		status = types.JobStatus(v)
		if !status.IsValid() {
			s.writeError(w, r, http.StatusBadRequest, "bad_request", fmt.Errorf("unknown status %q", v))
			return
		}
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	list, err := s.manager.List(r.Context(), status, limit)
	if err != nil {
		s.writeAdapterError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": list})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	status := "alive"
	code := http.StatusOK
	if s.draining.Load() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	uptime := time.Duration(0)
	if !started.IsZero() {
		uptime = time.Since(started)
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"version": s.version,
		"uptime":  fmt.Sprintf("%.0fs", uptime.Seconds()),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	health := s.orch.Health()
	code := http.StatusOK
	status := "ready"
	if !s.orch.AllHealthy() {
		code = http.StatusServiceUnavailable
		status = "not_ready"
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"resources": health,
		"breakers":  s.orch.BreakerSnapshots(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.metrics != nil {
		_, _ = io.WriteString(w, s.metrics.Snapshot())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAdapterError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeAdapterError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, adapter.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, "not_found", err)
	case errors.Is(err, jobs.ErrInvalidTransition):
		s.writeError(w, r, http.StatusConflict, "invalid_transition", err)
	default:
		switch adapter.KindOf(err) {
		case adapter.KindInputInvalid:
			s.writeError(w, r, http.StatusBadRequest, "bad_request", err)
		case adapter.KindTransient, adapter.KindRemoteUnavailable:
			s.writeError(w, r, http.StatusServiceUnavailable, "unavailable", err)
		default:
			s.writeError(w, r, http.StatusInternalServerError, "internal", err)
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, errCode string, err error) {
	// Correlation ID ties a client-visible failure to the server log.
	corr := r.Header.Get("X-Request-ID")
	if corr == "" {
		corr = fmt.Sprintf("req-%d-%d", time.Now().Unix(), s.reqSeq.Add(1))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error_code":     errCode,
		"error":          err.Error(),
		"correlation_id": corr,
	})
}
