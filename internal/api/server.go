// Package api implements the HTTP/SSE endpoint layer that translates
// requests into orchestrator calls.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/agentgateway/internal/buildinfo"
	"github.com/nugget/agentgateway/internal/orchestrator"
	"github.com/nugget/agentgateway/internal/registry"
	"github.com/nugget/agentgateway/internal/router"
)

// RouterDiagnostics is the subset of *router.Router the API layer needs
// to expose routing observability. Nil if not wired, in which case the
// diagnostics endpoint reports an empty snapshot.
type RouterDiagnostics interface {
	Stats() router.Stats
	AuditLog() []router.Decision
}

// Per-endpoint deadlines (spec §5): direct agent-bypass queries get the
// shorter budget, orchestrator-routed queries (buffered or streamed)
// get the longer one to cover an LLM fallback round-trip.
const (
	directAgentTimeout  = 120 * time.Second
	orchestratorTimeout = 180 * time.Second
)

// writeJSON encodes v as JSON to w, logging failures at debug level —
// these typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server fronting an Orchestrator.
type Server struct {
	address      string
	port         int
	orch         *orchestrator.Orchestrator
	registry     *registry.Registry
	router       RouterDiagnostics
	logger       *slog.Logger
	httpServer   *http.Server
	agentTimeout time.Duration
	orchTimeout  time.Duration
	// agentTimeouts holds per-agent overrides (APIConfig's
	// agents.<name>.timeout_seconds); agentTimeout is the fallback.
	agentTimeouts map[string]time.Duration
}

// Config bundles the server's dependencies.
type Config struct {
	Host         string
	Port         int
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	// Router, if set, backs the /diagnostics endpoint with live routing
	// stats and audit log. Nil is fine (diagnostics reports empty).
	Router RouterDiagnostics
	Logger *slog.Logger

	// AgentTimeout and OrchestratorTimeout override the per-endpoint
	// deadlines (spec §5). Zero keeps the package defaults (120s/180s).
	AgentTimeout        time.Duration
	OrchestratorTimeout time.Duration

	// AgentTimeouts overrides AgentTimeout for specific agents by name,
	// sourced from APIConfig's per-agent timeout_seconds setting.
	AgentTimeouts map[string]time.Duration
}

// New constructs a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	agentTimeout := cfg.AgentTimeout
	if agentTimeout == 0 {
		agentTimeout = directAgentTimeout
	}
	orchTimeout := cfg.OrchestratorTimeout
	if orchTimeout == 0 {
		orchTimeout = orchestratorTimeout
	}
	return &Server{
		address:       cfg.Host,
		port:          cfg.Port,
		orch:          cfg.Orchestrator,
		registry:      cfg.Registry,
		router:        cfg.Router,
		logger:        logger,
		agentTimeout:  agentTimeout,
		orchTimeout:   orchTimeout,
		agentTimeouts: cfg.AgentTimeouts,
	}
}

// timeoutFor returns the configured deadline for a direct agent query,
// preferring a per-agent override over the global default.
func (s *Server) timeoutFor(agentName string) time.Duration {
	if d, ok := s.agentTimeouts[agentName]; ok && d > 0 {
		return d
	}
	return s.agentTimeout
}

// Handler builds the route table as an http.Handler, for use directly
// in tests or wrapped by Start for a real listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/v1/query", s.handleQuery)
	mux.HandleFunc("POST /api/v1/query/stream", s.handleQueryStream)
	mux.HandleFunc("POST /api/v1/{agent}/query", s.handleAgentQuery)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the listener
// returns (normally on Shutdown).
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second,
	}
	s.logger.Info("starting gateway API server", "address", s.address, "port", s.port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	failures := s.registry.HealthCheckAll(r.Context())
	names := s.registry.Names()

	agents := make(map[string]string, len(names))
	available := 0
	for _, name := range names {
		if _, failed := failures[name]; failed {
			agents[name] = "unavailable"
		} else {
			agents[name] = "available"
			available++
		}
	}

	status := "healthy"
	code := http.StatusOK
	if available == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"status":  status,
		"version": buildinfo.Version,
		"agents":  agents,
	}, s.logger)
}

// handleDiagnostics surfaces the router's decision counters and audit
// log, otherwise exercised only by router_test.go.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		writeJSON(w, map[string]any{"stats": router.Stats{}, "decisions": []router.Decision{}}, s.logger)
		return
	}
	writeJSON(w, map[string]any{
		"stats":     s.router.Stats(),
		"decisions": s.router.AuditLog(),
	}, s.logger)
}

type agentListEntry struct {
	Name         string                  `json:"name"`
	Description  string                  `json:"description"`
	Capabilities []registry.Capability   `json:"capabilities"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.registry.List()
	out := make([]agentListEntry, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentListEntry{
			Name:         a.Name(),
			Description:  a.Description(),
			Capabilities: a.Capabilities(),
		})
	}
	writeJSON(w, map[string]any{"agents": out}, s.logger)
}

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

type queryResponse struct {
	Response  string `json:"response"`
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	AgentUsed string `json:"agent_used"`
	Error     string `json:"error,omitempty"`
}

func decodeQuery(r *http.Request) (queryRequest, error) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return queryRequest{}, fmt.Errorf("malformed JSON body: %w", err)
	}
	if req.Query == "" {
		return queryRequest{}, fmt.Errorf("missing required field %q", "query")
	}
	return req, nil
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": message}, s.logger)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, err := decodeQuery(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.orchTimeout)
	defer cancel()

	resp := s.orch.Process(ctx, req.Query, req.SessionID)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		resp.Success = false
		resp.Error = "timeout"
	}
	writeJSON(w, queryResponse{
		Response:  resp.Content,
		Success:   resp.Success,
		SessionID: resp.SessionID,
		AgentUsed: resp.AgentUsed,
		Error:     resp.Error,
	}, s.logger)
}

func (s *Server) handleAgentQuery(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("agent")
	agent, err := s.registry.Get(name)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("agent %q not found", name))
		return
	}

	req, err := decodeQuery(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeoutFor(name))
	defer cancel()

	agentResp, err := agent.Process(ctx, req.Query, nil)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			writeJSON(w, queryResponse{Success: false, Error: "timeout", AgentUsed: name}, s.logger)
			return
		}
		writeJSON(w, queryResponse{Success: false, Error: err.Error(), AgentUsed: name}, s.logger)
		return
	}
	writeJSON(w, queryResponse{
		Response:  agentResp.Text,
		Success:   true,
		AgentUsed: name,
	}, s.logger)
}

func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeQuery(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.orchTimeout)
	defer cancel()

	rc := http.NewResponseController(w)
	sentAny := false

	s.orch.Stream(ctx, req.Query, req.SessionID, func(chunk orchestrator.Chunk) {
		if !sentAny {
			sentAny = true
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no")
		}
		if chunk.Err != nil {
			writeSSE(w, map[string]any{"text": "", "session_id": chunk.SessionID, "error": chunk.Err.Error()}, s.logger)
			flusher.Flush()
			return
		}
		if chunk.Done {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		writeSSE(w, map[string]any{"text": chunk.Text, "session_id": chunk.SessionID}, s.logger)
		flusher.Flush()

		if err := rc.SetWriteDeadline(time.Now().Add(s.orchTimeout)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	})

	// Deadline reached before the orchestrator emitted a single chunk
	// (no headers written yet, safe to still set the status code).
	if !sentAny && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.errorResponse(w, http.StatusGatewayTimeout, "timeout")
	}
}

func writeSSE(w http.ResponseWriter, v any, logger *slog.Logger) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Debug("failed to marshal SSE chunk", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		logger.Debug("failed to write SSE chunk", "error", err)
	}
}
