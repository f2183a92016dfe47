package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nugget/agentgateway/internal/classifier"
	"github.com/nugget/agentgateway/internal/llm"
	"github.com/nugget/agentgateway/internal/orchestrator"
	"github.com/nugget/agentgateway/internal/ratelimit"
	"github.com/nugget/agentgateway/internal/registry"
	"github.com/nugget/agentgateway/internal/router"
	"github.com/nugget/agentgateway/internal/session"
)

type stubAgent struct {
	name      string
	reply     string
	err       error
	healthErr error
}

func (s *stubAgent) Name() string                       { return s.name }
func (s *stubAgent) Description() string                { return "stub " + s.name }
func (s *stubAgent) Capabilities() []registry.Capability { return []registry.Capability{{Name: s.name}} }
func (s *stubAgent) Process(ctx context.Context, q string, h []llm.Message) (*registry.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &registry.Response{Text: s.reply, AgentName: s.name}, nil
}
func (s *stubAgent) Stream(ctx context.Context, q string, h []llm.Message, cb llm.StreamCallback) error {
	cb(llm.StreamEvent{Kind: llm.KindToken, Token: s.reply})
	return nil
}
func (s *stubAgent) HealthCheck(ctx context.Context) error { return s.healthErr }

type fakeRouter struct{ decision router.Decision }

func (f *fakeRouter) Route(ctx context.Context, query string, convo *session.Context) router.Decision {
	return f.decision
}

type fakeLLM struct{ reply string }

func (f *fakeLLM) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Message: llm.Message{Content: f.reply}}, nil
}
func (f *fakeLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	cb(llm.StreamEvent{Kind: llm.KindToken, Token: f.reply})
	return &llm.ChatResponse{}, nil
}
func (f *fakeLLM) Ping(ctx context.Context) error { return nil }

func newTestServer(t *testing.T, decision router.Decision, agents ...*stubAgent) *Server {
	t.Helper()
	reg := registry.New()
	for _, a := range agents {
		if err := reg.Register(a); err != nil {
			t.Fatalf("Register error: %v", err)
		}
	}
	orch := orchestrator.New(orchestrator.Config{
		Sessions:    session.NewStore(time.Hour, 20),
		Registry:    reg,
		Router:      &fakeRouter{decision: decision},
		Limiter:     ratelimit.New(0, time.Minute),
		LLMClient:   &fakeLLM{reply: "direct reply"},
		DirectModel: "direct-model",
	})
	return New(Config{Orchestrator: orch, Registry: reg})
}

func TestHandleHealth_HealthyWhenAgentsAvailable(t *testing.T) {
	s := newTestServer(t, router.Decision{}, &stubAgent{name: "gmail"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestHandleHealth_DegradedWhenAllAgentsUnavailable(t *testing.T) {
	s := newTestServer(t, router.Decision{}, &stubAgent{name: "gmail", healthErr: context.DeadlineExceeded})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHandleHealth_DegradedWhenNoAgentsRegistered(t *testing.T) {
	s := newTestServer(t, router.Decision{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when no agents are registered", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
}

func TestHandleDiagnostics_NilRouterReportsEmpty(t *testing.T) {
	s := newTestServer(t, router.Decision{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/diagnostics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body struct {
		Stats     router.Stats     `json:"stats"`
		Decisions []router.Decision `json:"decisions"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Decisions) != 0 {
		t.Errorf("decisions = %v, want empty with no router wired", body.Decisions)
	}
}

func TestHandleDiagnostics_ReportsLiveRouterStats(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(&stubAgent{name: "gmail"}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	c, err := classifier.New([]classifier.Rule{{AgentName: "gmail", Keywords: []string{"email"}}})
	if err != nil {
		t.Fatalf("classifier.New error: %v", err)
	}
	rtr := router.New(router.Config{CodeRoutingThreshold: 0.2}, c, reg, nil, nil)
	rtr.Route(context.Background(), "check my email", nil)

	orch := orchestrator.New(orchestrator.Config{
		Sessions:    session.NewStore(time.Hour, 20),
		Registry:    reg,
		Router:      rtr,
		Limiter:     ratelimit.New(0, time.Minute),
		LLMClient:   &fakeLLM{reply: "direct reply"},
		DirectModel: "direct-model",
	})
	s := New(Config{Orchestrator: orch, Registry: reg, Router: rtr})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/diagnostics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body struct {
		Stats     router.Stats      `json:"stats"`
		Decisions []router.Decision `json:"decisions"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Decisions) != 1 || body.Stats.CodeClassified != 1 {
		t.Errorf("body = %+v, want one classified decision recorded", body)
	}
}

func TestHandleListAgents_OrderedByRegistration(t *testing.T) {
	s := newTestServer(t, router.Decision{}, &stubAgent{name: "c"}, &stubAgent{name: "a"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body struct {
		Agents []struct{ Name string } `json:"agents"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Agents) != 2 || body.Agents[0].Name != "c" || body.Agents[1].Name != "a" {
		t.Errorf("agents = %+v, want registration order [c a]", body.Agents)
	}
}

func TestHandleQuery_MissingQueryIsBadRequest(t *testing.T) {
	s := newTestServer(t, router.Decision{HandleDirectly: true})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleQuery_MalformedJSONIsBadRequest(t *testing.T) {
	s := newTestServer(t, router.Decision{HandleDirectly: true})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", bytes.NewBufferString(`{not json`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleQuery_DirectHandlingEchoesSessionID(t *testing.T) {
	s := newTestServer(t, router.Decision{HandleDirectly: true})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", bytes.NewBufferString(`{"query":"hello"}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body queryResponse
	json.Unmarshal(rec.Body.Bytes(), &body)
	if !body.Success || body.SessionID == "" || body.AgentUsed != "orchestrator" {
		t.Errorf("body = %+v", body)
	}
}

func TestHandleAgentQuery_UnregisteredAgentIs404(t *testing.T) {
	s := newTestServer(t, router.Decision{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/nonexistent/query", bytes.NewBufferString(`{"query":"hi"}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleAgentQuery_BypassesRouter(t *testing.T) {
	s := newTestServer(t, router.Decision{}, &stubAgent{name: "gmail", reply: "3 unread"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/gmail/query", bytes.NewBufferString(`{"query":"check inbox"}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body queryResponse
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Response != "3 unread" || body.AgentUsed != "gmail" {
		t.Errorf("body = %+v", body)
	}
}

type slowAgent struct{ stubAgent }

func (s *slowAgent) Process(ctx context.Context, q string, h []llm.Message) (*registry.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *slowAgent) Stream(ctx context.Context, q string, h []llm.Message, cb llm.StreamCallback) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestHandleAgentQuery_TimeoutReportsTimeoutError(t *testing.T) {
	reg := registry.New()
	agent := &slowAgent{stubAgent{name: "gmail"}}
	if err := reg.Register(agent); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	orch := orchestrator.New(orchestrator.Config{
		Sessions:    session.NewStore(time.Hour, 20),
		Registry:    reg,
		Router:      &fakeRouter{},
		Limiter:     ratelimit.New(0, time.Minute),
		LLMClient:   &fakeLLM{reply: "direct reply"},
		DirectModel: "direct-model",
	})
	s := New(Config{Orchestrator: orch, Registry: reg, AgentTimeout: 50 * time.Millisecond})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/gmail/query", bytes.NewBufferString(`{"query":"check inbox"}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body queryResponse
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Success || body.Error != "timeout" {
		t.Errorf("body = %+v, want success=false error=timeout", body)
	}
}

func TestHandleQueryStream_FramesEndWithDone(t *testing.T) {
	s := newTestServer(t, router.Decision{AgentName: "gmail"}, &stubAgent{name: "gmail", reply: "ok"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query/stream", bytes.NewBufferString(`{"query":"check email"}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", rec.Header().Get("Content-Type"))
	}
	if got := body[len(body)-len("data: [DONE]\n\n"):]; got != "data: [DONE]\n\n" {
		t.Errorf("stream did not end with [DONE]: %q", got)
	}
}
