package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nugget/agentgateway/internal/llm"
	"github.com/nugget/agentgateway/internal/ratelimit"
	"github.com/nugget/agentgateway/internal/registry"
	"github.com/nugget/agentgateway/internal/router"
	"github.com/nugget/agentgateway/internal/session"
)

type stubAgent struct {
	name       string
	reply      string
	err        error
	panics     bool
	streamErr  error
	streamToks []string
}

func (s *stubAgent) Name() string                       { return s.name }
func (s *stubAgent) Description() string                { return "stub " + s.name }
func (s *stubAgent) Capabilities() []registry.Capability { return nil }
func (s *stubAgent) Process(ctx context.Context, q string, h []llm.Message) (*registry.Response, error) {
	if s.panics {
		panic("agent exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	return &registry.Response{Text: s.reply, AgentName: s.name}, nil
}
func (s *stubAgent) Stream(ctx context.Context, q string, h []llm.Message, cb llm.StreamCallback) error {
	if s.streamErr != nil {
		return s.streamErr
	}
	for _, tok := range s.streamToks {
		cb(llm.StreamEvent{Kind: llm.KindToken, Token: tok})
	}
	return nil
}
func (s *stubAgent) HealthCheck(ctx context.Context) error { return nil }

type fakeRouter struct {
	decision router.Decision
}

func (f *fakeRouter) Route(ctx context.Context, query string, convo *session.Context) router.Decision {
	return f.decision
}

type fakeLLM struct {
	reply      string
	err        error
	streamToks []string
}

func (f *fakeLLM) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Message: llm.Message{Content: f.reply}}, nil
}
func (f *fakeLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, tok := range f.streamToks {
		cb(llm.StreamEvent{Kind: llm.KindToken, Token: tok})
	}
	return &llm.ChatResponse{}, nil
}
func (f *fakeLLM) Ping(ctx context.Context) error { return nil }

func newOrchestrator(t *testing.T, decision router.Decision, agents []*stubAgent, fake *fakeLLM, limiter *ratelimit.Limiter) *Orchestrator {
	t.Helper()
	reg := registry.New()
	for _, a := range agents {
		if err := reg.Register(a); err != nil {
			t.Fatalf("Register error: %v", err)
		}
	}
	if limiter == nil {
		limiter = ratelimit.New(0, time.Minute)
	}
	return New(Config{
		Sessions:    session.NewStore(time.Hour, 20),
		Registry:    reg,
		Router:      &fakeRouter{decision: decision},
		Limiter:     limiter,
		LLMClient:   fake,
		DirectModel: "direct-model",
	})
}

func TestProcess_DirectHandling(t *testing.T) {
	fake := &fakeLLM{reply: "hi there"}
	o := newOrchestrator(t, router.Decision{HandleDirectly: true}, nil, fake, nil)

	resp := o.Process(context.Background(), "hello", "")
	if !resp.Success || resp.AgentUsed != agentUsedOrchestrator || resp.Content != "hi there" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.SessionID == "" {
		t.Error("expected a minted session id")
	}
}

func TestProcess_NamedAgentDispatch(t *testing.T) {
	agent := &stubAgent{name: "gmail", reply: "you have 2 unread"}
	o := newOrchestrator(t, router.Decision{AgentName: "gmail"}, []*stubAgent{agent}, &fakeLLM{}, nil)

	resp := o.Process(context.Background(), "check email", "")
	if !resp.Success || resp.AgentUsed != "gmail" || resp.Content != "you have 2 unread" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestProcess_FallbackWhenNoAgentName(t *testing.T) {
	agent := &stubAgent{name: "gmail"}
	o := newOrchestrator(t, router.Decision{}, []*stubAgent{agent}, &fakeLLM{}, nil)

	resp := o.Process(context.Background(), "huh?", "")
	if !resp.Success || resp.AgentUsed != agentUsedFallback {
		t.Errorf("resp = %+v", resp)
	}
}

func TestProcess_RateLimitedAgentReturnsFailureWithoutTurn(t *testing.T) {
	agent := &stubAgent{name: "gmail", reply: "ok"}
	limiter := ratelimit.New(1, time.Minute)
	o := newOrchestrator(t, router.Decision{AgentName: "gmail"}, []*stubAgent{agent}, &fakeLLM{}, limiter)

	first := o.Process(context.Background(), "check email", "")
	if !first.Success {
		t.Fatalf("first call should succeed: %+v", first)
	}
	second := o.Process(context.Background(), "check email again", first.SessionID)
	if second.Success {
		t.Fatal("second call should be rate limited")
	}
	if second.Error != "rate limited" {
		t.Errorf("Error = %q, want \"rate limited\"", second.Error)
	}

	convo := o.sessions.GetOrCreate(first.SessionID)
	if len(convo.GetRecentContext(10)) != 1 {
		t.Errorf("expected exactly 1 turn recorded, the rate-limited call should not append")
	}
}

func TestProcess_AgentErrorDoesNotAppendTurn(t *testing.T) {
	agent := &stubAgent{name: "gmail", err: errors.New("upstream down")}
	o := newOrchestrator(t, router.Decision{AgentName: "gmail"}, []*stubAgent{agent}, &fakeLLM{}, nil)

	resp := o.Process(context.Background(), "check email", "")
	if resp.Success {
		t.Fatal("expected failure")
	}

	convo := o.sessions.GetOrCreate(resp.SessionID)
	if len(convo.GetRecentContext(10)) != 0 {
		t.Error("a failed dispatch should not append a turn")
	}
}

func TestProcess_AgentPanicIsRecovered(t *testing.T) {
	agent := &stubAgent{name: "gmail", panics: true}
	o := newOrchestrator(t, router.Decision{AgentName: "gmail"}, []*stubAgent{agent}, &fakeLLM{}, nil)

	resp := o.Process(context.Background(), "check email", "")
	if resp.Success {
		t.Fatal("a panicking agent should produce a failure response, not crash the test")
	}
}

func TestProcess_SameSessionSerialized(t *testing.T) {
	agent := &stubAgent{name: "gmail", reply: "ok"}
	o := newOrchestrator(t, router.Decision{AgentName: "gmail"}, []*stubAgent{agent}, &fakeLLM{}, nil)

	first := o.Process(context.Background(), "q1", "")
	done := make(chan Response)
	go func() {
		done <- o.Process(context.Background(), "q2", first.SessionID)
	}()
	second := <-done
	if second.SessionID != first.SessionID {
		t.Fatal("expected same session id")
	}

	convo := o.sessions.GetOrCreate(first.SessionID)
	if len(convo.GetRecentContext(10)) != 2 {
		t.Errorf("expected 2 turns recorded in order, got %d", len(convo.GetRecentContext(10)))
	}
}

func TestStream_EmitsAnnouncementThenChunksThenDone(t *testing.T) {
	agent := &stubAgent{name: "gmail", streamToks: []string{"A ", "B ", "C"}}
	reg := registry.New()
	reg.Register(agent)
	o := New(Config{
		Sessions:      session.NewStore(time.Hour, 20),
		Registry:      reg,
		Router:        &fakeRouter{decision: router.Decision{AgentName: "gmail"}},
		Limiter:       ratelimit.New(0, time.Minute),
		LLMClient:     &fakeLLM{},
		Announcements: map[string]string{"gmail": "Checking your email. "},
	})

	var chunks []Chunk
	o.Stream(context.Background(), "check email", "", func(c Chunk) {
		chunks = append(chunks, c)
	})

	if len(chunks) != 5 {
		t.Fatalf("len(chunks) = %d, want 5 (announcement + 3 tokens + done)", len(chunks))
	}
	if chunks[0].Text != "Checking your email. " {
		t.Errorf("chunks[0].Text = %q, want announcement", chunks[0].Text)
	}
	if chunks[1].Text != "A " || chunks[2].Text != "B " || chunks[3].Text != "C" {
		t.Errorf("token chunks out of order: %+v", chunks[1:4])
	}
	if !chunks[4].Done {
		t.Error("last chunk should have Done=true")
	}
}

func TestStream_CancelledContextStopsEmissionAndSkipsTurn(t *testing.T) {
	agent := &stubAgent{name: "gmail", streamToks: []string{"A ", "B ", "C"}}
	reg := registry.New()
	reg.Register(agent)
	o := New(Config{
		Sessions:  session.NewStore(time.Hour, 20),
		Registry:  reg,
		Router:    &fakeRouter{decision: router.Decision{AgentName: "gmail"}},
		Limiter:   ratelimit.New(0, time.Minute),
		LLMClient: &fakeLLM{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	var emitted int
	var sessionID string
	o.Stream(ctx, "check email", "", func(c Chunk) {
		emitted++
		sessionID = c.SessionID
		if emitted == 1 {
			cancel()
		}
	})

	convo := o.sessions.GetOrCreate(sessionID)
	if len(convo.GetRecentContext(10)) != 0 {
		t.Error("a cancelled stream must not append a turn")
	}
}

func TestStream_ErrorEmitsErrChunkNoTurn(t *testing.T) {
	agent := &stubAgent{name: "gmail", streamErr: errors.New("boom")}
	reg := registry.New()
	reg.Register(agent)
	o := New(Config{
		Sessions:  session.NewStore(time.Hour, 20),
		Registry:  reg,
		Router:    &fakeRouter{decision: router.Decision{AgentName: "gmail"}},
		Limiter:   ratelimit.New(0, time.Minute),
		LLMClient: &fakeLLM{},
	})

	var chunks []Chunk
	o.Stream(context.Background(), "check email", "", func(c Chunk) {
		chunks = append(chunks, c)
	})

	if len(chunks) != 1 || chunks[0].Err == nil {
		t.Fatalf("chunks = %+v, want a single error chunk", chunks)
	}
}
