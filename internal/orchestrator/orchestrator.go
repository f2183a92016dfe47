// Package orchestrator dispatches each query through the router to a
// specialist agent, the orchestrator's own direct-handling LLM call, or
// a canned fallback, then records the outcome on the session.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nugget/agentgateway/internal/config"
	"github.com/nugget/agentgateway/internal/llm"
	"github.com/nugget/agentgateway/internal/ratelimit"
	"github.com/nugget/agentgateway/internal/registry"
	"github.com/nugget/agentgateway/internal/router"
	"github.com/nugget/agentgateway/internal/session"
)

const (
	agentUsedOrchestrator = "orchestrator"
	agentUsedFallback     = "fallback"

	directSystemPrompt = "You are a helpful assistant embedded in a multi-agent gateway. " +
		"Answer directly and concisely; you have no specialist tools for this turn."
)

// Response is what the orchestrator returns for a buffered query.
type Response struct {
	Content   string
	Success   bool
	AgentUsed string
	SessionID string
	Error     string
}

// Chunk is one piece of a streaming response.
type Chunk struct {
	Text      string
	SessionID string
	Done      bool
	Err       error
}

// Router is the subset of *router.Router the orchestrator depends on.
type Router interface {
	Route(ctx context.Context, query string, convo *session.Context) router.Decision
}

// Orchestrator wires together the session store, agent registry,
// router, rate limiter, and a direct-handling LLM client.
type Orchestrator struct {
	sessions      *session.Store
	registry      *registry.Registry
	router        Router
	limiter       *ratelimit.Limiter
	llmClient     llm.Client
	directModel   string
	announcements map[string]string
	logger        *slog.Logger
	logResponses  bool

	dispatchMu sync.Mutex
	locks      map[string]*sync.Mutex
}

// Config bundles the orchestrator's dependencies.
type Config struct {
	Sessions      *session.Store
	Registry      *registry.Registry
	Router        Router
	Limiter       *ratelimit.Limiter
	LLMClient     llm.Client
	DirectModel   string
	Announcements map[string]string
	Logger        *slog.Logger
	// LogAgentResponses emits a trace-level log line with the full
	// response text of every completed turn (logging.log_agent_responses).
	LogAgentResponses bool
}

// New constructs an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	announcements := cfg.Announcements
	if announcements == nil {
		announcements = map[string]string{}
	}
	return &Orchestrator{
		sessions:      cfg.Sessions,
		registry:      cfg.Registry,
		router:        cfg.Router,
		limiter:       cfg.Limiter,
		llmClient:     cfg.LLMClient,
		directModel:   cfg.DirectModel,
		announcements: announcements,
		logger:        logger,
		logResponses:  cfg.LogAgentResponses,
		locks:         make(map[string]*sync.Mutex),
	}
}

// logResponse emits a trace-level log of a completed turn's response
// text, gated on logResponses.
func (o *Orchestrator) logResponse(ctx context.Context, agentUsed, content string) {
	if !o.logResponses {
		return
	}
	o.logger.Log(ctx, config.LevelTrace, "orchestrator: agent response", "agent", agentUsed, "content", content)
}

// sessionLock returns (creating if needed) the mutex serializing
// dispatch for a given session id.
func (o *Orchestrator) sessionLock(sessionID string) *sync.Mutex {
	o.dispatchMu.Lock()
	defer o.dispatchMu.Unlock()

	lock, ok := o.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[sessionID] = lock
	}
	return lock
}

// Process handles one query end to end and returns a buffered
// Response. sessionID may be empty to start a new session.
func (o *Orchestrator) Process(ctx context.Context, query, sessionID string) (resp Response) {
	convo := o.sessions.GetOrCreate(sessionID)
	resp.SessionID = convo.SessionID()

	lock := o.sessionLock(convo.SessionID())
	lock.Lock()
	defer lock.Unlock()

	decision := o.router.Route(ctx, query, convo)

	content, agentUsed, err := o.dispatch(ctx, query, convo, decision)
	if err != nil {
		resp.Success = false
		resp.Error = err.Error()
		resp.Content = content
		resp.AgentUsed = agentUsed
		return resp
	}

	convo.AddTurn(query, content, agentUsed)
	o.logResponse(ctx, agentUsed, content)

	resp.Success = true
	resp.Content = content
	resp.AgentUsed = agentUsed
	return resp
}

// dispatch executes the routing decision and returns the response text,
// the agent name to record, and an error if the turn should not be
// appended. A panic inside an agent call is recovered and converted to
// an error so that one agent's failure cannot take down the request.
func (o *Orchestrator) dispatch(ctx context.Context, query string, convo *session.Context, decision router.Decision) (text, agentUsed string, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestrator: recovered panic during dispatch", "panic", r, "agent", agentUsed)
			err = fmt.Errorf("agent %q panicked: %v", agentUsed, r)
		}
	}()

	switch {
	case decision.HandleDirectly:
		agentUsed = agentUsedOrchestrator
		text, err = o.handleDirectly(ctx, query)
		return text, agentUsed, err

	case decision.AgentName != "":
		agentUsed = decision.AgentName
		if !o.limiter.TryAcquire(decision.AgentName) {
			return "", agentUsed, fmt.Errorf("rate limited")
		}
		agent, getErr := o.registry.Get(decision.AgentName)
		if getErr != nil {
			return "", agentUsedFallback, fmt.Errorf("agent %q unavailable: %w", decision.AgentName, getErr)
		}
		history := historyMessages(convo)
		agentResp, procErr := agent.Process(ctx, query, history)
		if procErr != nil {
			return "", agentUsed, procErr
		}
		return agentResp.Text, agentUsed, nil

	default:
		agentUsed = agentUsedFallback
		return o.fallbackMessage(), agentUsed, nil
	}
}

func (o *Orchestrator) handleDirectly(ctx context.Context, query string) (string, error) {
	resp, err := o.llmClient.Chat(ctx, o.directModel, []llm.Message{
		{Role: "system", Content: directSystemPrompt},
		{Role: "user", Content: query},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("direct handling: %w", err)
	}
	return resp.Message.Content, nil
}

func (o *Orchestrator) fallbackMessage() string {
	names := o.registry.Names()
	if len(names) == 0 {
		return "I'm not sure how to help with that, and no specialist agents are currently available."
	}
	return "I'm not sure how to help with that. Available specialists: " + strings.Join(names, ", ") + "."
}

// Stream handles one query end to end, sending chunks to emit as they
// become available. It blocks until the stream completes, fails, or ctx
// is cancelled. On success the final chunk has Done=true; on context
// cancellation no turn is appended and emission stops.
func (o *Orchestrator) Stream(ctx context.Context, query, sessionID string, emit func(Chunk)) {
	convo := o.sessions.GetOrCreate(sessionID)
	sid := convo.SessionID()

	lock := o.sessionLock(sid)
	lock.Lock()
	defer lock.Unlock()

	decision := o.router.Route(ctx, query, convo)

	if announcement := o.announcementFor(decision); announcement != "" {
		emit(Chunk{Text: announcement, SessionID: sid})
	}

	var sb strings.Builder
	agentUsed, err := o.streamDispatch(ctx, query, convo, decision, func(token string) {
		if ctx.Err() != nil {
			return
		}
		sb.WriteString(token)
		emit(Chunk{Text: token, SessionID: sid})
	})

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		emit(Chunk{SessionID: sid, Err: err})
		return
	}

	convo.AddTurn(query, sb.String(), agentUsed)
	o.logResponse(ctx, agentUsed, sb.String())
	emit(Chunk{SessionID: sid, Done: true})
}

func (o *Orchestrator) announcementFor(decision router.Decision) string {
	if decision.HandleDirectly || decision.AgentName == "" {
		return ""
	}
	return o.announcements[decision.AgentName]
}

func (o *Orchestrator) streamDispatch(ctx context.Context, query string, convo *session.Context, decision router.Decision, onToken func(string)) (agentUsed string, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestrator: recovered panic during stream dispatch", "panic", r, "agent", agentUsed)
			err = fmt.Errorf("agent %q panicked: %v", agentUsed, r)
		}
	}()

	switch {
	case decision.HandleDirectly:
		agentUsed = agentUsedOrchestrator
		_, err = o.llmClient.ChatStream(ctx, o.directModel, []llm.Message{
			{Role: "system", Content: directSystemPrompt},
			{Role: "user", Content: query},
		}, nil, func(ev llm.StreamEvent) {
			if ev.Kind == llm.KindToken {
				onToken(ev.Token)
			}
		})
		return agentUsed, err

	case decision.AgentName != "":
		agentUsed = decision.AgentName
		if !o.limiter.TryAcquire(decision.AgentName) {
			return agentUsed, fmt.Errorf("rate limited")
		}
		agent, getErr := o.registry.Get(decision.AgentName)
		if getErr != nil {
			return agentUsedFallback, fmt.Errorf("agent %q unavailable: %w", decision.AgentName, getErr)
		}
		history := historyMessages(convo)
		streamErr := agent.Stream(ctx, query, history, func(ev llm.StreamEvent) {
			if ev.Kind == llm.KindToken {
				onToken(ev.Token)
			}
		})
		return agentUsed, streamErr

	default:
		agentUsed = agentUsedFallback
		onToken(o.fallbackMessage())
		return agentUsed, nil
	}
}

func historyMessages(convo *session.Context) []llm.Message {
	turns := convo.GetRecentContext(5)
	out := make([]llm.Message, 0, len(turns)*2)
	for _, t := range turns {
		out = append(out,
			llm.Message{Role: "user", Content: t.Query},
			llm.Message{Role: "assistant", Content: t.Response},
		)
	}
	return out
}
