// Package router combines the intent classifier, follow-up detection,
// and an optional LLM fallback into a single routing decision.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/nugget/agentgateway/internal/classifier"
	"github.com/nugget/agentgateway/internal/config"
	"github.com/nugget/agentgateway/internal/llm"
	"github.com/nugget/agentgateway/internal/registry"
	"github.com/nugget/agentgateway/internal/session"
)

// greetings is the conservative lexical set matched as a pure
// greeting/thanks utterance (spec decision, not LLM-derived).
var greetings = []string{
	"hello", "hi", "hey", "good morning", "good afternoon", "good evening",
	"thanks", "thank you", "thx", "great", "ok", "okay",
}

// Decision is the outcome of routing one query.
type Decision struct {
	AgentName      string
	Confidence     float64
	Reasoning      string
	HandleDirectly bool
	Ambiguous      bool
}

// AgentLister is the subset of the registry the router needs: name
// lookup for validating a decision's target, plus the capability
// catalog for the LLM fallback prompt.
type AgentLister interface {
	Get(name string) (registry.Agent, error)
	List() []registry.Agent
}

// Stats tracks how decisions have been reached, for observability.
type Stats struct {
	mu               sync.Mutex
	FollowUp         int
	DirectHandling   int
	CodeClassified   int
	LLMFallback      int
	LLMFallbackNoop  int
}

func (s *Stats) record(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case "follow_up":
		s.FollowUp++
	case "direct":
		s.DirectHandling++
	case "classified":
		s.CodeClassified++
	case "llm":
		s.LLMFallback++
	case "llm_noop":
		s.LLMFallbackNoop++
	}
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		FollowUp:        s.FollowUp,
		DirectHandling:  s.DirectHandling,
		CodeClassified:  s.CodeClassified,
		LLMFallback:     s.LLMFallback,
		LLMFallbackNoop: s.LLMFallbackNoop,
	}
}

// Config controls routing thresholds and the optional LLM fallback.
type Config struct {
	CodeRoutingThreshold float64
	LLMRoutingEnabled    bool
	FollowUpDetection    bool
	DefaultAgent         string
	RouterModel          string
	// LogRoutingDecisions emits a trace-level log line for every
	// decision finalize() records (logging.log_routing_decisions).
	LogRoutingDecisions bool
}

// Router is the IntentRouter: it owns a classifier, an agent lister,
// an optional LLM client for fallback, and an audit log of decisions.
type Router struct {
	cfg        Config
	classifier *classifier.Classifier
	agents     AgentLister
	llmClient  llm.Client
	logger     *slog.Logger

	mu       sync.Mutex
	auditLog []Decision
	stats    Stats
}

// New constructs a Router. llmClient may be nil if LLM fallback is
// disabled or unavailable; the router degrades to the configured
// default agent in that case.
func New(cfg Config, c *classifier.Classifier, agents AgentLister, llmClient llm.Client, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:        cfg,
		classifier: c,
		agents:     agents,
		llmClient:  llmClient,
		logger:     logger,
	}
}

// Route produces a RoutingDecision for query, given the caller's
// session context (nil if none). It implements the four-step
// precedence chain: follow-up continuation, direct greeting handling,
// code-based classification, then LLM fallback.
func (r *Router) Route(ctx context.Context, query string, convo *session.Context) Decision {
	if r.cfg.FollowUpDetection && convo != nil {
		if ok, agentName := convo.ShouldContinueWithAgent(query); ok {
			if _, err := r.agents.Get(agentName); err == nil {
				return r.finalize(ctx, Decision{
					AgentName:  agentName,
					Confidence: 0.9,
					Reasoning:  "follow-up continuation",
				}, "follow_up")
			}
		}
	}

	if isGreetingOrThanks(query) {
		return r.finalize(ctx, Decision{
			HandleDirectly: true,
			Confidence:     1.0,
			Reasoning:      "greeting/thanks",
		}, "direct")
	}

	result := r.classifier.Classify(query)
	if len(result.Scores) > 0 {
		top := result.Scores[0]
		if top.Value >= r.cfg.CodeRoutingThreshold && !result.Ambiguous {
			return r.finalize(ctx, Decision{
				AgentName:  top.AgentName,
				Confidence: top.Value,
				Reasoning:  "matched keywords/patterns",
				Ambiguous:  false,
			}, "classified")
		}
	}

	return r.llmFallback(ctx, query, convo)
}

func (r *Router) llmFallback(ctx context.Context, query string, convo *session.Context) Decision {
	if !r.cfg.LLMRoutingEnabled || r.llmClient == nil {
		return r.finalize(ctx, r.defaultOrFallback(), "llm_noop")
	}

	prompt := r.buildFallbackPrompt(query, convo)
	resp, err := r.llmClient.Chat(ctx, r.cfg.RouterModel, []llm.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		r.logger.Warn("router: llm fallback call failed", "error", err)
		return r.finalize(ctx, r.defaultOrFallback(), "llm_noop")
	}

	decision, ok := parseFallbackResponse(resp.Message.Content)
	if !ok {
		return r.finalize(ctx, r.defaultOrFallback(), "llm_noop")
	}

	if decision.HandleDirectly {
		return r.finalize(ctx, decision, "llm")
	}
	if decision.AgentName != "" {
		if _, err := r.agents.Get(decision.AgentName); err != nil {
			return r.finalize(ctx, r.defaultOrFallback(), "llm_noop")
		}
	}
	return r.finalize(ctx, decision, "llm")
}

func (r *Router) defaultOrFallback() Decision {
	if r.cfg.DefaultAgent != "" {
		if _, err := r.agents.Get(r.cfg.DefaultAgent); err == nil {
			return Decision{
				AgentName:  r.cfg.DefaultAgent,
				Confidence: 0,
				Reasoning:  "default agent fallback",
			}
		}
	}
	return Decision{Reasoning: "no agent matched"}
}

func (r *Router) buildFallbackPrompt(query string, convo *session.Context) string {
	var b strings.Builder
	b.WriteString("You are the routing component of a multi-agent gateway. ")
	b.WriteString("Choose the best agent for the user's query, or say the query ")
	b.WriteString("should be handled directly, or say none fit.\n\n")

	b.WriteString("Available agents:\n")
	for _, agent := range r.agents.List() {
		fmt.Fprintf(&b, "- %s: %s\n", agent.Name(), agent.Description())
	}

	if convo != nil {
		recent := convo.GetRecentContext(3)
		if len(recent) > 0 {
			b.WriteString("\nRecent conversation:\n")
			for _, turn := range recent {
				fmt.Fprintf(&b, "User: %s\nAssistant (%s): %s\n", turn.Query, turn.AgentUsed, turn.Response)
			}
		}
	}

	fmt.Fprintf(&b, "\nQuery: %s\n\n", query)
	b.WriteString("Respond with exactly three lines:\n")
	b.WriteString("AGENT=<name|none|direct>\nCONFIDENCE=<0..1>\nREASONING=<text>\n")
	return b.String()
}

// parseFallbackResponse parses the AGENT=/CONFIDENCE=/REASONING= lines
// the router model is instructed to emit.
func parseFallbackResponse(text string) (Decision, bool) {
	var agent, reasoning string
	var confidence float64
	found := false

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "AGENT="):
			agent = strings.TrimSpace(strings.TrimPrefix(line, "AGENT="))
			found = true
		case strings.HasPrefix(line, "CONFIDENCE="):
			v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "CONFIDENCE=")), 64)
			if err == nil {
				confidence = v
			}
		case strings.HasPrefix(line, "REASONING="):
			reasoning = strings.TrimSpace(strings.TrimPrefix(line, "REASONING="))
		}
	}
	if !found {
		return Decision{}, false
	}

	switch strings.ToLower(agent) {
	case "direct":
		return Decision{HandleDirectly: true, Confidence: confidence, Reasoning: reasoning}, true
	case "none", "":
		return Decision{Reasoning: reasoning}, true
	default:
		return Decision{AgentName: agent, Confidence: confidence, Reasoning: reasoning}, true
	}
}

func isGreetingOrThanks(query string) bool {
	lower := strings.ToLower(strings.TrimSpace(query))
	if lower == "" {
		return false
	}
	for _, g := range greetings {
		if lower == g {
			return true
		}
		if strings.HasPrefix(lower, g) {
			rest := strings.TrimSpace(lower[len(g):])
			if rest == "" || isPunctuationOnly(rest) {
				return true
			}
		}
	}
	return false
}

func isPunctuationOnly(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func (r *Router) finalize(ctx context.Context, d Decision, kind string) Decision {
	r.stats.record(kind)

	r.mu.Lock()
	r.auditLog = append(r.auditLog, d)
	r.mu.Unlock()

	if r.cfg.LogRoutingDecisions {
		r.logger.Log(ctx, config.LevelTrace, "router: decision",
			"kind", kind, "agent", d.AgentName, "confidence", d.Confidence,
			"handle_directly", d.HandleDirectly, "ambiguous", d.Ambiguous,
			"reasoning", d.Reasoning)
	}

	return d
}

// Stats returns a snapshot of routing decision counters.
func (r *Router) Stats() Stats {
	return r.stats.Snapshot()
}

// AuditLog returns every decision made so far, in order. Intended for
// diagnostics and tests, not for serving traffic.
func (r *Router) AuditLog() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Decision, len(r.auditLog))
	copy(out, r.auditLog)
	return out
}
