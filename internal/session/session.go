// Package session manages per-conversation turn history and TTL-bounded
// session state. Sessions are in-memory only — there is no persistence
// layer, following the Non-goal in the routing gateway's design.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Turn is an immutable record of one (query, response, agent) triple.
// Turns are append-only.
type Turn struct {
	Query     string
	Response  string
	AgentUsed string
	Timestamp time.Time
}

// followUpPhrases are whole-word/phrase matches that indicate the query
// continues the prior topic. Kept as data (not code) per the design
// note that the phrase list should be tunable without a recompile.
var followUpPhrases = []string{
	"what about", "tell me more", "also", "and", "how about", "what else",
}

// followUpPronouns are short-query pronoun tokens that, combined with a
// low word count, also indicate a follow-up.
var followUpPronouns = map[string]bool{
	"it": true, "they": true, "them": true, "that": true,
	"this": true, "those": true, "these": true,
}

// Context holds one conversation's turn history and routing state.
// All mutating operations are serialized by mu so that addTurn and
// shouldContinueWithAgent observe a consistent, never-partial view.
type Context struct {
	mu sync.Mutex

	sessionID    string
	turns        []Turn
	lastAgent    string
	lastActivity time.Time
	maxTurns     int
}

// SessionID returns the context's opaque session identifier.
func (c *Context) SessionID() string {
	return c.sessionID
}

// LastAgent returns the agent used on the most recently successful
// turn, or "" if no turn has been recorded yet.
func (c *Context) LastAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAgent
}

// LastActivity returns the timestamp of the most recent addTurn call,
// or the context's creation time if none has occurred.
func (c *Context) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// AddTurn appends a turn, updates lastAgent and lastActivity, and drops
// the oldest turn if the history exceeds its configured cap.
func (c *Context) AddTurn(query, response, agentUsed string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.turns = append(c.turns, Turn{
		Query:     query,
		Response:  response,
		AgentUsed: agentUsed,
		Timestamp: time.Now(),
	})
	if len(c.turns) > c.maxTurns {
		c.turns = c.turns[len(c.turns)-c.maxTurns:]
	}
	c.lastAgent = agentUsed
	c.lastActivity = time.Now()
}

// GetRecentContext returns the last n turns, ordered oldest to newest.
// Used by the router's LLM prompt and by clients inspecting context.
func (c *Context) GetRecentContext(n int) []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 || len(c.turns) == 0 {
		return nil
	}
	if n > len(c.turns) {
		n = len(c.turns)
	}
	out := make([]Turn, n)
	copy(out, c.turns[len(c.turns)-n:])
	return out
}

// ShouldContinueWithAgent applies the follow-up heuristic (spec §4.2)
// against the current lastAgent. Returns (true, lastAgent) when a
// follow-up phrase or short pronoun query is detected and a prior agent
// exists; otherwise (false, "").
func (c *Context) ShouldContinueWithAgent(query string) (bool, string) {
	c.mu.Lock()
	last := c.lastAgent
	c.mu.Unlock()

	if last == "" {
		return false, ""
	}
	if isFollowUp(query) {
		return true, last
	}
	return false, ""
}

// isFollowUp depends only on the lowercased query text.
func isFollowUp(query string) bool {
	lower := strings.ToLower(strings.TrimSpace(query))
	if lower == "" {
		return false
	}

	for _, phrase := range followUpPhrases {
		if containsWholeWordPhrase(lower, phrase) {
			return true
		}
	}

	tokens := strings.Fields(lower)
	if len(tokens) <= 5 {
		for _, tok := range tokens {
			tok = strings.Trim(tok, ".,!?;:")
			if followUpPronouns[tok] {
				return true
			}
		}
	}
	return false
}

// containsWholeWordPhrase reports whether phrase occurs in s bounded by
// non-alphanumeric boundaries (or the string edges) on both sides, so
// "and" matches in "and another thing" but not inside "android".
func containsWholeWordPhrase(s, phrase string) bool {
	idx := 0
	for {
		pos := strings.Index(s[idx:], phrase)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(phrase)

		leftOK := start == 0 || !isWordChar(rune(s[start-1]))
		rightOK := end == len(s) || !isWordChar(rune(s[end]))
		if leftOK && rightOK {
			return true
		}
		idx = start + 1
		if idx >= len(s) {
			return false
		}
	}
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// Store is a concurrency-safe mapping from session id to Context,
// created on demand and evicted by TTL.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Context
	ttl      time.Duration
	maxTurns int
}

// NewStore creates a session store whose entries expire ttl after their
// last activity and whose contexts cap stored turns at maxTurns.
func NewStore(ttl time.Duration, maxTurns int) *Store {
	return &Store{
		sessions: make(map[string]*Context),
		ttl:      ttl,
		maxTurns: maxTurns,
	}
}

// GetOrCreate returns the context for sessionID if it exists and has
// not expired; otherwise it creates (and stores) a fresh context. An
// empty sessionID always creates a new one, as does an expired id —
// the two cases are indistinguishable to the caller, per spec
// invariant 11.
func (s *Store) GetOrCreate(sessionID string) *Context {
	if sessionID != "" {
		s.mu.RLock()
		ctx, ok := s.sessions[sessionID]
		s.mu.RUnlock()
		if ok && !s.expired(ctx) {
			return ctx
		}
	}

	ctx := &Context{
		sessionID:    uuid.NewString(),
		lastActivity: time.Now(),
		maxTurns:     s.maxTurns,
	}

	s.mu.Lock()
	s.sessions[ctx.sessionID] = ctx
	s.mu.Unlock()

	return ctx
}

func (s *Store) expired(ctx *Context) bool {
	return time.Since(ctx.LastActivity()) > s.ttl
}

// Sweep removes expired contexts. Safe to call periodically or lazily
// on access.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ctx := range s.sessions {
		if s.expired(ctx) {
			delete(s.sessions, id)
		}
	}
}
