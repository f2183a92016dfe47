// Package registry holds the set of specialist agents the orchestrator
// can dispatch to, keyed by name.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nugget/agentgateway/internal/llm"
)

// Capability describes one thing an agent can do, used by the
// classifier to score a query against candidate agents.
type Capability struct {
	Name        string
	Keywords    []string
	Patterns    []string
	Description string
}

// Response is the result of an agent handling a query.
type Response struct {
	Text      string
	AgentName string
	Metadata  map[string]string
}

// Agent is implemented by every specialist the orchestrator can route
// to. Agents are expected to be safe for concurrent use — the
// orchestrator may dispatch to the same agent from multiple sessions
// at once.
type Agent interface {
	Name() string
	Description() string
	Capabilities() []Capability
	Process(ctx context.Context, query string, history []llm.Message) (*Response, error)
	Stream(ctx context.Context, query string, history []llm.Message, callback llm.StreamCallback) error
	HealthCheck(ctx context.Context) error
}

// Registry is a concurrency-safe, name-keyed collection of agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds agent under its own Name(). It fails if the name is
// empty or already registered.
func (r *Registry) Register(agent Agent) error {
	name := agent.Name()
	if name == "" {
		return fmt.Errorf("registry: agent name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("registry: agent %q already registered", name)
	}
	r.order = append(r.order, name)
	r.agents[name] = agent
	return nil
}

// Unregister removes an agent by name. A no-op if the name is unknown.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; !exists {
		return
	}
	delete(r.agents, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the agent registered under name, or an error if none is.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("no agent registered for %q", name)
	}
	return agent, nil
}

// List returns all registered agents in registration order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name])
	}
	return out
}

// Names returns all registered agent names, sorted lexically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AllCapabilities returns every registered agent's capabilities,
// keyed by the owning agent's name. The result is a map, so it carries
// no ordering.
func (r *Registry) AllCapabilities() map[string][]Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]Capability, len(r.agents))
	for name, agent := range r.agents {
		out[name] = agent.Capabilities()
	}
	return out
}

// HealthCheckAll runs HealthCheck against every registered agent and
// returns a name-to-error map containing only the agents that failed.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	agents := r.List()

	failures := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, agent := range agents {
		wg.Add(1)
		go func(a Agent) {
			defer wg.Done()
			if err := a.HealthCheck(ctx); err != nil {
				mu.Lock()
				failures[a.Name()] = err
				mu.Unlock()
			}
		}(agent)
	}
	wg.Wait()

	return failures
}

// Clear removes every registered agent.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents = make(map[string]Agent)
	r.order = nil
}
