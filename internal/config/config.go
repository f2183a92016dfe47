// Package config handles gateway configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order that FindConfig
// uses when it is given no explicit path: ./config.yaml,
// ~/.config/agentgateway/config.yaml, /config/config.yaml,
// /etc/agentgateway/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agentgateway", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/agentgateway/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// OrchestratorConfig holds the orchestrator's routing, session, and
// logging settings (spec §6, "Orchestrator config").
type OrchestratorConfig struct {
	Orchestrator OrchestratorSettings    `yaml:"orchestrator"`
	Routing      RoutingSettings         `yaml:"routing"`
	Agents       map[string]AgentSetting `yaml:"agents"`
	Logging      LoggingSettings         `yaml:"logging"`
}

// OrchestratorSettings configures the orchestrator's own models and
// session bookkeeping.
type OrchestratorSettings struct {
	Model                string `yaml:"model"`
	RouterModel          string `yaml:"router_model"`
	SessionTimeoutMinutes int   `yaml:"session_timeout_minutes"`
	MaxTurns             int    `yaml:"max_turns"`
	// Announcements maps an agent name to the chunk spoken before
	// streaming delegates to it (e.g. "Checking your email. "). Absent
	// entries emit no announcement. Data, not code — see spec §9.
	Announcements map[string]string `yaml:"announcements"`
}

// RoutingSettings configures the intent router (spec §4.5).
type RoutingSettings struct {
	CodeRoutingThreshold float64 `yaml:"code_routing_threshold"`
	LLMRoutingEnabled    bool    `yaml:"llm_routing_enabled"`
	FollowUpDetection    bool    `yaml:"follow_up_detection"`
	DefaultAgent         string  `yaml:"default_agent"`
}

// AgentSetting is the orchestrator's per-agent enable/priority toggle.
type AgentSetting struct {
	Enabled  bool `yaml:"enabled"`
	Priority int  `yaml:"priority"`
}

// LoggingSettings configures the orchestrator's logging verbosity and
// audit behavior.
type LoggingSettings struct {
	Level               string `yaml:"level"`
	LogRoutingDecisions bool   `yaml:"log_routing_decisions"`
	LogAgentResponses   bool   `yaml:"log_agent_responses"`
}

// APIConfig holds the HTTP/SSE endpoint layer's settings (spec §6,
// "API config").
type APIConfig struct {
	Server ServerSettings                `yaml:"server"`
	Agents map[string]APIAgentSetting    `yaml:"agents"`
}

// ServerSettings configures the HTTP listener.
type ServerSettings struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Debug       bool     `yaml:"debug"`
}

// APIAgentSetting is the API layer's per-agent enable/timeout toggle.
type APIAgentSetting struct {
	Enabled        bool `yaml:"enabled"`
	TimeoutSeconds int  `yaml:"timeout_seconds"`
}

// LoadOrchestratorConfig reads, expands, defaults, and validates an
// orchestrator config document. After it returns successfully, all
// fields are usable without additional nil/empty checks.
func LoadOrchestratorConfig(path string) (*OrchestratorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &OrchestratorConfig{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *OrchestratorConfig) applyDefaults() {
	if c.Orchestrator.SessionTimeoutMinutes == 0 {
		c.Orchestrator.SessionTimeoutMinutes = 30
	}
	if c.Orchestrator.MaxTurns == 0 {
		c.Orchestrator.MaxTurns = 20
	}
	if c.Routing.CodeRoutingThreshold == 0 {
		c.Routing.CodeRoutingThreshold = 0.7
	}
	if c.Agents == nil {
		c.Agents = make(map[string]AgentSetting)
	}
	if c.Orchestrator.Announcements == nil {
		c.Orchestrator.Announcements = make(map[string]string)
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
func (c *OrchestratorConfig) Validate() error {
	if c.Orchestrator.SessionTimeoutMinutes < 1 {
		return fmt.Errorf("orchestrator.session_timeout_minutes must be positive, got %d", c.Orchestrator.SessionTimeoutMinutes)
	}
	if c.Orchestrator.MaxTurns < 1 {
		return fmt.Errorf("orchestrator.max_turns must be positive, got %d", c.Orchestrator.MaxTurns)
	}
	if c.Routing.CodeRoutingThreshold < 0 || c.Routing.CodeRoutingThreshold > 1 {
		return fmt.Errorf("routing.code_routing_threshold %v out of range [0,1]", c.Routing.CodeRoutingThreshold)
	}
	if c.Logging.Level != "" {
		if _, err := ParseLogLevel(c.Logging.Level); err != nil {
			return err
		}
	}
	return nil
}

// DefaultOrchestratorConfig returns a usable configuration with all
// defaults applied, suitable for local development.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	cfg := &OrchestratorConfig{
		Orchestrator: OrchestratorSettings{
			Model:       "claude-sonnet-4-20250514",
			RouterModel: "claude-haiku-4-20250514",
		},
		Routing: RoutingSettings{
			LLMRoutingEnabled: true,
			FollowUpDetection: true,
		},
	}
	cfg.applyDefaults()
	return cfg
}

// LoadAPIConfig reads, expands, defaults, and validates an API config
// document.
func LoadAPIConfig(path string) (*APIConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &APIConfig{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("api config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// API_HOST, when set, overrides the configured bind host (spec §6).
func (c *APIConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if host := os.Getenv("API_HOST"); host != "" {
		c.Server.Host = host
	}
	if c.Agents == nil {
		c.Agents = make(map[string]APIAgentSetting)
	}
	for name, a := range c.Agents {
		if a.TimeoutSeconds == 0 {
			a.TimeoutSeconds = 120
			c.Agents[name] = a
		}
	}
}

// Validate checks that the configuration is internally consistent.
func (c *APIConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", c.Server.Port)
	}
	return nil
}

// DefaultAPIConfig returns a usable configuration with all defaults
// applied, suitable for local development.
func DefaultAPIConfig() *APIConfig {
	cfg := &APIConfig{}
	cfg.applyDefaults()
	return cfg
}
