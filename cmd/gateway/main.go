// Package main is the entry point for the agent gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/nugget/agentgateway/internal/agents"
	"github.com/nugget/agentgateway/internal/api"
	"github.com/nugget/agentgateway/internal/buildinfo"
	"github.com/nugget/agentgateway/internal/classifier"
	"github.com/nugget/agentgateway/internal/config"
	"github.com/nugget/agentgateway/internal/httpkit"
	"github.com/nugget/agentgateway/internal/llm"
	"github.com/nugget/agentgateway/internal/orchestrator"
	"github.com/nugget/agentgateway/internal/ratelimit"
	"github.com/nugget/agentgateway/internal/registry"
	"github.com/nugget/agentgateway/internal/router"
	"github.com/nugget/agentgateway/internal/session"
)

// rateLimitWindow and rateLimitBudget bound how often any one specialist
// agent may be dispatched to, per spec §4.1.
const (
	rateLimitWindow = time.Minute
	rateLimitBudget = 30
)

func main() {
	orchConfigPath := flag.String("orchestrator-config", "", "path to orchestrator config file")
	apiConfigPath := flag.String("api-config", "", "path to API config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		return
	}

	if err := run(logger, *orchConfigPath, *apiConfigPath); err != nil {
		logger.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, orchConfigPath, apiConfigPath string) error {
	orchCfg, err := loadOrchestratorConfig(orchConfigPath)
	if err != nil {
		return fmt.Errorf("load orchestrator config: %w", err)
	}

	apiCfg, err := loadAPIConfig(apiConfigPath)
	if err != nil {
		return fmt.Errorf("load API config: %w", err)
	}

	if orchCfg.Logging.Level != "" {
		level, err := config.ParseLogLevel(orchCfg.Logging.Level)
		if err != nil {
			return err
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting agent gateway",
		"version", buildinfo.Version,
		"port", apiCfg.Server.Port,
		"llm_routing_enabled", orchCfg.Routing.LLMRoutingEnabled,
	)

	reg := registry.New()
	httpClient := httpkit.NewClient(httpkit.WithRetry(2, time.Second))
	registerAgents(reg, orchCfg, httpClient, logger)

	llmClient := createLLMClient(logger)

	classifierInst, err := buildClassifier(reg, orchCfg)
	if err != nil {
		return fmt.Errorf("build classifier: %w", err)
	}

	rtr := router.New(router.Config{
		CodeRoutingThreshold: orchCfg.Routing.CodeRoutingThreshold,
		LLMRoutingEnabled:    orchCfg.Routing.LLMRoutingEnabled,
		FollowUpDetection:    orchCfg.Routing.FollowUpDetection,
		DefaultAgent:         orchCfg.Routing.DefaultAgent,
		RouterModel:          orchCfg.Orchestrator.RouterModel,
		LogRoutingDecisions:  orchCfg.Logging.LogRoutingDecisions,
	}, classifierInst, reg, llmClient, logger)

	sessions := session.NewStore(
		time.Duration(orchCfg.Orchestrator.SessionTimeoutMinutes)*time.Minute,
		orchCfg.Orchestrator.MaxTurns,
	)

	limiter := ratelimit.New(rateLimitBudget, rateLimitWindow)

	orch := orchestrator.New(orchestrator.Config{
		Sessions:          sessions,
		Registry:          reg,
		Router:            rtr,
		Limiter:           limiter,
		LLMClient:         llmClient,
		DirectModel:       orchCfg.Orchestrator.Model,
		Announcements:     orchCfg.Orchestrator.Announcements,
		Logger:            logger,
		LogAgentResponses: orchCfg.Logging.LogAgentResponses,
	})

	agentTimeouts := make(map[string]time.Duration, len(apiCfg.Agents))
	for name, setting := range apiCfg.Agents {
		if setting.TimeoutSeconds > 0 {
			agentTimeouts[name] = time.Duration(setting.TimeoutSeconds) * time.Second
		}
	}

	server := api.New(api.Config{
		Host:          apiCfg.Server.Host,
		Port:          apiCfg.Server.Port,
		Orchestrator:  orch,
		Registry:      reg,
		Router:        rtr,
		Logger:        logger,
		AgentTimeouts: agentTimeouts,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// loadOrchestratorConfig reads the orchestrator config document from
// path, or falls back to defaults if path is empty and no config file
// is discoverable at the standard search paths.
func loadOrchestratorConfig(path string) (*config.OrchestratorConfig, error) {
	found, err := config.FindConfig(path)
	if err != nil {
		if path != "" {
			return nil, err
		}
		return config.DefaultOrchestratorConfig(), nil
	}
	return config.LoadOrchestratorConfig(found)
}

// loadAPIConfig reads the API config document from path, or returns
// defaults if path is empty. Unlike loadOrchestratorConfig, it does not
// consult the standard search paths.
func loadAPIConfig(path string) (*config.APIConfig, error) {
	if path == "" {
		return config.DefaultAPIConfig(), nil
	}
	return config.LoadAPIConfig(path)
}

// registerAgents wires up the built-in specialist agents, honoring the
// enabled/disabled toggle in orchestrator config's agents.<name> table.
// Agents with missing credentials are skipped with a warning rather
// than treated as fatal configuration errors — the gateway still
// serves the specialists it can.
func registerAgents(reg *registry.Registry, cfg *config.OrchestratorConfig, httpClient *http.Client, logger *slog.Logger) {
	enabled := func(name string) bool {
		setting, ok := cfg.Agents[name]
		return !ok || setting.Enabled
	}

	if enabled("github") {
		if token := os.Getenv("GITHUB_TOKEN"); token != "" {
			if err := reg.Register(agents.NewGitHubAgent(httpClient, token, os.Getenv("GITHUB_DEFAULT_REPO"), logger)); err != nil {
				logger.Warn("failed to register github agent", "error", err)
			}
		} else {
			logger.Info("github agent disabled: GITHUB_TOKEN not set")
		}
	}

	if enabled("email") {
		if host := os.Getenv("IMAP_HOST"); host != "" {
			cfg := agents.IMAPConfig{
				Host:     host,
				Port:     993,
				TLS:      true,
				Username: os.Getenv("IMAP_USERNAME"),
				Password: os.Getenv("IMAP_PASSWORD"),
			}
			if err := reg.Register(agents.NewEmailAgent(cfg, logger)); err != nil {
				logger.Warn("failed to register email agent", "error", err)
			}
		} else {
			logger.Info("email agent disabled: IMAP_HOST not set")
		}
	}

	if enabled("web") {
		if err := reg.Register(agents.NewWebAgent(httpClient)); err != nil {
			logger.Warn("failed to register web agent", "error", err)
		}
	}
}

// buildClassifier derives a classifier rule per registered agent from
// its advertised capabilities. Agents are ordered by configured
// priority (higher first, stable on ties) before compiling, since the
// classifier breaks equal-score ties by rule insertion order (spec §4.4).
func buildClassifier(reg *registry.Registry, cfg *config.OrchestratorConfig) (*classifier.Classifier, error) {
	agentsList := reg.List()
	sort.SliceStable(agentsList, func(i, j int) bool {
		return cfg.Agents[agentsList[i].Name()].Priority > cfg.Agents[agentsList[j].Name()].Priority
	})

	var rules []classifier.Rule
	for _, agent := range agentsList {
		var keywords, patterns []string
		for _, capability := range agent.Capabilities() {
			keywords = append(keywords, capability.Keywords...)
			patterns = append(patterns, capability.Patterns...)
		}
		rules = append(rules, classifier.Rule{
			AgentName: agent.Name(),
			Keywords:  keywords,
			Patterns:  patterns,
		})
	}
	return classifier.New(rules)
}

// createLLMClient wires up a MultiClient over Ollama (local default)
// with Anthropic layered in when an API key is configured.
func createLLMClient(logger *slog.Logger) llm.Client {
	ollamaURL := os.Getenv("OLLAMA_URL")
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}

	ollamaClient := llm.NewOllamaClient(ollamaURL, logger)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		anthropicClient := llm.NewAnthropicClient(apiKey, logger)
		multi.AddProvider("anthropic", anthropicClient)
		multi.AddModel("claude-sonnet-4-20250514", "anthropic")
		multi.AddModel("claude-haiku-4-20250514", "anthropic")
		logger.Info("anthropic provider configured")
	}

	return multi
}
