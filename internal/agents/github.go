package agents

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/go-github/v69/github"

	"github.com/nugget/agentgateway/internal/llm"
	"github.com/nugget/agentgateway/internal/registry"
)

// rateLimitWarningThreshold triggers a log warning when the remaining
// rate limit drops below this value.
const rateLimitWarningThreshold = 100

// GitHubAgent answers questions about issues and pull requests on a
// configured default repository (or one named in the query) using the
// google/go-github SDK.
type GitHubAgent struct {
	client      *github.Client
	defaultRepo string
	logger      *slog.Logger
}

// NewGitHubAgent creates a GitHub specialist. httpClient should already
// carry the process's User-Agent and timeouts (see internal/httpkit).
func NewGitHubAgent(httpClient *http.Client, token, defaultRepo string, logger *slog.Logger) *GitHubAgent {
	if logger == nil {
		logger = slog.Default()
	}
	client := github.NewClient(httpClient).WithAuthToken(token)
	return &GitHubAgent{client: client, defaultRepo: defaultRepo, logger: logger}
}

func (a *GitHubAgent) Name() string { return "github" }

func (a *GitHubAgent) Description() string {
	return "Answers questions about GitHub issues and pull requests."
}

func (a *GitHubAgent) Capabilities() []registry.Capability {
	return []registry.Capability{{
		Name:        "github",
		Description: "List or inspect issues and pull requests on a repository.",
		Keywords:    []string{"github", "issue", "pr", "repo", "repository", "commit"},
		Patterns:    []string{`pr #\d+`, `issue #\d+`, `pull request`},
	}}
}

func (a *GitHubAgent) checkRate(resp *github.Response) {
	if resp == nil {
		return
	}
	remaining := resp.Rate.Remaining
	if remaining > 0 && remaining < rateLimitWarningThreshold {
		a.logger.Warn("github rate limit low", "remaining", remaining, "limit", resp.Rate.Limit)
	}
}

func (a *GitHubAgent) repoFor(query string) (string, error) {
	repo := firstRepoMention(query)
	if repo == "" {
		repo = a.defaultRepo
	}
	if repo == "" {
		return "", fmt.Errorf("no repository specified and no default configured")
	}
	return repo, nil
}

// Process lists the most recent open issues for the target repository
// and renders them as a short text summary.
func (a *GitHubAgent) Process(ctx context.Context, query string, history []llm.Message) (*registry.Response, error) {
	repo, err := a.repoFor(query)
	if err != nil {
		return nil, err
	}
	owner, name, ok := splitRepo(repo)
	if !ok {
		return nil, fmt.Errorf("invalid repo format %q, expected owner/repo", repo)
	}

	issues, resp, err := a.client.Issues.ListByRepo(ctx, owner, name, &github.IssueListByRepoOptions{
		ListOptions: github.ListOptions{PerPage: 5},
	})
	if err != nil {
		return nil, fmt.Errorf("list issues for %s: %w", repo, err)
	}
	a.checkRate(resp)

	if len(issues) == 0 {
		return &registry.Response{Text: fmt.Sprintf("No open issues on %s.", repo), AgentName: a.Name()}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Open issues on %s:\n", repo)
	for _, issue := range issues {
		if issue.IsPullRequest() {
			continue
		}
		fmt.Fprintf(&b, "- #%d %s\n", issue.GetNumber(), issue.GetTitle())
	}
	return &registry.Response{Text: strings.TrimRight(b.String(), "\n"), AgentName: a.Name()}, nil
}

func (a *GitHubAgent) Stream(ctx context.Context, query string, history []llm.Message, cb llm.StreamCallback) error {
	resp, err := a.Process(ctx, query, history)
	if err != nil {
		return err
	}
	oneShotStream(resp.Text, cb)
	return nil
}

func (a *GitHubAgent) HealthCheck(ctx context.Context) error {
	_, _, err := a.client.Zen.Get(ctx)
	if err != nil {
		return fmt.Errorf("github health check: %w", err)
	}
	return nil
}
