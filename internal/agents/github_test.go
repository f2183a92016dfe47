package agents

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newTestGitHubAgent wires a GitHubAgent at the given default repo
// against a test server standing in for the GitHub API.
func newTestGitHubAgent(t *testing.T, handler http.Handler, defaultRepo string) *GitHubAgent {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	agent := NewGitHubAgent(ts.Client(), "test-token", defaultRepo, logger)
	client, err := agent.client.WithEnterpriseURLs(ts.URL, ts.URL)
	if err != nil {
		t.Fatalf("WithEnterpriseURLs: %v", err)
	}
	agent.client = client
	return agent
}

func TestGitHubAgentProcess_ListsOpenIssues(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo/issues", func(w http.ResponseWriter, r *http.Request) {
		resp := []map[string]any{
			{"number": 1, "title": "First bug", "html_url": "https://github.com/owner/repo/issues/1"},
			{"number": 2, "title": "Second bug", "html_url": "https://github.com/owner/repo/issues/2"},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	agent := newTestGitHubAgent(t, mux, "owner/repo")
	resp, err := agent.Process(context.Background(), "what's open on the repo?", nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !strings.Contains(resp.Text, "First bug") || !strings.Contains(resp.Text, "Second bug") {
		t.Errorf("Text = %q, want both issue titles", resp.Text)
	}
	if resp.AgentName != "github" {
		t.Errorf("AgentName = %q, want %q", resp.AgentName, "github")
	}
}

func TestGitHubAgentProcess_NoIssues(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo/issues", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]any{})
	})

	agent := newTestGitHubAgent(t, mux, "owner/repo")
	resp, err := agent.Process(context.Background(), "any issues?", nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !strings.Contains(resp.Text, "No open issues") {
		t.Errorf("Text = %q, want no-issues message", resp.Text)
	}
}

func TestGitHubAgentProcess_RepoMentionOverridesDefault(t *testing.T) {
	var gotPath string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]any{})
	})

	agent := newTestGitHubAgent(t, mux, "default/repo")
	if _, err := agent.Process(context.Background(), "check other/project for issues", nil); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if gotPath != "/api/v3/repos/other/project/issues" {
		t.Errorf("path = %q, want mentioned repo's issues endpoint", gotPath)
	}
}

func TestGitHubAgentProcess_NoRepoIsError(t *testing.T) {
	agent := newTestGitHubAgent(t, http.NewServeMux(), "")
	if _, err := agent.Process(context.Background(), "any issues?", nil); err == nil {
		t.Fatal("expected error when no repo is configured or mentioned")
	}
}

func TestGitHubAgentHealthCheck(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/zen", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Keep it logically awesome."))
	})

	agent := newTestGitHubAgent(t, mux, "owner/repo")
	if err := agent.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestSplitRepo(t *testing.T) {
	tests := []struct {
		input     string
		wantOwner string
		wantName  string
		wantOK    bool
	}{
		{"owner/repo", "owner", "repo", true},
		{"org/my-project", "org", "my-project", true},
		{"noslash", "", "", false},
		{"/repo", "", "", false},
		{"owner/", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			owner, name, ok := splitRepo(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("splitRepo(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if owner != tt.wantOwner || name != tt.wantName {
				t.Errorf("splitRepo(%q) = (%q, %q), want (%q, %q)", tt.input, owner, name, tt.wantOwner, tt.wantName)
			}
		})
	}
}

func TestFirstRepoMention(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"what's up with owner/repo lately?", "owner/repo"},
		{"no mention here", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := firstRepoMention(tt.input); got != tt.want {
				t.Errorf("firstRepoMention(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
