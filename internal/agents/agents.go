// Package agents provides a handful of illustrative specialist agents
// (github, email, web) that implement the registry's Agent interface.
// They are kept deliberately thin: enough to be legitimate collaborators
// for the router and registry, not a full product.
package agents

import (
	"regexp"
	"strings"

	"github.com/nugget/agentgateway/internal/llm"
	"github.com/nugget/agentgateway/internal/registry"
)

// urlPattern matches the first http(s) URL in free text.
var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

// firstURL returns the first URL found in s, or "" if none.
func firstURL(s string) string {
	return urlPattern.FindString(s)
}

// truncate shortens s to at most n runes, appending an ellipsis marker
// when truncation occurs.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// oneShotStream is the default stream implementation described in the
// router design notes: a single yield of process's result.
func oneShotStream(text string, cb llm.StreamCallback) {
	cb(llm.StreamEvent{Kind: llm.KindToken, Token: text})
}

// splitRepo splits "owner/repo" into its components.
func splitRepo(repo string) (owner, name string, ok bool) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

var repoMentionPattern = regexp.MustCompile(`\b[\w.-]+/[\w.-]+\b`)

// firstRepoMention returns the first "owner/repo"-shaped token in s, or
// "" if none is present.
func firstRepoMention(s string) string {
	return repoMentionPattern.FindString(s)
}

var _ registry.Agent = (*GitHubAgent)(nil)
var _ registry.Agent = (*EmailAgent)(nil)
var _ registry.Agent = (*WebAgent)(nil)
