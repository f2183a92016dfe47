// Package classifier scores a query against a table of per-agent
// keyword and pattern rules. It is a pure function: the same query and
// configuration always produce the same ranking.
package classifier

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	keywordWeight    = 0.2
	keywordCap       = 0.6
	patternWeight    = 0.3
	patternCap       = 0.6
	totalCap         = 1.0
	ambiguityMargin  = 0.1
)

// Rule is one agent's classification config: a set of whole-word
// keywords and a set of case-insensitive regex patterns.
type Rule struct {
	AgentName string
	Keywords  []string
	Patterns  []string
}

// compiledRule is a Rule with its patterns pre-compiled, in insertion
// order, so construction fails fast on bad regexes.
type compiledRule struct {
	agentName string
	keywords  []string
	patterns  []*regexp.Regexp
}

// Score is one agent's ranked result.
type Score struct {
	AgentName string
	Value     float64
	Reasoning string
}

// Result is a full classification: the ranked scores and whether the
// top two are too close to call.
type Result struct {
	Scores    []Score
	Ambiguous bool
}

// Classifier holds a compiled rule table. Construct with New.
type Classifier struct {
	rules []compiledRule
}

// New compiles rules in the given order (insertion order breaks score
// ties) and returns an error if any pattern fails to compile — pattern
// errors are a fatal configuration problem, not a runtime one.
func New(rules []Rule) (*Classifier, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		patterns := make([]*regexp.Regexp, 0, len(rule.Patterns))
		for _, p := range rule.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("classifier: agent %q pattern %q: %w", rule.AgentName, p, err)
			}
			patterns = append(patterns, re)
		}
		compiled = append(compiled, compiledRule{
			agentName: rule.AgentName,
			keywords:  rule.Keywords,
			patterns:  patterns,
		})
	}
	return &Classifier{rules: compiled}, nil
}

// Classify scores query against every configured agent and returns the
// ranking, descending by score with insertion-order tie-breaking. An
// empty query or a query matching nothing yields an empty ranking.
func (c *Classifier) Classify(query string) Result {
	lower := strings.ToLower(query)

	scores := make([]Score, 0, len(c.rules))
	for _, rule := range c.rules {
		value, reasoning := scoreRule(lower, rule)
		if value > 0 {
			scores = append(scores, Score{
				AgentName: rule.agentName,
				Value:     value,
				Reasoning: reasoning,
			})
		}
	}

	stableSortDescending(scores)

	result := Result{Scores: scores}
	if len(scores) >= 2 {
		top, second := scores[0].Value, scores[1].Value
		if top > 0 && second > 0 && (top-second) < ambiguityMargin {
			result.Ambiguous = true
		}
	}
	return result
}

func scoreRule(lowerQuery string, rule compiledRule) (float64, string) {
	keywordMatches := 0
	for _, kw := range rule.keywords {
		if containsWholeWord(lowerQuery, strings.ToLower(kw)) {
			keywordMatches++
		}
	}
	keywordScore := float64(keywordMatches) * keywordWeight
	if keywordScore > keywordCap {
		keywordScore = keywordCap
	}

	patternMatches := 0
	for _, re := range rule.patterns {
		if re.MatchString(lowerQuery) {
			patternMatches++
		}
	}
	patternScore := float64(patternMatches) * patternWeight
	if patternScore > patternCap {
		patternScore = patternCap
	}

	total := keywordScore + patternScore
	if total > totalCap {
		total = totalCap
	}

	reasoning := fmt.Sprintf("%d keyword match(es), %d pattern match(es)", keywordMatches, patternMatches)
	return total, reasoning
}

// containsWholeWord reports whether word occurs in s as a standalone
// token, not as a substring of a longer word.
func containsWholeWord(s, word string) bool {
	if word == "" {
		return false
	}
	idx := 0
	for {
		pos := strings.Index(s[idx:], word)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(word)

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

// stableSortDescending sorts by Value descending, preserving the
// relative order of equal scores (a stable insertion-order sort, since
// scores is already built in rule/insertion order).
func stableSortDescending(scores []Score) {
	for i := 1; i < len(scores); i++ {
		for j := i; j > 0 && scores[j].Value > scores[j-1].Value; j-- {
			scores[j], scores[j-1] = scores[j-1], scores[j]
		}
	}
}
