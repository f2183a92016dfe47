package agents

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/nugget/agentgateway/internal/llm"
	"github.com/nugget/agentgateway/internal/registry"
)

// webMaxBytes caps the response body read from a fetched page.
const webMaxBytes int64 = 5 * 1024 * 1024

// webMaxChars caps the extracted text handed back to the caller.
const webMaxChars = 4000

// WebAgent fetches a URL named in the query and returns its readable
// text content, stripping navigation, scripts, and other boilerplate.
type WebAgent struct {
	client *http.Client
}

// NewWebAgent creates a web specialist using httpClient for outbound
// requests (expected to already carry shared timeouts and User-Agent,
// see internal/httpkit).
func NewWebAgent(httpClient *http.Client) *WebAgent {
	return &WebAgent{client: httpClient}
}

func (a *WebAgent) Name() string { return "web" }

func (a *WebAgent) Description() string {
	return "Fetches a web page and summarizes its readable text content."
}

func (a *WebAgent) Capabilities() []registry.Capability {
	return []registry.Capability{{
		Name:        "web",
		Description: "Fetch and extract readable content from a URL.",
		Keywords:    []string{"website", "webpage", "url", "link", "fetch", "page"},
		Patterns:    []string{`https?://\S+`},
	}}
}

// Process downloads the first URL mentioned in query and extracts its
// readable text content.
func (a *WebAgent) Process(ctx context.Context, query string, history []llm.Message) (*registry.Response, error) {
	rawURL := firstURL(query)
	if rawURL == "" {
		return nil, fmt.Errorf("no URL found in query")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,text/plain;q=0.8,*/*;q=0.7")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, webMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", rawURL, err)
	}

	contentType := resp.Header.Get("Content-Type")
	title, content := extractContent(contentType, body)
	if len(content) > webMaxChars {
		content = truncateUTF8(content, webMaxChars)
	}

	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "%s\n\n", title)
	}
	b.WriteString(content)

	return &registry.Response{
		Text:      strings.TrimSpace(b.String()),
		AgentName: a.Name(),
		Metadata:  map[string]string{"url": rawURL, "status": fmt.Sprintf("%d", resp.StatusCode)},
	}, nil
}

func (a *WebAgent) Stream(ctx context.Context, query string, history []llm.Message, cb llm.StreamCallback) error {
	resp, err := a.Process(ctx, query, history)
	if err != nil {
		return err
	}
	oneShotStream(resp.Text, cb)
	return nil
}

func (a *WebAgent) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, "https://www.google.com", nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("web health check: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

// extractContent returns (title, text) for an HTML body, or the raw
// body decoded as text for plain-text and other UTF-8 content types.
func extractContent(contentType string, body []byte) (string, string) {
	lower := strings.ToLower(contentType)
	switch {
	case strings.Contains(lower, "text/html") || strings.Contains(lower, "application/xhtml"):
		return extractHTML(string(body))
	case strings.Contains(lower, "text/plain"):
		return "", string(body)
	case utf8.Valid(body):
		return "", string(body)
	default:
		return "", fmt.Sprintf("binary content (%s), %d bytes", contentType, len(body))
	}
}

// skipElements are HTML elements whose content is excluded from extraction.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
}

// extractHTML parses raw HTML and returns (title, readable text).
func extractHTML(raw string) (string, string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", raw
	}

	title := findTitle(doc)

	var content strings.Builder
	extractText(doc, &content, false)

	return title, cleanWhitespace(content.String())
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		return textContent(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// extractText walks the DOM depth-first, appending visible text nodes
// to b and skipping the subtrees named in skipElements.
func extractText(n *html.Node, b *strings.Builder, skipping bool) {
	if n.Type == html.ElementNode && skipElements[n.DataAtom] {
		skipping = true
	}
	if n.Type == html.TextNode && !skipping {
		text := strings.TrimSpace(n.Data)
		if text != "" {
			b.WriteString(text)
			b.WriteString(" ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, b, skipping)
	}
}

// cleanWhitespace collapses runs of whitespace into single spaces.
func cleanWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// truncateUTF8 truncates s to at most n characters without splitting a
// multi-byte rune.
func truncateUTF8(s string, n int) string {
	count := 0
	for i := range s {
		if count >= n {
			return s[:i]
		}
		count++
	}
	return s
}
