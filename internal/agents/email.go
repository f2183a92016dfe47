package agents

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/nugget/agentgateway/internal/llm"
	"github.com/nugget/agentgateway/internal/registry"
)

// IMAPConfig names a single mail account to read from.
type IMAPConfig struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
}

// defaultListLimit bounds how many envelopes Process summarizes.
const defaultListLimit = 5

// previewBodyLimit bounds the plain-text body preview taken from the
// most recent unseen message.
const previewBodyLimit = 280

// EmailAgent answers questions about recent inbox activity by listing
// unseen messages over IMAP. It holds a single lazily-connected
// account; reconnection is attempted on every call so a stale or
// dropped connection never wedges the agent.
type EmailAgent struct {
	cfg    IMAPConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

// NewEmailAgent creates an email specialist for the given IMAP account.
func NewEmailAgent(cfg IMAPConfig, logger *slog.Logger) *EmailAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailAgent{cfg: cfg, logger: logger}
}

func (a *EmailAgent) Name() string { return "email" }

func (a *EmailAgent) Description() string {
	return "Summarizes recent and unread email in the inbox."
}

func (a *EmailAgent) Capabilities() []registry.Capability {
	return []registry.Capability{{
		Name:        "email",
		Description: "List unread or recent messages in the inbox.",
		Keywords:    []string{"email", "inbox", "mail", "message", "unread"},
		Patterns:    []string{`check (my )?(email|inbox|mail)`},
	}}
}

// connectLocked (re)establishes the IMAP connection. Caller must hold a.mu.
func (a *EmailAgent) connectLocked(ctx context.Context) error {
	if a.client != nil {
		if err := a.client.Noop().Wait(); err == nil {
			return nil
		}
		_ = a.client.Close()
		a.client = nil
	}

	addr := net.JoinHostPort(a.cfg.Host, fmt.Sprintf("%d", a.cfg.Port))

	var opts imapclient.Options
	if a.cfg.TLS {
		opts.TLSConfig = &tls.Config{ServerName: a.cfg.Host}
	}

	var client *imapclient.Client
	var err error
	if a.cfg.TLS {
		client, err = imapclient.DialTLS(addr, &opts)
	} else {
		client, err = imapclient.DialInsecure(addr, &opts)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	if err := client.Login(a.cfg.Username, a.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("IMAP login as %s: %w", a.cfg.Username, err)
	}

	a.client = client
	return nil
}

// listUnseen selects INBOX and returns up to limit unseen envelopes,
// newest first. Caller must hold a.mu.
func (a *EmailAgent) listUnseen(limit int) ([]envelope, error) {
	if _, err := a.client.Select("INBOX", nil).Wait(); err != nil {
		return nil, fmt.Errorf("select INBOX: %w", err)
	}

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	searchData, err := a.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search INBOX: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	start := 0
	if len(uids) > limit {
		start = len(uids) - limit
	}
	uids = uids[start:]

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	fetchCmd := a.client.Fetch(uidSet, &imap.FetchOptions{UID: true, Envelope: true})
	var out []envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		var e envelope
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				e.uid = uint32(data.UID)
			case imapclient.FetchItemDataEnvelope:
				if data.Envelope != nil {
					e.subject = data.Envelope.Subject
					if len(data.Envelope.From) > 0 {
						e.from = formatAddress(data.Envelope.From[0])
					}
				}
			}
		}
		out = append(out, e)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}
	// Newest-first, matching the UID fetch order's reverse.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

type envelope struct {
	uid     uint32
	from    string
	subject string
}

// previewBody fetches uid's raw message (without marking it \Seen) and
// returns the first text/plain part, truncated to previewBodyLimit
// characters. Caller must hold a.mu and have INBOX already selected.
func (a *EmailAgent) previewBody(uid uint32) (string, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))

	fetchCmd := a.client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	})

	msg := fetchCmd.Next()
	if msg == nil {
		_ = fetchCmd.Close()
		return "", fmt.Errorf("message UID %d not found", uid)
	}

	var raw []byte
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		data, ok := item.(imapclient.FetchItemDataBodySection)
		if !ok || data.Literal == nil {
			continue
		}
		var err error
		raw, err = io.ReadAll(data.Literal)
		if err != nil {
			return "", fmt.Errorf("read body literal: %w", err)
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return "", fmt.Errorf("fetch body UID %d: %w", uid, err)
	}

	return extractTextPlain(raw), nil
}

// extractTextPlain parses a raw RFC 822 message and returns the first
// text/plain part's content, truncated to previewBodyLimit characters.
// Charset warnings are non-fatal — the message may still carry useful,
// if slightly garbled, text.
func extractTextPlain(raw []byte) string {
	mailReader, err := mail.CreateReader(strings.NewReader(string(raw)))
	if mailReader == nil {
		return ""
	}
	if err != nil && !message.IsUnknownCharset(err) {
		return ""
	}

	for {
		part, err := mailReader.NextPart()
		if err != nil {
			break
		}
		if part == nil {
			continue
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType != "text/plain" {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(part.Body, previewBodyLimit+1))
		if err != nil {
			return ""
		}
		return truncate(strings.TrimSpace(string(body)), previewBodyLimit)
	}
	return ""
}

// formatAddress formats an IMAP address as "Name <user@host>" or just
// "user@host" if no name is set.
func formatAddress(addr imap.Address) string {
	email := addr.Addr()
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, email)
	}
	return email
}

// Process summarizes the most recent unread messages in the inbox.
func (a *EmailAgent) Process(ctx context.Context, query string, history []llm.Message) (*registry.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.connectLocked(ctx); err != nil {
		return nil, err
	}

	envs, err := a.listUnseen(defaultListLimit)
	if err != nil {
		return nil, err
	}

	if len(envs) == 0 {
		return &registry.Response{Text: "No unread messages.", AgentName: a.Name()}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d unread message(s):\n", len(envs))
	for _, e := range envs {
		fmt.Fprintf(&b, "- from %s: %s\n", e.from, truncate(e.subject, 80))
	}

	if preview, err := a.previewBody(envs[0].uid); err == nil && preview != "" {
		fmt.Fprintf(&b, "\nPreview of the most recent: %s", preview)
	} else if err != nil {
		a.logger.Debug("email body preview failed", "uid", envs[0].uid, "error", err)
	}

	return &registry.Response{Text: strings.TrimRight(b.String(), "\n"), AgentName: a.Name()}, nil
}

func (a *EmailAgent) Stream(ctx context.Context, query string, history []llm.Message, cb llm.StreamCallback) error {
	resp, err := a.Process(ctx, query, history)
	if err != nil {
		return err
	}
	oneShotStream(resp.Text, cb)
	return nil
}

func (a *EmailAgent) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectLocked(ctx)
}
