package agents

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
)

func TestFormatAddress(t *testing.T) {
	tests := []struct {
		name string
		addr imap.Address
		want string
	}{
		{"named", imap.Address{Name: "Alice", Mailbox: "alice", Host: "example.com"}, "Alice <alice@example.com>"},
		{"unnamed", imap.Address{Mailbox: "bob", Host: "example.com"}, "bob@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatAddress(tt.addr); got != tt.want {
				t.Errorf("formatAddress(%+v) = %q, want %q", tt.addr, got, tt.want)
			}
		})
	}
}

func TestEmailAgentCapabilities(t *testing.T) {
	agent := NewEmailAgent(IMAPConfig{Host: "imap.example.com"}, slog.Default())
	if agent.Name() != "email" {
		t.Errorf("Name() = %q, want %q", agent.Name(), "email")
	}
	caps := agent.Capabilities()
	if len(caps) != 1 || caps[0].Name != "email" {
		t.Fatalf("unexpected capabilities: %+v", caps)
	}
}

func TestExtractTextPlain(t *testing.T) {
	raw := "From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: Hi\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Hello Bob, just checking in.\r\n"

	got := extractTextPlain([]byte(raw))
	if got != "Hello Bob, just checking in." {
		t.Errorf("extractTextPlain() = %q, want %q", got, "Hello Bob, just checking in.")
	}
}

func TestExtractTextPlainTruncates(t *testing.T) {
	body := strings.Repeat("x", previewBodyLimit+50)
	raw := "From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: Long\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" + body + "\r\n"

	got := extractTextPlain([]byte(raw))
	if len([]rune(got)) > previewBodyLimit+len("...") {
		t.Errorf("expected truncated preview, got %d runes", len([]rune(got)))
	}
}

func TestEmailAgentHealthCheckUnreachable(t *testing.T) {
	agent := NewEmailAgent(IMAPConfig{Host: "127.0.0.1", Port: 1}, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := agent.HealthCheck(ctx); err == nil {
		t.Fatal("expected HealthCheck to fail against an unreachable host")
	}
}
