package builtin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/tools"
)

// MailSummary is one inbox entry.
type MailSummary struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	Subject string    `json:"subject"`
	Snippet string    `json:"snippet"`
	Date    time.Time `json:"date"`
}

// OutgoingMail is a message to send.
type OutgoingMail struct {
	To      string
	Subject string
	Body    string
}

// Mailbox is the mail collaborator used by gmail_list and gmail_send.
type Mailbox interface {
	List(ctx context.Context, limit int) ([]MailSummary, error)
	Send(ctx context.Context, msg OutgoingMail) (string, error)
}

// SpoolMailbox reads RFC 5322 .eml files from an inbox directory and writes
// outgoing messages into an outbox directory.
type SpoolMailbox struct {
	Inbox  string
	Outbox string
	From   string
	now    func() time.Time
}

// NewSpoolMailbox creates a spool mailbox.
func NewSpoolMailbox(inbox, outbox string) *SpoolMailbox {
	return &SpoolMailbox{Inbox: inbox, Outbox: outbox, From: "aiva@localhost", now: time.Now}
}

// List returns the newest limit messages.
func (m *SpoolMailbox) List(ctx context.Context, limit int) ([]MailSummary, error) {
	entries, err := os.ReadDir(m.Inbox)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	var out []MailSummary
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".eml") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		summary, err := readSummary(filepath.Join(m.Inbox, e.Name()))
		if err != nil {
			continue
		}
		if summary.Date.IsZero() {
			if info, infoErr := e.Info(); infoErr == nil {
				summary.Date = info.ModTime()
			}
		}
		out = append(out, summary)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Send writes msg into the outbox and returns its message id.
func (m *SpoolMailbox) Send(ctx context.Context, msg OutgoingMail) (string, error) {
	if _, err := mail.ParseAddress(msg.To); err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}
	if err := os.MkdirAll(m.Outbox, 0o755); err != nil {
		return "", fmt.Errorf("failed to create outbox: %w", err)
	}
	id := uuid.New().String()
	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: <%s@aiva>\r\n", id)
	fmt.Fprintf(&b, "Date: %s\r\n", m.now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Subject))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)
	path := filepath.Join(m.Outbox, id+".eml")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write message: %w", err)
	}
	return id, nil
}

func readSummary(path string) (MailSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return MailSummary{}, err
	}
	defer f.Close()
	msg, err := mail.ReadMessage(bufio.NewReader(f))
	if err != nil {
		return MailSummary{}, err
	}
	body, _ := io.ReadAll(io.LimitReader(msg.Body, 4096))
	summary := MailSummary{
		ID:      strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		From:    msg.Header.Get("From"),
		Subject: msg.Header.Get("Subject"),
		Snippet: snippet(string(body), 120),
	}
	if summary.From == "" {
		summary.From = "Unknown Sender"
	}
	if summary.Subject == "" {
		summary.Subject = "No Subject"
	}
	if date, err := msg.Header.Date(); err == nil {
		summary.Date = date
	}
	return summary, nil
}

func snippet(body string, n int) string {
	s := strings.Join(strings.Fields(body), " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

var gmailListDescriptor = domain.ToolDescriptor{
	Name:         "gmail_list",
	Description:  "List the most recent emails in the mailbox.",
	Capabilities: []string{CapMailboxRead},
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {"max_results": {"type": "integer", "minimum": 1, "maximum": 50, "description": "Maximum number of emails (default 5)"}}
	}`),
	TimeoutMs: 15000,
}

var gmailSendDescriptor = domain.ToolDescriptor{
	Name:         "gmail_send",
	Description:  "Send an email.",
	Capabilities: []string{CapMailboxSend},
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"to": {"type": "string", "description": "Recipient email address"},
			"subject": {"type": "string", "description": "Email subject line"},
			"body": {"type": "string", "description": "Email body content"}
		},
		"required": ["to", "subject", "body"]
	}`),
	TimeoutMs: 15000,
}

type gmailListArgs struct {
	MaxResults int `json:"max_results"`
}

type gmailSendArgs struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type mailTools struct {
	mailbox Mailbox
}

func (t *mailTools) list(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	args, err := decodeArgs[gmailListArgs](call.Args)
	if err != nil {
		return nil, err
	}
	if args.MaxResults <= 0 {
		args.MaxResults = 5
	}
	messages, err := t.mailbox.List(ctx, args.MaxResults)
	if err != nil {
		return nil, err
	}
	formatted := "No new messages."
	if len(messages) > 0 {
		parts := make([]string, 0, len(messages))
		for _, m := range messages {
			parts = append(parts, fmt.Sprintf("From: %s\nSubject: %s\nSnippet: %s", m.From, m.Subject, m.Snippet))
		}
		formatted = strings.Join(parts, "\n---\n")
	}
	if messages == nil {
		messages = []MailSummary{}
	}
	return encodeResult(map[string]any{
		"messages":  messages,
		"formatted": formatted,
	})
}

func (t *mailTools) send(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	args, err := decodeArgs[gmailSendArgs](call.Args)
	if err != nil {
		return nil, err
	}
	id, err := t.mailbox.Send(ctx, OutgoingMail{To: args.To, Subject: args.Subject, Body: args.Body})
	if err != nil {
		return nil, err
	}
	return encodeResult(map[string]any{
		"message_id": id,
		"message":    fmt.Sprintf("Email sent successfully to %s. Message ID: %s", args.To, id),
	})
}
