package gate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"agentguard/internal/domain"
	"agentguard/internal/policy"
)

// replySender answers every prompt by routing a reply back into the gate.
type replySender struct {
	mu     sync.Mutex
	sent   []string
	gate   *Gate
	reply  func(prompt string) *domain.InboundMessage
	failOn int // 1-based send index that fails, 0 = never
}

func (s *replySender) Send(ctx context.Context, chatID, content string) error {
	s.mu.Lock()
	s.sent = append(s.sent, content)
	n := len(s.sent)
	s.mu.Unlock()
	if s.failOn == n {
		return errors.New("network down")
	}
	if s.reply != nil && n == 1 {
		if msg := s.reply(content); msg != nil {
			go s.gate.TryRoute(*msg)
		}
	}
	return nil
}

func (s *replySender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func baseRequest() Request {
	return Request{
		Channel:   "telegram",
		ChatID:    "u1",
		Requester: "u1",
		Tool:      "shell",
		Tier:      domain.Tier2,
		Level:     domain.LevelWrite,
		Params:    map[string]any{"command": "ls"},
		Mode:      domain.ConfirmInline,
		Allowed:   policy.AllowedUsers{AssigneeOnly: true},
		Timeout:   time.Second,
	}
}

func TestConfirm_InlineApproved(t *testing.T) {
	g := newGate()
	c := NewConfirmer(g)
	s := &replySender{gate: g, reply: func(string) *domain.InboundMessage {
		m := direct("telegram", "u1", "Yes!")
		return &m
	}}
	c.RegisterSender("telegram", s)

	d, err := c.Confirm(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !d.Approved || d.Status != StatusReplied {
		t.Fatalf("expected approval, got %+v", d)
	}
	if !d.Confirmation.Required || !d.Confirmation.Approved || d.Confirmation.Approver != "u1" {
		t.Fatalf("confirmation record %+v", d.Confirmation)
	}
	if d.Confirmation.LatencyMs < 0 {
		t.Fatalf("negative latency %d", d.Confirmation.LatencyMs)
	}
	if msgs := s.messages(); len(msgs) != 1 || !strings.Contains(msgs[0], "shell") {
		t.Fatalf("prompts sent: %v", msgs)
	}
}

func TestConfirm_InlineDenied(t *testing.T) {
	g := newGate()
	c := NewConfirmer(g)
	s := &replySender{gate: g, reply: func(string) *domain.InboundMessage {
		m := direct("telegram", "u1", "no")
		return &m
	}}
	c.RegisterSender("telegram", s)

	d, err := c.Confirm(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if d.Approved {
		t.Fatal("'no' approved the action")
	}
	if msgs := s.messages(); len(msgs) != 2 || !strings.HasPrefix(msgs[1], "Denied") {
		t.Fatalf("denial notice missing: %v", msgs)
	}
}

func TestConfirm_EnumeratedRequiresCode(t *testing.T) {
	for _, tc := range []struct {
		name  string
		reply func(prompt string) string
		want  bool
	}{
		{"echoes code", func(p string) string { return codeFrom(p) }, true},
		{"plain yes", func(string) string { return "yes" }, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g := newGate()
			c := NewConfirmer(g)
			s := &replySender{gate: g, reply: func(p string) *domain.InboundMessage {
				m := direct("telegram", "u1", tc.reply(p))
				return &m
			}}
			c.RegisterSender("telegram", s)

			req := baseRequest()
			req.Mode = domain.ConfirmEnumerated
			d, err := c.Confirm(context.Background(), req)
			if err != nil {
				t.Fatal(err)
			}
			if d.Approved != tc.want {
				t.Fatalf("approved = %v, want %v", d.Approved, tc.want)
			}
		})
	}
}

func codeFrom(prompt string) string {
	const marker = "Reply with code "
	i := strings.Index(prompt, marker)
	if i < 0 {
		return ""
	}
	return prompt[i+len(marker) : i+len(marker)+6]
}

func TestConfirm_Timeout(t *testing.T) {
	g := newGate()
	c := NewConfirmer(g)
	s := &replySender{gate: g}
	c.RegisterSender("telegram", s)

	req := baseRequest()
	req.Timeout = 30 * time.Millisecond
	d, err := c.Confirm(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if d.Approved || d.Status != StatusTimeout || d.Confirmation.Status != "timeout" {
		t.Fatalf("expected timeout, got %+v", d)
	}
	if msgs := s.messages(); len(msgs) != 2 || !strings.Contains(msgs[1], "timed out") {
		t.Fatalf("timeout notice missing: %v", msgs)
	}
}

func TestConfirm_NoSender(t *testing.T) {
	c := NewConfirmer(newGate())
	if _, err := c.Confirm(context.Background(), baseRequest()); !errors.Is(err, ErrNoSender) {
		t.Fatalf("expected ErrNoSender, got %v", err)
	}
}

func TestConfirm_SendFailureCancelsWaiter(t *testing.T) {
	g := newGate()
	c := NewConfirmer(g)
	c.RegisterSender("telegram", &replySender{gate: g, failOn: 1})

	if _, err := c.Confirm(context.Background(), baseRequest()); err == nil {
		t.Fatal("expected send error")
	}
	if g.Pending() != 0 {
		t.Fatal("waiter left behind after failed send")
	}
}

func TestKeyFor(t *testing.T) {
	req := baseRequest()
	if k, accept := KeyFor(req); k != (Key{"telegram", "u1", "u1"}) || accept != nil {
		t.Fatalf("direct key = %+v", k)
	}

	req.IsGroup = true
	req.ChatID = "g1"
	if k, _ := KeyFor(req); k != (Key{"telegram", "g1", "u1"}) {
		t.Fatalf("assignee-only group key = %+v", k)
	}

	req.Allowed = policy.AllowedUsers{IDs: []string{"u1", "u2"}}
	k, accept := KeyFor(req)
	if k != (Key{"telegram", "g1", AnyUser}) || accept == nil {
		t.Fatalf("open group key = %+v", k)
	}
	if !accept(domain.InboundMessage{SenderID: "u2"}) || accept(domain.InboundMessage{SenderID: "u3"}) {
		t.Fatal("accept filter does not follow allowed users")
	}
}

// buttonSender records which path each prompt took.
type buttonSender struct {
	replySender
	prompts int
}

func (s *buttonSender) SendPrompt(ctx context.Context, chatID, content string) error {
	s.mu.Lock()
	s.prompts++
	s.mu.Unlock()
	return s.Send(ctx, chatID, content)
}

func TestConfirm_InlineUsesPrompter(t *testing.T) {
	g := newGate()
	c := NewConfirmer(g)
	s := &buttonSender{replySender: replySender{gate: g, reply: func(string) *domain.InboundMessage {
		m := direct("telegram", "u1", "yes")
		return &m
	}}}
	c.RegisterSender("telegram", s)

	d, err := c.Confirm(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !d.Approved || s.prompts != 1 {
		t.Fatalf("approved=%v prompts=%d", d.Approved, s.prompts)
	}
}

func TestConfirm_EnumeratedSkipsPrompter(t *testing.T) {
	g := newGate()
	c := NewConfirmer(g)
	s := &buttonSender{replySender: replySender{gate: g}}
	c.RegisterSender("telegram", s)

	req := baseRequest()
	req.Mode = domain.ConfirmEnumerated
	req.Timeout = 20 * time.Millisecond
	if _, err := c.Confirm(context.Background(), req); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if s.prompts != 0 {
		t.Fatal("enumerated prompts must be typed, not pressed")
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("ü", 10) // 2 bytes each
	got := truncate(s, 5)
	if !utf8.ValidString(got) {
		t.Fatalf("invalid UTF-8: %q", got)
	}
	if got != "üü..." {
		t.Fatalf("truncate = %q", got)
	}
	if truncate("short", 10) != "short" {
		t.Fatal("short strings must pass through")
	}
}
