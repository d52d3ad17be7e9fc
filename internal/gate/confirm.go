package gate

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"agentguard/internal/audit"
	"agentguard/internal/domain"
	"agentguard/internal/policy"
)

// ErrNoSender is returned when no transport is registered for a channel.
var ErrNoSender = errors.New("no sender registered for channel")

// Sender delivers a prompt to a chat. domain.Channel satisfies it.
type Sender interface {
	Send(ctx context.Context, chatID, content string) error
}

// Prompter is implemented by transports that can attach approve/deny
// controls to an inline prompt. A control press must reach the bus as an
// ordinary inbound "yes" or "no" from the pressing user.
type Prompter interface {
	SendPrompt(ctx context.Context, chatID, content string) error
}

// Request describes one confirmation to obtain.
type Request struct {
	Channel   string
	ChatID    string // where the prompt is sent
	Requester string // user who triggered the call
	IsGroup   bool

	Tool    string
	Tier    domain.Tier
	Level   domain.SecurityLevel
	Params  map[string]any // already redacted
	Reason  string         // e.g. escalation cause
	Mode    domain.ConfirmationChannel
	Allowed policy.AllowedUsers
	Timeout time.Duration
}

// Decision is the interpreted result of a confirmation.
type Decision struct {
	Approved     bool
	Status       Status
	Reply        Reply
	Confirmation audit.Confirmation
}

// Confirmer sends prompts and interprets replies on top of a Gate.
type Confirmer struct {
	gate *Gate
	now  func() time.Time
	code func() (string, error)

	mu      sync.RWMutex
	senders map[string]Sender
}

func NewConfirmer(g *Gate) *Confirmer {
	return &Confirmer{
		gate:    g,
		now:     g.now,
		code:    oneTimeCode,
		senders: make(map[string]Sender),
	}
}

// RegisterSender installs the transport for channel.
func (c *Confirmer) RegisterSender(channel string, s Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.senders[channel] = s
}

func (c *Confirmer) sender(channel string) (Sender, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.senders[channel]
	return s, ok
}

// KeyFor returns the waiter key for req and an accept filter. Group prompts
// open to more than the requester are keyed on AnyUser.
func KeyFor(req Request) (Key, AcceptFunc) {
	target := req.Requester
	if req.IsGroup {
		target = req.ChatID
	}
	if !req.IsGroup || req.Allowed.AssigneeOnly || len(req.Allowed.IDs) == 0 {
		return Key{Channel: req.Channel, Target: target, User: req.Requester}, nil
	}
	allowed := req.Allowed
	requester := req.Requester
	return Key{Channel: req.Channel, Target: target, User: AnyUser}, func(msg domain.InboundMessage) bool {
		return allowed.Allows(requester, msg.SenderID)
	}
}

// Confirm registers a waiter, sends the prompt and blocks for the answer.
// The waiter is registered before the prompt goes out so a fast reply
// cannot be missed. An error means the prompt could not be delivered.
func (c *Confirmer) Confirm(ctx context.Context, req Request) (Decision, error) {
	s, ok := c.sender(req.Channel)
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrNoSender, req.Channel)
	}

	var code string
	if req.Mode == domain.ConfirmEnumerated {
		var err error
		if code, err = c.code(); err != nil {
			return Decision{}, fmt.Errorf("confirmation code: %w", err)
		}
	}

	key, accept := KeyFor(req)
	var opts []Option
	if accept != nil {
		opts = append(opts, WithAccept(accept))
	}
	requested := c.now()
	w := c.gate.Register(key, req.Timeout, opts...)

	if err := sendPrompt(ctx, s, req, FormatPrompt(req, code)); err != nil {
		w.Cancel()
		return Decision{}, fmt.Errorf("send confirmation prompt: %w", err)
	}

	reply := w.Wait(ctx)
	d := Decision{
		Status: reply.Status,
		Reply:  reply,
		Confirmation: audit.Confirmation{
			Required:    true,
			Channel:     req.Mode,
			Transport:   req.Channel,
			RequestedAt: requested,
			Status:      string(reply.Status),
		},
	}
	if reply.OK() {
		d.Approved = interpret(req.Mode, reply.Text, code)
		d.Confirmation.RespondedAt = reply.At
		d.Confirmation.Approver = reply.From
		d.Confirmation.LatencyMs = reply.At.Sub(requested).Milliseconds()
	}
	d.Confirmation.Approved = d.Approved

	if notice := resultNotice(req, d); notice != "" {
		// Best effort: the decision stands even if the notice is lost.
		_ = s.Send(context.WithoutCancel(ctx), req.ChatID, notice)
	}
	return d, nil
}

func sendPrompt(ctx context.Context, s Sender, req Request, prompt string) error {
	if p, ok := s.(Prompter); ok && req.Mode == domain.ConfirmInline {
		return p.SendPrompt(ctx, req.ChatID, prompt)
	}
	return s.Send(ctx, req.ChatID, prompt)
}

var approvals = map[string]bool{
	"y": true, "yes": true, "ok": true, "approve": true, "approved": true, "confirm": true, "allow": true,
}

func interpret(mode domain.ConfirmationChannel, text, code string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	if mode == domain.ConfirmEnumerated {
		return code != "" && text == code
	}
	return approvals[strings.TrimRight(text, ".!")]
}

// FormatPrompt renders the human-readable confirmation request.
func FormatPrompt(req Request, code string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Confirmation required: %s (tier %s, %s)\n", req.Tool, req.Tier, req.Level)
	if req.Reason != "" {
		fmt.Fprintf(&b, "Escalated: %s\n", req.Reason)
	}
	if len(req.Params) > 0 {
		if data, err := json.Marshal(req.Params); err == nil {
			fmt.Fprintf(&b, "Params: %s\n", truncate(string(data), 600))
		}
	}
	if req.Mode == domain.ConfirmEnumerated {
		fmt.Fprintf(&b, "Reply with code %s to approve; anything else denies.", code)
	} else {
		b.WriteString("Reply yes to approve or no to deny.")
	}
	if req.Timeout > 0 {
		fmt.Fprintf(&b, " Expires in %s.", req.Timeout.Round(time.Second))
	}
	return b.String()
}

func resultNotice(req Request, d Decision) string {
	switch d.Status {
	case StatusTimeout:
		return fmt.Sprintf("Confirmation for %s timed out; the action was not run.", req.Tool)
	case StatusSuperseded:
		return fmt.Sprintf("Confirmation for %s was replaced by a newer request; the earlier action was not run.", req.Tool)
	case StatusReplied:
		if !d.Approved {
			return fmt.Sprintf("Denied: %s was not run.", req.Tool)
		}
	}
	return ""
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func oneTimeCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
