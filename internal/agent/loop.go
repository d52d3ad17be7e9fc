package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"agentguard/internal/domain"
	"agentguard/internal/guard"
	"agentguard/internal/tool"
)

const (
	defaultConcurrency   = 5
	defaultRateBurst     = 5
	defaultRatePerMinute = 30.0
	maxRateWait          = 5 * time.Second
	maxReplyOutput       = 3000
)

// Loop consumes inbound chat messages and turns commands and agent tool
// calls into guarded tool invocations.
type Loop struct {
	guard       *guard.Guard
	tools       *tool.Registry
	bus         domain.MessageBus
	logger      *slog.Logger
	concurrency int
	limiters    *SenderLimiters
	started     time.Time
}

// LoopConfig holds all dependencies and tuning parameters for the loop.
type LoopConfig struct {
	Guard         *guard.Guard
	Tools         *tool.Registry
	Bus           domain.MessageBus
	Logger        *slog.Logger
	Concurrency   int // max messages handled in parallel (default 5)
	RateBurst     int
	RatePerMinute float64
}

// NewLoop creates a new dispatch loop with the given configuration.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = defaultRatePerMinute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loop{
		guard:       cfg.Guard,
		tools:       cfg.Tools,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		limiters:    NewSenderLimiters(cfg.RateBurst, cfg.RatePerMinute),
		started:     time.Now(),
	}
}

// Run consumes inbound messages and processes them with bounded concurrency.
// A handler blocked on a confirmation holds its slot; the reply itself is
// consumed by the bus interceptor and never queues behind it.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("dispatch loop started", "concurrency", l.concurrency)

	sem := make(chan struct{}, l.concurrency)
	inbound := l.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("dispatch loop stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				l.logger.Info("inbound channel closed, dispatch loop stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				l.processMessage(ctx, m)
			}(msg)
		}
	}
}

// processMessage handles one inbound message and sends any reply back
// through the bus.
func (l *Loop) processMessage(ctx context.Context, msg domain.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("message handler panicked", "channel", msg.Channel, "sender", msg.SenderID, "panic", r)
		}
	}()

	response := l.HandleMessage(ctx, msg)
	if response == "" {
		return
	}
	l.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: response,
		Format:  "markdown",
	})
}

// HandleMessage returns the reply for msg, or "" when nothing should be
// said. Non-command chatter in group chats is ignored.
func (l *Loop) HandleMessage(ctx context.Context, msg domain.InboundMessage) string {
	if cmd := ParseCommand(msg.Content); cmd != nil {
		return l.HandleCommand(ctx, cmd, msg)
	}
	calls := extractToolCallsFromContent(msg.Content)
	if len(calls) == 0 {
		if msg.IsGroup {
			return ""
		}
		return "Send /help for commands, or post a JSON tool call."
	}
	var replies []string
	for _, c := range calls {
		replies = append(replies, l.invoke(ctx, msg, c.Name, c.Arguments))
	}
	return strings.Join(replies, "\n\n")
}

// invoke runs one tool call through the guard and formats the outcome.
func (l *Loop) invoke(ctx context.Context, msg domain.InboundMessage, name string, params map[string]any) string {
	t := l.tools.Get(name)
	if t == nil {
		return fmt.Sprintf("unknown tool %q. Send /tools for the list.", name)
	}

	wctx, cancel := context.WithTimeout(ctx, maxRateWait)
	err := l.limiters.For(msg.Channel + ":" + msg.SenderID).Wait(wctx)
	cancel()
	if err != nil {
		l.logger.Warn("sender rate limited", "channel", msg.Channel, "sender", msg.SenderID, "tool", name)
		return "Rate limited. Try again shortly."
	}

	out := l.guard.Execute(ctx, guard.Call{
		Tool:    name,
		Params:  params,
		User:    msg.SenderID,
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		IsGroup: msg.IsGroup,
	}, t)
	return formatOutcome(name, out)
}

func formatOutcome(name string, out guard.Outcome) string {
	var sb strings.Builder
	switch {
	case out.Refused():
		fmt.Fprintf(&sb, "%s refused (%s): %s", name, out.Result, out.Reason)
	case out.Err != nil:
		fmt.Fprintf(&sb, "%s failed: %v", name, out.Err)
	default:
		fmt.Fprintf(&sb, "%s ok", name)
	}
	if out.AuditID != "" {
		fmt.Fprintf(&sb, " [audit %s]", out.AuditID)
	}
	if output := strings.TrimSpace(out.Output); output != "" {
		if len(output) > maxReplyOutput {
			output = output[:maxReplyOutput] + "\n... (truncated)"
		}
		sb.WriteString("\n```\n" + output + "\n```")
	}
	for _, a := range out.Actions {
		if a.Suppressed {
			continue
		}
		if a.Err != nil {
			fmt.Fprintf(&sb, "\nauto-revoke %s failed: %v", a.Action, a.Err)
			continue
		}
		fmt.Fprintf(&sb, "\nauto-revoke: %s (%s)", a.Action, a.Anomaly.RuleID)
	}
	return sb.String()
}
