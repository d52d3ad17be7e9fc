// Package guard runs one tool call through the control plane: controls,
// policy, cooldown, confirmation, two-phase audit and auto-revoke.
package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"agentguard/internal/audit"
	"agentguard/internal/bus"
	"agentguard/internal/domain"
	"agentguard/internal/gate"
	"agentguard/internal/metrics"
	"agentguard/internal/policy"
	"agentguard/internal/revoke"
	"agentguard/internal/store"
)

// Call is one tool invocation requested by the agent.
type Call struct {
	Tool         string
	Params       map[string]any
	User         string
	Channel      string
	ChatID       string // conversation the prompt goes to; defaults to User
	IsGroup      bool
	SessionKeyID string
}

// Executor runs the tool once the call is authorized. domain.Tool
// satisfies it.
type Executor interface {
	Level() domain.SecurityLevel
	Execute(ctx context.Context, params map[string]any) (string, error)
}

// Controls exposes the operator kill switches.
type Controls interface {
	EmergencyStop(ctx context.Context) (store.Control, error)
	IsPaused(ctx context.Context, tool string) (bool, string, error)
	IsRevoked(ctx context.Context, subject string) (bool, error)
}

// Confirmer obtains a human confirmation. *gate.Confirmer satisfies it.
type Confirmer interface {
	Confirm(ctx context.Context, req gate.Request) (gate.Decision, error)
}

// AuditLog is the two-phase audit writer. *audit.Logger satisfies it.
type AuditLog interface {
	PreLog(p audit.Partial) audit.PreLogResult
	Finalize(id string, result audit.Result, reason string, extra *audit.Extra) (audit.Entry, bool)
}

// Reactor receives every finalized entry. *revoke.Service satisfies it.
type Reactor interface {
	OnAuditEntry(ctx context.Context, entry audit.Entry) []revoke.ActionResult
}

// Config wires a Guard. Policy and Audit are required.
type Config struct {
	Policy    *policy.Engine
	Audit     AuditLog
	Confirmer Confirmer
	Controls  Controls
	Revoke    Reactor
	Screen    *Screen
	Events    *bus.EventBus
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Outcome is the guard's verdict on one call. Refusals are values, not
// errors; Err only carries a failure of the tool itself.
type Outcome struct {
	AuditID      string                `json:"auditId"`
	Result       audit.Result          `json:"result"`
	Reason       string                `json:"reason,omitempty"`
	Executed     bool                  `json:"executed"`
	Output       string                `json:"output,omitempty"`
	Err          error                 `json:"-"`
	Policy       policy.ResolvedPolicy `json:"policy"`
	Confirmation *audit.Confirmation   `json:"confirmation,omitempty"`
	AuditDurable bool                  `json:"auditDurable"`
	Actions      []revoke.ActionResult `json:"actions,omitempty"`
	Entry        audit.Entry           `json:"-"`
}

// Refused reports whether the tool was kept from running.
func (o Outcome) Refused() bool { return !o.Executed }

// Guard is safe for concurrent use.
type Guard struct {
	policy    *policy.Engine
	audit     AuditLog
	confirmer Confirmer
	controls  Controls
	revoke    Reactor
	screen    *Screen
	events    *bus.EventBus
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func New(cfg Config) (*Guard, error) {
	if cfg.Policy == nil {
		return nil, errors.New("guard: policy engine is required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("guard: audit log is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Guard{
		policy:    cfg.Policy,
		audit:     cfg.Audit,
		confirmer: cfg.Confirmer,
		controls:  cfg.Controls,
		revoke:    cfg.Revoke,
		screen:    cfg.Screen,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}, nil
}

// Policy returns the engine the guard resolves against.
func (g *Guard) Policy() *policy.Engine { return g.policy }

// Execute authorizes call and, when allowed, runs exec. Every attempt,
// refused or not, produces one intent and one outcome audit record and is
// fed to the auto-revoke reactor.
func (g *Guard) Execute(ctx context.Context, call Call, exec Executor) Outcome {
	level := exec.Level()
	if call.ChatID == "" {
		call.ChatID = call.User
	}
	pol := g.policy.ResolveCall(call.Tool, call.Params)

	if result, reason, refused := g.precheck(ctx, call, level, pol); refused {
		return g.refuse(ctx, call, level, pol, nil, result, reason)
	}

	var conf *audit.Confirmation
	if pol.RequireConfirmation {
		result, reason, c, approved := g.confirm(ctx, call, level, pol)
		conf = c
		if !approved {
			return g.refuse(ctx, call, level, pol, conf, result, reason)
		}
	}

	pre := g.audit.PreLog(g.partial(call, level, pol, conf))
	if !pre.OK {
		g.metrics.PreLogFailed()
		if level != domain.LevelRead {
			g.logger.Error("refusing call: audit pre-log not durable",
				"tool", call.Tool, "user", call.User, "level", level, "error", pre.Err)
			return g.finish(ctx, call, pol, conf, pre, audit.ResultError, "audit log unavailable", nil, false)
		}
		g.logger.Warn("audit pre-log buffered, running read-level call", "tool", call.Tool, "error", pre.Err)
	}

	g.policy.RecordCooldown(pol)
	g.emit(bus.EventToolAuthorized, call, pol, map[string]any{"auditId": pre.ID, "level": string(level)})

	start := g.now()
	output, err := exec.Execute(ctx, call.Params)
	duration := g.now().Sub(start)
	g.metrics.ToolDuration(call.Tool, duration)

	extra := &audit.Extra{Duration: duration, Confirmation: conf}
	result := audit.ResultSuccess
	if err != nil {
		result = audit.ResultError
		extra.Error = err.Error()
		g.logger.Warn("tool execution failed", "tool", call.Tool, "user", call.User, "error", err)
	}
	out := g.finish(ctx, call, pol, conf, pre, result, "", extra, true)
	out.Output = output
	out.Err = err
	return out
}

// precheck applies the kill switches, the command screen and cooldowns.
func (g *Guard) precheck(ctx context.Context, call Call, level domain.SecurityLevel, pol policy.ResolvedPolicy) (audit.Result, string, bool) {
	if g.controls != nil {
		stop, err := g.controls.EmergencyStop(ctx)
		if err != nil && level != domain.LevelRead {
			g.logger.Error("control store unavailable", "error", err)
			return audit.ResultError, "control store unavailable", true
		}
		if stop.Active {
			return audit.ResultEmergencyStopped, "emergency stop active: " + stop.Reason, true
		}

		paused, why, err := g.controls.IsPaused(ctx, call.Tool)
		if err != nil && level != domain.LevelRead {
			g.logger.Error("control store unavailable", "error", err)
			return audit.ResultError, "control store unavailable", true
		}
		if paused {
			return audit.ResultDenied, fmt.Sprintf("tool %s is paused: %s", call.Tool, why), true
		}

		revoked, err := g.controls.IsRevoked(ctx, store.Subject(call.SessionKeyID, call.User))
		if err != nil && level != domain.LevelRead {
			g.logger.Error("control store unavailable", "error", err)
			return audit.ResultError, "control store unavailable", true
		}
		if revoked {
			return audit.ResultDenied, "session revoked", true
		}
	}

	if pattern, blocked := g.screen.Check(call.Params); blocked {
		return audit.ResultDenied, "blocked by pattern " + pattern, true
	}

	if d := g.policy.CheckCooldown(pol); !d.Allowed {
		g.metrics.CooldownDenied(call.Tool)
		return audit.ResultDenied, d.Reason, true
	}
	return "", "", false
}

// confirm runs the write-gate for pol. approved is false when the call
// must not run; result and reason then describe the refusal.
func (g *Guard) confirm(ctx context.Context, call Call, level domain.SecurityLevel, pol policy.ResolvedPolicy) (audit.Result, string, *audit.Confirmation, bool) {
	unavailable := func(reason string) (audit.Result, string, *audit.Confirmation, bool) {
		conf := &audit.Confirmation{Required: true, Channel: pol.ConfirmationChannel, Transport: call.Channel}
		if pol.Escalated() {
			return audit.ResultEscalated, reason, conf, false
		}
		return audit.ResultError, reason, conf, false
	}
	if g.confirmer == nil {
		return unavailable("confirmation required but no confirmer configured")
	}

	reason := ""
	if pol.Escalated() {
		reason = pol.EscalatedBy
	}
	req := gate.Request{
		Channel:   call.Channel,
		ChatID:    call.ChatID,
		Requester: call.User,
		IsGroup:   call.IsGroup,
		Tool:      call.Tool,
		Tier:      pol.EffectiveTier,
		Level:     level,
		Params:    audit.Redact(call.Params),
		Reason:    reason,
		Mode:      pol.ConfirmationChannel,
		Allowed:   pol.AllowedUsers,
		Timeout:   pol.Timeout,
	}
	g.emit(bus.EventConfirmationRequested, call, pol, map[string]any{"mode": string(pol.ConfirmationChannel)})

	d, err := g.confirmer.Confirm(ctx, req)
	if err != nil {
		g.logger.Error("confirmation prompt failed", "tool", call.Tool, "channel", call.Channel, "error", err)
		return unavailable("confirmation unavailable: " + err.Error())
	}

	conf := d.Confirmation
	g.metrics.Confirmation(string(pol.ConfirmationChannel), string(d.Status), d.Approved,
		time.Duration(conf.LatencyMs)*time.Millisecond)
	g.emit(bus.EventConfirmationResolved, call, pol, map[string]any{
		"status":   string(d.Status),
		"approved": d.Approved,
		"approver": conf.Approver,
	})

	switch {
	case d.Approved:
		return "", "", &conf, true
	case d.Status == gate.StatusTimeout:
		return audit.ResultTimeout, "confirmation timed out", &conf, false
	case d.Status == gate.StatusSuperseded:
		return audit.ResultDenied, "superseded by a newer confirmation request", &conf, false
	case d.Status == gate.StatusCancelled:
		return audit.ResultDenied, "confirmation cancelled", &conf, false
	default:
		return audit.ResultDenied, "denied by " + d.Reply.From, &conf, false
	}
}

// refuse audits a call that never reaches the executor.
func (g *Guard) refuse(ctx context.Context, call Call, level domain.SecurityLevel, pol policy.ResolvedPolicy, conf *audit.Confirmation, result audit.Result, reason string) Outcome {
	pre := g.audit.PreLog(g.partial(call, level, pol, conf))
	if !pre.OK {
		g.metrics.PreLogFailed()
	}
	g.logger.Info("tool call refused", "tool", call.Tool, "user", call.User, "result", result, "reason", reason)
	return g.finish(ctx, call, pol, conf, pre, result, reason, nil, false)
}

// finish writes the outcome, reports it and feeds the reactor.
func (g *Guard) finish(ctx context.Context, call Call, pol policy.ResolvedPolicy, conf *audit.Confirmation, pre audit.PreLogResult, result audit.Result, reason string, extra *audit.Extra, executed bool) Outcome {
	if extra == nil {
		extra = &audit.Extra{Confirmation: conf}
	}
	out := Outcome{
		AuditID:      pre.ID,
		Result:       result,
		Reason:       reason,
		Executed:     executed,
		Policy:       pol,
		Confirmation: conf,
		AuditDurable: pre.OK,
	}

	entry, ok := g.audit.Finalize(pre.ID, result, reason, extra)
	g.metrics.Decision(call.Tool, string(result))

	eventType := bus.EventToolRefused
	if executed {
		eventType = bus.EventToolExecuted
	}
	g.emit(eventType, call, pol, map[string]any{
		"auditId": pre.ID,
		"result":  string(result),
		"reason":  reason,
	})

	if !ok {
		return out
	}
	out.Entry = entry
	if g.revoke != nil {
		out.Actions = g.revoke.OnAuditEntry(context.WithoutCancel(ctx), entry)
	}
	return out
}

func (g *Guard) partial(call Call, level domain.SecurityLevel, pol policy.ResolvedPolicy, conf *audit.Confirmation) audit.Partial {
	return audit.Partial{
		Tool:          call.Tool,
		Tier:          pol.Tier,
		EffectiveTier: pol.EffectiveTier,
		SecurityLevel: level,
		User:          call.User,
		Channel:       call.Channel,
		Params:        call.Params,
		SessionKeyID:  call.SessionKeyID,
		Confirmation:  conf,
	}
}

func (g *Guard) emit(eventType string, call Call, pol policy.ResolvedPolicy, extra map[string]any) {
	if g.events == nil {
		return
	}
	payload := map[string]any{
		"tool":          call.Tool,
		"user":          call.User,
		"channel":       call.Channel,
		"tier":          pol.Tier.String(),
		"effectiveTier": pol.EffectiveTier.String(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	g.events.Emit(bus.Event{Type: eventType, Source: "guard", Payload: payload})
}
