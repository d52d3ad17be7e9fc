package revoke

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"agentguard/internal/bus"
	"agentguard/internal/domain"
)

// ControlStore persists pause and emergency-stop state.
type ControlStore interface {
	PauseTool(ctx context.Context, tool, reason, by string) error
	SetEmergencyStop(ctx context.Context, active bool, reason string) error
}

// StoreHandlersConfig wires the default handlers.
type StoreHandlersConfig struct {
	Store           ControlStore
	Bus             domain.MessageBus // outbound notifications
	Events          *bus.EventBus
	OperatorChannel string // optional extra notification target
	OperatorChatID  string
	Logger          *slog.Logger
}

const actor = "auto-revoke"

// NewStoreHandlers returns handlers that persist pause/stop state in the
// store, announce revocations on the event bus and notify over chat.
func NewStoreHandlers(cfg StoreHandlersConfig) Handlers {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	emit := func(eventType string, t Trigger, extra map[string]any) {
		if cfg.Events == nil {
			return
		}
		payload := map[string]any{
			"rule":     t.Anomaly.RuleID,
			"severity": string(t.Anomaly.Severity),
			"details":  t.Anomaly.Details,
			"user":     t.Entry.User,
			"tool":     t.Entry.Tool,
			"auditId":  t.Entry.ID,
		}
		for k, v := range extra {
			payload[k] = v
		}
		cfg.Events.Emit(bus.Event{Type: eventType, Source: actor, Payload: payload})
	}

	return Handlers{
		RevokeSessionKey: func(ctx context.Context, t Trigger) error {
			logger.Warn("revoking session key", "subject", t.Subject(), "rule", t.Anomaly.RuleID)
			emit(bus.EventSessionRevoked, t, map[string]any{
				"subject":      t.Subject(),
				"sessionKeyId": t.Entry.SessionKeyID,
			})
			return nil
		},
		PauseTool: func(ctx context.Context, t Trigger) error {
			if cfg.Store == nil {
				return errors.New("no control store")
			}
			if err := cfg.Store.PauseTool(ctx, t.Entry.Tool, actor+": "+t.Anomaly.RuleID, actor); err != nil {
				return err
			}
			emit(bus.EventToolPaused, t, nil)
			return nil
		},
		EmergencyStop: func(ctx context.Context, t Trigger) error {
			if cfg.Store == nil {
				return errors.New("no control store")
			}
			reason := fmt.Sprintf("%s: %s", t.Anomaly.RuleID, t.Anomaly.Details)
			if err := cfg.Store.SetEmergencyStop(ctx, true, reason); err != nil {
				return err
			}
			emit(bus.EventEmergencyStop, t, map[string]any{"active": true})
			return nil
		},
		Notify: func(ctx context.Context, t Trigger, message string) error {
			emit(bus.EventAnomalyDetected, t, map[string]any{"message": message})
			if cfg.Bus == nil {
				return errors.New("no message bus")
			}
			if t.Entry.Channel != "" && t.Entry.User != "" {
				cfg.Bus.SendOutbound(domain.OutboundMessage{
					Channel: t.Entry.Channel,
					ChatID:  t.Entry.User,
					Content: message,
				})
			}
			if cfg.OperatorChannel != "" && cfg.OperatorChatID != "" &&
				(cfg.OperatorChannel != t.Entry.Channel || cfg.OperatorChatID != t.Entry.User) {
				cfg.Bus.SendOutbound(domain.OutboundMessage{
					Channel: cfg.OperatorChannel,
					ChatID:  cfg.OperatorChatID,
					Content: message,
				})
			}
			return nil
		},
	}
}
