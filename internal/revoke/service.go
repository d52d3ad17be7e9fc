// Package revoke reacts to anomalies: it keeps a rolling window of finalized
// audit entries, runs the detector on each new one and dispatches the
// mapped action to injected handlers.
package revoke

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"agentguard/internal/anomaly"
	"agentguard/internal/audit"
	"agentguard/internal/store"
)

const (
	DefaultBufferSize = 100
	DefaultSuppress   = 10 * time.Minute
)

// Trigger is what a handler acts on: the entry that tripped the rule and
// the rule's result.
type Trigger struct {
	Entry   audit.Entry
	Anomaly anomaly.Result
}

// Subject is the revocation subject of the triggering caller.
func (t Trigger) Subject() string {
	return store.Subject(t.Entry.SessionKeyID, t.Entry.User)
}

// Handlers perform the actions. A nil handler makes its action a no-op
// that is reported as an error.
type Handlers struct {
	RevokeSessionKey func(ctx context.Context, t Trigger) error
	PauseTool        func(ctx context.Context, t Trigger) error
	Notify           func(ctx context.Context, t Trigger, message string) error
	EmergencyStop    func(ctx context.Context, t Trigger) error
}

// RevocationLog stores the side-channel record of automated revocations.
type RevocationLog interface {
	RecordRevocation(ctx context.Context, r store.Revocation) (int64, error)
}

// ActionResult reports one dispatched action.
type ActionResult struct {
	Anomaly    anomaly.Result `json:"anomaly"`
	Action     anomaly.Action `json:"action"`
	EntryID    string         `json:"entryId"`
	Suppressed bool           `json:"suppressed,omitempty"`
	Err        error          `json:"-"`
}

// Config configures a Service.
type Config struct {
	Detector      *anomaly.Detector
	Handlers      Handlers
	Revocations   RevocationLog
	BufferSize    int                       // rolling window; default DefaultBufferSize
	Actions       map[string]anomaly.Action // per-rule action overrides
	DisabledRules []string
	Suppress      time.Duration // repeat window per rule and subject; <0 disables
	Logger        *slog.Logger
	Now           func() time.Time
	OnAction      func(ActionResult)
}

// Service is the auto-revoke orchestrator.
type Service struct {
	mu   sync.Mutex
	buf  []audit.Entry
	size int
	last map[string]time.Time

	detector    *anomaly.Detector
	handlers    Handlers
	revocations RevocationLog
	actions     map[string]anomaly.Action
	disabled    map[string]bool
	suppress    time.Duration
	logger      *slog.Logger
	now         func() time.Time
	onAction    func(ActionResult)
}

func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Detector == nil {
		cfg.Detector = anomaly.NewDetector(anomaly.Config{Logger: cfg.Logger, Now: cfg.Now})
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Suppress == 0 {
		cfg.Suppress = DefaultSuppress
	}
	disabled := make(map[string]bool, len(cfg.DisabledRules))
	for _, id := range cfg.DisabledRules {
		disabled[id] = true
	}
	actions := make(map[string]anomaly.Action, len(cfg.Actions))
	for id, a := range cfg.Actions {
		actions[id] = a
	}
	return &Service{
		size:        cfg.BufferSize,
		last:        make(map[string]time.Time),
		detector:    cfg.Detector,
		handlers:    cfg.Handlers,
		revocations: cfg.Revocations,
		actions:     actions,
		disabled:    disabled,
		suppress:    cfg.Suppress,
		logger:      cfg.Logger,
		now:         cfg.Now,
		onAction:    cfg.OnAction,
	}
}

// Detector returns the service's detector.
func (s *Service) Detector() *anomaly.Detector { return s.detector }

// Window returns a copy of the rolling buffer, oldest first.
func (s *Service) Window() []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Entry(nil), s.buf...)
}

// OnAuditEntry records a finalized entry and acts on any anomalies. It
// never panics and never returns an error: handler failures are logged and
// reported in the results.
func (s *Service) OnAuditEntry(ctx context.Context, entry audit.Entry) []ActionResult {
	s.mu.Lock()
	if len(s.buf) >= s.size {
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
	}
	s.buf = append(s.buf, entry)
	window := append([]audit.Entry(nil), s.buf...)
	s.mu.Unlock()

	var results []ActionResult
	for _, a := range s.detector.Detect(window) {
		if s.disabled[a.RuleID] {
			continue
		}
		action := a.Action
		if override, ok := s.actions[a.RuleID]; ok {
			action = override
		}
		t := Trigger{Entry: entry, Anomaly: a}
		res := ActionResult{Anomaly: a, Action: action, EntryID: entry.ID}

		if s.suppressed(a.RuleID, t.Subject()) {
			res.Suppressed = true
		} else {
			s.logger.Warn("anomaly detected",
				"rule", a.RuleID, "severity", a.Severity, "action", action,
				"user", entry.User, "tool", entry.Tool, "details", a.Details)
			res.Err = s.dispatch(ctx, action, t)
			if res.Err != nil {
				s.logger.Error("auto-revoke action failed", "rule", a.RuleID, "action", action, "error", res.Err)
			}
		}
		results = append(results, res)
		if s.onAction != nil {
			s.onAction(res)
		}
	}
	return results
}

func (s *Service) suppressed(ruleID, subject string) bool {
	if s.suppress < 0 {
		return false
	}
	key := ruleID + "|" + subject
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.last[key]; ok && now.Sub(last) < s.suppress {
		return true
	}
	s.last[key] = now
	return false
}

func (s *Service) dispatch(ctx context.Context, action anomaly.Action, t Trigger) error {
	switch action {
	case anomaly.ActionRevokeSessionKey:
		return s.revoke(ctx, t)
	case anomaly.ActionPauseTool:
		return s.call("pause-tool", func() error { return callHandler(ctx, "pause-tool", s.handlers.PauseTool, t) })
	case anomaly.ActionNotify:
		return s.call("notify", func() error { return s.notify(ctx, t, noticeFor(t)) })
	case anomaly.ActionEmergencyStop:
		return s.call("emergency-stop", func() error { return callHandler(ctx, "emergency-stop", s.handlers.EmergencyStop, t) })
	}
	return fmt.Errorf("unknown action %q", action)
}

// revoke signals the credential subsystem, records the side-channel
// revocation, then tells the user.
func (s *Service) revoke(ctx context.Context, t Trigger) error {
	if err := s.call("revoke-session-key", func() error {
		return callHandler(ctx, "revoke-session-key", s.handlers.RevokeSessionKey, t)
	}); err != nil {
		return err
	}

	var errs []error
	if s.revocations != nil {
		err := s.call("record-revocation", func() error {
			_, err := s.revocations.RecordRevocation(ctx, store.Revocation{
				Subject:      t.Subject(),
				SessionKeyID: t.Entry.SessionKeyID,
				User:         t.Entry.User,
				Tool:         t.Entry.Tool,
				RuleID:       t.Anomaly.RuleID,
				Severity:     string(t.Anomaly.Severity),
				Details:      t.Anomaly.Details,
				AuditID:      t.Entry.ID,
				Automated:    true,
			})
			return err
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	msg := fmt.Sprintf("Your session was revoked automatically (%s: %s). Contact an operator to restore access.",
		t.Anomaly.RuleID, t.Anomaly.Details)
	if err := s.call("notify", func() error { return s.notify(ctx, t, msg) }); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("revoke follow-up: %v", errs)
	}
	return nil
}

func (s *Service) notify(ctx context.Context, t Trigger, msg string) error {
	if s.handlers.Notify == nil {
		return fmt.Errorf("no notify handler")
	}
	return s.handlers.Notify(ctx, t, msg)
}

// call runs fn and turns a panic into an error.
func (s *Service) call(name string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s handler panic: %v", name, p)
		}
	}()
	return fn()
}

func callHandler(ctx context.Context, name string, h func(context.Context, Trigger) error, t Trigger) error {
	if h == nil {
		return fmt.Errorf("no %s handler", name)
	}
	return h(ctx, t)
}

func noticeFor(t Trigger) string {
	return fmt.Sprintf("[%s] anomaly %s on %s by %s: %s",
		t.Anomaly.Severity, t.Anomaly.RuleID, t.Entry.Tool, t.Entry.User, t.Anomaly.Details)
}
