// Package anomaly evaluates rules over a window of recent audit entries.
package anomaly

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"agentguard/internal/audit"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action is what the auto-revoke service does when a rule fires.
type Action string

const (
	ActionRevokeSessionKey Action = "revoke-session-key"
	ActionPauseTool        Action = "pause-tool"
	ActionNotify           Action = "notify"
	ActionEmergencyStop    Action = "emergency-stop"
)

func (a Action) Valid() bool {
	switch a {
	case ActionRevokeSessionKey, ActionPauseTool, ActionNotify, ActionEmergencyStop:
		return true
	}
	return false
}

// CheckFunc inspects entries (oldest first) and reports whether the rule
// fires, with human-readable details.
type CheckFunc func(entries []audit.Entry, now time.Time) (bool, string)

// Rule is one anomaly check and its default response.
type Rule struct {
	ID          string
	Description string
	Severity    Severity
	Action      Action
	Check       CheckFunc
}

// Result is a fired rule. It is never persisted.
type Result struct {
	RuleID   string   `json:"ruleId"`
	Severity Severity `json:"severity"`
	Action   Action   `json:"action"`
	Details  string   `json:"details,omitempty"`
}

// Config configures a Detector.
type Config struct {
	Rules  []Rule // nil means DefaultRules()
	Logger *slog.Logger
	Now    func() time.Time
}

// Detector runs every rule on every call. The rule table is replaced
// atomically, so Detect never sees a partial update.
type Detector struct {
	rules  atomic.Pointer[[]Rule]
	mu     sync.Mutex // serializes writers
	logger *slog.Logger
	now    func() time.Time
}

func NewDetector(cfg Config) *Detector {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	d := &Detector{logger: cfg.Logger, now: cfg.Now}
	d.store(slices.Clone(rules))
	return d
}

func (d *Detector) store(rules []Rule) { d.rules.Store(&rules) }

// Rules returns a copy of the current rule table.
func (d *Detector) Rules() []Rule {
	return slices.Clone(*d.rules.Load())
}

// Add appends r, replacing any rule with the same id.
func (d *Detector) Add(r Rule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := slices.DeleteFunc(d.Rules(), func(x Rule) bool { return x.ID == r.ID })
	d.store(append(next, r))
}

// Remove drops the rule with id and reports whether it existed.
func (d *Detector) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := d.Rules()
	next := slices.DeleteFunc(slices.Clone(cur), func(x Rule) bool { return x.ID == id })
	if len(next) == len(cur) {
		return false
	}
	d.store(next)
	return true
}

// Detect evaluates all rules against entries. A rule that panics is logged
// and skipped; the others still run.
func (d *Detector) Detect(entries []audit.Entry) []Result {
	now := d.now()
	var results []Result
	for _, r := range *d.rules.Load() {
		fired, details, ok := d.run(r, entries, now)
		if !ok || !fired {
			continue
		}
		results = append(results, Result{
			RuleID:   r.ID,
			Severity: r.Severity,
			Action:   r.Action,
			Details:  details,
		})
	}
	return results
}

func (d *Detector) run(r Rule, entries []audit.Entry, now time.Time) (fired bool, details string, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("anomaly rule panicked", "rule", r.ID, "panic", fmt.Sprint(p))
			ok = false
		}
	}()
	fired, details = r.Check(entries, now)
	return fired, details, true
}
