package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"agentguard/internal/cooldown"
	"agentguard/internal/domain"
)

// Default confirmation timeouts per tier.
const (
	DefaultTier1Timeout = 120 * time.Second
	DefaultTimeout      = 60 * time.Second
)

// Resolution sources reported in ResolvedPolicy.Source.
const (
	SourceExact    = "exact"
	SourceWildcard = "wildcard"
	SourceFallback = "fallback"
)

// ResolvedPolicy is the immutable result of resolving one tool call.
type ResolvedPolicy struct {
	Tool                string                     `json:"tool"`
	Tier                domain.Tier                `json:"tier"`
	EffectiveTier       domain.Tier                `json:"effectiveTier"`
	RequireConfirmation bool                       `json:"requireConfirmation"`
	ConfirmationChannel domain.ConfirmationChannel `json:"confirmationChannel"`
	AllowedUsers        AllowedUsers               `json:"allowedUsers"`
	Timeout             time.Duration              `json:"-"`
	Cooldown            *cooldown.Limits           `json:"cooldown,omitempty"`
	Source              string                     `json:"source"`
	Pattern             string                     `json:"pattern,omitempty"`
	EscalatedBy         string                     `json:"escalatedBy,omitempty"`

	escalate []Escalation
}

// Escalated reports whether parameter escalation tightened the tier.
func (p ResolvedPolicy) Escalated() bool {
	return p.EffectiveTier != p.Tier
}

func (p ResolvedPolicy) MarshalJSON() ([]byte, error) {
	type alias ResolvedPolicy
	return json.Marshal(struct {
		alias
		TimeoutSeconds float64 `json:"timeoutSeconds"`
	}{alias(p), p.Timeout.Seconds()})
}

// Cache holds the current policy document. The Engine is its only writer;
// readers always see either the old or the new document in full.
type Cache struct {
	doc atomic.Pointer[Document]
}

func NewCache(doc *Document) *Cache {
	c := &Cache{}
	if doc == nil {
		doc = DefaultDocument()
	}
	c.doc.Store(doc)
	return c
}

func (c *Cache) Load() *Document {
	return c.doc.Load()
}

// Replace swaps in doc and returns the previous document.
func (c *Cache) Replace(doc *Document) *Document {
	return c.doc.Swap(doc)
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Path      string // policy YAML; empty means built-in default only
	Bootstrap bool   // write a template to Path on the first miss if it does not exist
	Tracker   *cooldown.Tracker
	Logger    *slog.Logger
}

// Engine resolves tool names to policies and enforces cooldowns.
type Engine struct {
	path      string
	bootstrap bool
	cache     *Cache
	tracker   *cooldown.Tracker
	logger    *slog.Logger

	reloadMu      sync.Mutex
	missing       atomic.Bool
	bootstrapOnce sync.Once
}

// NewEngine loads the policy file. A missing file is not an error.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = cooldown.NewTracker(nil)
	}
	e := &Engine{
		path:      cfg.Path,
		bootstrap: cfg.Bootstrap,
		cache:     NewCache(nil),
		tracker:   tracker,
		logger:    logger,
	}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads the policy file and atomically replaces the cached
// document. On a parse or validation error the previous document stays.
func (e *Engine) Reload() error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	if e.path == "" {
		e.missing.Store(true)
		e.cache.Replace(DefaultDocument())
		return nil
	}

	doc, err := LoadFile(e.path)
	if errors.Is(err, fs.ErrNotExist) {
		if !e.missing.Load() {
			e.logger.Info("policy file not found, using built-in default", "path", e.path)
		}
		e.missing.Store(true)
		e.cache.Replace(DefaultDocument())
		return nil
	}
	if err != nil {
		return err
	}

	e.missing.Store(false)
	e.cache.Replace(doc)
	e.logger.Info("policy loaded", "path", e.path,
		"tools", len(doc.Tools), "wildcards", len(doc.Wildcards))
	return nil
}

// Cache exposes the engine's document cache.
func (e *Engine) Cache() *Cache { return e.cache }

// Document returns the current policy document.
func (e *Engine) Document() *Document { return e.cache.Load() }

// Tracker returns the cooldown tracker.
func (e *Engine) Tracker() *cooldown.Tracker { return e.tracker }

// Path returns the policy file path.
func (e *Engine) Path() string { return e.path }

// Resolve looks up tool: exact entry, then wildcards in declaration order,
// then the fallback. It never fails.
func (e *Engine) Resolve(tool string) ResolvedPolicy {
	doc := e.cache.Load()

	if entry, ok := doc.Tools[tool]; ok {
		return resolveEntry(tool, entry, SourceExact, "")
	}
	for _, w := range doc.Wildcards {
		if ok, _ := path.Match(w.Pattern, tool); ok {
			return resolveEntry(tool, w.Entry, SourceWildcard, w.Pattern)
		}
	}

	e.maybeBootstrap()

	fallback := Entry{Tier: domain.TierNone}
	if doc.Fallback != nil {
		fallback = *doc.Fallback
	}
	return resolveEntry(tool, fallback, SourceFallback, "")
}

// ResolveCall resolves tool and applies parameter escalation rules.
// Escalation can only make the effective tier stricter.
func (e *Engine) ResolveCall(tool string, params map[string]any) ResolvedPolicy {
	p := e.Resolve(tool)
	for _, esc := range p.escalate {
		v, ok := numericParam(params, esc.Param)
		if !ok || v <= esc.Above {
			continue
		}
		next := domain.Stricter(p.EffectiveTier, esc.Tier)
		if next != p.EffectiveTier {
			p.EffectiveTier = next
			p.EscalatedBy = fmt.Sprintf("%s > %s", esc.Param, strconv.FormatFloat(esc.Above, 'f', -1, 64))
		}
	}
	if p.Escalated() {
		if tierRequiresConfirmation(p.EffectiveTier) {
			p.RequireConfirmation = true
		}
		if p.EffectiveTier == domain.Tier1 {
			p.ConfirmationChannel = domain.ConfirmEnumerated
		}
		if t := defaultTimeout(p.EffectiveTier); t > p.Timeout {
			p.Timeout = t
		}
	}
	return p
}

// CheckCooldown is a read-only cooldown check for a resolved policy.
func (e *Engine) CheckCooldown(p ResolvedPolicy) cooldown.Decision {
	return e.tracker.Check(p.Tool, p.Cooldown)
}

// RecordCooldown counts one permitted call.
func (e *Engine) RecordCooldown(p ResolvedPolicy) {
	e.tracker.Record(p.Tool, p.Cooldown)
}

func (e *Engine) maybeBootstrap() {
	if !e.bootstrap || e.path == "" || !e.missing.Load() {
		return
	}
	e.bootstrapOnce.Do(func() {
		created, err := WriteTemplate(e.path)
		switch {
		case err != nil:
			e.logger.Warn("policy template bootstrap failed", "path", e.path, "error", err)
		case created:
			e.logger.Info("wrote policy template; edit it and reload", "path", e.path)
		}
	})
}

func resolveEntry(tool string, e Entry, source, pattern string) ResolvedPolicy {
	require := tierRequiresConfirmation(e.Tier)
	if e.RequireConfirmation != nil {
		require = *e.RequireConfirmation
	}

	channel := e.ConfirmationChannel
	if channel == "" {
		channel = domain.ConfirmInline
		if e.Tier == domain.Tier1 {
			channel = domain.ConfirmEnumerated
		}
	}

	timeout := time.Duration(e.Timeout) * time.Second
	if timeout == 0 {
		timeout = defaultTimeout(e.Tier)
	}

	allowed := e.AllowedUsers
	if len(allowed.IDs) == 0 {
		allowed = AllowedUsers{AssigneeOnly: true}
	} else {
		allowed.IDs = append([]string(nil), allowed.IDs...)
	}

	var limits *cooldown.Limits
	if e.Cooldown != nil {
		l := *e.Cooldown
		limits = &l
	}

	return ResolvedPolicy{
		Tool:                tool,
		Tier:                e.Tier,
		EffectiveTier:       e.Tier,
		RequireConfirmation: require,
		ConfirmationChannel: channel,
		AllowedUsers:        allowed,
		Timeout:             timeout,
		Cooldown:            limits,
		Source:              source,
		Pattern:             pattern,
		escalate:            e.Escalate,
	}
}

func tierRequiresConfirmation(t domain.Tier) bool {
	return t == domain.Tier1 || t == domain.Tier2
}

func defaultTimeout(t domain.Tier) time.Duration {
	if t == domain.Tier1 {
		return DefaultTier1Timeout
	}
	return DefaultTimeout
}

func numericParam(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
