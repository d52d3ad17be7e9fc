package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"slices"
	"strings"

	"agentguard/internal/cooldown"
	"agentguard/internal/domain"

	"gopkg.in/yaml.v3"
)

// ErrInvalidDocument is wrapped by every parse or validation failure.
var ErrInvalidDocument = errors.New("invalid policy document")

// AssigneeOnlySentinel is the allowed_users value restricting confirmation
// to the user who triggered the call.
const AssigneeOnlySentinel = "assignee-only"

// Document is the parsed policy source.
type Document struct {
	Version   int              `yaml:"version" json:"version"`
	Tools     map[string]Entry `yaml:"tools" json:"tools,omitempty"`
	Wildcards []WildcardRule   `yaml:"wildcards" json:"wildcards,omitempty"`
	Fallback  *Entry           `yaml:"fallback" json:"fallback,omitempty"`
}

// Entry configures one tool or wildcard.
type Entry struct {
	Tier                domain.Tier                `yaml:"tier" json:"tier"`
	RequireConfirmation *bool                      `yaml:"require_confirmation,omitempty" json:"requireConfirmation,omitempty"`
	ConfirmationChannel domain.ConfirmationChannel `yaml:"confirmation_channel,omitempty" json:"confirmationChannel,omitempty"`
	AllowedUsers        AllowedUsers               `yaml:"allowed_users,omitempty" json:"allowedUsers"`
	Timeout             int                        `yaml:"timeout,omitempty" json:"timeout,omitempty"` // seconds
	Cooldown            *cooldown.Limits           `yaml:"cooldown,omitempty" json:"cooldown,omitempty"`
	Escalate            []Escalation               `yaml:"escalate,omitempty" json:"escalate,omitempty"`
}

// WildcardRule applies Entry to every tool name matching Pattern (path.Match syntax).
type WildcardRule struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Entry   `yaml:",inline"`
}

// Escalation tightens the tier when a numeric parameter exceeds a threshold,
// e.g. wallet transfers above a given amount.
type Escalation struct {
	Param string      `yaml:"param" json:"param"`
	Above float64     `yaml:"above" json:"above"`
	Tier  domain.Tier `yaml:"tier" json:"tier"`
}

// AllowedUsers lists who may answer a confirmation prompt. The zero value
// means assignee-only.
type AllowedUsers struct {
	AssigneeOnly bool
	IDs          []string
}

// Allows reports whether sender may confirm a call triggered by requester.
func (a AllowedUsers) Allows(requester, sender string) bool {
	if a.AssigneeOnly || len(a.IDs) == 0 {
		return sender == requester
	}
	return slices.Contains(a.IDs, sender)
}

func (a AllowedUsers) String() string {
	if a.AssigneeOnly || len(a.IDs) == 0 {
		return AssigneeOnlySentinel
	}
	return strings.Join(a.IDs, ",")
}

func (a *AllowedUsers) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value != AssigneeOnlySentinel {
			return fmt.Errorf("allowed_users: want a list of user ids or %q, got %q", AssigneeOnlySentinel, node.Value)
		}
		*a = AllowedUsers{AssigneeOnly: true}
		return nil
	case yaml.SequenceNode:
		var ids []string
		if err := node.Decode(&ids); err != nil {
			return fmt.Errorf("allowed_users: %w", err)
		}
		*a = AllowedUsers{IDs: ids}
		return nil
	}
	return fmt.Errorf("allowed_users: unsupported yaml node at line %d", node.Line)
}

func (a AllowedUsers) MarshalYAML() (any, error) {
	if a.AssigneeOnly || len(a.IDs) == 0 {
		return AssigneeOnlySentinel, nil
	}
	return a.IDs, nil
}

func (a AllowedUsers) MarshalJSON() ([]byte, error) {
	if a.AssigneeOnly || len(a.IDs) == 0 {
		return json.Marshal(AssigneeOnlySentinel)
	}
	return json.Marshal(a.IDs)
}

// DefaultDocument is used when no policy file exists: everything falls back
// to tier none without confirmation.
func DefaultDocument() *Document {
	return &Document{
		Version:  1,
		Fallback: &Entry{Tier: domain.TierNone},
	}
}

// Parse decodes and validates a YAML policy document.
func Parse(data []byte) (*Document, error) {
	doc := &Document{}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	if err := Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadFile reads and parses the policy file at path. A missing file returns
// an error satisfying errors.Is(err, fs.ErrNotExist).
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return doc, nil
}

// Validate checks tiers, channels, patterns and limits.
func Validate(doc *Document) error {
	var errs []string

	if doc.Version != 1 {
		errs = append(errs, fmt.Sprintf("version: unsupported version %d", doc.Version))
	}
	for name, e := range doc.Tools {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, "tools: empty tool name")
		}
		errs = append(errs, validateEntry("tools."+name, e)...)
	}
	for i, w := range doc.Wildcards {
		where := fmt.Sprintf("wildcards[%d]", i)
		if w.Pattern == "" {
			errs = append(errs, where+": pattern is required")
		} else if _, err := path.Match(w.Pattern, ""); err != nil {
			errs = append(errs, fmt.Sprintf("%s: bad pattern %q: %v", where, w.Pattern, err))
		}
		errs = append(errs, validateEntry(where, w.Entry)...)
	}
	if doc.Fallback != nil {
		errs = append(errs, validateEntry("fallback", *doc.Fallback)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidDocument, strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateEntry(where string, e Entry) []string {
	var errs []string
	if !e.Tier.Valid() {
		errs = append(errs, fmt.Sprintf("%s.tier: invalid tier %d", where, e.Tier))
	}
	if e.ConfirmationChannel != "" && !e.ConfirmationChannel.Valid() {
		errs = append(errs, fmt.Sprintf("%s.confirmation_channel: must be inline or enumerated", where))
	}
	if e.Timeout < 0 {
		errs = append(errs, where+".timeout: must be >= 0")
	}
	if e.Cooldown != nil && (e.Cooldown.MaxPerHour < 0 || e.Cooldown.MaxPerDay < 0) {
		errs = append(errs, where+".cooldown: limits must be >= 0")
	}
	for i, esc := range e.Escalate {
		if esc.Param == "" {
			errs = append(errs, fmt.Sprintf("%s.escalate[%d].param: required", where, i))
		}
		if esc.Tier == domain.TierNone || !esc.Tier.Valid() {
			errs = append(errs, fmt.Sprintf("%s.escalate[%d].tier: must be 1, 2 or 3", where, i))
		}
	}
	return errs
}
