package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tier is the trust level a tool call needs. Tier1 is the strictest;
// TierNone (the zero value) means no extra scrutiny.
type Tier int

const (
	TierNone Tier = 0
	Tier1    Tier = 1
	Tier2    Tier = 2
	Tier3    Tier = 3
)

// rank orders tiers by strictness: lower rank means more scrutiny.
func (t Tier) rank() int {
	if t == TierNone {
		return 4
	}
	return int(t)
}

// AtMost reports whether t is at least as strict as other.
func (t Tier) AtMost(other Tier) bool {
	return t.rank() <= other.rank()
}

// Stricter returns whichever of a and b demands more scrutiny.
func Stricter(a, b Tier) Tier {
	if b.rank() < a.rank() {
		return b
	}
	return a
}

func (t Tier) Valid() bool {
	return t >= TierNone && t <= Tier3
}

func (t Tier) String() string {
	if t == TierNone {
		return "none"
	}
	return strconv.Itoa(int(t))
}

// ParseTier accepts "1", "2", "3", "tier1".."tier3" and "none" (or "").
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "tier")
	switch s {
	case "", "none":
		return TierNone, nil
	case "1":
		return Tier1, nil
	case "2":
		return Tier2, nil
	case "3":
		return Tier3, nil
	}
	return TierNone, fmt.Errorf("invalid tier %q (want 1, 2, 3 or none)", s)
}

func (t Tier) MarshalJSON() ([]byte, error) {
	if t == TierNone {
		return []byte(`"none"`), nil
	}
	return []byte(strconv.Itoa(int(t))), nil
}

func (t *Tier) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		return t.set(strconv.Itoa(n))
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("tier: %w", err)
	}
	return t.set(s)
}

func (t *Tier) UnmarshalYAML(node *yaml.Node) error {
	return t.set(node.Value)
}

func (t Tier) MarshalYAML() (any, error) {
	if t == TierNone {
		return "none", nil
	}
	return int(t), nil
}

func (t *Tier) set(s string) error {
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// SecurityLevel classifies what a tool call does to the outside world.
type SecurityLevel string

const (
	LevelRead  SecurityLevel = "read"
	LevelWrite SecurityLevel = "write"
	LevelSign  SecurityLevel = "sign"
)

func (l SecurityLevel) Valid() bool {
	switch l {
	case LevelRead, LevelWrite, LevelSign:
		return true
	}
	return false
}

// ConfirmationChannel selects how a human confirms an operation.
// Inline accepts a plain yes/no in the conversation; enumerated requires
// the approver to echo a one-time code from the prompt.
type ConfirmationChannel string

const (
	ConfirmInline     ConfirmationChannel = "inline"
	ConfirmEnumerated ConfirmationChannel = "enumerated"
)

func (c ConfirmationChannel) Valid() bool {
	return c == ConfirmInline || c == ConfirmEnumerated
}
