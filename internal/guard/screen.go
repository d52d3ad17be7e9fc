package guard

import (
	"fmt"
	"regexp"
	"strings"
)

// Screen refuses calls whose command text matches a blocked pattern,
// whatever tier the policy assigns. Plain strings match as case-insensitive
// substrings; anything with regex metacharacters is compiled as a regex.
type Screen struct {
	blocked []*regexp.Regexp
	params  []string
}

// DefaultScreenParams are the parameters inspected for command text.
var DefaultScreenParams = []string{"command", "cmd", "path"}

func NewScreen(patterns []string, params []string) (*Screen, error) {
	compiled, err := compilePatterns(patterns)
	if err != nil {
		return nil, fmt.Errorf("invalid blocked pattern: %w", err)
	}
	if len(params) == 0 {
		params = DefaultScreenParams
	}
	return &Screen{blocked: compiled, params: params}, nil
}

// Check returns the matched pattern when a screened parameter is blocked.
func (s *Screen) Check(params map[string]any) (string, bool) {
	if s == nil || len(s.blocked) == 0 {
		return "", false
	}
	for _, key := range s.params {
		v, ok := params[key].(string)
		if !ok || v == "" {
			continue
		}
		v = strings.TrimSpace(v)
		for _, re := range s.blocked {
			if re.MatchString(v) {
				return re.String(), true
			}
		}
	}
	return "", false
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	return strings.ContainsAny(s, `()[]{}|^$.*+?\`)
}
