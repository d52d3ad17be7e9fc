package agent

import (
	"encoding/json"
	"strings"
)

// ToolCall is one tool invocation requested by an agent message.
type ToolCall struct {
	Name      string
	Arguments map[string]any
}

// extractToolCallsFromContent parses tool calls an agent posted as JSON.
// Handles several patterns:
//   - Pure JSON: `{"name":"shell","arguments":{...}}`
//   - Code-fenced: ```json\n{...}\n```
//   - Prefixed text: `assistant\n{"name":"shell",...}`
//   - Suffixed text: `{"name":"shell",...}\n\nI'll execute that.`
//   - Arrays of call objects
func extractToolCallsFromContent(content string) []ToolCall {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) >= 3 && strings.HasPrefix(lines[len(lines)-1], "```") {
			content = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}

	if calls := tryParseToolJSON(content); len(calls) > 0 {
		return calls
	}

	if start, end := findJSONBounds(content); start >= 0 && end > start {
		if calls := tryParseToolJSON(content[start:end]); len(calls) > 0 {
			return calls
		}
	}
	return nil
}

// parseParams decodes the JSON object after a /run tool name. Empty input
// is an empty parameter map.
func parseParams(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	params := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		if err2 := json.Unmarshal([]byte(sanitizeJSONEscapes(raw)), &params); err2 != nil {
			return nil, err
		}
	}
	return params, nil
}

// findJSONBounds locates the first top-level JSON object ({}) or array ([]) in s.
// Returns the start index and end+1 index, or (-1, -1) if not found.
func findJSONBounds(s string) (int, int) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return -1, -1
	}

	openChar := s[start]
	var closeChar byte
	if openChar == '{' {
		closeChar = '}'
	} else {
		closeChar = ']'
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' {
				i++
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case openChar:
			depth++
		case closeChar:
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}

type rawCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Arguments  map[string]any `json:"arguments"`
}

// tryParseToolJSON parses raw as a single call object or an array of them.
func tryParseToolJSON(raw string) []ToolCall {
	var single rawCall
	text := raw
	if err := json.Unmarshal([]byte(text), &single); err != nil {
		text = sanitizeJSONEscapes(text)
		_ = json.Unmarshal([]byte(text), &single)
	}
	if single.Name != "" {
		return []ToolCall{{
			Name:      normalizeToolName(single.Name),
			Arguments: coalesce(single.Parameters, single.Arguments),
		}}
	}

	var multi []rawCall
	if err := json.Unmarshal([]byte(text), &multi); err != nil {
		_ = json.Unmarshal([]byte(sanitizeJSONEscapes(raw)), &multi)
	}
	var calls []ToolCall
	for _, tc := range multi {
		if tc.Name == "" {
			continue
		}
		calls = append(calls, ToolCall{
			Name:      normalizeToolName(tc.Name),
			Arguments: coalesce(tc.Parameters, tc.Arguments),
		})
	}
	return calls
}

// normalizeToolName maps common spelling variations to registered names.
func normalizeToolName(name string) string {
	aliases := map[string]string{
		"readfile":   "read_file",
		"read-file":  "read_file",
		"writefile":  "write_file",
		"write-file": "write_file",
		"listdir":    "list_dir",
		"list-dir":   "list_dir",
		"sh":         "shell",
		"exec":       "shell",
	}
	if mapped, ok := aliases[strings.ToLower(name)]; ok {
		return mapped
	}
	return name
}

// coalesce returns the first non-nil map, or an empty map if both are nil.
func coalesce(a, b map[string]any) map[string]any {
	if a != nil {
		return a
	}
	if b != nil {
		return b
	}
	return make(map[string]any)
}

// sanitizeJSONEscapes drops the backslash from invalid JSON escapes such as
// \% or \Y. Valid escapes: \", \\, \/, \b, \f, \n, \r, \t, \uXXXX.
func sanitizeJSONEscapes(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' && (i == 0 || s[i-1] != '\\') {
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if inString && ch == '\\' && i+1 < len(s) {
			next := s[i+1]
			switch next {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				buf.WriteByte(ch)
			default:
				continue
			}
		} else {
			buf.WriteByte(ch)
		}
	}
	return buf.String()
}
