package audit

import "strings"

// Redacted replaces the value of every sensitive parameter.
const Redacted = "[REDACTED]"

var sensitiveKeys = []string{
	"privatekey",
	"secret",
	"token",
	"password",
	"passwd",
	"mnemonic",
	"seedphrase",
	"apikey",
	"authorization",
	"credential",
}

// IsSensitiveKey matches key names case-insensitively by substring,
// ignoring '_', '-' and spaces ("Private_Key", "x-api-key").
func IsSensitiveKey(key string) bool {
	k := strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ', '.':
			return -1
		}
		return r
	}, strings.ToLower(key))
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of params with sensitive values replaced.
// Nested maps and slices are walked. Redact(Redact(p)) equals Redact(p).
func Redact(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if IsSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Redact(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	}
	return v
}
