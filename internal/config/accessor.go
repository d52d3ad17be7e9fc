package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Paths use the JSON field names joined by dots, e.g. "audit.bufferSize" or
// "autoRevoke.actions.sign-errors".

// GetByPath returns the value at path as it appears in the JSON form.
func GetByPath(cfg *Config, path string) (any, error) {
	root, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	var cur any = root
	for _, key := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("invalid array index %q in %s", key, path)
			}
			cur = node[i]
		default:
			return nil, fmt.Errorf("%s: %T has no field %q", path, cur, key)
		}
	}
	return cur, nil
}

// SetByPath parses raw into the type of the field at path and stores it.
// Unknown fields are rejected. The result is not validated; callers run
// Validate before saving.
func SetByPath(cfg *Config, path, raw string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	root, err := toTree(cfg)
	if err != nil {
		return err
	}

	keys := strings.Split(path, ".")
	parent := root
	for _, key := range keys[:len(keys)-1] {
		switch next := parent[key].(type) {
		case map[string]any:
			parent = next
		case nil:
			// Empty maps and omitempty structs are absent from the tree.
			m := make(map[string]any)
			parent[key] = m
			parent = m
		default:
			return fmt.Errorf("%s: %q is a %T, not an object", path, key, next)
		}
	}

	last := keys[len(keys)-1]
	candidates, err := coerce(parent[last], raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, val := range candidates {
		parent[last] = val
		var updated Config
		if err = decodeStrict(root, &updated); err == nil {
			*cfg = updated
			return nil
		}
	}
	return fmt.Errorf("%s: %w", path, err)
}

func decodeStrict(root map[string]any, cfg *Config) error {
	data, err := json.Marshal(root)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// coerce converts raw to the JSON type of the current value. Null fields
// carry no type, so every plausible reading is returned in order.
func coerce(current any, raw string) ([]any, error) {
	switch current.(type) {
	case string:
		return []any{raw}, nil
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("want true or false, got %q", raw)
		}
		return []any{b}, nil
	case float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("want a number, got %q", raw)
		}
		return []any{f}, nil
	case []any:
		return []any{splitList(raw)}, nil
	case map[string]any:
		return nil, fmt.Errorf("cannot replace an object with %q", raw)
	}
	var out []any
	if b, err := strconv.ParseBool(raw); err == nil {
		out = append(out, b)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		out = append(out, f)
	}
	return append(out, raw, splitList(raw)), nil
}

// splitList reads a comma-separated value as a list of strings.
func splitList(raw string) []any {
	list := []any{}
	if raw == "" {
		return list
	}
	for _, item := range strings.Split(raw, ",") {
		list = append(list, strings.TrimSpace(item))
	}
	return list
}

// Sanitize returns a copy of cfg with every credential field masked. A field
// is a credential when its JSON name ends in token, key, secret or password.
func Sanitize(cfg *Config) *Config {
	root, err := toTree(cfg)
	if err != nil {
		return &Config{}
	}
	maskSecrets(root)
	data, err := json.Marshal(root)
	if err != nil {
		return &Config{}
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return &Config{}
	}
	return &out
}

func maskSecrets(node map[string]any) {
	for k, v := range node {
		switch val := v.(type) {
		case map[string]any:
			maskSecrets(val)
		case string:
			if isSecretKey(k) && val != "" {
				node[k] = mask(val)
			}
		}
	}
}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	for _, suffix := range []string{"token", "key", "secret", "password"} {
		if strings.HasSuffix(k, suffix) {
			return true
		}
	}
	return false
}

// mask keeps four characters at each end of long values.
func mask(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf path with its current value. Lists are leaves.
func ListPaths(cfg *Config) map[string]any {
	root, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for k, v := range node {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(p, child)
				continue
			}
			out[p] = v
		}
	}
	walk("", root)
	return out
}

// toTree returns cfg in its generic JSON form.
func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	return root, nil
}
