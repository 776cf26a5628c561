package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a user config file (JSON or YAML, detected by extension,
// falling back to content sniffing) from fs and returns it as a nested
// map[string]any, ready for Flatten.
func LoadFile(fs afero.Fs, path string) (map[string]any, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return map[string]any{}, nil
	}

	isJSON := strings.HasSuffix(path, ".json")
	isYAML := strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")

	var out map[string]any
	switch {
	case isJSON:
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("failed to parse %s as JSON: %w", path, err)
		}
	case isYAML:
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("failed to parse %s as YAML: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &out); err == nil {
			break
		}
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("failed to parse %s as JSON or YAML: %w", path, err)
		}
	}
	return normalizeYAMLMap(out), nil
}

// normalizeYAMLMap recursively converts map[any]any nodes (which yaml.v3 can
// still surface for deeply nested content under certain tags) into
// map[string]any so downstream flattening doesn't need two code paths.
func normalizeYAMLMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeYAMLMap(t)
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[fmt.Sprintf("%v", k)] = normalizeYAMLValue(vv)
		}
		return m
	case []any:
		arr := make([]any, len(t))
		for i, e := range t {
			arr[i] = normalizeYAMLValue(e)
		}
		return arr
	default:
		return v
	}
}

// Flatten walks a nested map and returns dotted-path leaf keys, e.g.
// {"security":{"read_only":true}} -> {"security.read_only": true}.
func Flatten(tree map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(tree, "", out)
	return out
}

func flattenInto(tree map[string]any, prefix string, out map[string]any) {
	for k, v := range tree {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && !looksLikeSchemaLeaf(nested) {
			flattenInto(nested, path, out)
			continue
		}
		out[path] = v
	}
}

// looksLikeSchemaLeaf reports whether a nested map is kept whole instead of
// being flattened. It always returns false: every nested map is flattened
// into dotted leaf keys, and Resolve does not reassemble them, so an
// `object`-typed property cannot take its value from a nested section of a
// config file (that section's leaves arrive as separate dotted keys).
func looksLikeSchemaLeaf(map[string]any) bool { return false }

// DunderToDot converts CLI-style double-underscore nesting
// ("security__read_only") into a dotted path ("security.read_only").
func DunderToDot(key string) string {
	return strings.ReplaceAll(key, "__", ".")
}

// ParseCLIPairs parses a list of "key=value" strings (as passed via
// `--config key=value`) into a flat dotted-key map of raw string values.
func ParseCLIPairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		idx := strings.Index(p, "=")
		if idx < 0 {
			return nil, fmt.Errorf("invalid --config entry %q, expected key=value", p)
		}
		key := DunderToDot(p[:idx])
		out[key] = p[idx+1:]
	}
	return out, nil
}
