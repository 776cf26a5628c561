package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/scoutflo/mcp-platform/internal/errs"
	"github.com/scoutflo/mcp-platform/internal/manifest"
)

var trueStrings = map[string]bool{"true": true, "1": true, "yes": true, "on": true}
var falseStrings = map[string]bool{"false": true, "0": true, "no": true, "off": true}

// coerce converts a raw value (typically a string from CLI/env, but may
// already be a native type from a parsed config file) into the type
// declared by prop.
func coerce(key string, raw any, prop manifest.Property) (any, error) {
	switch prop.Type {
	case manifest.TypeBoolean:
		return coerceBool(key, raw)
	case manifest.TypeInteger:
		return coerceInt(key, raw)
	case manifest.TypeNumber:
		return coerceNumber(key, raw)
	case manifest.TypeArray:
		return coerceArray(key, raw, prop)
	case manifest.TypeObject:
		return coerceObject(key, raw)
	default: // string and anything unrecognized passes through
		return fmt.Sprintf("%v", raw), nil
	}
}

func coerceBool(key string, raw any) (any, error) {
	if b, ok := raw.(bool); ok {
		return b, nil
	}
	s := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", raw)))
	if trueStrings[s] {
		return true, nil
	}
	if falseStrings[s] {
		return false, nil
	}
	return nil, errs.ConfigTypeError(key, raw, "boolean")
}

func coerceInt(key string, raw any) (any, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int64(v)) {
			return nil, errs.ConfigTypeError(key, raw, "integer")
		}
		return int(v), nil
	}
	s := strings.TrimSpace(fmt.Sprintf("%v", raw))
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, errs.ConfigTypeError(key, raw, "integer")
	}
	return int(n), nil
}

func coerceNumber(key string, raw any) (any, error) {
	if f, ok := raw.(float64); ok {
		return f, nil
	}
	if n, ok := raw.(int); ok {
		return float64(n), nil
	}
	s := strings.TrimSpace(fmt.Sprintf("%v", raw))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, errs.ConfigTypeError(key, raw, "number")
	}
	return f, nil
}

func coerceArray(key string, raw any, prop manifest.Property) (any, error) {
	switch v := raw.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, strings.TrimSpace(fmt.Sprintf("%v", e)))
		}
		return out, nil
	case []string:
		out := make([]string, len(v))
		for i, e := range v {
			out[i] = strings.TrimSpace(e)
		}
		return out, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "[") {
			var arr []any
			if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
				return coerceArray(key, arr, prop)
			}
		}
		sep := prop.EnvSeparator
		if sep == "" {
			sep = ","
		}
		parts := strings.Split(v, sep)
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out, nil
	default:
		return nil, errs.ConfigTypeError(key, raw, "array")
	}
}

func coerceObject(key string, raw any) (any, error) {
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case string:
		var obj map[string]any
		if err := json.Unmarshal([]byte(v), &obj); err != nil {
			return nil, errs.ConfigTypeError(key, raw, "object")
		}
		return obj, nil
	default:
		return nil, errs.ConfigTypeError(key, raw, "object")
	}
}

// joinEnvValue renders a coerced value the way it should appear in the
// projected environment variable: arrays joined with env_separator, objects
// serialized to JSON, everything else via fmt.Sprintf.
func joinEnvValue(v any, prop manifest.Property) (string, error) {
	switch t := v.(type) {
	case []string:
		sep := prop.EnvSeparator
		if sep == "" {
			sep = ","
		}
		return strings.Join(t, sep), nil
	case map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case bool:
		if t {
			return "true", nil
		}
		return "false", nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}
