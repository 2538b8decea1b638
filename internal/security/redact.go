package security

import "strings"

var sensitiveParamSubstrings = []string{
	"password",
	"secret",
	"token",
	"apikey",
	"api_key",
	"authorization",
	"cookie",
	"email",
	"phone",
}

// RedactParams returns a copy of params with sensitive keys replaced by
// "<redacted>", recursing into nested maps and slices.
func RedactParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out, _ := redactValue("", params).(map[string]any)
	return out
}

func redactValue(key string, v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			if isSensitiveKey(k) {
				out[k] = "<redacted>"
				continue
			}
			out[k] = redactValue(k, vv)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, vv := range t {
			out = append(out, redactValue(key, vv))
		}
		return out
	case []map[string]any:
		out := make([]any, 0, len(t))
		for _, vv := range t {
			out = append(out, redactValue(key, vv))
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(k string) bool {
	lk := strings.ToLower(k)
	for _, s := range sensitiveParamSubstrings {
		if strings.Contains(lk, s) {
			return true
		}
	}
	return false
}
