package nodes

import (
	"encoding/json"
	"strconv"
	"time"
)

// --- Param helpers ---

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		// Templated values arrive as text.
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return defaultVal
		}
		return parsed
	}
	return defaultVal
}

func stringSliceParam(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	switch arr := v.(type) {
	case []string:
		return arr
	case []any:
		result := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	}
	return nil
}

func stringMapParam(m map[string]any, key string) map[string]string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	result := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}

func mapParam(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

// durationParam accepts a Go duration string or a number of milliseconds.
func durationParam(m map[string]any, key string, defaultVal time.Duration) time.Duration {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch d := v.(type) {
	case string:
		if parsed, err := time.ParseDuration(d); err == nil {
			return parsed
		}
		if ms, err := strconv.ParseFloat(d, 64); err == nil {
			return time.Duration(ms * float64(time.Millisecond))
		}
	case int:
		return time.Duration(d) * time.Millisecond
	case int64:
		return time.Duration(d) * time.Millisecond
	case float64:
		return time.Duration(d * float64(time.Millisecond))
	case json.Number:
		if ms, err := d.Float64(); err == nil {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	return defaultVal
}
