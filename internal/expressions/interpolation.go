package expressions

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// placeholderPattern matches ${{ dotted.path }} references.
var placeholderPattern = regexp.MustCompile(`\$\{\{\s*([a-zA-Z0-9._\-]+)\s*\}\}`)

// TemplateValue substitutes every resolvable placeholder in value. Mappings
// and sequences are rebuilt recursively; value itself is never mutated.
// Non-string scalars are returned unchanged.
func TemplateValue(value any, data map[string]any) any {
	switch v := value.(type) {
	case string:
		return replaceValues(v, data)
	case map[string]any:
		return TemplateObject(v, data)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = TemplateValue(item, data)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = replaceValues(item, data)
		}
		return out
	default:
		return value
	}
}

// TemplateObject returns a new mapping with every value templated.
func TemplateObject(obj map[string]any, data map[string]any) map[string]any {
	if obj == nil {
		return nil
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = TemplateValue(v, data)
	}
	return out
}

// NodeConfig computes the effective configuration of a node from its static
// config and the layered scope. An empty config is returned as is.
func NodeConfig(scope Scope, config map[string]any) map[string]any {
	if len(config) == 0 {
		return config
	}
	scope.Config = config
	return TemplateObject(config, scope.Data())
}

// Lookup resolves a dotted path against data by sequential key lookup.
// Sequences are indexed by their decimal position.
func Lookup(data any, path string) (any, bool) {
	current := data
	for _, key := range strings.Split(path, ".") {
		switch c := current.(type) {
		case map[string]any:
			v, ok := c[key]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]string:
			v, ok := c[key]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			current = c[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func replaceValues(s string, data map[string]any) string {
	if !strings.Contains(s, "${{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(token string) string {
		path := placeholderPattern.FindStringSubmatch(token)[1]
		v, ok := Lookup(data, path)
		if !ok {
			return token
		}
		return Stringify(v)
	})
}

// Stringify renders a resolved value as substitution text.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// HasPlaceholder reports whether s holds at least one ${{ path }} placeholder.
func HasPlaceholder(s string) bool {
	return placeholderPattern.MatchString(s)
}
