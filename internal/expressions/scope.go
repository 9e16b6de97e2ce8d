package expressions

import "encoding/json"

// Layer names visible to templates, lowest precedence first.
const (
	LayerEnv           = "env"
	LayerConfig        = "config"
	LayerInitialInputs = "initial_inputs"
	LayerOutputs       = "outputs"
	LayerInputs        = "inputs"
	LayerContext       = "context"
	LayerAny           = "any"
)

// Scope holds every data layer available when resolving a node configuration.
// Inputs and InitialInputs are arbitrary values: only mappings contribute to
// the flattened "any" view.
type Scope struct {
	Env           map[string]any
	Config        map[string]any
	InitialInputs any
	Outputs       map[string]any
	Inputs        any
	Context       map[string]any
}

// Any overlays the layers in precedence order: env, config, initial inputs,
// outputs, inputs. Later layers win on conflicting keys.
func (s Scope) Any() map[string]any {
	out := make(map[string]any)
	for _, layer := range []any{s.Env, s.Config, s.InitialInputs, s.Outputs, s.Inputs} {
		m, ok := asMap(layer)
		if !ok {
			continue
		}
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// Data returns the named-layer data context passed to TemplateValue.
func (s Scope) Data() map[string]any {
	return map[string]any{
		LayerAny:           s.Any(),
		LayerEnv:           s.Env,
		LayerConfig:        s.Config,
		LayerInputs:        s.Inputs,
		LayerInitialInputs: s.InitialInputs,
		LayerOutputs:       s.Outputs,
		LayerContext:       s.Context,
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, m != nil
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, true
	default:
		return nil, false
	}
}

// --- Deep copy utilities ---

// DeepCopyMap creates a deep copy of a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopy(v)
	}
	return cp
}

// DeepCopy recursively copies maps and slices. Other values are returned as is.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopy(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
