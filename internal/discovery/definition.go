package discovery

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/control/internal/engine"
	"github.com/rendis/control/pkg/schema"
)

// Definition declares a node type derived from an existing one. Its config is
// the default configuration; per-node config in a graph overrides it key by key.
type Definition struct {
	Type        string         `json:"type" yaml:"type"`
	Extends     string         `json:"extends" yaml:"extends"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// Source is the file the definition was read from.
	Source string `json:"-" yaml:"-"`
}

// supportedExt lists the definition file extensions read from node directories.
var supportedExt = map[string]bool{".json": true, ".yaml": true, ".yml": true}

// ReadDir reads every definition file in dir. Dot files and subdirectories
// are skipped; any other file must hold recognizable definitions.
func ReadDir(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDiscovery, "read node directory %s: %v", dir, err).WithCause(err)
	}

	var defs []Definition
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		found, err := ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, found...)
	}
	return defs, nil
}

// ReadFile reads the definitions held by one file: a single definition, a
// list of definitions, or a mapping of type tag to definition.
func ReadFile(path string) ([]Definition, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !supportedExt[ext] {
		return nil, invalidFile(path, fmt.Sprintf("unsupported extension %q", ext))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDiscovery, "read node file %s: %v", path, err).WithCause(err)
	}

	var doc any
	if ext == ".json" {
		err = json.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, invalidFile(path, err.Error())
	}

	defs, err := fromDocument(doc)
	if err != nil {
		return nil, invalidFile(path, err.Error())
	}
	for i := range defs {
		defs[i].Source = path
	}
	return defs, nil
}

func invalidFile(path, reason string) error {
	return schema.NewErrorf(schema.ErrCodeDiscovery,
		"cannot read node file %s: export a node definition, a list of definitions or a mapping of definitions (%s)",
		path, reason).
		WithDetails(map[string]any{"file": path})
}

func fromDocument(doc any) ([]Definition, error) {
	switch v := doc.(type) {
	case []any:
		defs := make([]Definition, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("entry %d is not a mapping", i)
			}
			d, err := fromMap(m, "")
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			defs = append(defs, d)
		}
		return defs, nil

	case map[string]any:
		if _, single := v["type"].(string); single {
			d, err := fromMap(v, "")
			if err != nil {
				return nil, err
			}
			return []Definition{d}, nil
		}

		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) == 0 {
			return nil, fmt.Errorf("empty mapping")
		}

		defs := make([]Definition, 0, len(keys))
		for _, k := range keys {
			m, ok := v[k].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("entry %q is not a mapping", k)
			}
			d, err := fromMap(m, k)
			if err != nil {
				return nil, fmt.Errorf("entry %q: %w", k, err)
			}
			defs = append(defs, d)
		}
		return defs, nil
	}
	return nil, fmt.Errorf("unexpected document of type %T", doc)
}

// fromMap decodes one definition; fallbackType is used when "type" is absent.
func fromMap(m map[string]any, fallbackType string) (Definition, error) {
	d := Definition{Type: fallbackType}
	if s, ok := m["type"].(string); ok && s != "" {
		d.Type = s
	}
	d.Extends, _ = m["extends"].(string)
	d.Description, _ = m["description"].(string)
	if raw, ok := m["config"]; ok && raw != nil {
		cfg, ok := raw.(map[string]any)
		if !ok {
			return Definition{}, fmt.Errorf("config must be a mapping")
		}
		d.Config = cfg
	}

	if d.Type == "" {
		return Definition{}, fmt.Errorf("missing type")
	}
	if d.Extends == "" {
		return Definition{}, fmt.Errorf("type %s: missing extends", d.Type)
	}
	return d, nil
}

// derive builds the node type described by d on top of base. The base
// defaults stay underneath the definition's own config.
func derive(d Definition, base engine.NodeType) engine.NodeType {
	desc := d.Description
	if desc == "" {
		desc = base.Description
	}

	var defaults map[string]any
	if len(base.Defaults) > 0 || len(d.Config) > 0 {
		defaults = maps.Clone(base.Defaults)
		if defaults == nil {
			defaults = make(map[string]any, len(d.Config))
		}
		maps.Copy(defaults, d.Config)
	}

	return engine.NodeType{
		Tag:         d.Type,
		Mode:        base.Mode,
		Description: desc,
		Defaults:    defaults,
		New:         base.New,
	}
}
