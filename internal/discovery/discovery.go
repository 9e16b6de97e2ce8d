// Package discovery collects the node types a worker registers: built-ins,
// in-process plugin catalogs, plugin directories, and derived types declared
// in node directories.
package discovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rendis/control/internal/engine"
	"github.com/rendis/control/internal/nodes"
	"github.com/rendis/control/pkg/schema"
)

// ManifestNames are the files looked up in a plugin directory. The manifest
// names the subdirectory holding the plugin's node definitions.
var ManifestNames = []string{"control.json", "control.yaml", "control.yml"}

type manifest struct {
	Directory string `json:"directory" yaml:"directory"`
}

var (
	catalogMu sync.RWMutex
	catalog   = map[string][]engine.NodeType{}
)

// RegisterPlugin publishes a named catalog of node types that workers can
// load with Options.Plugins.
func RegisterPlugin(name string, types ...engine.NodeType) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "plugin name is empty")
	}
	for _, t := range types {
		if t.Tag == "" || t.New == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "plugin %s exports an invalid node type %q", name, t.Tag)
		}
	}

	catalogMu.Lock()
	defer catalogMu.Unlock()
	if _, exists := catalog[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "plugin %q already registered", name)
	}
	catalog[name] = types
	return nil
}

// UnregisterPlugin removes a catalog.
func UnregisterPlugin(name string) {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	delete(catalog, name)
}

func lookupPlugin(name string) ([]engine.NodeType, bool) {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	types, ok := catalog[name]
	return types, ok
}

// Options selects where node types come from.
type Options struct {
	Directories []string
	// Plugins are catalog names registered with RegisterPlugin, or paths to
	// plugin directories holding a manifest.
	Plugins []string
}

type origin struct {
	source string
	t      engine.NodeType
}

// Discover returns the flattened, deduplicated node types found through opts,
// built-ins included. A tag declared twice by different sources is an error.
func Discover(opts Options) ([]engine.NodeType, error) {
	d := &discoverer{byTag: map[string]origin{}}

	for _, t := range nodes.Builtins() {
		if err := d.add("builtin", t); err != nil {
			return nil, err
		}
	}

	var defs []Definition
	for _, name := range opts.Plugins {
		if types, ok := lookupPlugin(name); ok {
			for _, t := range types {
				if err := d.add("plugin "+name, t); err != nil {
					return nil, err
				}
			}
			continue
		}
		found, err := readPluginDir(name)
		if err != nil {
			return nil, err
		}
		defs = append(defs, found...)
	}

	for _, dir := range opts.Directories {
		found, err := ReadDir(dir)
		if err != nil {
			return nil, err
		}
		defs = append(defs, found...)
	}

	if err := d.resolve(defs); err != nil {
		return nil, err
	}
	return d.types, nil
}

type discoverer struct {
	byTag map[string]origin
	types []engine.NodeType
}

func (d *discoverer) add(source string, t engine.NodeType) error {
	if prev, ok := d.byTag[t.Tag]; ok {
		if prev.source == source {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeDiscovery,
			"node type %q declared by both %s and %s", t.Tag, prev.source, source).
			WithDetails(map[string]any{"type": t.Tag, "sources": []string{prev.source, source}})
	}
	d.byTag[t.Tag] = origin{source: source, t: t}
	d.types = append(d.types, t)
	return nil
}

// resolve derives definitions whose base is known, repeating until no
// progress is made so definitions may extend each other in any file order.
func (d *discoverer) resolve(defs []Definition) error {
	pending := defs
	for len(pending) > 0 {
		var next []Definition
		for _, def := range pending {
			if prev, ok := d.byTag[def.Type]; ok && prev.source == def.Source {
				continue
			}
			base, ok := d.byTag[def.Extends]
			if !ok {
				next = append(next, def)
				continue
			}
			if err := d.add(def.Source, derive(def, base.t)); err != nil {
				return err
			}
		}
		if len(next) == len(pending) {
			def := next[0]
			return schema.NewErrorf(schema.ErrCodeDiscovery,
				"node file %s: type %s extends unknown type %q", def.Source, def.Type, def.Extends).
				WithDetails(map[string]any{"file": def.Source, "type": def.Type, "extends": def.Extends})
		}
		pending = next
	}
	return nil
}

// readPluginDir reads the definitions of a plugin installed as a directory.
func readPluginDir(path string) ([]Definition, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, schema.NewErrorf(schema.ErrCodeDiscovery,
			"plugin %q is neither a registered catalog nor a directory", path).
			WithDetails(map[string]any{"plugin": path})
	}

	for _, name := range ManifestNames {
		file := filepath.Join(path, name)
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}

		var m manifest
		if strings.HasSuffix(name, ".json") {
			err = json.Unmarshal(data, &m)
		} else {
			err = yaml.Unmarshal(data, &m)
		}
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeDiscovery, "plugin manifest %s: %v", file, err).WithCause(err)
		}
		if m.Directory == "" {
			return nil, schema.NewErrorf(schema.ErrCodeDiscovery, "plugin manifest %s: missing directory", file)
		}
		return ReadDir(filepath.Join(path, m.Directory))
	}

	return nil, schema.NewErrorf(schema.ErrCodeDiscovery,
		"plugin directory %s has no manifest (%s)", path, strings.Join(ManifestNames, ", "))
}

// Registry discovers node types and registers them in a fresh registry.
func Registry(opts Options) (*nodes.Registry, error) {
	types, err := Discover(opts)
	if err != nil {
		return nil, err
	}
	reg := nodes.NewRegistry()
	if err := reg.RegisterAll(types...); err != nil {
		return nil, err
	}
	return reg, nil
}
