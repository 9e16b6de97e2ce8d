// Package isolation confines the processes started by script nodes: a
// timeout always, plus memory, CPU and network limits where the kernel
// supports them, and allow/deny rules for the working directory.
package isolation

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/control/pkg/schema"
)

// Limits constrains one process.
type Limits struct {
	Timeout        time.Duration
	MaxMemoryBytes int64
	MaxCPUPercent  int
	AllowNetwork   bool
	ReadPaths      []string
	WritePaths     []string
	DenyPaths      []string
}

// Access is the kind of filesystem access checked by Allowed.
type Access int

const (
	Read Access = iota
	Write
)

// kernel reports whether l asks for more than a timeout and path checks.
func (l Limits) kernel() bool {
	return l.MaxMemoryBytes > 0 || l.MaxCPUPercent > 0 || !l.AllowNetwork
}

// Parse reads the limits block of a script node configuration:
//
//	limits:
//	  memory: 67108864     # bytes
//	  cpu: 50              # percent of one core
//	  network: false
//	  read: [/data]
//	  write: [/tmp/out]
//	  deny: [/etc]
//
// A nil block allows network access and imposes nothing but timeout.
func Parse(block map[string]any, timeout time.Duration) (Limits, error) {
	l := Limits{Timeout: timeout, AllowNetwork: true}
	if block == nil {
		return l, nil
	}

	var err error
	if l.MaxMemoryBytes, err = int64Of(block, "memory"); err != nil {
		return l, err
	}
	cpu, err := int64Of(block, "cpu")
	if err != nil {
		return l, err
	}
	if cpu < 0 || cpu > 100 {
		return l, schema.NewErrorf(schema.ErrCodeValidation, "limits.cpu must be between 0 and 100, got %d", cpu)
	}
	l.MaxCPUPercent = int(cpu)

	if v, ok := block["network"]; ok {
		b, ok := v.(bool)
		if !ok {
			return l, schema.NewErrorf(schema.ErrCodeValidation, "limits.network must be a boolean, got %T", v)
		}
		l.AllowNetwork = b
	}
	l.ReadPaths = stringsOf(block["read"])
	l.WritePaths = stringsOf(block["write"])
	l.DenyPaths = stringsOf(block["deny"])
	return l, nil
}

func int64Of(m map[string]any, key string) (int64, error) {
	switch v := m[key].(type) {
	case nil:
		return 0, nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return n, nil
		}
	}
	return 0, schema.NewErrorf(schema.ErrCodeValidation, "limits.%s must be an integer, got %v", key, m[key])
}

func stringsOf(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Allowed checks path against the rules. Deny rules win over allow rules;
// with no allow rules at all every path that is not denied is allowed.
// Write access needs a write rule, read access is granted by either list.
func (l Limits) Allowed(path string, access Access) error {
	target, err := resolve(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "invalid path %q: %v", path, err)
	}

	for _, rule := range l.DenyPaths {
		base, err := resolve(rule)
		if err != nil {
			// An unreadable deny rule denies everything.
			return schema.NewErrorf(schema.ErrCodePathDenied, "path %q denied by invalid rule %q", path, rule)
		}
		if within(target, base) {
			return schema.NewErrorf(schema.ErrCodePathDenied, "path %q is denied", path)
		}
	}

	if len(l.ReadPaths) == 0 && len(l.WritePaths) == 0 {
		return nil
	}
	if matchAny(target, l.WritePaths) {
		return nil
	}
	if access == Read && matchAny(target, l.ReadPaths) {
		return nil
	}

	kind := "read"
	if access == Write {
		kind = "write"
	}
	return schema.NewErrorf(schema.ErrCodePathDenied, "%s access to %q denied: not under an allowed path", kind, path)
}

func matchAny(target string, rules []string) bool {
	for _, rule := range rules {
		base, err := resolve(rule)
		if err == nil && within(target, base) {
			return true
		}
	}
	return false
}

// resolve returns the absolute, symlink-free form of path. Paths that do not
// exist yet are resolved through their deepest existing ancestor.
func resolve(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains a null byte")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}

	suffix := ""
	for dir := abs; ; {
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		suffix = filepath.Join(filepath.Base(dir), suffix)
		if real, err := filepath.EvalSymlinks(parent); err == nil {
			return filepath.Join(real, suffix), nil
		}
		dir = parent
	}
}

// within reports whether path is base or below it. Comparing with Rel keeps
// /tmpx from matching /tmp.
func within(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
