package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/rendis/control/pkg/schema"
)

// envPrefix prefixes every environment variable read by loadConfig.
const envPrefix = "CONTROL_"

// Config holds the CLI configuration.
// Priority: flags > CONTROL_* env vars > config file > defaults.
type Config struct {
	Graphs         []string          `yaml:"graphs" json:"graphs"`
	Output         string            `yaml:"output" json:"output"`
	Nodes          []string          `yaml:"nodes" json:"nodes"`
	Threads        int               `yaml:"threads" json:"threads"`
	Respawn        bool              `yaml:"respawn" json:"respawn"`
	Idle           int               `yaml:"idle" json:"idle"` // milliseconds
	Plugins        []string          `yaml:"plugins" json:"plugins"`
	Verbose        bool              `yaml:"verbose" json:"verbose"`
	Renderer       string            `yaml:"renderer" json:"renderer"`
	Inputs         map[string]string `yaml:"inputs" json:"inputs"`
	Repeat         int               `yaml:"repeat" json:"repeat"`
	Schedule       string            `yaml:"schedule" json:"schedule"`
	MetricsAddr    string            `yaml:"metrics_addr" json:"metrics_addr"`
	EnvFile        string            `yaml:"env_file" json:"env_file"`
	StartupTimeout time.Duration     `yaml:"startup_timeout" json:"startup_timeout"`
	LogLevel       string            `yaml:"log_level" json:"log_level"`
	LogFormat      string            `yaml:"log_format" json:"log_format"`
}

func defaultConfig() Config {
	return Config{
		Renderer:       "text",
		Repeat:         1,
		EnvFile:        ".env",
		StartupTimeout: 5 * time.Second,
		LogLevel:       "warn",
		LogFormat:      "text",
	}
}

// loadConfig layers the config file, the environment and the flags that were
// set over the defaults.
func loadConfig(path string, lookup func(string) (string, bool), flags *pflag.FlagSet) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: config file. JSON is read as YAML.
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, schema.NewErrorf(schema.ErrCodeNotFound, "cannot read config file %s", path).WithCause(err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, schema.NewErrorf(schema.ErrCodeValidation, "cannot parse config file %s", path).WithCause(err)
		}
	}

	// Layer 3: env vars override.
	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}

	// Layer 4: flags.
	if flags != nil {
		if err := applyFlags(&cfg, flags); err != nil {
			return cfg, err
		}
	}

	if cfg.Verbose && !changed(flags, "log-level") && lookupOr(lookup, "LOG_LEVEL") == "" {
		cfg.LogLevel = "debug"
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.Threads < 0:
		return schema.NewErrorf(schema.ErrCodeValidation, "threads must not be negative, got %d", c.Threads)
	case c.Idle < 0:
		return schema.NewErrorf(schema.ErrCodeValidation, "idle must not be negative, got %d", c.Idle)
	case c.Repeat < 1:
		return schema.NewErrorf(schema.ErrCodeValidation, "repeat must be at least 1, got %d", c.Repeat)
	case c.StartupTimeout <= 0:
		return schema.NewError(schema.ErrCodeValidation, "startup timeout must be positive")
	}
	return nil
}

// IdleTimeout returns the worker idle timeout.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Idle) * time.Millisecond
}

func lookupOr(lookup func(string) (string, bool), key string) string {
	if lookup == nil {
		return ""
	}
	v, _ := lookup(envPrefix + key)
	return v
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) string { return lookupOr(lookup, key) }

	if v := get("GRAPHS"); v != "" {
		cfg.Graphs = splitList(v)
	}
	if v := get("OUTPUT"); v != "" {
		cfg.Output = v
	}
	if v := get("NODES"); v != "" {
		cfg.Nodes = splitList(v)
	}
	if v := get("PLUGINS"); v != "" {
		cfg.Plugins = splitList(v)
	}
	if v := get("RENDERER"); v != "" {
		cfg.Renderer = v
	}
	if v := get("SCHEDULE"); v != "" {
		cfg.Schedule = v
	}
	if v := get("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := get("ENV_FILE"); v != "" {
		cfg.EnvFile = v
	}
	if v := get("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := get("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := get("RESPAWN"); v != "" {
		cfg.Respawn = v == "true" || v == "1"
	}
	if v := get("VERBOSE"); v != "" {
		cfg.Verbose = v == "true" || v == "1"
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"THREADS", &cfg.Threads},
		{"IDLE", &cfg.Idle},
		{"REPEAT", &cfg.Repeat},
	}
	for _, i := range ints {
		if v := get(i.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "%s%s: %q is not an integer", envPrefix, i.key, v)
			}
			*i.dst = n
		}
	}
	if v := get("STARTUP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "%sSTARTUP_TIMEOUT: %q is not a duration", envPrefix, v)
		}
		cfg.StartupTimeout = d
	}
	return nil
}

func applyFlags(cfg *Config, flags *pflag.FlagSet) error {
	var err error
	set := func(name string, apply func() error) {
		if err == nil && changed(flags, name) {
			err = apply()
		}
	}

	set("graphs", func() (e error) { cfg.Graphs, e = flags.GetStringSlice("graphs"); return })
	set("output", func() (e error) { cfg.Output, e = flags.GetString("output"); return })
	set("nodes", func() (e error) { cfg.Nodes, e = flags.GetStringSlice("nodes"); return })
	set("threads", func() (e error) { cfg.Threads, e = flags.GetInt("threads"); return })
	set("respawn", func() (e error) { cfg.Respawn, e = flags.GetBool("respawn"); return })
	set("idle", func() (e error) { cfg.Idle, e = flags.GetInt("idle"); return })
	set("plugins", func() (e error) { cfg.Plugins, e = flags.GetStringSlice("plugins"); return })
	set("verbose", func() (e error) { cfg.Verbose, e = flags.GetBool("verbose"); return })
	set("renderer", func() (e error) { cfg.Renderer, e = flags.GetString("renderer"); return })
	set("repeat", func() (e error) { cfg.Repeat, e = flags.GetInt("repeat"); return })
	set("schedule", func() (e error) { cfg.Schedule, e = flags.GetString("schedule"); return })
	set("metrics-addr", func() (e error) { cfg.MetricsAddr, e = flags.GetString("metrics-addr"); return })
	set("env-file", func() (e error) { cfg.EnvFile, e = flags.GetString("env-file"); return })
	set("startup-timeout", func() (e error) { cfg.StartupTimeout, e = flags.GetDuration("startup-timeout"); return })
	set("log-level", func() (e error) { cfg.LogLevel, e = flags.GetString("log-level"); return })
	set("log-format", func() (e error) { cfg.LogFormat, e = flags.GetString("log-format"); return })
	set("input", func() error {
		pairs, e := flags.GetStringToString("input")
		if e != nil {
			return e
		}
		if cfg.Inputs == nil {
			cfg.Inputs = make(map[string]string, len(pairs))
		}
		for k, v := range pairs {
			cfg.Inputs[k] = v
		}
		return nil
	})
	return err
}

func changed(flags *pflag.FlagSet, name string) bool {
	if flags == nil {
		return false
	}
	f := flags.Lookup(name)
	return f != nil && f.Changed
}

// splitList splits a comma separated list, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// inputs converts the string inputs into a task input mapping.
func (c Config) inputs() map[string]any {
	if len(c.Inputs) == 0 {
		return nil
	}
	out := make(map[string]any, len(c.Inputs))
	for k, v := range c.Inputs {
		out[k] = v
	}
	return out
}
