package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete cigen configuration.
type Config struct {
	Version    int                     `yaml:"version"`
	PluginsDir string                  `yaml:"plugins_dir,omitempty"`
	OutputDir  string                  `yaml:"output_dir,omitempty"`
	Include    []string                `yaml:"include,omitempty"`
	LogLevel   string                  `yaml:"log_level,omitempty"`
	LogFormat  string                  `yaml:"log_format,omitempty"`
	Timeouts   TimeoutsConfig          `yaml:"timeouts,omitempty"`
	Providers  map[string]ProviderConf `yaml:"providers"`
	Jobs       map[string]JobConf      `yaml:"jobs"`

	// SourcePath is the absolute path of the root config file.
	SourcePath string `yaml:"-"`
	// SourceFiles lists the root file and every include, in load order.
	SourceFiles []string `yaml:"-"`
}

// TimeoutsConfig bounds plugin I/O. Nil means "use the default"; an explicit
// zero disables the handshake and exchange timeouts.
type TimeoutsConfig struct {
	Handshake *time.Duration `yaml:"handshake,omitempty"`
	Exchange  *time.Duration `yaml:"exchange,omitempty"`
	Shutdown  *time.Duration `yaml:"shutdown,omitempty"`
}

// HandshakeTimeout returns the effective handshake timeout.
func (t TimeoutsConfig) HandshakeTimeout() time.Duration {
	return durationOr(t.Handshake, DefaultHandshakeTimeout)
}

// ExchangeTimeout returns the effective plan/generate timeout.
func (t TimeoutsConfig) ExchangeTimeout() time.Duration {
	return durationOr(t.Exchange, DefaultExchangeTimeout)
}

// ShutdownGrace returns the effective shutdown grace period.
func (t TimeoutsConfig) ShutdownGrace() time.Duration {
	return durationOr(t.Shutdown, DefaultShutdownGrace)
}

func durationOr(d *time.Duration, def time.Duration) time.Duration {
	if d == nil {
		return def
	}
	return *d
}

// ProviderConf configures one provider plugin.
type ProviderConf struct {
	Disabled bool           `yaml:"disabled,omitempty"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// JobConf is one job as written in configuration. Needs, matrix and providers
// are interpreted by cigen; every other key is passed to plugins untouched.
type JobConf struct {
	Needs      []string
	Matrix     map[string][]string
	Providers  []string
	Definition map[string]any

	// Source location of the job's key, for diagnostics.
	File string
	Line int
}

var reservedJobKeys = []string{"needs", "matrix", "providers"}

func (j *JobConf) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		if n.Tag == "!!null" {
			*j = JobConf{Line: n.Line}
			return nil
		}
		return fmt.Errorf("line %d: job must be a mapping", n.Line)
	}

	var known struct {
		Needs     []string            `yaml:"needs"`
		Matrix    map[string][]string `yaml:"matrix"`
		Providers []string            `yaml:"providers"`
	}
	if err := n.Decode(&known); err != nil {
		return err
	}

	var def map[string]any
	if err := n.Decode(&def); err != nil {
		return err
	}
	for _, k := range reservedJobKeys {
		delete(def, k)
	}
	normalizeMap(def)
	if len(def) == 0 {
		def = nil
	}

	*j = JobConf{
		Needs:      known.Needs,
		Matrix:     known.Matrix,
		Providers:  known.Providers,
		Definition: def,
		Line:       n.Line,
	}
	return nil
}

// normalizeMap rewrites nested mappings in place so every key is a string.
// yaml.v3 decodes a mapping with any non-string key (`5432: 5432`, `true: x`)
// as map[any]any, which neither JSON nor protobuf Struct can encode.
func normalizeMap(m map[string]any) {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		normalizeMap(t)
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[scalarKey(k)] = normalizeValue(e)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	}
	return v
}

func scalarKey(k any) string {
	if k == nil {
		return "null"
	}
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprint(k)
}

func (j JobConf) MarshalYAML() (any, error) {
	out := make(map[string]any, len(j.Definition)+3)
	for k, v := range j.Definition {
		out[k] = v
	}
	if len(j.Needs) > 0 {
		out["needs"] = j.Needs
	}
	if len(j.Matrix) > 0 {
		out["matrix"] = j.Matrix
	}
	if len(j.Providers) > 0 {
		out["providers"] = j.Providers
	}
	return out, nil
}

const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultExchangeTimeout  = 5 * time.Minute
	DefaultShutdownGrace    = 5 * time.Second
)

// Defaults returns a Config with every optional field at its default.
func Defaults() *Config {
	handshake, exchange, shutdown := DefaultHandshakeTimeout, DefaultExchangeTimeout, DefaultShutdownGrace
	return &Config{
		Version:   1,
		OutputDir: ".",
		LogLevel:  "info",
		LogFormat: "text",
		Timeouts: TimeoutsConfig{
			Handshake: &handshake,
			Exchange:  &exchange,
			Shutdown:  &shutdown,
		},
		Providers: make(map[string]ProviderConf),
		Jobs:      make(map[string]JobConf),
	}
}
