package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/cigen/internal/graph"
)

// EnvConfig names the environment variable consulted when --config is absent.
const EnvConfig = "CIGEN_CONFIG"

// ErrNoConfig is returned by Discover when no config file can be found.
var ErrNoConfig = errors.New("no cigen config found")

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Discover finds the config file: the flag value, $CIGEN_CONFIG,
// ./cigen.yaml, then ./.cigen.yaml.
func Discover(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	if p := os.Getenv(EnvConfig); p != "" {
		return p, nil
	}
	for _, name := range []string{"cigen.yaml", ".cigen.yaml"} {
		if info, err := os.Stat(name); err == nil && !info.IsDir() {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w (checked: --config, $%s, ./cigen.yaml, ./.cigen.yaml)", ErrNoConfig, EnvConfig)
}

// Load reads, merges, defaults and validates a config file and its includes.
// When a .cigen.sum manifest sits next to the root file, every loaded file
// must match it.
func Load(configPath string) (*Config, error) {
	return load(configPath, true)
}

// LoadUnverified is Load without the checksum check, for re-locking a config
// that was edited on purpose.
func LoadUnverified(configPath string) (*Config, error) {
	return load(configPath, false)
}

func load(configPath string, verify bool) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "cigen.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but cigen.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	cfg.SourceFiles = []string{absPath}

	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	if verify {
		if err := verifyChecksums(cfg); err != nil {
			return nil, err
		}
	}

	cfg = applyConfigDefaults(cfg)
	resolvePaths(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse loads a config from memory. Includes are not followed and relative
// paths are resolved against baseDir.
func Parse(data []byte, baseDir string) (*Config, error) {
	cfg, err := parseConfig(data, "")
	if err != nil {
		return nil, err
	}
	if len(cfg.Include) > 0 {
		return nil, fmt.Errorf("include is only supported when loading from a file")
	}
	cfg.SourcePath = filepath.Join(baseDir, "cigen.yaml")
	cfg = applyConfigDefaults(cfg)
	resolvePaths(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadIncludes loads and merges included files depth-first. Entries may be
// glob patterns; a plain path that does not exist is an error.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(baseDir, includePath)
		}

		matches := []string{includePath}
		if strings.ContainsAny(includePath, "*?[") {
			var err error
			matches, err = filepath.Glob(includePath)
			if err != nil {
				return fmt.Errorf("include[%d]: bad pattern %q: %w", i, includePath, err)
			}
			sort.Strings(matches)
		}

		for _, match := range matches {
			absPath, err := filepath.Abs(match)
			if err != nil {
				return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, match, err)
			}
			if visited[absPath] {
				return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
			}
			if _, err := os.Stat(absPath); err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("include[%d]: file not found: %s\n"+
						"Referenced from: %s\n"+
						"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
				}
				return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
			}
			visited[absPath] = true

			included, err := loadConfigFile(absPath)
			if err != nil {
				return fmt.Errorf("include[%d] (%s): %w", i, absPath, err)
			}
			cfg.SourceFiles = append(cfg.SourceFiles, absPath)
			mergeConfig(cfg, included)

			if len(included.Include) > 0 {
				if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return parseConfig(data, path)
}

func parseConfig(data []byte, path string) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	for name, job := range cfg.Jobs {
		job.File = path
		cfg.Jobs[name] = job
	}
	for _, p := range cfg.Providers {
		normalizeMap(p.Settings)
	}
	return &cfg, nil
}

// mergeConfig merges src into dst. Scalars from src win when set; providers
// and jobs are merged by name with src replacing same-named entries.
func mergeConfig(dst, src *Config) {
	if src.Version != 0 {
		dst.Version = src.Version
	}
	if src.PluginsDir != "" {
		dst.PluginsDir = src.PluginsDir
	}
	if src.OutputDir != "" {
		dst.OutputDir = src.OutputDir
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.LogFormat != "" {
		dst.LogFormat = src.LogFormat
	}
	if src.Timeouts.Handshake != nil {
		dst.Timeouts.Handshake = src.Timeouts.Handshake
	}
	if src.Timeouts.Exchange != nil {
		dst.Timeouts.Exchange = src.Timeouts.Exchange
	}
	if src.Timeouts.Shutdown != nil {
		dst.Timeouts.Shutdown = src.Timeouts.Shutdown
	}

	if src.Providers != nil {
		if dst.Providers == nil {
			dst.Providers = make(map[string]ProviderConf)
		}
		for name, p := range src.Providers {
			dst.Providers[name] = p
		}
	}
	if src.Jobs != nil {
		if dst.Jobs == nil {
			dst.Jobs = make(map[string]JobConf)
		}
		for name, j := range src.Jobs {
			dst.Jobs[name] = j
		}
	}
}

// applyConfigDefaults fills in every field left unset.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Version == 0 {
		cfg.Version = defaults.Version
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = defaults.OutputDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogFormat == "" {
		cfg.LogFormat = defaults.LogFormat
	}
	if cfg.Timeouts.Handshake == nil {
		cfg.Timeouts.Handshake = defaults.Timeouts.Handshake
	}
	if cfg.Timeouts.Exchange == nil {
		cfg.Timeouts.Exchange = defaults.Timeouts.Exchange
	}
	if cfg.Timeouts.Shutdown == nil {
		cfg.Timeouts.Shutdown = defaults.Timeouts.Shutdown
	}
	if cfg.Providers == nil {
		cfg.Providers = defaults.Providers
	}
	if cfg.Jobs == nil {
		cfg.Jobs = defaults.Jobs
	}
	return cfg
}

// resolvePaths makes plugins_dir and output_dir relative to the config file.
func resolvePaths(cfg *Config) {
	base := filepath.Dir(cfg.SourcePath)
	if cfg.PluginsDir != "" && !filepath.IsAbs(cfg.PluginsDir) {
		cfg.PluginsDir = filepath.Join(base, cfg.PluginsDir)
	}
	if !filepath.IsAbs(cfg.OutputDir) {
		cfg.OutputDir = filepath.Join(base, cfg.OutputDir)
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validation rejects it where it matters.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("version must be 1 (got %d)", cfg.Version)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error (got %q)", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json (got %q)", cfg.LogFormat)
	}

	for _, d := range []struct {
		name string
		v    *time.Duration
	}{
		{"handshake", cfg.Timeouts.Handshake},
		{"exchange", cfg.Timeouts.Exchange},
		{"shutdown", cfg.Timeouts.Shutdown},
	} {
		if d.v != nil && *d.v < 0 {
			return fmt.Errorf("timeouts.%s must not be negative", d.name)
		}
	}

	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	for name, p := range cfg.Providers {
		if !validName(name) {
			return fmt.Errorf("provider name %q must be non-empty without whitespace or path separators", name)
		}
		if err := checkUnresolvedEnvVars(p.Settings, "providers."+name+".settings"); err != nil {
			return err
		}
	}

	for _, name := range sortedKeys(cfg.Jobs) {
		job := cfg.Jobs[name]
		if !validName(name) {
			return fmt.Errorf("job name %q must be non-empty without whitespace or path separators", name)
		}
		for _, p := range job.Providers {
			if _, ok := cfg.Providers[p]; !ok {
				return fmt.Errorf("job %q: provider %q is not configured", name, p)
			}
		}
		for dim, values := range job.Matrix {
			if len(values) == 0 {
				return fmt.Errorf("job %q: matrix dimension %q needs at least one value", name, dim)
			}
		}
	}

	return nil
}

func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, " \t\r\n/\\")
}

// checkUnresolvedEnvVars recursively checks for ${VAR} placeholders in values.
func checkUnresolvedEnvVars(data map[string]any, where string) error {
	for key, value := range data {
		switch v := value.(type) {
		case string:
			if matches := envVarPattern.FindStringSubmatch(v); len(matches) > 1 {
				return fmt.Errorf("%s.%s: environment variable ${%s} is not set", where, key, matches[1])
			}
		case map[string]any:
			if err := checkUnresolvedEnvVars(v, where+"."+key); err != nil {
				return err
			}
		}
	}
	return nil
}

// ProviderNames returns the enabled providers, sorted.
func (c *Config) ProviderNames() []string {
	var out []string
	for name, p := range c.Providers {
		if !p.Disabled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// JobDefinitions converts the job table into graph input, sorted by job name.
func (c *Config) JobDefinitions() []graph.JobDefinition {
	defs := make([]graph.JobDefinition, 0, len(c.Jobs))
	for _, name := range sortedKeys(c.Jobs) {
		job := c.Jobs[name]
		defs = append(defs, graph.JobDefinition{
			ID:         name,
			Needs:      job.Needs,
			Matrix:     job.Matrix,
			Providers:  job.Providers,
			Definition: job.Definition,
		})
	}
	return defs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
