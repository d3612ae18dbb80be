package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// ExecutablePrefix is prepended to a provider name to form its executable name.
const ExecutablePrefix = "provider-"

var (
	// ErrNotFound is returned when a provider's executable does not exist.
	ErrNotFound = errors.New("plugin executable not found")

	// ErrUntrusted is returned when an executable exists but fails a trust check.
	ErrUntrusted = errors.New("plugin executable failed trust checks")
)

// Plugin is a located provider executable that passed the trust checks.
// Nothing about it is known beyond its path until it is handshaken.
type Plugin struct {
	Name string // Provider name, without the prefix
	Path string // Absolute path to the executable
}

// Registry holds located plugins indexed by provider name.
type Registry struct {
	plugins map[string]*Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]*Plugin),
	}
}

// Get retrieves a plugin by provider name.
func (r *Registry) Get(name string) (*Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

// All returns all registered plugins.
func (r *Registry) All() map[string]*Plugin {
	return r.plugins
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Add registers a plugin in the registry.
func (r *Registry) Add(plugin *Plugin) error {
	if _, exists := r.plugins[plugin.Name]; exists {
		return fmt.Errorf("plugin %q already registered", plugin.Name)
	}
	r.plugins[plugin.Name] = plugin
	return nil
}

// ExecutableName returns the file name of provider's executable on this platform.
func ExecutableName(provider string) string {
	name := ExecutablePrefix + provider
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return name
}

// Locate finds the executable for provider inside dir and validates it.
// A missing file wraps ErrNotFound and names the path that was tried.
func Locate(dir, provider string) (*Plugin, error) {
	if strings.TrimSpace(provider) == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if strings.ContainsAny(provider, `/\`) || provider == "." || provider == ".." {
		return nil, fmt.Errorf("invalid provider name %q", provider)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plugin dir %q: %w", dir, err)
	}
	path := filepath.Join(absDir, ExecutableName(provider))

	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: provider %q: %s", ErrNotFound, provider, path)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := validateTrust(path, absDir); err != nil {
		return nil, fmt.Errorf("%w: provider %q: %w", ErrUntrusted, provider, err)
	}

	return &Plugin{Name: provider, Path: path}, nil
}

// Discover scans dir for provider executables and validates each one.
// Invalid executables are logged but not fatal.
func Discover(dir string, logger func(level, msg string, args ...any)) (*Registry, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plugin dir %q: %w", dir, err)
	}
	entries, err := os.ReadDir(absDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("plugin dir does not exist: %s", absDir)
		}
		return nil, fmt.Errorf("failed to read plugin dir %s: %w", absDir, err)
	}

	registry := NewRegistry()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), ExecutablePrefix) {
			continue
		}
		name := strings.TrimPrefix(entry.Name(), ExecutablePrefix)
		if runtime.GOOS == "windows" {
			if !strings.HasSuffix(name, ".exe") {
				continue
			}
			name = strings.TrimSuffix(name, ".exe")
		}
		if name == "" {
			continue
		}

		p, err := Locate(absDir, name)
		if err != nil {
			logger("warn", "skipping plugin", "path", filepath.Join(absDir, entry.Name()), "error", err.Error())
			continue
		}
		if err := registry.Add(p); err != nil {
			logger("warn", "duplicate plugin", "plugin", p.Name, "error", err.Error())
			continue
		}
		logger("debug", "found plugin", "plugin", p.Name, "path", p.Path)
	}

	return registry, nil
}

// validateTrust enforces that the executable resolves inside the plugin dir,
// is executable, and that neither it nor the dir is world-writable.
func validateTrust(path, dir string) error {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fmt.Errorf("failed to resolve symlink: %w", err)
	}
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin dir symlink: %w", err)
	}
	if !strings.HasPrefix(resolved, resolvedDir+string(os.PathSeparator)) {
		return fmt.Errorf("executable %s is not under plugin dir %s", resolved, resolvedDir)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return fmt.Errorf("executable not found: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", resolved)
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("not executable: %s", resolved)
	}
	if info.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("executable is world-writable: %s", resolved)
	}

	dirInfo, err := os.Stat(resolvedDir)
	if err != nil {
		return fmt.Errorf("plugin dir not found: %w", err)
	}
	if dirInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("plugin dir is world-writable: %s", resolvedDir)
	}

	return nil
}
