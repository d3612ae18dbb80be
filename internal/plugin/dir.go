package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvPluginDir overrides the plugin directory when neither flag nor config sets it.
const EnvPluginDir = "CIGEN_PLUGIN_DIR"

// DirSources are the candidate plugin directories, highest priority first.
type DirSources struct {
	Flag       string // --plugin-dir
	Config     string // plugins_dir, already resolved against the config file
	ConfigPath string // path of the loaded config file, if any
}

// ResolveDir picks the plugin directory: flag, config, $CIGEN_PLUGIN_DIR,
// a ./bin directory next to the config file when present, else the directory
// of the running binary.
func ResolveDir(src DirSources) (string, error) {
	for _, candidate := range []string{src.Flag, src.Config, os.Getenv(EnvPluginDir)} {
		if c := strings.TrimSpace(candidate); c != "" {
			return filepath.Abs(c)
		}
	}

	if src.ConfigPath != "" {
		dev := filepath.Join(filepath.Dir(src.ConfigPath), "bin")
		if info, err := os.Stat(dev); err == nil && info.IsDir() {
			return filepath.Abs(dev)
		}
	}

	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate running binary: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}
