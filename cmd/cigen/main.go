package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/cigen/internal/config"
	"github.com/mattjoyce/cigen/internal/inspect"
	"github.com/mattjoyce/cigen/internal/log"
	"github.com/mattjoyce/cigen/internal/plugin"
	"github.com/mattjoyce/cigen/pkg/protocol"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// exitError carries the process exit code for an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func failure(err error) error { return &exitError{code: exitFailure, err: err} }
func usage(err error) error   { return &exitError{code: exitUsage, err: err} }

// silent ends the command with code after output was already printed.
func silent(code int) error { return &exitError{code: code} }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// Anything cobra raised itself: unknown command, bad args.
	return exitUsage
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runCLI(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// app holds the global flags shared by every command.
type app struct {
	configPath string
	pluginDir  string
	logLevel   string
	noColor    bool

	stdout io.Writer
	stderr io.Writer
}

func runCLI(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	var ee *exitError
	switch {
	case err == nil:
	case errors.As(err, &ee) && ee.err == nil:
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "cigen",
		Short: "Generate CI pipeline configuration from one job description",
		Long: `cigen reads a provider-neutral job description (cigen.yaml), expands it into
a job graph and asks provider plugins (provider-<name> executables) to render
CI configuration files for it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// Until a config is loaded, only the flag decides the level.
			if a.logLevel != "" {
				log.SetupWriter(a.stderr, a.logLevel, "text")
			}
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usage(err) })

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "config file or directory (default: $CIGEN_CONFIG, ./cigen.yaml, ./.cigen.yaml)")
	pf.StringVar(&a.pluginDir, "plugin-dir", "", "directory holding provider-<name> executables")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	pf.BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newGenerateCmd(a),
		newGraphCmd(a),
		newCheckCmd(a),
		newPluginsCmd(a),
		newLockCmd(a),
		newVersionCmd(a),
	)
	return root
}

// loadConfig discovers, loads and validates the config, then sets up logging
// from it. Every failure is a usage error.
func (a *app) loadConfig() (*config.Config, error) {
	return a.loadConfigWith(config.Load)
}

func (a *app) loadConfigWith(load func(string) (*config.Config, error)) (*config.Config, error) {
	path, err := config.Discover(a.configPath)
	if err != nil {
		return nil, usage(err)
	}
	cfg, err := load(path)
	if err != nil {
		return nil, usage(err)
	}
	level := cfg.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	log.SetupWriter(a.stderr, level, cfg.LogFormat)
	return cfg, nil
}

func (a *app) resolvePluginDir(cfg *config.Config) (string, error) {
	src := plugin.DirSources{Flag: a.pluginDir}
	if cfg != nil {
		src.Config = cfg.PluginsDir
		src.ConfigPath = cfg.SourcePath
	}
	dir, err := plugin.ResolveDir(src)
	if err != nil {
		return "", usage(err)
	}
	return dir, nil
}

func (a *app) theme() inspect.Theme {
	if a.noColor || os.Getenv("NO_COLOR") != "" {
		return inspect.NewPlainTheme()
	}
	return inspect.NewDefaultTheme()
}

func discoverLogger(level, msg string, args ...any) {
	switch level {
	case "warn":
		log.Warn(msg, args...)
	case "error":
		log.Error(msg, args...)
	case "debug":
		log.Debug(msg, args...)
	default:
		log.Info(msg, args...)
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	Protocol  uint32 `json:"protocol"`
}

func newVersionCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := currentVersionInfo()
			if jsonOut {
				data, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return failure(fmt.Errorf("failed to render version JSON: %w", err))
				}
				fmt.Fprintln(a.stdout, string(data))
				return nil
			}
			fmt.Fprintf(a.stdout, "cigen %s\n", info.Version)
			fmt.Fprintf(a.stdout, "commit: %s\n", info.Commit)
			fmt.Fprintf(a.stdout, "built_at: %s\n", info.BuildTime)
			fmt.Fprintf(a.stdout, "protocol: %d\n", info.Protocol)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output version metadata as JSON")
	return cmd
}

// currentVersionInfo prefers ldflags values and falls back to the VCS stamp
// the go tool embeds.
func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   version,
		Commit:    gitCommit,
		BuildTime: buildDate,
		Protocol:  protocol.ProtocolVersion,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch {
			case s.Key == "vcs.revision" && info.Commit == "unknown":
				info.Commit = s.Value
			case s.Key == "vcs.time" && info.BuildTime == "unknown":
				info.BuildTime = s.Value
			}
		}
	}
	if len(info.Commit) > 12 {
		info.Commit = info.Commit[:12]
	}
	if t, err := time.Parse(time.RFC3339, info.BuildTime); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}
