package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/cigen/internal/config"
	"github.com/mattjoyce/cigen/internal/plugin"
	"github.com/mattjoyce/cigen/internal/supervisor"
)

func newPluginsCmd(a *app) *cobra.Command {
	var handshake bool
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List provider plugins in the plugin directory",
		Long: `List every provider-<name> executable that passes the trust checks.
With --handshake each plugin is started, asked for its identity and shut down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// A config is optional here; it only contributes plugins_dir and timeouts.
			cfg, err := a.loadConfig()
			if err != nil && !errors.Is(err, config.ErrNoConfig) {
				return err
			}
			pluginDir, err := a.resolvePluginDir(cfg)
			if err != nil {
				return err
			}
			registry, err := plugin.Discover(pluginDir, discoverLogger)
			if err != nil {
				return failure(err)
			}

			names := registry.Names()
			if len(names) == 0 {
				fmt.Fprintf(a.stdout, "no plugins in %s\n", pluginDir)
				return nil
			}
			if !handshake {
				for _, name := range names {
					p, _ := registry.Get(name)
					fmt.Fprintf(a.stdout, "%-16s %s\n", name, p.Path)
				}
				return nil
			}

			opts := supervisor.Options{CoreVersion: version, Stderr: a.stderr}
			if cfg != nil {
				opts.HandshakeTimeout = cfg.Timeouts.HandshakeTimeout()
				opts.ShutdownGrace = cfg.Timeouts.ShutdownGrace()
			} else {
				opts.HandshakeTimeout = config.DefaultHandshakeTimeout
			}
			sup := supervisor.New(opts)
			defer sup.ShutdownAll()

			th := a.theme()
			failed := 0
			for _, name := range names {
				p, _ := registry.Get(name)
				proc, err := sup.Launch(cmd.Context(), name, p.Path)
				if err != nil {
					failed++
					fmt.Fprintf(a.stdout, "%s %s\n  %s\n", th.Error.Render("✗"), name, err)
					continue
				}
				m := proc.Metadata()
				fmt.Fprintf(a.stdout, "%s %s %s (protocol %d)\n", th.OK.Render("✓"), name, m.Version, m.Protocol)
				fmt.Fprintf(a.stdout, "  path         : %s\n", m.Path)
				if caps := m.CapabilityList(); len(caps) > 0 {
					fmt.Fprintf(a.stdout, "  capabilities : %s\n", strings.Join(caps, ", "))
				}
				if len(m.Requires) > 0 {
					fmt.Fprintf(a.stdout, "  requires     : %s\n", strings.Join(m.Requires, ", "))
				}
				if len(m.ConflictsWith) > 0 {
					fmt.Fprintf(a.stdout, "  conflicts    : %s\n", strings.Join(m.ConflictsWith, ", "))
				}
				sup.Shutdown(name)
			}
			if failed > 0 {
				return failure(fmt.Errorf("%d of %d plugin(s) failed the handshake", failed, len(names)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&handshake, "handshake", false, "start each plugin and show its identity")
	return cmd
}
