package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/cigen/internal/doctor"
	"github.com/mattjoyce/cigen/internal/log"
	"github.com/mattjoyce/cigen/internal/plugin"
)

func newCheckCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:     "check",
		Aliases: []string{"doctor"},
		Short:   "Validate config, job graph and plugin executables without running plugins",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			pluginDir, err := a.resolvePluginDir(cfg)
			if err != nil {
				return err
			}

			registry, err := plugin.Discover(pluginDir, discoverLogger)
			if err != nil {
				// Reported per provider by the doctor.
				log.Warn("plugin discovery failed", "error", err)
			}
			result := doctor.New(cfg, registry, pluginDir).Validate()

			if jsonOut {
				out, err := doctor.FormatJSON(result)
				if err != nil {
					return failure(err)
				}
				fmt.Fprintln(a.stdout, out)
			} else {
				fmt.Fprint(a.stdout, doctor.FormatHuman(result))
			}
			if !result.Valid {
				return silent(exitFailure)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output the result as JSON")
	return cmd
}
