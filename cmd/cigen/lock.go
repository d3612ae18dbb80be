package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/cigen/internal/config"
)

func newLockCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Pin the BLAKE3 hash of the config and its includes in " + config.ChecksumFile,
		Long: `Write ` + config.ChecksumFile + ` next to the root config. While it exists, every
command refuses to load a config whose files differ from the pinned hashes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfigWith(config.LoadUnverified)
			if err != nil {
				return err
			}
			report, err := config.GenerateChecksums(cfg, dryRun)
			if err != nil {
				return failure(err)
			}
			for _, f := range report.Files {
				fmt.Fprintf(a.stdout, "%s  %s\n", f.Hash, f.Name)
			}
			if report.Written {
				fmt.Fprintf(a.stdout, "wrote %s\n", report.ChecksumPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print hashes without writing the manifest")
	return cmd
}
