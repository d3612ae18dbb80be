package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/cigen/internal/graph"
	"github.com/mattjoyce/cigen/internal/inspect"
)

func newGraphCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the expanded job graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			g, err := graph.Build(cfg.JobDefinitions())
			if err != nil {
				return usage(err)
			}
			if jsonOut {
				out, err := inspect.BuildJSONReport(g)
				if err != nil {
					return failure(err)
				}
				fmt.Fprintln(a.stdout, out)
				return nil
			}
			fmt.Fprint(a.stdout, inspect.BuildReport(g, a.theme()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output the graph as JSON")
	return cmd
}
