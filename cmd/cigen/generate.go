package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/cigen/internal/events"
	"github.com/mattjoyce/cigen/internal/inspect"
	"github.com/mattjoyce/cigen/internal/lock"
	"github.com/mattjoyce/cigen/internal/log"
	"github.com/mattjoyce/cigen/internal/orchestrator"
	"github.com/mattjoyce/cigen/internal/output"
)

type generateOptions struct {
	dryRun    bool
	check     bool
	stdout    bool
	providers []string
}

func newGenerateCmd(a *app) *cobra.Command {
	var opts generateOptions
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Render CI configuration files through the provider plugins",
		Long: `Run every targeted provider plugin and write the merged files into
output_dir. Nothing is written when a provider fails or reports an error.

  --dry-run  show what would change without writing
  --check    exit 1 when the files on disk differ from what would be generated
  --stdout   print the merged files instead of writing them`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runGenerate(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.dryRun, "dry-run", false, "show what would change without writing")
	f.BoolVar(&opts.check, "check", false, "fail if generated files are out of date")
	f.BoolVar(&opts.stdout, "stdout", false, "print merged files to stdout instead of writing them")
	f.StringSliceVarP(&opts.providers, "provider", "p", nil, "only run these providers (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("dry-run", "check", "stdout")
	return cmd
}

func (a *app) runGenerate(cmd *cobra.Command, opts generateOptions) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	pluginDir, err := a.resolvePluginDir(cfg)
	if err != nil {
		return err
	}
	th := a.theme()
	logger := log.WithComponent("cli")

	hub := events.NewHub(256)
	progress, cancel := hub.Subscribe()
	defer cancel()
	go func() {
		for ev := range progress {
			if ev.Failed() {
				logger.Debug("run event", "type", ev.Type, "provider", ev.Provider, "error", ev.Err)
				continue
			}
			logger.Debug("run event", "type", ev.Type, "provider", ev.Provider)
		}
	}()

	orch := orchestrator.New(cfg, orchestrator.Options{
		PluginDir:   pluginDir,
		Providers:   opts.providers,
		CoreVersion: version,
		Stderr:      a.stderr,
		Events:      hub,
	})
	res, runErr := orch.Run(cmd.Context())
	if runErr != nil && !orchestrator.IsProviderFailure(runErr) {
		// A bad job graph or an unknown --provider: the input is wrong.
		return usage(runErr)
	}

	for _, d := range res.Diagnostics {
		fmt.Fprint(a.stderr, inspect.FormatDiagnostic(d.Provider, d.Diagnostic, th))
	}
	if runErr != nil {
		return failure(fmt.Errorf("generation failed, nothing written: %w", runErr))
	}
	if res.HasErrors() {
		return failure(errors.New("providers reported errors, nothing written"))
	}

	if opts.stdout {
		paths := make([]string, 0, len(res.Files))
		for p := range res.Files {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			fmt.Fprintf(a.stdout, "# %s\n%s", p, res.Files[p])
			if n := len(res.Files[p]); n > 0 && res.Files[p][n-1] != '\n' {
				fmt.Fprintln(a.stdout)
			}
		}
		return nil
	}

	w, err := output.NewFSWriter(cfg.OutputDir)
	if err != nil {
		return failure(err)
	}

	if opts.check || opts.dryRun {
		report, err := w.Diff(cmd.Context(), res.Files)
		if err != nil {
			return failure(err)
		}
		if opts.dryRun {
			fmt.Fprint(a.stdout, inspect.FormatFiles(report, th))
			return nil
		}
		drifted := report.Drifted()
		if len(drifted) == 0 {
			fmt.Fprintf(a.stdout, "%d file(s) up to date\n", len(report.Files))
			return nil
		}
		fmt.Fprint(a.stdout, inspect.FormatFiles(output.Report{Dir: report.Dir, Files: drifted}, th))
		return failure(fmt.Errorf("%d file(s) out of date; run: cigen generate", len(drifted)))
	}

	dl, err := lock.Acquire(cfg.OutputDir)
	if err != nil {
		return failure(err)
	}
	defer func() {
		if err := dl.Release(); err != nil {
			logger.Warn("failed to release output lock", "error", err)
		}
	}()

	report, err := w.Write(cmd.Context(), res.Files)
	if err != nil {
		return failure(err)
	}
	fmt.Fprint(a.stdout, inspect.FormatFiles(report, th))
	logger.Info("generation complete", "run_id", res.RunID, "files", len(report.Files), "changed", len(report.Drifted()))
	return nil
}
