// Package orchestrator runs one generation: it builds the job graph, starts
// every required provider plugin, negotiates capabilities, drives the plan and
// generate exchanges, shuts the plugins down and merges their fragments.
//
// Provider sessions run concurrently. A failing provider does not stop the
// others; its failure is reported in a *RunError next to the partial Result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/cigen/internal/config"
	"github.com/mattjoyce/cigen/internal/events"
	"github.com/mattjoyce/cigen/internal/graph"
	"github.com/mattjoyce/cigen/internal/log"
	"github.com/mattjoyce/cigen/internal/merge"
	"github.com/mattjoyce/cigen/internal/plugin"
	"github.com/mattjoyce/cigen/internal/supervisor"
	"github.com/mattjoyce/cigen/pkg/protocol"
)

// CodeUnplannedFile tags the warning emitted when a plugin generates a file it
// did not announce during planning.
const CodeUnplannedFile = "CIGEN001"

// Options configures a run. Zero values select the production behaviour.
type Options struct {
	// PluginDir holds the provider-<name> executables.
	PluginDir string

	// Providers restricts the run to these providers. Empty means every
	// provider some job targets.
	Providers []string

	CoreVersion string

	// Stderr receives plugin stderr when Launcher is nil.
	Stderr io.Writer

	// Launcher overrides how plugins are started.
	Launcher Launcher

	// Locate overrides executable lookup. Defaults to plugin.Locate.
	Locate func(dir, provider string) (*plugin.Plugin, error)

	// Events receives progress; nil disables publishing.
	Events *events.Hub

	// NewRunID overrides run ID generation.
	NewRunID func() string
}

// Diagnostic is a plugin diagnostic tagged with where it came from.
type Diagnostic struct {
	Provider string
	Phase    Phase
	protocol.Diagnostic
}

// Result is everything a run produced. On a partial failure it holds the
// output of the providers that succeeded.
type Result struct {
	RunID       string
	Graph       *graph.Graph
	Files       map[string][]byte
	Sources     map[string][]string // path → providers that contributed
	Diagnostics []Diagnostic
	Plugins     []*plugin.Metadata // sorted by provider name
	// Order is the instance topological order shared by every provider.
	Order []string
}

// HasErrors reports whether any diagnostic is error-level.
func (r *Result) HasErrors() bool {
	for _, d := range r.Diagnostics {
		if d.Level == protocol.LevelError {
			return true
		}
	}
	return false
}

// Orchestrator runs generations for one configuration.
type Orchestrator struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger
}

// New creates an Orchestrator. cfg must already be validated.
func New(cfg *config.Config, opts Options) *Orchestrator {
	if opts.Locate == nil {
		opts.Locate = plugin.Locate
	}
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}
	return &Orchestrator{
		cfg:    cfg,
		opts:   opts,
		logger: log.WithComponent("orchestrator"),
	}
}

// providerRun is the state of one provider session.
type providerRun struct {
	name    string
	path    string
	session Session
	jobs    []protocol.Job

	plan        *protocol.PlanResult
	generated   *protocol.GenerateResult
	diagnostics []Diagnostic
	err         *ProviderError
}

func (pr *providerRun) fail(phase Phase, err error) {
	pr.err = &ProviderError{Provider: pr.name, Phase: phase, Err: err}
}

// Run performs one generation. Graph errors and unknown provider filters are
// returned as-is before any plugin starts. Provider failures come back as a
// *RunError together with the partial Result.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	runID := o.opts.NewRunID()
	logger := o.logger.With(slog.String("run_id", runID))
	o.opts.Events.SetRun(runID)

	g, err := graph.Build(o.cfg.JobDefinitions())
	if err != nil {
		return nil, fmt.Errorf("build job graph: %w", err)
	}
	logger.Debug("job graph built", "instances", g.Len(), "fingerprint", g.Fingerprint())

	names, err := o.requiredProviders(g)
	if err != nil {
		return nil, err
	}

	result := &Result{
		RunID:   runID,
		Graph:   g,
		Files:   map[string][]byte{},
		Sources: map[string][]string{},
		Order:   g.TopologicalOrder(),
	}

	runs := make([]*providerRun, 0, len(names))
	var locateErrs []*ProviderError
	for _, name := range names {
		p, err := o.opts.Locate(o.opts.PluginDir, name)
		if err != nil {
			locateErrs = append(locateErrs, &ProviderError{Provider: name, Phase: PhaseLocate, Err: err})
			continue
		}
		runs = append(runs, &providerRun{name: name, path: p.Path, jobs: jobsFor(g, name)})
	}
	if len(locateErrs) > 0 {
		for _, pe := range locateErrs {
			o.opts.Events.Fail(events.Launch, pe.Provider, pe.Err)
		}
		return result, &RunError{Errors: locateErrs}
	}
	if len(runs) == 0 {
		logger.Info("no providers targeted; nothing to generate")
		o.opts.Events.Publish(events.Done, "", nil)
		return result, nil
	}

	launcher := o.launcher()
	defer func() {
		launcher.ShutdownAll()
		o.opts.Events.Publish(events.Shutdown, "", nil)
	}()

	o.launchAll(ctx, launcher, runs, logger)
	o.negotiateAll(runs, logger)

	var sessions errgroup.Group
	for _, pr := range runs {
		if pr.err != nil {
			continue
		}
		sessions.Go(func() error {
			o.session(ctx, runID, g, pr, logger)
			return nil
		})
	}
	_ = sessions.Wait()

	o.collect(result, runs, logger)

	var failed []*ProviderError
	for _, pr := range runs {
		if pr.err != nil {
			failed = append(failed, pr.err)
		}
	}
	o.opts.Events.Publish(events.Done, "", map[string]any{"files": len(result.Files), "failed": len(failed)})
	if len(failed) > 0 {
		return result, &RunError{Errors: failed}
	}
	return result, nil
}

func (o *Orchestrator) launcher() Launcher {
	if o.opts.Launcher != nil {
		return o.opts.Launcher
	}
	return NewSupervisorLauncher(supervisor.New(supervisor.Options{
		CoreVersion:      o.opts.CoreVersion,
		Stderr:           o.opts.Stderr,
		HandshakeTimeout: o.cfg.Timeouts.HandshakeTimeout(),
		ExchangeTimeout:  o.cfg.Timeouts.ExchangeTimeout(),
		ShutdownGrace:    o.cfg.Timeouts.ShutdownGrace(),
	}))
}

// requiredProviders is the sorted set of enabled providers targeted by at
// least one job, narrowed by Options.Providers.
func (o *Orchestrator) requiredProviders(g *graph.Graph) ([]string, error) {
	enabled := make(map[string]bool)
	for _, name := range o.cfg.ProviderNames() {
		enabled[name] = true
	}

	targeted := make(map[string]bool)
	for _, cj := range g.Jobs() {
		if len(cj.Providers) == 0 {
			for name := range enabled {
				targeted[name] = true
			}
			continue
		}
		for _, name := range cj.Providers {
			if enabled[name] {
				targeted[name] = true
			}
		}
	}

	if len(o.opts.Providers) > 0 {
		filter := make(map[string]bool, len(o.opts.Providers))
		for _, name := range o.opts.Providers {
			if !enabled[name] {
				return nil, fmt.Errorf("%w %q: not configured or disabled", ErrUnknownProvider, name)
			}
			filter[name] = true
		}
		for name := range targeted {
			if !filter[name] {
				delete(targeted, name)
			}
		}
	}

	out := make([]string, 0, len(targeted))
	for name := range targeted {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// jobsFor lists the instances provider renders, in topological order.
func jobsFor(g *graph.Graph, provider string) []protocol.Job {
	var out []protocol.Job
	for _, cj := range g.Jobs() {
		if !targets(cj, provider) {
			continue
		}
		out = append(out, protocol.Job{
			JobID:      cj.JobID,
			InstanceID: cj.InstanceID,
			Matrix:     cj.Matrix,
			Needs:      g.Dependencies(cj.InstanceID),
			Definition: cj.Definition,
		})
	}
	return out
}

func targets(cj graph.ConcreteJob, provider string) bool {
	if len(cj.Providers) == 0 {
		return true
	}
	for _, p := range cj.Providers {
		if p == provider {
			return true
		}
	}
	return false
}

func (o *Orchestrator) launchAll(ctx context.Context, launcher Launcher, runs []*providerRun, logger *slog.Logger) {
	var g errgroup.Group
	for _, pr := range runs {
		g.Go(func() error {
			o.opts.Events.Publish(events.Launch, pr.name, map[string]string{"path": pr.path})
			s, err := launcher.Launch(ctx, pr.name, pr.path)
			if err != nil {
				logger.Error("plugin launch failed", "provider", pr.name, "error", err)
				o.opts.Events.Fail(events.Handshake, pr.name, err)
				pr.fail(PhaseLaunch, err)
				return nil
			}
			pr.session = s
			meta := s.Metadata()
			logger.Info("plugin ready", "provider", pr.name, "version", meta.Version, "capabilities", meta.CapabilityList())
			o.opts.Events.Publish(events.Handshake, pr.name, map[string]any{
				"version":      meta.Version,
				"capabilities": meta.CapabilityList(),
			})
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) negotiateAll(runs []*providerRun, logger *slog.Logger) {
	active := make(map[string]*plugin.Metadata)
	for _, pr := range runs {
		if pr.err == nil {
			active[pr.name] = pr.session.Metadata()
		}
	}
	violations := negotiate(active)
	for _, pr := range runs {
		if pr.err != nil {
			continue
		}
		if err, rejected := violations[pr.name]; rejected {
			logger.Error("plugin rejected", "provider", pr.name, "error", err)
			o.opts.Events.Fail(events.Negotiate, pr.name, err)
			pr.fail(PhaseNegotiate, err)
			continue
		}
		o.opts.Events.Publish(events.Negotiate, pr.name, nil)
	}
}

// session runs plan then generate for one provider.
func (o *Orchestrator) session(ctx context.Context, runID string, g *graph.Graph, pr *providerRun, logger *slog.Logger) {
	logger = logger.With(slog.String("provider", pr.name))
	settings := o.cfg.Providers[pr.name].Settings

	plan, err := pr.session.Plan(ctx, &protocol.PlanRequest{
		RunID:       runID,
		Provider:    pr.name,
		Jobs:        pr.jobs,
		Fingerprint: g.Fingerprint(),
		Settings:    settings,
	})
	if err != nil {
		logger.Error("plan failed", "error", err)
		o.opts.Events.Fail(events.Plan, pr.name, err)
		pr.fail(PhasePlan, err)
		return
	}
	pr.plan = plan
	pr.addDiagnostics(PhasePlan, plan.Diagnostics)
	o.opts.Events.Publish(events.Plan, pr.name, map[string]int{"files": len(plan.Files), "jobs": len(pr.jobs)})

	if protocol.HasErrors(plan.Diagnostics) {
		logger.Warn("plan reported errors; skipping generate")
		return
	}

	gen, err := pr.session.Generate(ctx, &protocol.GenerateRequest{
		RunID:       runID,
		Provider:    pr.name,
		Jobs:        pr.jobs,
		Fingerprint: g.Fingerprint(),
		Settings:    settings,
		Planned:     plan.Files,
	})
	if err != nil {
		logger.Error("generate failed", "error", err)
		o.opts.Events.Fail(events.Generate, pr.name, err)
		pr.fail(PhaseGenerate, err)
		return
	}
	pr.generated = gen
	pr.addDiagnostics(PhaseGenerate, gen.Diagnostics)
	pr.checkPlanned()
	o.opts.Events.Publish(events.Generate, pr.name, map[string]int{"fragments": len(gen.Fragments)})
	logger.Debug("generate complete", "fragments", len(gen.Fragments))
}

func (pr *providerRun) addDiagnostics(phase Phase, ds []protocol.Diagnostic) {
	for _, d := range ds {
		pr.diagnostics = append(pr.diagnostics, Diagnostic{Provider: pr.name, Phase: phase, Diagnostic: d})
	}
}

// checkPlanned warns about generated paths the plan never announced.
func (pr *providerRun) checkPlanned() {
	if pr.plan == nil || len(pr.plan.Files) == 0 {
		return
	}
	planned := make(map[string]bool, len(pr.plan.Files))
	for _, f := range pr.plan.Files {
		if p, err := merge.NormalizePath(f.Path); err == nil {
			planned[p] = true
		}
	}
	warned := make(map[string]bool)
	for _, f := range pr.generated.Fragments {
		p, err := merge.NormalizePath(f.Path)
		if err != nil || planned[p] || warned[p] {
			continue
		}
		warned[p] = true
		pr.addDiagnostics(PhaseGenerate, []protocol.Diagnostic{{
			Level:   protocol.LevelWarning,
			Code:    CodeUnplannedFile,
			Title:   "unplanned file",
			Message: fmt.Sprintf("generated %s, which was not announced during planning", p),
		}})
	}
}

// collect merges fragments in provider-name order and gathers metadata and
// diagnostics. runs is already sorted by name.
func (o *Orchestrator) collect(result *Result, runs []*providerRun, logger *slog.Logger) {
	merger := merge.New()
	for _, pr := range runs {
		if pr.session != nil {
			result.Plugins = append(result.Plugins, pr.session.Metadata())
		}
		result.Diagnostics = append(result.Diagnostics, pr.diagnostics...)
		if pr.err != nil || pr.generated == nil {
			continue
		}

		// A provider's fragments land all or nothing.
		trial := merger.Clone()
		if err := addAll(trial, pr); err != nil {
			logger.Error("merge failed", "provider", pr.name, "error", err)
			o.opts.Events.Fail(events.Merge, pr.name, err)
			pr.fail(PhaseMerge, err)
			continue
		}
		merger = trial
		o.opts.Events.Publish(events.Merge, pr.name, map[string]int{"fragments": len(pr.generated.Fragments)})
	}

	result.Files = merger.Files()
	for _, p := range merger.Paths() {
		result.Sources[p] = merger.Sources(p)
	}
}

func addAll(m *merge.Merger, pr *providerRun) error {
	for _, f := range pr.generated.Fragments {
		if err := m.AddFrom(pr.name, f); err != nil {
			return err
		}
	}
	return nil
}

// IsProviderFailure reports whether err carries at least one provider failure,
// as opposed to a graph or configuration error.
func IsProviderFailure(err error) bool {
	var re *RunError
	return errors.As(err, &re)
}
