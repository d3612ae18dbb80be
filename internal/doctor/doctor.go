// Package doctor validates cigen configuration, the job graph and plugin setup
// without starting any plugin.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/mattjoyce/cigen/internal/config"
	"github.com/mattjoyce/cigen/internal/graph"
	"github.com/mattjoyce/cigen/internal/plugin"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid       bool    `json:"valid"`
	Errors      []Issue `json:"errors,omitempty"`
	Warnings    []Issue `json:"warnings,omitempty"`
	Fingerprint string  `json:"fingerprint,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against discovered plugins.
type Doctor struct {
	cfg       *config.Config
	registry  *plugin.Registry
	pluginDir string
}

// New creates a Doctor from a loaded config and the plugins found in pluginDir.
func New(cfg *config.Config, registry *plugin.Registry, pluginDir string) *Doctor {
	if registry == nil {
		registry = plugin.NewRegistry()
	}
	return &Doctor{cfg: cfg, registry: registry, pluginDir: pluginDir}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateGraph(r)
	d.validatePluginRefs(r)
	d.warnNoJobs(r)
	d.warnUnusedPlugins(r)
	d.warnUntargetedProviders(r)
	d.warnDisabledTargets(r)
	d.warnMissingEnvVars(r)

	sortIssues(r.Errors)
	sortIssues(r.Warnings)
	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateGraph builds the job graph exactly as generate would.
func (d *Doctor) validateGraph(r *Result) {
	g, err := graph.Build(d.cfg.JobDefinitions())
	if err == nil {
		r.Fingerprint = g.Fingerprint()
		return
	}

	var missing *graph.MissingDependencyError
	var cycle *graph.CycleError
	switch {
	case errors.As(err, &missing):
		d.addError(r, "graph", fmt.Sprintf("jobs.%s.needs", missing.Job),
			fmt.Sprintf("job %q needs %q, which is not defined", missing.Job, missing.Missing))
	case errors.As(err, &cycle):
		for _, c := range cycle.Cycles {
			d.addError(r, "graph", "jobs",
				fmt.Sprintf("circular dependency: %s", strings.Join(c, " -> ")))
		}
	default:
		d.addError(r, "graph", "jobs", err.Error())
	}
}

// validatePluginRefs checks that every enabled provider has an executable.
func (d *Doctor) validatePluginRefs(r *Result) {
	for _, name := range d.cfg.ProviderNames() {
		if _, ok := d.registry.Get(name); ok {
			continue
		}
		where := d.pluginDir
		if where == "" {
			where = "the plugin directory"
		}
		d.addError(r, "plugin_refs", fmt.Sprintf("providers.%s", name),
			fmt.Sprintf("provider %q is configured but %s was not found in %s",
				name, plugin.ExecutableName(name), where))
	}
}

func (d *Doctor) warnNoJobs(r *Result) {
	if len(d.cfg.Jobs) == 0 {
		d.addWarning(r, "jobs", "jobs", "no jobs defined; generate will produce no files")
	}
}

// warnUnusedPlugins warns about discovered plugins not referenced in config.
func (d *Doctor) warnUnusedPlugins(r *Result) {
	for _, name := range d.registry.Names() {
		if _, inConfig := d.cfg.Providers[name]; !inConfig {
			d.addWarning(r, "unused", "",
				fmt.Sprintf("plugin %q discovered but not referenced in config", name))
		}
	}
}

// warnUntargetedProviders flags enabled providers that no job renders for.
func (d *Doctor) warnUntargetedProviders(r *Result) {
	targeted := make(map[string]bool)
	for _, job := range d.cfg.Jobs {
		if len(job.Providers) == 0 {
			return
		}
		for _, p := range job.Providers {
			targeted[p] = true
		}
	}
	for _, name := range d.cfg.ProviderNames() {
		if !targeted[name] {
			d.addWarning(r, "unused", fmt.Sprintf("providers.%s", name),
				fmt.Sprintf("provider %q is not targeted by any job", name))
		}
	}
}

func (d *Doctor) warnDisabledTargets(r *Result) {
	for name, job := range d.cfg.Jobs {
		for _, p := range job.Providers {
			if pc, ok := d.cfg.Providers[p]; ok && pc.Disabled {
				d.addWarning(r, "disabled", fmt.Sprintf("jobs.%s.providers", name),
					fmt.Sprintf("job %q targets disabled provider %q and will not be rendered for it", name, p))
			}
		}
	}
}

// warnMissingEnvVars warns about ${VAR} references left in job definitions.
// Provider settings are already rejected by config validation.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	envVarRe := regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

	for name, job := range d.cfg.Jobs {
		walkStrings(job.Definition, fmt.Sprintf("jobs.%s", name), func(field, s string) {
			for _, m := range envVarRe.FindAllStringSubmatch(s, -1) {
				if _, set := os.LookupEnv(m[1]); !set {
					d.addWarning(r, "env_vars", field,
						fmt.Sprintf("environment variable ${%s} not set", m[1]))
				}
			}
		})
	}
}

func walkStrings(v any, field string, fn func(field, s string)) {
	switch t := v.(type) {
	case string:
		fn(field, t)
	case map[string]any:
		for k, child := range t {
			walkStrings(child, field+"."+k, fn)
		}
	case []any:
		for i, child := range t {
			walkStrings(child, fmt.Sprintf("%s[%d]", field, i), fn)
		}
	}
}

func sortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Category != issues[j].Category {
			return issues[i].Category < issues[j].Category
		}
		if issues[i].Field != issues[j].Field {
			return issues[i].Field < issues[j].Field
		}
		return issues[i].Message < issues[j].Message
	})
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
