package doctor

import (
	"strings"
	"testing"

	"github.com/mattjoyce/cigen/internal/config"
	"github.com/mattjoyce/cigen/internal/plugin"
)

func validConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Providers = map[string]config.ProviderConf{
		"github": {Settings: map[string]any{"workflow": "ci.yml"}},
	}
	cfg.Jobs = map[string]config.JobConf{
		"setup": {Definition: map[string]any{"runs_on": "ubuntu-latest"}},
		"test": {
			Needs:  []string{"setup"},
			Matrix: map[string][]string{"go": {"1.22", "1.23"}},
		},
	}
	return cfg
}

func registryWith(names ...string) *plugin.Registry {
	r := plugin.NewRegistry()
	for _, n := range names {
		_ = r.Add(&plugin.Plugin{Name: n, Path: "/plugins/" + plugin.ExecutableName(n)})
	}
	return r
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	d := New(validConfig(), registryWith("github"), "/plugins")
	r := d.Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
	if !strings.HasPrefix(r.Fingerprint, "blake3:") {
		t.Fatalf("fingerprint = %q", r.Fingerprint)
	}
}

func TestValidate_PluginNotFound(t *testing.T) {
	t.Parallel()
	d := New(validConfig(), registryWith(), "/opt/cigen/bin")
	r := d.Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "plugin_refs", "provider-github")
	assertHasError(t, r, "plugin_refs", "/opt/cigen/bin")
}

func TestValidate_DisabledProviderNotRequired(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Providers["gitlab"] = config.ProviderConf{Disabled: true}
	d := New(cfg, registryWith("github"), "/plugins")
	if r := d.Validate(); !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
}

func TestValidate_UnknownNeed(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Jobs["deploy"] = config.JobConf{Needs: []string{"release"}}
	r := New(cfg, registryWith("github"), "").Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "graph", `job "deploy" needs "release"`)
	if r.Fingerprint != "" {
		t.Fatalf("fingerprint set for invalid graph: %q", r.Fingerprint)
	}
}

func TestValidate_Cycle(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Jobs = map[string]config.JobConf{
		"a": {Needs: []string{"c"}},
		"b": {Needs: []string{"a"}},
		"c": {Needs: []string{"b"}},
	}
	r := New(cfg, registryWith("github"), "").Validate()
	assertHasError(t, r, "graph", "circular dependency: a -> b -> c")
}

func TestValidate_WarnUnusedPlugin(t *testing.T) {
	t.Parallel()
	d := New(validConfig(), registryWith("github", "circleci"), "")
	r := d.Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got: %v", r.Errors)
	}
	assertHasWarning(t, r, "unused", `plugin "circleci"`)
}

func TestValidate_WarnUntargetedProvider(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Providers["circleci"] = config.ProviderConf{}
	for name, job := range cfg.Jobs {
		job.Providers = []string{"github"}
		cfg.Jobs[name] = job
	}
	r := New(cfg, registryWith("github", "circleci"), "").Validate()
	assertHasWarning(t, r, "unused", `provider "circleci" is not targeted`)
}

func TestValidate_WarnDisabledTarget(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Providers["gitlab"] = config.ProviderConf{Disabled: true}
	cfg.Jobs["lint"] = config.JobConf{Providers: []string{"gitlab"}}
	r := New(cfg, registryWith("github"), "").Validate()
	assertHasWarning(t, r, "disabled", `targets disabled provider "gitlab"`)
}

func TestValidate_WarnNoJobs(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Jobs = nil
	r := New(cfg, registryWith("github"), "").Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got: %v", r.Errors)
	}
	assertHasWarning(t, r, "jobs", "no jobs defined")
}

func TestValidate_WarnMissingEnvVar(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Jobs["deploy"] = config.JobConf{Definition: map[string]any{
		"steps": []any{map[string]any{"run": "deploy --token ${CIGEN_DOCTOR_UNSET_TOKEN}"}},
	}}
	r := New(cfg, registryWith("github"), "").Validate()
	assertHasWarning(t, r, "env_vars", "CIGEN_DOCTOR_UNSET_TOKEN")
	for _, w := range r.Warnings {
		if w.Category == "env_vars" && w.Field != "jobs.deploy.steps[0].run" {
			t.Fatalf("field = %q", w.Field)
		}
	}
}

func TestValidate_NilRegistry(t *testing.T) {
	t.Parallel()
	r := New(validConfig(), nil, "").Validate()
	assertHasError(t, r, "plugin_refs", "the plugin directory")
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Message: "bad thing"}},
	}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bad thing") {
		t.Fatalf("expected JSON to contain error message, got: %s", out)
	}
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	r := &Result{Valid: true}
	out := FormatHuman(r)
	if !strings.Contains(out, "valid") {
		t.Fatalf("expected 'valid' in output, got: %s", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
		Warnings: []Issue{{Category: "w", Message: "meh"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR [test] x.y: broken") || !strings.Contains(out, "WARN  [w] meh") {
		t.Fatalf("unexpected output: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
