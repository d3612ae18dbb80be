package main

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/cigen/pkg/pluginsdk"
	"github.com/mattjoyce/cigen/pkg/protocol"
)

const (
	defaultWorkflow = "ci.yml"
	defaultName     = "CI"
	defaultRunner   = "ubuntu-latest"
	workflowDir     = ".github/workflows"
)

// Diagnostic codes.
const (
	codeBadSetting = "GH001"
	codeBadSteps   = "GH002"
	codeNoRunner   = "GH003"
)

var invalidJobID = regexp.MustCompile(`[^A-Za-z0-9_-]`)

type settings struct {
	Workflow string
	Name     string
	On       any
}

func parseSettings(raw map[string]any) (settings, []protocol.Diagnostic) {
	s := settings{
		Workflow: defaultWorkflow,
		Name:     defaultName,
		On:       map[string]any{"push": nil, "pull_request": nil},
	}
	var diags []protocol.Diagnostic

	if v, ok := raw["workflow"]; ok {
		w, isString := v.(string)
		switch {
		case !isString || w == "":
			diags = append(diags, pluginsdk.Error(codeBadSetting, "invalid workflow setting",
				fmt.Sprintf("settings.workflow must be a file name, got %v", v)))
		case strings.ContainsAny(w, `/\`) || (path.Ext(w) != ".yml" && path.Ext(w) != ".yaml"):
			diags = append(diags, pluginsdk.Error(codeBadSetting, "invalid workflow setting",
				fmt.Sprintf("settings.workflow %q must be a .yml or .yaml file name without directories", w)))
		default:
			s.Workflow = w
		}
	}
	if v, ok := raw["name"].(string); ok && v != "" {
		s.Name = v
	}
	if v, ok := raw["on"]; ok {
		s.On = v
	}
	return s, diags
}

func (s settings) path() string { return workflowDir + "/" + s.Workflow }

// jobID maps an instance ID onto the characters GitHub accepts in job keys.
func jobID(instanceID string) string {
	return invalidJobID.ReplaceAllString(instanceID, "_")
}

type workflowHeader struct {
	Name string `yaml:"name"`
	On   any    `yaml:"on"`
}

type workflowJob struct {
	Name   string            `yaml:"name,omitempty"`
	RunsOn any               `yaml:"runs-on"`
	Needs  []string          `yaml:"needs,omitempty"`
	Env    map[string]string `yaml:"env,omitempty"`
	Steps  []any             `yaml:"steps,omitempty"`
	Extra  map[string]any    `yaml:",inline"`
}

// renameKeys are provider-neutral keys with a different spelling in GitHub
// Actions.
var renameKeys = map[string]string{
	"timeout_minutes":   "timeout-minutes",
	"continue_on_error": "continue-on-error",
}

func renderJob(j protocol.Job) (workflowJob, []protocol.Diagnostic) {
	var diags []protocol.Diagnostic
	out := workflowJob{Extra: map[string]any{}}

	display := j.JobID
	if v, ok := j.Definition["name"].(string); ok && v != "" {
		display = v
		out.Name = v
	}
	if len(j.Matrix) > 0 {
		out.Name = fmt.Sprintf("%s (%s)", display, matrixLabel(j.Matrix))
		out.Env = make(map[string]string, len(j.Matrix))
		for k, v := range j.Matrix {
			out.Env["MATRIX_"+strings.ToUpper(jobID(k))] = v
		}
	}
	for _, n := range j.Needs {
		out.Needs = append(out.Needs, jobID(n))
	}

	for k, v := range j.Definition {
		switch k {
		case "name":
		case "runs_on", "runs-on":
			out.RunsOn = v
		case "steps":
			steps, ok := v.([]any)
			if !ok {
				diags = append(diags, pluginsdk.Error(codeBadSteps, "invalid steps",
					fmt.Sprintf("job %s: steps must be a list, got %T", j.InstanceID, v)))
				continue
			}
			out.Steps = steps
		case "env":
			env, ok := v.(map[string]any)
			if !ok {
				diags = append(diags, pluginsdk.Error(codeBadSetting, "invalid env",
					fmt.Sprintf("job %s: env must be a mapping, got %T", j.InstanceID, v)))
				continue
			}
			if out.Env == nil {
				out.Env = make(map[string]string, len(env))
			}
			for ek, ev := range env {
				out.Env[ek] = fmt.Sprint(ev)
			}
		default:
			if renamed, ok := renameKeys[k]; ok {
				k = renamed
			}
			out.Extra[k] = v
		}
	}

	if out.RunsOn == nil {
		out.RunsOn = defaultRunner
		diags = append(diags, pluginsdk.Warning(codeNoRunner, "no runner",
			fmt.Sprintf("job %s has no runs_on; using %s", j.InstanceID, defaultRunner)))
	}
	return out, diags
}

func matrixLabel(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return strings.Join(parts, ", ")
}

// renderer implements pluginsdk.Handler.
type renderer struct{}

func (renderer) Plan(_ context.Context, req *protocol.PlanRequest) (*protocol.PlanResult, error) {
	s, diags := parseSettings(req.Settings)
	for _, j := range req.Jobs {
		_, d := renderJob(j)
		diags = append(diags, d...)
	}
	res := &protocol.PlanResult{Diagnostics: diags}
	if len(req.Jobs) > 0 {
		res.Files = []protocol.PlannedFile{{Path: s.path(), Strategy: protocol.StrategyStructuralMerge}}
	}
	return res, nil
}

// Generate emits the workflow header and then one fragment per job, all
// structurally merged into the same file in job order.
func (renderer) Generate(_ context.Context, req *protocol.GenerateRequest) (*protocol.GenerateResult, error) {
	s, diags := parseSettings(req.Settings)
	if protocol.HasErrors(diags) || len(req.Jobs) == 0 {
		return &protocol.GenerateResult{Diagnostics: diags}, nil
	}

	header, err := yaml.Marshal(workflowHeader{Name: s.Name, On: s.On})
	if err != nil {
		return nil, fmt.Errorf("render workflow header: %w", err)
	}
	res := &protocol.GenerateResult{Fragments: []protocol.Fragment{{
		Path:     s.path(),
		Content:  header,
		Strategy: protocol.StrategyStructuralMerge,
	}}}

	for _, j := range req.Jobs {
		job, _ := renderJob(j)
		body, err := yaml.Marshal(map[string]map[string]workflowJob{
			"jobs": {jobID(j.InstanceID): job},
		})
		if err != nil {
			return nil, fmt.Errorf("render job %s: %w", j.InstanceID, err)
		}
		res.Fragments = append(res.Fragments, protocol.Fragment{
			Path:     s.path(),
			Content:  body,
			Strategy: protocol.StrategyStructuralMerge,
		})
	}
	return res, nil
}
