package inspect

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/mattjoyce/cigen/internal/graph"
	"github.com/mattjoyce/cigen/internal/output"
	"github.com/mattjoyce/cigen/pkg/protocol"
)

func sampleGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.Build([]graph.JobDefinition{
		{ID: "setup"},
		{ID: "test", Needs: []string{"setup"}, Matrix: map[string][]string{"go": {"1.22", "1.23"}}, Providers: []string{"github"}},
		{ID: "deploy", Needs: []string{"test"}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func TestBuildReportRendersStages(t *testing.T) {
	t.Parallel()

	out := BuildReport(sampleGraph(t), NewPlainTheme())

	for _, want := range []string{
		"Job Graph",
		"Jobs        : 3",
		"Instances   : 4",
		"Edges       : 4",
		"Stage 0\n  setup\n",
		"Stage 1\n  test-1.22 (go=1.22)\n    needs     : setup\n    providers : github\n",
		"Stage 2\n  deploy\n    needs     : test-1.22, test-1.23\n",
		"blake3:",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain theme emitted ANSI escapes:\n%q", out)
	}
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()

	raw, err := BuildJSONReport(sampleGraph(t))
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}

	var r Report
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if r.Jobs != 3 || len(r.Instances) != 4 || len(r.Edges) != 4 || len(r.Stages) != 3 {
		t.Fatalf("unexpected report shape: %+v", r)
	}
	if r.Instances[0].ID != "setup" || r.Instances[3].ID != "deploy" {
		t.Fatalf("instances not in topological order: %+v", r.Instances)
	}
	if r.Instances[3].Stage != 2 {
		t.Fatalf("deploy stage = %d, want 2", r.Instances[3].Stage)
	}
}

func TestBuildJSONReportEmptyEdges(t *testing.T) {
	t.Parallel()

	g, err := graph.Build([]graph.JobDefinition{{ID: "solo"}})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := BuildJSONReport(g)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(raw, `"edges": []`) {
		t.Fatalf("edges should encode as an empty list:\n%s", raw)
	}
}

func TestFormatDiagnostic(t *testing.T) {
	t.Parallel()

	d := protocol.Diagnostic{
		Level:    protocol.LevelError,
		Code:     "GH001",
		Title:    "unsupported runner",
		Message:  "job \"build\" uses runs_on: windows-arm",
		Fix:      "use ubuntu-latest",
		Location: &protocol.Location{File: "cigen.yaml", Line: 12},
	}
	got := FormatDiagnostic("github", d, NewPlainTheme())
	want := "error[GH001] github: unsupported runner\n" +
		"  --> cigen.yaml:12\n" +
		"  job \"build\" uses runs_on: windows-arm\n" +
		"  fix: use ubuntu-latest\n"
	if got != want {
		t.Fatalf("FormatDiagnostic() =\n%s\nwant\n%s", got, want)
	}

	got = FormatDiagnostic("circleci", protocol.Diagnostic{Level: protocol.LevelWarning, Message: "deprecated key"}, NewPlainTheme())
	if got != "warning circleci: deprecated key\n" {
		t.Fatalf("message-only diagnostic = %q", got)
	}
}

func TestFormatFiles(t *testing.T) {
	t.Parallel()

	got := FormatFiles(output.Report{Files: []output.FileResult{
		{Path: "a.yml", Status: output.StatusNew},
		{Path: "b.yml", Status: output.StatusUnchanged},
	}}, NewPlainTheme())
	want := "  new       a.yml\n  unchanged b.yml\n"
	if got != want {
		t.Fatalf("FormatFiles() = %q, want %q", got, want)
	}
}
