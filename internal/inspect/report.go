package inspect

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/cigen/internal/graph"
)

// Report is the structured JSON representation of a job graph.
type Report struct {
	Fingerprint string       `json:"fingerprint"`
	Jobs        int          `json:"jobs"`
	Instances   []Instance   `json:"instances"`
	Stages      [][]string   `json:"stages"`
	Edges       []graph.Edge `json:"edges"`
}

// Instance is one job instance in topological order.
type Instance struct {
	ID        string            `json:"id"`
	Job       string            `json:"job"`
	Stage     int               `json:"stage"`
	Matrix    map[string]string `json:"matrix,omitempty"`
	Needs     []string          `json:"needs,omitempty"`
	Providers []string          `json:"providers,omitempty"`
}

// NewReport gathers the report data from a built graph.
func NewReport(g *graph.Graph) *Report {
	r := &Report{
		Fingerprint: g.Fingerprint(),
		Jobs:        len(g.JobIDs()),
		Instances:   make([]Instance, 0, g.Len()),
		Stages:      g.Stages(),
		Edges:       g.Edges(),
	}
	if r.Edges == nil {
		r.Edges = []graph.Edge{}
	}
	for _, cj := range g.Jobs() {
		stage, _ := g.Depth(cj.InstanceID)
		r.Instances = append(r.Instances, Instance{
			ID:        cj.InstanceID,
			Job:       cj.JobID,
			Stage:     stage,
			Matrix:    cj.Matrix,
			Needs:     g.Dependencies(cj.InstanceID),
			Providers: cj.Providers,
		})
	}
	return r
}

// BuildReport renders a terminal-friendly view of the graph, stage by stage.
func BuildReport(g *graph.Graph, th Theme) string {
	report := NewReport(g)

	var out strings.Builder
	fmt.Fprintf(&out, "%s\n", th.Title.Render("Job Graph"))
	fmt.Fprintf(&out, "Fingerprint : %s\n", th.Dim.Render(report.Fingerprint))
	fmt.Fprintf(&out, "Jobs        : %d\n", report.Jobs)
	fmt.Fprintf(&out, "Instances   : %d\n", len(report.Instances))
	fmt.Fprintf(&out, "Edges       : %d\n", len(report.Edges))

	byID := make(map[string]Instance, len(report.Instances))
	for _, inst := range report.Instances {
		byID[inst.ID] = inst
	}

	for i, stage := range report.Stages {
		fmt.Fprintf(&out, "\n%s\n", th.Header.Render(fmt.Sprintf("Stage %d", i)))
		for _, id := range stage {
			inst := byID[id]
			line := "  " + th.Highlight.Render(id)
			if len(inst.Matrix) > 0 {
				line += " " + th.Dim.Render(formatMatrix(inst.Matrix))
			}
			fmt.Fprintf(&out, "%s\n", line)
			if len(inst.Needs) > 0 {
				fmt.Fprintf(&out, "    needs     : %s\n", strings.Join(inst.Needs, ", "))
			}
			if len(inst.Providers) > 0 {
				fmt.Fprintf(&out, "    providers : %s\n", strings.Join(inst.Providers, ", "))
			}
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n"
}

// BuildJSONReport returns the machine-readable graph report.
func BuildJSONReport(g *graph.Graph) (string, error) {
	data, err := json.MarshalIndent(NewReport(g), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func formatMatrix(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
