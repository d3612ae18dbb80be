package inspect

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/cigen/internal/output"
	"github.com/mattjoyce/cigen/pkg/protocol"
)

// FormatDiagnostic renders one plugin diagnostic, tagged with its provider.
//
//	error[GH001] github: unsupported runner
//	  --> cigen.yaml:12
//	  job "build" uses runs_on: windows-arm
//	  fix: use one of ubuntu-latest, macos-latest
func FormatDiagnostic(provider string, d protocol.Diagnostic, th Theme) string {
	var b strings.Builder

	head := d.Level.String()
	if d.Code != "" {
		head += "[" + d.Code + "]"
	}
	title := d.Title
	if title == "" {
		title = d.Message
	}
	fmt.Fprintf(&b, "%s %s: %s\n", levelStyle(d.Level, th).Render(head), provider, title)

	if d.Location != nil && d.Location.File != "" {
		fmt.Fprintf(&b, "  %s %s\n", th.Dim.Render("-->"), d.Location.String())
	}
	if d.Title != "" && d.Message != "" {
		for _, line := range strings.Split(strings.TrimRight(d.Message, "\n"), "\n") {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	if d.Fix != "" {
		fmt.Fprintf(&b, "  %s %s\n", th.Info.Render("fix:"), d.Fix)
	}
	return b.String()
}

func levelStyle(l protocol.Level, th Theme) lipgloss.Style {
	switch l {
	case protocol.LevelError:
		return th.Error
	case protocol.LevelWarning:
		return th.Warning
	default:
		return th.Info
	}
}

// FormatFiles lists an output report, one line per file.
func FormatFiles(r output.Report, th Theme) string {
	var b strings.Builder
	for _, f := range r.Files {
		var status string
		switch f.Status {
		case output.StatusNew:
			status = th.OK.Render(fmt.Sprintf("%-9s", f.Status))
		case output.StatusChanged:
			status = th.Warning.Render(fmt.Sprintf("%-9s", f.Status))
		default:
			status = th.Dim.Render(fmt.Sprintf("%-9s", f.Status))
		}
		fmt.Fprintf(&b, "  %s %s\n", status, f.Path)
	}
	return b.String()
}
