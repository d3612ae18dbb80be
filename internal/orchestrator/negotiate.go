package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/cigen/internal/plugin"
)

// CoreCapabilities returns what this build of cigen offers to plugins.
func CoreCapabilities() []string {
	return []string{
		"protocol.v1",
		"matrix",
		"merge.replace",
		"merge.append",
		"merge.structural",
		"diagnostics",
	}
}

// negotiate checks every plugin's requirements and conflicts against the core
// and the other active plugins, keyed by provider name. It returns a violation
// per rejected provider. Every plugin is judged against the same active set,
// so one rejection never cascades into another.
func negotiate(active map[string]*plugin.Metadata) map[string]error {
	caps := CoreCapabilities()
	core := make(map[string]bool, len(caps))
	for _, c := range caps {
		core[c] = true
	}

	names := make([]string, 0, len(active))
	for name := range active {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]error)
	for _, name := range names {
		m := active[name]
		var problems []string

		for _, req := range m.Requires {
			if core[req] || providedByOther(active, name, req) {
				continue
			}
			problems = append(problems, fmt.Sprintf("requires %q, which neither cigen nor another active plugin provides", req))
		}

		for _, c := range m.ConflictsWith {
			for _, otherName := range names {
				if otherName == name {
					continue
				}
				other := active[otherName]
				switch {
				case otherName == c || other.Name == c:
					problems = append(problems, fmt.Sprintf("conflicts with active plugin %q", otherName))
				case other.HasCapability(c):
					problems = append(problems, fmt.Sprintf("conflicts with capability %q of plugin %q", c, otherName))
				}
			}
		}

		if len(problems) > 0 {
			out[name] = fmt.Errorf("capability negotiation failed: %s", strings.Join(problems, "; "))
		}
	}
	return out
}

func providedByOther(active map[string]*plugin.Metadata, self, capability string) bool {
	for name, other := range active {
		if name != self && other.HasCapability(capability) {
			return true
		}
	}
	return false
}
