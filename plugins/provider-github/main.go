// provider-github renders cigen jobs as a GitHub Actions workflow.
package main

import (
	"github.com/mattjoyce/cigen/pkg/pluginsdk"
	"github.com/mattjoyce/cigen/pkg/protocol"
)

var version = "dev"

func identity() protocol.Identity {
	return protocol.Identity{
		Name:         "github",
		Version:      version,
		Protocol:     protocol.ProtocolVersion,
		Capabilities: []string{"render.github-actions"},
		Requires:     []string{"matrix", "merge.structural"},
		Metadata:     map[string]any{"output": workflowDir},
	}
}

func main() {
	pluginsdk.Main(identity(), renderer{})
}
