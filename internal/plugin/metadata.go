package plugin

import (
	"sort"

	"github.com/mattjoyce/cigen/pkg/protocol"
)

// Metadata describes a plugin after a successful handshake. It is read-only.
type Metadata struct {
	Name          string
	Path          string
	Version       string
	Protocol      uint32
	Capabilities  map[string]struct{}
	Requires      []string
	ConflictsWith []string
	Extra         map[string]any
}

// NewMetadata records what a plugin at path reported in its Identity.
func NewMetadata(path string, id *protocol.Identity) *Metadata {
	caps := make(map[string]struct{}, len(id.Capabilities))
	for _, c := range id.Capabilities {
		caps[c] = struct{}{}
	}
	return &Metadata{
		Name:          id.Name,
		Path:          path,
		Version:       id.Version,
		Protocol:      id.Protocol,
		Capabilities:  caps,
		Requires:      append([]string(nil), id.Requires...),
		ConflictsWith: append([]string(nil), id.ConflictsWith...),
		Extra:         id.Metadata,
	}
}

// HasCapability reports whether the plugin advertised capability c.
func (m *Metadata) HasCapability(c string) bool {
	_, ok := m.Capabilities[c]
	return ok
}

// CapabilityList returns the advertised capabilities in sorted order.
func (m *Metadata) CapabilityList() []string {
	out := make([]string, 0, len(m.Capabilities))
	for c := range m.Capabilities {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
