// Package merge combines file fragments from every provider into final file
// contents. It never touches the disk.
package merge

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattjoyce/cigen/pkg/protocol"
)

// Merger accumulates fragments in arrival order.
type Merger struct {
	files map[string][]byte
	// sources records which fragment sources touched each path, for diagnostics.
	sources map[string][]string
}

// New creates an empty Merger.
func New() *Merger {
	return &Merger{
		files:   make(map[string][]byte),
		sources: make(map[string][]string),
	}
}

// Merge is a convenience for merging a fixed list of fragments.
func Merge(fragments []protocol.Fragment) (map[string][]byte, error) {
	m := New()
	for _, f := range fragments {
		if err := m.Add(f); err != nil {
			return nil, err
		}
	}
	return m.Files(), nil
}

// Add applies one fragment on top of what is already held for its path.
func (m *Merger) Add(f protocol.Fragment) error {
	return m.AddFrom("", f)
}

// AddFrom is Add with the name of whoever produced the fragment.
func (m *Merger) AddFrom(source string, f protocol.Fragment) error {
	p, err := NormalizePath(f.Path)
	if err != nil {
		return err
	}

	current, exists := m.files[p]
	var next []byte
	switch f.Strategy {
	case protocol.StrategyReplace:
		next = clone(f.Content)
	case protocol.StrategyAppend:
		next = make([]byte, 0, len(current)+len(f.Content))
		next = append(next, current...)
		next = append(next, f.Content...)
	case protocol.StrategyStructuralMerge:
		if !exists || isBlank(current) {
			next = clone(f.Content)
			break
		}
		if isBlank(f.Content) {
			next = current
			break
		}
		next, err = structural(p, current, f.Content)
		if err != nil {
			return fmt.Errorf("merge %s: %w", p, err)
		}
	default:
		return fmt.Errorf("merge %s: unknown strategy %s", p, f.Strategy)
	}

	m.files[p] = next
	if source != "" {
		m.sources[p] = appendUnique(m.sources[p], source)
	}
	return nil
}

// Clone returns an independent copy of the merger's state.
func (m *Merger) Clone() *Merger {
	c := New()
	for p, content := range m.files {
		c.files[p] = clone(content)
	}
	for p, srcs := range m.sources {
		c.sources[p] = append([]string(nil), srcs...)
	}
	return c
}

// Files returns a copy of the merged path → content mapping.
func (m *Merger) Files() map[string][]byte {
	out := make(map[string][]byte, len(m.files))
	for p, c := range m.files {
		out[p] = clone(c)
	}
	return out
}

// Paths returns the merged paths, sorted.
func (m *Merger) Paths() []string {
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Sources returns who contributed to path, in first-contribution order.
func (m *Merger) Sources(p string) []string {
	return append([]string(nil), m.sources[p]...)
}

// NormalizePath cleans a fragment path and rejects anything that could escape
// the output directory.
func NormalizePath(p string) (string, error) {
	native := filepath.FromSlash(p)
	if !filepath.IsLocal(native) {
		return "", fmt.Errorf("fragment path %q must be relative and stay inside the output directory", p)
	}
	return path.Clean(filepath.ToSlash(native)), nil
}

func structural(p string, base, overlay []byte) ([]byte, error) {
	if strings.EqualFold(path.Ext(p), ".json") {
		return mergeJSON(base, overlay)
	}
	return mergeYAML(base, overlay)
}

func isBlank(b []byte) bool {
	return len(strings.TrimSpace(string(b))) == 0
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return append([]byte(nil), b...)
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
