// Package output puts merged files on disk under an output directory.
package output

import "context"

// Status says how a file on disk relates to its generated content.
type Status string

const (
	StatusNew       Status = "new"
	StatusChanged   Status = "changed"
	StatusUnchanged Status = "unchanged"
)

// FileResult describes one generated file.
type FileResult struct {
	Path   string // relative to the output directory, slash-separated
	Status Status
	Hash   string // blake3 of the generated content
	// DiskHash is the blake3 of the current file on disk, empty when absent.
	DiskHash string
}

// Report lists every file in path order.
type Report struct {
	Dir   string
	Files []FileResult
}

// Drifted returns files whose disk content differs from the generated content.
func (r Report) Drifted() []FileResult {
	var out []FileResult
	for _, f := range r.Files {
		if f.Status != StatusUnchanged {
			out = append(out, f)
		}
	}
	return out
}

// Writer governs the output directory.
type Writer interface {
	// Diff compares files with what is on disk without writing anything.
	Diff(ctx context.Context, files map[string][]byte) (Report, error)

	// Write atomically replaces every new or changed file.
	Write(ctx context.Context, files map[string][]byte) (Report, error)
}
