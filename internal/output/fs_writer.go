package output

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/cigen/internal/merge"
)

// fsWriter writes generated files under a local directory.
type fsWriter struct {
	baseDir string
	perm    os.FileMode
}

var _ Writer = (*fsWriter)(nil)

// NewFSWriter creates a filesystem-backed writer rooted at baseDir.
func NewFSWriter(baseDir string) (*fsWriter, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("output directory is empty")
	}
	return &fsWriter{baseDir: filepath.Clean(trimmed), perm: 0o644}, nil
}

func (w *fsWriter) Diff(ctx context.Context, files map[string][]byte) (Report, error) {
	report := Report{Dir: w.baseDir}
	for _, rel := range sortedPaths(files) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := w.compare(rel, files[rel])
		if err != nil {
			return report, err
		}
		report.Files = append(report.Files, res)
	}
	return report, nil
}

func (w *fsWriter) Write(ctx context.Context, files map[string][]byte) (Report, error) {
	report, err := w.Diff(ctx, files)
	if err != nil {
		return report, err
	}
	for _, f := range report.Files {
		if f.Status == StatusUnchanged {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := w.writeAtomic(f.Path, files[f.Path]); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (w *fsWriter) compare(rel string, content []byte) (FileResult, error) {
	target, err := w.target(rel)
	if err != nil {
		return FileResult{}, err
	}
	res := FileResult{Path: rel, Hash: hashBytes(content)}

	existing, err := os.ReadFile(target)
	switch {
	case os.IsNotExist(err):
		res.Status = StatusNew
	case err != nil:
		return FileResult{}, fmt.Errorf("read %s: %w", rel, err)
	default:
		res.DiskHash = hashBytes(existing)
		if res.DiskHash == res.Hash {
			res.Status = StatusUnchanged
		} else {
			res.Status = StatusChanged
		}
	}
	return res, nil
}

// writeAtomic stages content next to the target and renames it into place.
func (w *fsWriter) writeAtomic(rel string, content []byte) error {
	target, err := w.target(rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", rel, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("stage %s: %w", rel, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", rel, err)
	}
	if err := os.Chmod(tmpName, w.perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", rel, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", rel, err)
	}
	return nil
}

// target maps a merged path to its location on disk.
func (w *fsWriter) target(rel string) (string, error) {
	clean, err := merge.NormalizePath(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(w.baseDir, filepath.FromSlash(clean)), nil
}

func sortedPaths(files map[string][]byte) []string {
	out := make([]string, 0, len(files))
	for p := range files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func hashBytes(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
