package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/mattjoyce/cigen/pkg/protocol"
)

func writeExec(t *testing.T, dir, name string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatalf("chmod %s: %v", path, err)
	}
	return path
}

func TestLocate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on windows")
	}

	tests := []struct {
		name     string
		setupFn  func(t *testing.T) string // Returns plugin dir
		provider string
		wantErr  error
	}{
		{
			name: "executable found",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				writeExec(t, dir, "provider-github", 0o755)
				return dir
			},
			provider: "github",
		},
		{
			name: "missing executable",
			setupFn: func(t *testing.T) string {
				return t.TempDir()
			},
			provider: "gitlab",
			wantErr:  ErrNotFound,
		},
		{
			name: "not executable",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				writeExec(t, dir, "provider-github", 0o644)
				return dir
			},
			provider: "github",
			wantErr:  ErrUntrusted,
		},
		{
			name: "world-writable executable",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				writeExec(t, dir, "provider-github", 0o777)
				return dir
			},
			provider: "github",
			wantErr:  ErrUntrusted,
		},
		{
			name: "world-writable dir",
			setupFn: func(t *testing.T) string {
				dir := filepath.Join(t.TempDir(), "plugins")
				if err := os.Mkdir(dir, 0o755); err != nil {
					t.Fatal(err)
				}
				writeExec(t, dir, "provider-github", 0o755)
				if err := os.Chmod(dir, 0o777); err != nil {
					t.Fatal(err)
				}
				return dir
			},
			provider: "github",
			wantErr:  ErrUntrusted,
		},
		{
			name: "symlink escaping plugin dir",
			setupFn: func(t *testing.T) string {
				outside := t.TempDir()
				target := writeExec(t, outside, "real", 0o755)
				dir := t.TempDir()
				if err := os.Symlink(target, filepath.Join(dir, "provider-github")); err != nil {
					t.Fatal(err)
				}
				return dir
			},
			provider: "github",
			wantErr:  ErrUntrusted,
		},
		{
			name: "directory instead of file",
			setupFn: func(t *testing.T) string {
				dir := t.TempDir()
				if err := os.Mkdir(filepath.Join(dir, "provider-github"), 0o755); err != nil {
					t.Fatal(err)
				}
				return dir
			},
			provider: "github",
			wantErr:  ErrUntrusted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := tt.setupFn(t)
			p, err := Locate(dir, tt.provider)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Locate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Locate() unexpected error: %v", err)
			}
			if p.Name != tt.provider {
				t.Errorf("Name = %q, want %q", p.Name, tt.provider)
			}
			if filepath.Base(p.Path) != ExecutableName(tt.provider) {
				t.Errorf("Path = %q, want basename %q", p.Path, ExecutableName(tt.provider))
			}
			if !filepath.IsAbs(p.Path) {
				t.Errorf("Path %q should be absolute", p.Path)
			}
		})
	}
}

func TestLocateNotFoundNamesPath(t *testing.T) {
	dir := t.TempDir()
	_, err := Locate(dir, "circleci")
	if err == nil {
		t.Fatal("expected error")
	}
	want := filepath.Join(dir, ExecutableName("circleci"))
	if got := err.Error(); !strings.Contains(got, want) {
		t.Errorf("error %q should name %q", got, want)
	}
}

func TestLocateRejectsBadNames(t *testing.T) {
	for _, name := range []string{"", "  ", "../x", "a/b", ".."} {
		if _, err := Locate(t.TempDir(), name); err == nil {
			t.Errorf("Locate(%q) should fail", name)
		}
	}
}

func TestDiscover(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on windows")
	}

	dir := t.TempDir()
	writeExec(t, dir, "provider-github", 0o755)
	writeExec(t, dir, "provider-circleci", 0o755)
	writeExec(t, dir, "provider-broken", 0o644)
	writeExec(t, dir, "unrelated-tool", 0o755)
	writeExec(t, dir, "provider-", 0o755)
	if err := os.Mkdir(filepath.Join(dir, "provider-dir"), 0o755); err != nil {
		t.Fatal(err)
	}

	var warnings int
	reg, err := Discover(dir, func(level, msg string, args ...any) {
		if level == "warn" {
			warnings++
		}
	})
	if err != nil {
		t.Fatalf("Discover() error: %v", err)
	}

	got := reg.Names()
	want := []string{"circleci", "github"}
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if warnings != 1 {
		t.Errorf("expected 1 warning for provider-broken, got %d", warnings)
	}
}

func TestDiscoverMissingDir(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "nope"), nil)
	if err == nil {
		t.Fatal("expected error for missing dir")
	}
}

func TestRegistryAddDuplicate(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Add(&Plugin{Name: "github"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(&Plugin{Name: "github"}); err == nil {
		t.Error("duplicate Add should fail")
	}
	if _, ok := reg.Get("github"); !ok {
		t.Error("github should be registered")
	}
	if len(reg.All()) != 1 {
		t.Errorf("All() has %d entries, want 1", len(reg.All()))
	}
}

func TestNewMetadata(t *testing.T) {
	id := &protocol.Identity{
		Name:          "github",
		Version:       "1.0.0",
		Protocol:      1,
		Capabilities:  []string{"matrix", "merge.structural", "matrix"},
		Requires:      []string{"protocol.v1"},
		ConflictsWith: []string{"gitlab"},
		Metadata:      map[string]any{"homepage": "https://example.com"},
	}
	m := NewMetadata("/opt/cigen/provider-github", id)

	if m.Name != "github" || m.Version != "1.0.0" || m.Protocol != 1 {
		t.Errorf("unexpected metadata: %+v", m)
	}
	if !m.HasCapability("matrix") || m.HasCapability("diagnostics") {
		t.Error("capability set mismatch")
	}
	caps := m.CapabilityList()
	if len(caps) != 2 || caps[0] != "matrix" || caps[1] != "merge.structural" {
		t.Errorf("CapabilityList() = %v", caps)
	}

	id.Requires[0] = "mutated"
	if m.Requires[0] != "protocol.v1" {
		t.Error("metadata should not alias the identity's slices")
	}
}
