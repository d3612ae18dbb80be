package e2e

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
)

var (
	buildOnce sync.Once
	buildDir  string
	buildErr  error
	buildOut  []byte
)

// referencePluginDir builds plugins/provider-github once per test binary and
// returns the directory holding it.
func referencePluginDir(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("builds the reference plugin")
	}
	goBin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go toolchain not on PATH")
	}

	buildOnce.Do(func() {
		buildDir, buildErr = os.MkdirTemp("", "cigen-e2e-plugins-")
		if buildErr != nil {
			return
		}
		exe := "provider-github"
		if runtime.GOOS == "windows" {
			exe += ".exe"
		}
		cmd := exec.Command(goBin, "build", "-o", filepath.Join(buildDir, exe), "./plugins/provider-github")
		cmd.Dir = repoRoot(t)
		buildOut, buildErr = cmd.CombinedOutput()
	})
	if buildErr != nil {
		t.Fatalf("build provider-github: %v\n%s", buildErr, buildOut)
	}
	return buildDir
}

func repoRoot(t *testing.T) string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		if t != nil {
			t.Fatal("runtime.Caller failed")
		}
		return ""
	}
	// internal/e2e -> internal -> repo root
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
