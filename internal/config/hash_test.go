package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func lockedConfig(t *testing.T) (string, *Config) {
	t.Helper()
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, "cigen.yaml"), "include: [jobs.yaml]\nproviders:\n  github: {}\n")
	writeFile(t, filepath.Join(tmpDir, "jobs.yaml"), "jobs:\n  build: {}\n")

	cfg, err := Load(filepath.Join(tmpDir, "cigen.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return tmpDir, cfg
}

func TestGenerateChecksumsDryRun(t *testing.T) {
	tmpDir, cfg := lockedConfig(t)

	report, err := GenerateChecksums(cfg, true)
	if err != nil {
		t.Fatalf("GenerateChecksums() failed: %v", err)
	}
	if report.Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}
	if len(report.Files) != 2 {
		t.Fatalf("len(report.Files) = %d, want 2", len(report.Files))
	}
	if report.Files[0].Name != "cigen.yaml" || report.Files[1].Name != "jobs.yaml" {
		t.Fatalf("report names = %s, %s", report.Files[0].Name, report.Files[1].Name)
	}
	for _, f := range report.Files {
		if f.Hash == "" {
			t.Errorf("%s has no hash", f.Name)
		}
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ChecksumFile)); !os.IsNotExist(err) {
		t.Fatal("manifest should not be written in dry-run mode")
	}
}

func TestGenerateChecksumsWritesManifest(t *testing.T) {
	tmpDir, cfg := lockedConfig(t)

	report, err := GenerateChecksums(cfg, false)
	if err != nil {
		t.Fatalf("GenerateChecksums() failed: %v", err)
	}
	if !report.Written {
		t.Fatal("report.Written = false, want true")
	}

	manifest, err := LoadChecksums(tmpDir)
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	if len(manifest.Hashes) != 2 {
		t.Fatalf("len(manifest.Hashes) = %d, want 2", len(manifest.Hashes))
	}

	if _, err := Load(filepath.Join(tmpDir, "cigen.yaml")); err != nil {
		t.Fatalf("Load() after lock failed: %v", err)
	}
}

func TestLoadRejectsDrift(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, dir string)
		want   string
	}{
		{
			name: "edited include",
			mutate: func(t *testing.T, dir string) {
				writeFile(t, filepath.Join(dir, "jobs.yaml"), "jobs:\n  build: {}\n  test: {}\n")
			},
			want: "jobs.yaml: expected",
		},
		{
			name: "new include",
			mutate: func(t *testing.T, dir string) {
				writeFile(t, filepath.Join(dir, "cigen.yaml"), "include: [jobs.yaml, more.yaml]\nproviders:\n  github: {}\n")
				writeFile(t, filepath.Join(dir, "more.yaml"), "jobs: {}\n")
			},
			want: "cigen.yaml: expected",
		},
		{
			name: "dropped include",
			mutate: func(t *testing.T, dir string) {
				// Keep cigen.yaml's hash valid by editing the manifest instead.
				m, err := LoadChecksums(dir)
				if err != nil {
					t.Fatal(err)
				}
				m.Hashes["gone.yaml"] = "00"
				data := "version: 1\nhashes:\n"
				for k, v := range m.Hashes {
					data += "  " + k + ": \"" + v + "\"\n"
				}
				writeFile(t, filepath.Join(dir, ChecksumFile), data)
			},
			want: "no longer included",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir, cfg := lockedConfig(t)
			if _, err := GenerateChecksums(cfg, false); err != nil {
				t.Fatal(err)
			}
			tt.mutate(t, tmpDir)

			_, err := Load(filepath.Join(tmpDir, "cigen.yaml"))
			if !errors.Is(err, ErrChecksumMismatch) {
				t.Fatalf("Load() error = %v, want ErrChecksumMismatch", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want substring %q", err, tt.want)
			}

			if _, err := LoadUnverified(filepath.Join(tmpDir, "cigen.yaml")); err != nil {
				t.Fatalf("LoadUnverified() error = %v", err)
			}
		})
	}
}

func TestLoadChecksumsMissing(t *testing.T) {
	m, err := LoadChecksums(t.TempDir())
	if err != nil || m != nil {
		t.Fatalf("LoadChecksums() = %v, %v, want nil, nil", m, err)
	}
}

func TestLoadChecksumsBadVersion(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, ChecksumFile), "version: 7\nhashes: {}\n")
	if _, err := LoadChecksums(tmpDir); err == nil {
		t.Fatal("LoadChecksums() should reject unknown version")
	}
}

func TestHashBytesStable(t *testing.T) {
	a := HashBytes([]byte("cigen"))
	if a != HashBytes([]byte("cigen")) || len(a) != 64 {
		t.Fatalf("HashBytes() = %q", a)
	}
	if a == HashBytes([]byte("cigen\n")) {
		t.Fatal("different input produced the same hash")
	}
}
