package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the lock manifest written next to the root config.
const ChecksumFile = ".cigen.sum"

// ErrChecksumMismatch marks a config file that changed since `cigen lock`.
var ErrChecksumMismatch = errors.New("config checksum mismatch")

// ChecksumManifest pins the BLAKE3 hash of every file that makes up a config.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// HashFileResult is one file's entry in a HashReport.
type HashFileResult struct {
	Name string
	Path string
	Hash string
}

// HashReport describes a checksum generation run.
type HashReport struct {
	ConfigDir    string
	ChecksumPath string
	Written      bool
	Files        []HashFileResult
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return HashBytes(data), nil
}

// HashBytes returns the hex BLAKE3 digest of data.
func HashBytes(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// GenerateChecksums hashes cfg.SourceFiles and, unless dryRun, writes the
// manifest next to the root config.
func GenerateChecksums(cfg *Config, dryRun bool) (*HashReport, error) {
	configDir := filepath.Dir(cfg.SourcePath)
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(cfg.SourceFiles)),
	}
	report := &HashReport{
		ConfigDir:    configDir,
		ChecksumPath: filepath.Join(configDir, ChecksumFile),
		Files:        make([]HashFileResult, 0, len(cfg.SourceFiles)),
	}

	for _, path := range cfg.SourceFiles {
		name, err := manifestKey(configDir, path)
		if err != nil {
			return nil, err
		}
		hash, err := ComputeBlake3Hash(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", name, err)
		}
		manifest.Hashes[name] = hash
		report.Files = append(report.Files, HashFileResult{Name: name, Path: path, Hash: hash})
	}

	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(report.ChecksumPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true
	return report, nil
}

// LoadChecksums reads the manifest from configDir. A missing manifest yields
// (nil, nil).
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// verifyChecksums checks every loaded file against the manifest, when one
// exists. Files added or removed since locking are also rejected.
func verifyChecksums(cfg *Config) error {
	configDir := filepath.Dir(cfg.SourcePath)
	manifest, err := LoadChecksums(configDir)
	if err != nil || manifest == nil {
		return err
	}

	seen := make(map[string]bool, len(cfg.SourceFiles))
	for _, path := range cfg.SourceFiles {
		name, err := manifestKey(configDir, path)
		if err != nil {
			return err
		}
		seen[name] = true

		expected, ok := manifest.Hashes[name]
		if !ok {
			return fmt.Errorf("%w: %s is not in %s\n"+
				"If you added it intentionally, run: cigen lock", ErrChecksumMismatch, name, ChecksumFile)
		}
		actual, err := ComputeBlake3Hash(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", name, err)
		}
		if actual != expected {
			return fmt.Errorf("%w: %s: expected %s, got %s\n"+
				"If you edited this file intentionally, run: cigen lock", ErrChecksumMismatch, name, expected, actual)
		}
	}

	var stale []string
	for name := range manifest.Hashes {
		if !seen[name] {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		return fmt.Errorf("%w: %v locked but no longer included", ErrChecksumMismatch, stale)
	}
	return nil
}

func manifestKey(configDir, path string) (string, error) {
	rel, err := filepath.Rel(configDir, path)
	if err != nil {
		return "", fmt.Errorf("failed to relativize %s: %w", path, err)
	}
	return filepath.ToSlash(rel), nil
}
