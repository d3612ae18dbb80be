package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem means the directory is on a filesystem where flock(2)
// does not reliably exclude other hosts.
var ErrNetworkFilesystem = errors.New("output directory is on a network filesystem")

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

func checkLocalFilesystem(dir string) error {
	return checkLocalFilesystemWithDetector(dir, detectFilesystemType)
}

// checkLocalFilesystemWithDetector inspects the nearest existing ancestor of
// dir. A detector that cannot tell is not an error.
func checkLocalFilesystemWithDetector(dir string, detector func(string) (string, error)) error {
	inspectPath, err := nearestExistingPath(dir)
	if err != nil {
		return fmt.Errorf("resolve output directory %q: %w", dir, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		return nil
	}
	if isNetworkFilesystem(fsType) {
		return fmt.Errorf("%w: %q is on %q; point output_dir at local disk", ErrNetworkFilesystem, dir, fsType)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
