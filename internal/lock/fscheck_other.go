//go:build !darwin && !linux

package lock

import "errors"

func detectFilesystemType(string) (string, error) {
	return "", errors.New("filesystem detection is unsupported on this platform")
}
