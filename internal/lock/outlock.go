// Package lock serializes writers of one output directory.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// FileName is created inside the locked directory.
const FileName = ".cigen.lock"

// ErrLocked means another process holds the lock.
var ErrLocked = errors.New("output directory is locked by another cigen process")

// DirLock is an exclusive flock(2) on <dir>/.cigen.lock, held for as long as
// the file descriptor stays open. The file carries the holder's PID.
type DirLock struct {
	path string
	f    *os.File
}

// Acquire takes the lock for dir without blocking, creating dir if needed.
func Acquire(dir string) (*DirLock, error) {
	if dir == "" {
		return nil, fmt.Errorf("lock directory is empty")
	}
	if err := checkLocalFilesystem(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	lockPath := filepath.Join(dir, FileName)

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			holder := readHolder(lockPath)
			return nil, fmt.Errorf("%w (pid %s, %s)", ErrLocked, holder, lockPath)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	if err := writePID(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}

	return &DirLock{path: lockPath, f: f}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	return nil
}

func readHolder(path string) string {
	b, err := os.ReadFile(path)
	if err != nil || len(b) == 0 {
		return "unknown"
	}
	return string(b[:len(b)-1])
}

func (l *DirLock) Path() string { return l.path }

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *DirLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = os.Remove(l.path)
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
