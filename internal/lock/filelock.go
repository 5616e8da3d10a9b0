package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// FileLock is an exclusive advisory lock implemented via flock(2).
// The lock is held for as long as the file descriptor stays open.
type FileLock struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive blocking lock at lockPath and returns a handle
// that must be released. Concurrent holders in other processes block here
// until the lock is free.
func Acquire(lockPath string) (*FileLock, error) {
	return acquire(lockPath, 0)
}

// TryAcquire takes an exclusive lock at lockPath without blocking. If another
// process holds the lock it returns an error immediately.
func TryAcquire(lockPath string) (*FileLock, error) {
	return acquire(lockPath, syscall.LOCK_NB)
}

func acquire(lockPath string, extraFlags int) (*FileLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|extraFlags); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	return &FileLock{path: lockPath, f: f}, nil
}

func (l *FileLock) Path() string { return l.path }

func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
