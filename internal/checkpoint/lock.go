package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// RunLock keeps two runs from working on the same output folder.
type RunLock struct {
	path string
	file *os.File
}

// AcquireRunLock takes an exclusive, non-blocking flock on dir/run.lock and
// writes the PID into it.
func AcquireRunLock(dir string) (*RunLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	path := filepath.Join(dir, "run.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("acquire run lock (another run may be using %s): %w", dir, err)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.Seek(0, 0)
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
		_ = f.Sync()
	}

	return &RunLock{path: path, file: f}, nil
}

// Release drops the lock. The lock file itself is left in place.
func (l *RunLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
