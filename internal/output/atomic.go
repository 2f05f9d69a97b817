// Package output writes task artifacts so a crash never leaves a partially
// written file under its final name.
package output

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spherical/batch-extractor/internal/domain"
)

// TempSuffix marks in-progress artifacts. Files with it are never outputs.
const TempSuffix = ".tmp"

// WriteFileAtomic writes content to a temp file in the same directory,
// fsyncs it and renames it over path.
func WriteFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*"+TempSuffix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	renamed := false
	defer func() {
		_ = tmp.Close()
		if !renamed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	renamed = true

	syncDir(dir)
	return nil
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// AtomicWriter is the OutputWriter used by workers.
type AtomicWriter struct{}

// NewAtomicWriter creates a writer.
func NewAtomicWriter() *AtomicWriter {
	return &AtomicWriter{}
}

// Write stores text at path. Failures are reported as *domain.WriteError so
// the worker retries the task.
func (w *AtomicWriter) Write(path string, text string) error {
	if err := WriteFileAtomic(path, []byte(text)); err != nil {
		return &domain.WriteError{Path: path, Err: err}
	}
	return nil
}

// IsTempFile reports whether name is an in-progress artifact.
func IsTempFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") && strings.HasSuffix(base, TempSuffix)
}

// RemoveStaleTemps deletes in-progress artifacts left in dir by a crash.
func RemoveStaleTemps(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, domain.IOError("list output folder", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !IsTempFile(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return removed, domain.IOError(fmt.Sprintf("remove stale temp %s", e.Name()), err)
		}
		removed++
	}
	return removed, nil
}
