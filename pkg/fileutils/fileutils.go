// Package fileutils provides the small set of filesystem primitives shared
// by the keeper state file (pkg/statefile) and the supervisor PID file
// (pkg/pidfile): whole-file atomic reads and writes, matching spec.md §4.6's
// "Reads and writes are whole-file; writes are atomic via
// write-to-temp-then-rename."
package fileutils

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to path by first writing to a temporary file
// in the same directory (so the final rename is on the same filesystem,
// hence atomic) and then renaming it into place. perm is applied to the
// temporary file before the rename.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %q: %w", path, err)
	}
	tmpName := tmp.Name()

	// Clean up the temp file if we fail before the rename happens.
	succeeded := false
	defer func() {
		if !succeeded {
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file for %q: %w", path, err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file for %q: %w", path, err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsyncing temp file for %q: %w", path, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file for %q: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming temp file into %q: %w", path, err)
	}

	succeeded = true
	return nil
}

// ReadFile reads the whole of path, returning a wrapped error (rather than
// the bare *PathError). Callers test it with errors.Is(err, fs.ErrNotExist);
// os.IsNotExist does not unwrap and reports false for it.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	return data, nil
}

// Exists reports whether path exists on disk, without distinguishing file
// vs directory.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureDir creates dir (and parents) if it does not already exist.
func EnsureDir(dir string, perm os.FileMode) error {
	if Exists(dir) {
		return nil
	}
	if err := os.MkdirAll(dir, perm); err != nil {
		return fmt.Errorf("creating directory %q: %w", dir, err)
	}
	return nil
}
