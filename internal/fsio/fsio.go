// Package fsio implements the file access primitives exposed over the
// protocol: bounded text reads and atomic writes.
package fsio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrContentTooLarge reports a file or payload over the configured limit.
var ErrContentTooLarge = errors.New("content too large")

// rename is swappable so tests can fail the final step of an atomic write.
var rename = os.Rename

// WriteFileAtomic writes data to path so that readers either see the old
// content or the new content, never a partial file. The temp file lives in
// the resolved parent directory so the final rename stays on one filesystem.
func WriteFileAtomic(path string, data []byte, maxSize int) error {
	if maxSize > 0 && len(data) > maxSize {
		return fmt.Errorf("%w: %d bytes over limit %d", ErrContentTooLarge, len(data), maxSize)
	}

	parent, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("resolve parent: %w", err)
	}
	dest := filepath.Join(parent, filepath.Base(path))

	tmp, err := os.CreateTemp(parent, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() { _ = os.Remove(tmpPath) }

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}

	// The parent may have been swapped for a symlink between resolution and
	// now. Re-validate before committing.
	if revalidated, err := filepath.EvalSymlinks(filepath.Dir(path)); err != nil || revalidated != parent {
		cleanup()
		if err != nil {
			return fmt.Errorf("revalidate parent: %w", err)
		}
		return fmt.Errorf("parent directory changed during write: %s", filepath.Dir(path))
	}

	if err := rename(tmpPath, dest); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ReadTextFile reads a file as text. A positive line selects a 1-based
// starting line; a positive limit caps the number of lines returned from
// there. maxSize bounds the raw file size before any slicing.
func ReadTextFile(path string, line, limit, maxSize int) (string, error) {
	if maxSize > 0 {
		info, err := os.Stat(path)
		if err != nil {
			return "", err
		}
		if info.Size() > int64(maxSize) {
			return "", fmt.Errorf("%w: %d bytes over limit %d", ErrContentTooLarge, info.Size(), maxSize)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	text := string(data)

	if line <= 0 && limit <= 0 {
		return text, nil
	}

	lines := strings.Split(text, "\n")
	start := 0
	if line > 0 {
		start = line - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return strings.Join(lines[start:end], "\n"), nil
}

// IsNotFound reports whether err means the target does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// IsPermission reports whether err is a permission failure.
func IsPermission(err error) bool {
	return errors.Is(err, os.ErrPermission)
}
