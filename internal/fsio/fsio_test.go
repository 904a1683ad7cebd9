package fsio

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, WriteFileAtomic(path, []byte("hello"), 0))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWriteFileAtomicOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))
	require.NoError(t, WriteFileAtomic(path, []byte("new"), 0))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestWriteFileAtomicTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	err := WriteFileAtomic(path, []byte("too big"), 3)
	assert.ErrorIs(t, err, ErrContentTooLarge)
	assert.NoFileExists(t, path)
}

func TestWriteFileAtomicRenameFailureLeavesDestination(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o600))

	orig := rename
	rename = func(oldpath, newpath string) error { return errors.New("disk on fire") }
	defer func() { rename = orig }()

	err := WriteFileAtomic(path, []byte("replacement"), 0)
	require.Error(t, err)

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "original", string(data), "failed write must not touch the destination")

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	assert.Len(t, entries, 1, "temp file must be cleaned up")
}

func TestWriteFileAtomicMissingParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "out.txt")
	assert.Error(t, WriteFileAtomic(path, []byte("x"), 0))
}

func TestWriteFileAtomicThroughSymlinkedParent(t *testing.T) {
	real := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(real, link))

	require.NoError(t, WriteFileAtomic(filepath.Join(link, "out.txt"), []byte("via link"), 0))

	data, err := os.ReadFile(filepath.Join(real, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "via link", string(data))
}

func TestReadTextFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\nfour"), 0o600))

	for _, tc := range []struct {
		name        string
		line, limit int
		want        string
	}{
		{"whole file", 0, 0, "one\ntwo\nthree\nfour"},
		{"from line", 2, 0, "two\nthree\nfour"},
		{"line and limit", 2, 2, "two\nthree"},
		{"limit only", 0, 1, "one"},
		{"past end", 10, 0, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ReadTextFile(path, tc.line, tc.limit, 0)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestReadTextFileTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))

	_, err := ReadTextFile(path, 0, 0, 5)
	assert.ErrorIs(t, err, ErrContentTooLarge)
}

func TestReadTextFileNotFound(t *testing.T) {
	_, err := ReadTextFile(filepath.Join(t.TempDir(), "nope"), 0, 0, 0)
	assert.True(t, IsNotFound(err))
}
