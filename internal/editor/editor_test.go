package editor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateNewBuffer(t *testing.T) {
	b := NewBuffers()
	changes := b.Update(map[string]string{"/a.go": "package a\n"})

	require.Len(t, changes, 1)
	assert.Equal(t, "/a.go", changes[0].Path)
	assert.True(t, changes[0].New)
	assert.Equal(t, 1, changes[0].Additions)

	content, ok := b.Get("/a.go")
	require.True(t, ok)
	assert.Equal(t, "package a\n", content)
}

func TestUpdateCountsLines(t *testing.T) {
	b := NewBuffers()
	b.Update(map[string]string{"/a.go": "one\ntwo\nthree\n"})

	changes := b.Update(map[string]string{"/a.go": "one\n2\n3\nfour\n"})
	require.Len(t, changes, 1)
	assert.False(t, changes[0].New)
	assert.Equal(t, 3, changes[0].Additions)
	assert.Equal(t, 2, changes[0].Deletions)
}

func TestUpdateUnchangedIsSilent(t *testing.T) {
	b := NewBuffers()
	b.Update(map[string]string{"/a.go": "same\n"})
	changes := b.Update(map[string]string{"/a.go": "same\n"})
	assert.Empty(t, changes)
}

func TestUpdateMultipleBuffers(t *testing.T) {
	b := NewBuffers()
	changes := b.Update(map[string]string{
		"/a.go": "a\n",
		"/b.go": "b\n",
	})
	assert.Len(t, changes, 2)
	assert.Equal(t, 2, b.Len())
}

func TestForget(t *testing.T) {
	b := NewBuffers()
	b.Update(map[string]string{"/a.go": "a\n"})
	b.Forget("/a.go")

	_, ok := b.Get("/a.go")
	assert.False(t, ok)

	changes := b.Update(map[string]string{"/a.go": "a\n"})
	require.Len(t, changes, 1)
	assert.True(t, changes[0].New, "a forgotten buffer counts as new again")
}
