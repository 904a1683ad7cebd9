// Package editor mirrors the client's unsaved editor buffers so file reads
// can prefer in-editor content over what is on disk.
package editor

import (
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/ferry-agent/ferry/internal/logging"
)

// Change summarizes how one buffer moved in an update.
type Change struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	New       bool   `json:"new,omitempty"`
}

// Buffers tracks the latest buffer content per absolute path.
type Buffers struct {
	mu       sync.RWMutex
	contents map[string]string
}

// NewBuffers creates an empty buffer mirror.
func NewBuffers() *Buffers {
	return &Buffers{contents: make(map[string]string)}
}

// Update replaces the tracked content for each path in updates and returns a
// change summary per buffer that actually moved.
func (b *Buffers) Update(updates map[string]string) []Change {
	b.mu.Lock()
	defer b.mu.Unlock()

	var changes []Change
	for path, content := range updates {
		previous, known := b.contents[path]
		if known && previous == content {
			continue
		}
		b.contents[path] = content

		additions, deletions := diffCounts(previous, content)
		changes = append(changes, Change{
			Path:      path,
			Additions: additions,
			Deletions: deletions,
			New:       !known,
		})
		logging.Debug().Str("path", path).Int("additions", additions).Int("deletions", deletions).Msg("editor buffer updated")
	}
	return changes
}

// Get returns the tracked content for a path.
func (b *Buffers) Get(path string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	content, ok := b.contents[path]
	return content, ok
}

// Forget drops a buffer, falling back to disk content for future reads.
func (b *Buffers) Forget(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.contents, path)
}

// Len returns how many buffers are tracked.
func (b *Buffers) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.contents)
}

func diffCounts(before, after string) (int, int) {
	dmp := diffmatchpatch.New()
	a, bb, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, bb, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	additions, deletions := 0, 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}
	return additions, deletions
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		lines++
	}
	return lines
}
