package recorder

import (
	"path/filepath"
	"sync"
)

// Registry hands out one shared Recorder per root session id, so sub-agents
// spawned inside the same session hierarchy append to the same transcript
// instead of each opening their own file. Construct it once at process start
// and pass it by reference.
type Registry struct {
	dir string

	mu        sync.Mutex
	recorders map[string]*Recorder
}

// NewRegistry creates a registry writing transcripts under dir.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:       dir,
		recorders: make(map[string]*Recorder),
	}
}

// ForRoot returns the recorder for a session hierarchy, creating it on
// first use.
func (g *Registry) ForRoot(rootSessionID string) (*Recorder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.recorders[rootSessionID]; ok {
		return r, nil
	}

	r, err := New(filepath.Join(g.dir, rootSessionID+".jsonl"))
	if err != nil {
		return nil, err
	}
	g.recorders[rootSessionID] = r
	return r, nil
}

// Close closes every recorder. The first error wins; closing continues
// regardless.
func (g *Registry) Close() error {
	g.mu.Lock()
	recorders := make([]*Recorder, 0, len(g.recorders))
	for _, r := range g.recorders {
		recorders = append(recorders, r)
	}
	g.recorders = make(map[string]*Recorder)
	g.mu.Unlock()

	var firstErr error
	for _, r := range recorders {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
