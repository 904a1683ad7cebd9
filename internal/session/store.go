package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ferry-agent/ferry/pkg/types"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

// Store is the in-memory session table. Mutations go through Update, which
// runs the mutator under a per-session lock so concurrent mutators on the
// same session never interleave. Sessions on different ids progress
// independently.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex
}

// NewStore creates an empty session table.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Create adds a new session for the given working directory and negotiated
// client capabilities, returning a snapshot of the record.
func (st *Store) Create(cwd string, caps types.ClientCapabilities) *Session {
	s := &Session{
		ID:        NewID(),
		Cwd:       cwd,
		Caps:      caps,
		CreatedAt: time.Now(),
	}

	st.mu.Lock()
	st.sessions[s.ID] = s
	st.locks[s.ID] = &sync.Mutex{}
	st.mu.Unlock()

	return s.clone()
}

// Get returns a deep snapshot of a session.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	lock := st.sessionLock(id)
	if lock == nil {
		return nil, ErrNotFound
	}
	lock.Lock()
	defer lock.Unlock()
	return s.clone(), nil
}

// Update applies the mutator to the stored record under the session's lock.
// The mutator sees the live record; returning an error leaves no trace of
// partial writes visible to readers only insofar as the mutator itself did
// not touch the record before failing.
func (st *Store) Update(id string, fn func(*Session) error) error {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	lock := st.sessionLock(id)
	if lock == nil {
		return ErrNotFound
	}
	lock.Lock()
	defer lock.Unlock()
	return fn(s)
}

// List returns all session ids. ULIDs sort chronologically, so the result
// is in creation order.
func (st *Store) List() []string {
	st.mu.RLock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	st.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Delete removes a session. Deleting an unknown id is a no-op.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	delete(st.locks, id)
	st.mu.Unlock()
}

func (st *Store) sessionLock(id string) *sync.Mutex {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.locks[id]
}
