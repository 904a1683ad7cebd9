// Package cancel provides cooperative per-session cancellation.
package cancel

import (
	"sync"
	"time"
)

// The three logical activity classes registered on cancellation. Any new
// attempt in a registered class observes the cancelled state.
const (
	OpBackendRequest    = "backend_request"
	OpToolExecution     = "tool_execution"
	OpPermissionRequest = "permission_request"
)

// State is the cancellation record for one session. A new turn replaces the
// record wholesale, so cancellation never leaks across turn boundaries.
type State struct {
	Cancelled  bool
	Time       time.Time
	Reason     string
	Operations map[string]struct{}
}

func newState() *State {
	return &State{Operations: make(map[string]struct{})}
}

// Coordinator tracks cancellation state per session and pushes cancelled
// session ids to subscribers so in-flight turns can react without polling.
type Coordinator struct {
	mu     sync.RWMutex
	states map[string]*State
	subs   map[int]chan string
	nextID int
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		states: make(map[string]*State),
		subs:   make(map[int]chan string),
	}
}

// IsCancelled reports whether the session's current turn has been cancelled.
// Unknown sessions are not cancelled.
func (c *Coordinator) IsCancelled(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[sessionID]
	return ok && s.Cancelled
}

// State returns a copy of the session's cancellation record, creating a
// fresh one lazily on first reference.
func (c *Coordinator) State(sessionID string) State {
	c.mu.Lock()
	s := c.stateLocked(sessionID)
	cp := State{
		Cancelled:  s.Cancelled,
		Time:       s.Time,
		Reason:     s.Reason,
		Operations: make(map[string]struct{}, len(s.Operations)),
	}
	for op := range s.Operations {
		cp.Operations[op] = struct{}{}
	}
	c.mu.Unlock()
	return cp
}

// MarkCancelled flags the session's current turn as cancelled and pushes the
// session id to every subscriber. Delivery is best-effort: a full or absent
// subscriber never fails the call.
func (c *Coordinator) MarkCancelled(sessionID, reason string) {
	c.mu.Lock()
	s := c.stateLocked(sessionID)
	s.Cancelled = true
	s.Time = time.Now()
	s.Reason = reason

	subs := make([]chan string, 0, len(c.subs))
	for _, ch := range c.subs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- sessionID:
		default:
		}
	}
}

// AddOperation registers a logical activity class (backend request, tool
// execution, permission request) as cancelled, so new attempts in that class
// observe the cancellation.
func (c *Coordinator) AddOperation(sessionID, opID string) {
	c.mu.Lock()
	c.stateLocked(sessionID).Operations[opID] = struct{}{}
	c.mu.Unlock()
}

// OperationCancelled reports whether an activity class was registered as
// cancelled for the session's current turn.
func (c *Coordinator) OperationCancelled(sessionID, opID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[sessionID]
	if !ok {
		return false
	}
	_, cancelled := s.Operations[opID]
	return cancelled
}

// ResetForNewTurn replaces the session's record with a fresh non-cancelled
// one. It never merges with or inspects the previous record, so calling it
// twice is the same as calling it once.
func (c *Coordinator) ResetForNewTurn(sessionID string) {
	c.mu.Lock()
	c.states[sessionID] = newState()
	c.mu.Unlock()
}

// Forget drops all state for a session.
func (c *Coordinator) Forget(sessionID string) {
	c.mu.Lock()
	delete(c.states, sessionID)
	c.mu.Unlock()
}

// Subscribe returns a channel that receives session ids as they are
// cancelled, plus an unsubscribe function.
func (c *Coordinator) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 16)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// stateLocked fetches or lazily creates the record. Caller holds c.mu.
func (c *Coordinator) stateLocked(sessionID string) *State {
	s, ok := c.states[sessionID]
	if !ok {
		s = newState()
		c.states[sessionID] = s
	}
	return s
}
