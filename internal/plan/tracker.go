// Package plan tracks per-session task plans reported by the model backend.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/ferry-agent/ferry/pkg/types"
)

// Status is the lifecycle state of one plan entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// ValidStatus reports whether s is a recognized entry status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Entry is one task in a session's plan. Priority is always derived from
// status, never stored.
type Entry struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  Status `json:"status"`
	Notes   string `json:"notes,omitempty"`
}

// Priority maps status to display priority: work in progress is what the
// user cares about now, finished work the least.
func (e Entry) Priority() string {
	switch e.Status {
	case StatusInProgress:
		return "high"
	case StatusCompleted:
		return "low"
	default:
		return "medium"
	}
}

// Wire converts the entry to its notification form.
func (e Entry) Wire() types.PlanEntryWire {
	return types.PlanEntryWire{
		ID:       e.ID,
		Content:  e.Content,
		Status:   string(e.Status),
		Priority: e.Priority(),
	}
}

// ErrEntryNotFound is returned when an entry id does not resolve.
var ErrEntryNotFound = errors.New("plan entry not found")

// Tracker holds the ordered plan for each session.
type Tracker struct {
	mu    sync.Mutex
	plans map[string][]Entry
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{plans: make(map[string][]Entry)}
}

// SetPlan replaces the session's plan wholesale. Entries without ids get
// fresh ones.
func (t *Tracker) SetPlan(sessionID string, entries []Entry) []Entry {
	assigned := make([]Entry, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			e.ID = ulid.Make().String()
		}
		assigned[i] = e
	}

	t.mu.Lock()
	t.plans[sessionID] = assigned
	t.mu.Unlock()
	return snapshot(assigned)
}

// UpdatePlan merges a resubmitted plan into the existing one. Entries are
// matched by id first, then by content, so a backend that resends the same
// logical task list without ids keeps the established identities and
// status-by-id updates continue to resolve.
func (t *Tracker) UpdatePlan(sessionID string, entries []Entry) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing := t.plans[sessionID]
	byID := make(map[string]Entry, len(existing))
	byContent := make(map[string]Entry, len(existing))
	for _, e := range existing {
		byID[e.ID] = e
		if _, dup := byContent[e.Content]; !dup {
			byContent[e.Content] = e
		}
	}

	merged := make([]Entry, 0, len(entries))
	claimed := make(map[string]bool, len(entries))
	for _, e := range entries {
		switch {
		case e.ID != "":
			// Keep the submitted id, even if new to us.
		case byContent[e.Content].ID != "" && !claimed[byContent[e.Content].ID]:
			e.ID = byContent[e.Content].ID
		default:
			e.ID = ulid.Make().String()
		}
		claimed[e.ID] = true
		merged = append(merged, e)
	}

	t.plans[sessionID] = merged
	return snapshot(merged)
}

// UpdateEntryStatus transitions one entry and returns the full current entry
// set, never a delta.
func (t *Tracker) UpdateEntryStatus(sessionID, entryID string, status Status) ([]Entry, error) {
	if !ValidStatus(status) {
		return nil, fmt.Errorf("invalid plan entry status %q", status)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.plans[sessionID]
	for i := range entries {
		if entries[i].ID == entryID {
			entries[i].Status = status
			return snapshot(entries), nil
		}
	}
	return nil, ErrEntryNotFound
}

// Entries returns the session's current plan.
func (t *Tracker) Entries(sessionID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return snapshot(t.plans[sessionID])
}

// Clear drops the session's plan.
func (t *Tracker) Clear(sessionID string) {
	t.mu.Lock()
	delete(t.plans, sessionID)
	t.mu.Unlock()
}

// Wire converts entries to their notification form.
func Wire(entries []Entry) []types.PlanEntryWire {
	out := make([]types.PlanEntryWire, len(entries))
	for i, e := range entries {
		out[i] = e.Wire()
	}
	return out
}

// ParseToolInput decodes the designated plan tool's raw arguments into
// entries. Both {"entries": [...]} and a bare array are accepted.
func ParseToolInput(raw json.RawMessage) ([]Entry, error) {
	var wrapped struct {
		Entries []Entry `json:"entries"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Entries != nil {
		return normalize(wrapped.Entries)
	}

	var bare []Entry
	if err := json.Unmarshal(raw, &bare); err != nil {
		return nil, fmt.Errorf("plan arguments do not parse: %w", err)
	}
	return normalize(bare)
}

func normalize(entries []Entry) ([]Entry, error) {
	for i := range entries {
		if entries[i].Status == "" {
			entries[i].Status = StatusPending
		}
		if !ValidStatus(entries[i].Status) {
			return nil, fmt.Errorf("invalid plan entry status %q", entries[i].Status)
		}
	}
	return entries, nil
}

func snapshot(entries []Entry) []Entry {
	return append([]Entry(nil), entries...)
}
