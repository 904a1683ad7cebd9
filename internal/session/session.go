// Package session provides the in-memory session table.
package session

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ferry-agent/ferry/pkg/types"
)

// HistoryEntry is one recorded protocol update with its original timestamp.
// Replays re-emit entries in order with this timestamp attached.
type HistoryEntry struct {
	Update    any       `json:"update"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one protocol session. Records are owned exclusively by the
// Store; callers only see snapshots or mutate through Store.Update.
type Session struct {
	ID   string                   `json:"id"`
	Cwd  string                   `json:"cwd"`
	Caps types.ClientCapabilities `json:"caps"`

	// Mode is the active backend persona, nil when the backend reported none.
	Mode  *string             `json:"mode,omitempty"`
	Modes []types.SessionMode `json:"modes,omitempty"`

	History []HistoryEntry `json:"history"`

	// Per-turn budget counters, reset at the start of every prompt call.
	TurnRequestCount int `json:"turnRequestCount"`
	TurnTokenCount   int `json:"turnTokenCount"`

	MCPServers []types.MCPServer `json:"mcpServers,omitempty"`

	// ParentID links a sub-agent session to its root for recorder sharing.
	ParentID string `json:"parentId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// AppendHistory records an update with the current time.
func (s *Session) AppendHistory(update any) {
	s.History = append(s.History, HistoryEntry{Update: update, Timestamp: time.Now()})
}

// clone returns a deep copy safe to hand outside the store.
func (s *Session) clone() *Session {
	cp := *s

	if s.Mode != nil {
		mode := *s.Mode
		cp.Mode = &mode
	}
	cp.Modes = append([]types.SessionMode(nil), s.Modes...)
	cp.History = append([]HistoryEntry(nil), s.History...)
	cp.MCPServers = append([]types.MCPServer(nil), s.MCPServers...)

	if s.Caps.Raw != nil {
		raw := make(map[string]any, len(s.Caps.Raw))
		for k, v := range s.Caps.Raw {
			raw[k] = v
		}
		cp.Caps.Raw = raw
	}

	return &cp
}

// NewID generates a session id. ULIDs are globally unique and sort by
// creation time, and round-trip losslessly through their string form.
func NewID() string {
	return ulid.Make().String()
}

// ValidateID checks that id parses as a ULID and round-trips unchanged.
func ValidateID(id string) error {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return err
	}
	if parsed.String() != id {
		return fmt.Errorf("session id %q does not round-trip", id)
	}
	return nil
}
