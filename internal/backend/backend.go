// Package backend defines the model backend client: the engine's view of the
// external process that does the actual language-model reasoning.
package backend

import (
	"context"

	"github.com/ferry-agent/ferry/pkg/types"
)

// Handshake is what a freshly spawned backend reports about itself.
type Handshake struct {
	// Modes lists selectable personas the backend can run as. May be empty.
	Modes []types.SessionMode `json:"modes,omitempty"`
	// CurrentMode is the initially active mode id, empty when none is active.
	CurrentMode string `json:"currentMode,omitempty"`
}

// Chunk is one streamed piece of a backend response. A non-empty StopReason
// marks the final chunk of the stream.
type Chunk struct {
	Content    string          `json:"content,omitempty"`
	ToolCall   *types.ToolCall `json:"toolCall,omitempty"`
	StopReason string          `json:"stopReason,omitempty"`
}

// ContextMessage is one prior conversation message handed to the backend.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QueryOptions tunes one query.
type QueryOptions struct {
	// Context carries prior conversation for the backend to condition on.
	Context []ContextMessage
	// Mode selects the persona for backends that were handshaken with modes.
	Mode string
}

// Client spawns and streams from the model backend. Implementations must be
// safe for use from multiple goroutines; all blocking calls honor ctx.
type Client interface {
	// SpawnAndHandshake starts the backend for a session and consumes its
	// handshake.
	SpawnAndHandshake(ctx context.Context, sessionID, cwd string, mcpServers []types.MCPServer) (*Handshake, error)

	// QueryStream sends a prompt and returns the chunk stream. The channel
	// closes after the chunk carrying a stop reason, or when the backend
	// goes away.
	QueryStream(ctx context.Context, sessionID, prompt string, opts QueryOptions) (<-chan Chunk, error)

	// Terminate stops the session's backend process. The next query may
	// respawn it.
	Terminate(sessionID string) error
}
