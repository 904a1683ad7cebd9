package acp

import (
	"encoding/json"
	"fmt"

	"github.com/ferry-agent/ferry/internal/editor"
	"github.com/ferry-agent/ferry/internal/logging"
	"github.com/ferry-agent/ferry/internal/permission"
	"github.com/ferry-agent/ferry/internal/terminal"
	"github.com/ferry-agent/ferry/pkg/types"
)

// InitializeRequest starts the protocol conversation.
type InitializeRequest struct {
	ProtocolVersion types.ProtocolVersion `json:"protocolVersion"`
	// ClientCapabilities stays raw for lenient validation: known booleans are
	// type checked, unknown keys logged and accepted.
	ClientCapabilities json.RawMessage `json:"clientCapabilities,omitempty"`
	// StrictVersion makes an unsupported requested version a hard failure
	// instead of negotiating down to the agent's maximum.
	StrictVersion bool `json:"strictVersion,omitempty"`
}

// InitializeResponse carries the negotiated version and the agent's surface.
type InitializeResponse struct {
	ProtocolVersion   types.ProtocolVersion   `json:"protocolVersion"`
	AgentCapabilities types.AgentCapabilities `json:"agentCapabilities"`
	AuthMethods       []types.AuthMethod      `json:"authMethods"`
}

// AuthenticateRequest is always rejected; the agent declares no auth methods.
type AuthenticateRequest struct {
	MethodID string `json:"methodId"`
}

// NewSessionRequest creates a session.
type NewSessionRequest struct {
	Cwd        string            `json:"cwd"`
	MCPServers []types.MCPServer `json:"mcpServers,omitempty"`
	// ParentSessionID links a sub-agent session into an existing hierarchy so
	// it shares the hierarchy's transcript recorder.
	ParentSessionID string `json:"parentSessionId,omitempty"`
}

// NewSessionResponse returns the fresh session id, with mode state only when
// the backend reported an active mode.
type NewSessionResponse struct {
	SessionID string                  `json:"sessionId"`
	Modes     *types.SessionModeState `json:"modes,omitempty"`
}

// LoadSessionRequest resumes an existing session with full history replay.
type LoadSessionRequest struct {
	SessionID  string            `json:"sessionId"`
	Cwd        string            `json:"cwd"`
	MCPServers []types.MCPServer `json:"mcpServers,omitempty"`
}

// LoadSessionResponse acks after every historical update has been enqueued.
type LoadSessionResponse struct {
	Modes *types.SessionModeState `json:"modes,omitempty"`
}

// SetSessionModeRequest switches the backend persona.
type SetSessionModeRequest struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// SetSessionModeResponse is an empty ack.
type SetSessionModeResponse struct{}

// PromptRequest runs one turn.
type PromptRequest struct {
	SessionID string               `json:"sessionId"`
	Prompt    []types.ContentBlock `json:"prompt"`
}

// PromptResponse terminates a turn with exactly one stop reason.
type PromptResponse struct {
	StopReason types.StopReason `json:"stopReason"`
	Meta       map[string]any   `json:"_meta,omitempty"`
}

// CancelNotification requests cooperative cancellation of a session's turn.
type CancelNotification struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// ReadTextFileRequest reads a file through the client-granted fs capability.
type ReadTextFileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      int    `json:"line,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ReadTextFileResponse carries the selected content.
type ReadTextFileResponse struct {
	Content string `json:"content"`
}

// WriteTextFileRequest writes a file atomically.
type WriteTextFileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// WriteTextFileResponse is an empty ack.
type WriteTextFileResponse struct{}

// CreateTerminalRequest starts a background command.
type CreateTerminalRequest struct {
	SessionID       string   `json:"sessionId"`
	Command         string   `json:"command"`
	Args            []string `json:"args,omitempty"`
	Cwd             string   `json:"cwd,omitempty"`
	Env             []string `json:"env,omitempty"`
	OutputByteLimit int      `json:"outputByteLimit,omitempty"`
}

// CreateTerminalResponse returns the terminal handle.
type CreateTerminalResponse struct {
	TerminalID string `json:"terminalId"`
}

// TerminalRequest addresses an existing terminal.
type TerminalRequest struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// TerminalOutputResponse is a point-in-time output snapshot.
type TerminalOutputResponse struct {
	terminal.Output
}

// WaitForExitResponse reports how the terminal's process ended.
type WaitForExitResponse struct {
	ExitStatus terminal.ExitStatus `json:"exitStatus"`
}

// UpdateBuffersRequest syncs the client's unsaved editor buffers.
type UpdateBuffersRequest struct {
	SessionID string            `json:"sessionId"`
	Buffers   map[string]string `json:"buffers"`
}

// UpdateBuffersResponse summarizes what moved.
type UpdateBuffersResponse struct {
	Changes []editor.Change `json:"changes,omitempty"`
}

// RequestPermissionRequest is the agent-to-client consent dialog.
type RequestPermissionRequest struct {
	SessionID string              `json:"sessionId"`
	ToolCall  types.ToolCall      `json:"toolCall"`
	Options   []permission.Option `json:"options"`
}

// PermissionOutcome is the client's dialog answer.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"` // "selected" | "cancelled"
	OptionID string `json:"optionId,omitempty"`
}

// RequestPermissionResponse wraps the outcome.
type RequestPermissionResponse struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// parseClientCapabilities validates the declared capabilities leniently.
// Known boolean flags must be booleans; unknown keys are logged and kept.
func parseClientCapabilities(raw json.RawMessage) (types.ClientCapabilities, error) {
	caps := types.ClientCapabilities{}
	if len(raw) == 0 {
		return caps, nil
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return caps, fmt.Errorf("clientCapabilities is not an object: %w", err)
	}

	boolFlag := func(key string, v any) (bool, error) {
		b, ok := v.(bool)
		if !ok {
			return false, fmt.Errorf("capability %q must be a boolean, got %T", key, v)
		}
		return b, nil
	}

	for key, value := range generic {
		switch key {
		case "streaming":
			b, err := boolFlag(key, value)
			if err != nil {
				return caps, err
			}
			caps.Streaming = b
		case "terminal":
			b, err := boolFlag(key, value)
			if err != nil {
				return caps, err
			}
			caps.Terminal = b
		case "fs":
			fsMap, ok := value.(map[string]any)
			if !ok {
				return caps, fmt.Errorf("capability \"fs\" must be an object, got %T", value)
			}
			for fsKey, fsValue := range fsMap {
				switch fsKey {
				case "readTextFile":
					b, err := boolFlag("fs.readTextFile", fsValue)
					if err != nil {
						return caps, err
					}
					caps.FS.ReadTextFile = b
				case "writeTextFile":
					b, err := boolFlag("fs.writeTextFile", fsValue)
					if err != nil {
						return caps, err
					}
					caps.FS.WriteTextFile = b
				default:
					logging.Debug().Str("capability", "fs."+fsKey).Msg("unknown client capability accepted")
				}
			}
		default:
			logging.Debug().Str("capability", key).Msg("unknown client capability accepted")
			if caps.Raw == nil {
				caps.Raw = make(map[string]any)
			}
			caps.Raw[key] = value
		}
	}
	return caps, nil
}
