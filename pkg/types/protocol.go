// Package types defines the wire-level types of the agent client protocol
// shared by the engine, the session table, and the model backend client.
package types

// ProtocolVersion identifies a revision of the agent client protocol.
type ProtocolVersion int

// SupportedProtocolVersions lists the protocol revisions this agent speaks,
// in ascending order. Negotiation echoes a requested version that appears
// here and substitutes the maximum otherwise.
var SupportedProtocolVersions = []ProtocolVersion{1}

// MaxProtocolVersion returns the newest supported protocol version.
func MaxProtocolVersion() ProtocolVersion {
	return SupportedProtocolVersions[len(SupportedProtocolVersions)-1]
}

// VersionSupported reports whether v is a protocol revision this agent speaks.
func VersionSupported(v ProtocolVersion) bool {
	for _, s := range SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// FSCapabilities declares which filesystem methods the client exposes.
type FSCapabilities struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

// ClientCapabilities is the capability set a client declares at initialize
// time. Unknown keys are preserved in Raw for forward compatibility.
type ClientCapabilities struct {
	FS        FSCapabilities `json:"fs,omitempty"`
	Terminal  bool           `json:"terminal,omitempty"`
	Streaming bool           `json:"streaming,omitempty"`

	Raw map[string]any `json:"-"`
}

// PromptCapabilities declares which content block kinds the agent accepts
// in prompts.
type PromptCapabilities struct {
	Audio           bool `json:"audio"`
	Image           bool `json:"image"`
	EmbeddedContext bool `json:"embeddedContext"`
}

// MCPCapabilities declares which MCP transports the agent can connect.
// Stdio is always available and has no flag.
type MCPCapabilities struct {
	HTTP bool `json:"http"`
	SSE  bool `json:"sse"`
}

// AgentCapabilities is the capability set the agent reports at initialize time.
type AgentCapabilities struct {
	LoadSession        bool               `json:"loadSession"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
	MCPCapabilities    MCPCapabilities    `json:"mcpCapabilities"`
}

// AuthMethod describes an authentication method. This agent declares none:
// the protocol variant it speaks is unauthenticated and authenticate calls
// are rejected outright.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// StopReason is the terminal classification of a prompt turn.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopMaxTurnRequests StopReason = "max_turn_requests"
	StopCancelled       StopReason = "cancelled"
	StopRefusal         StopReason = "refusal"
)
