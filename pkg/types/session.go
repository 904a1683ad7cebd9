package types

// MCP transport kinds a session may request for its servers.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// MCPServer describes one MCP server a session wants connected.
type MCPServer struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Kind normalizes the requested transport, defaulting to stdio for
// command-style descriptors that omit it.
func (s MCPServer) Kind() string {
	if s.Transport != "" {
		return s.Transport
	}
	if s.URL != "" {
		return TransportHTTP
	}
	return TransportStdio
}

// SessionMode is one selectable agent persona discovered from the model
// backend's handshake.
type SessionMode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SessionModeState reports the active mode and the available set. It is only
// present in responses when a mode is actually active; an absent mode is
// never replaced with a synthesized default.
type SessionModeState struct {
	CurrentModeID  string        `json:"currentModeId"`
	AvailableModes []SessionMode `json:"availableModes"`
}
