package mcp

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ferry-agent/ferry/internal/logging"
	"github.com/ferry-agent/ferry/pkg/types"
)

const connectTimeout = 5 * time.Second

// Tool is one tool offered by a connected server, name-prefixed with the
// server it came from.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Server      string `json:"server"`
}

// Prompt is one prompt template offered by a connected server.
type Prompt struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Server      string `json:"server"`
}

type connection struct {
	server  types.MCPServer
	session *sdkmcp.ClientSession
}

// Manager owns MCP server connections per protocol session. Connection
// failures are logged and skipped so a bad server never blocks session
// creation.
type Manager struct {
	client *sdkmcp.Client

	mu          sync.RWMutex
	connections map[string][]*connection // session id -> connected servers
	subscribers []func(sessionID string)
}

// NewManager creates a manager identifying itself as ferry.
func NewManager(version string) *Manager {
	return &Manager{
		client: sdkmcp.NewClient(&sdkmcp.Implementation{
			Name:    "ferry",
			Version: version,
		}, nil),
		connections: make(map[string][]*connection),
	}
}

// Connect dials every declared server for a session. Individual failures are
// logged, not returned; the session proceeds with whatever connected.
func (m *Manager) Connect(ctx context.Context, sessionID string, servers []types.MCPServer) {
	var connected []*connection
	for _, server := range servers {
		session, err := m.dial(ctx, server)
		if err != nil {
			logging.Warn().Err(err).Str("session", sessionID).Str("server", server.Name).Msg("mcp server connection failed")
			continue
		}
		connected = append(connected, &connection{server: server, session: session})
		logging.Info().Str("session", sessionID).Str("server", server.Name).Msg("mcp server connected")
	}

	m.mu.Lock()
	m.connections[sessionID] = connected
	m.mu.Unlock()

	if len(connected) > 0 {
		m.notify(sessionID)
	}
}

func (m *Manager) dial(ctx context.Context, server types.MCPServer) (*sdkmcp.ClientSession, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch server.Kind() {
	case types.TransportStdio:
		if server.Command == "" {
			return nil, fmt.Errorf("server %q: empty command", server.Name)
		}
		cmd := exec.Command(server.Command, server.Args...)
		cmd.Env = os.Environ()
		for k, v := range server.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return m.client.Connect(ctx, &sdkmcp.CommandTransport{Command: cmd}, nil)

	case types.TransportHTTP:
		return m.client.Connect(ctx, &sdkmcp.StreamableClientTransport{
			Endpoint:   server.URL,
			HTTPClient: httpClientWithHeaders(server.Headers),
		}, nil)

	case types.TransportSSE:
		return m.client.Connect(ctx, &sdkmcp.SSEClientTransport{
			Endpoint:   server.URL,
			HTTPClient: httpClientWithHeaders(server.Headers),
		}, nil)

	default:
		return nil, fmt.Errorf("server %q: unknown transport %q", server.Name, server.Transport)
	}
}

func httpClientWithHeaders(headers map[string]string) *http.Client {
	client := &http.Client{}
	if len(headers) == 0 {
		return client
	}
	client.Transport = &headerRoundTripper{headers: headers, next: http.DefaultTransport}
	return client
}

type headerRoundTripper struct {
	headers map[string]string
	next    http.RoundTripper
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	for k, v := range h.headers {
		cloned.Header.Set(k, v)
	}
	return h.next.RoundTrip(cloned)
}

// ListAvailableTools returns the tools of every server connected for the
// session, names prefixed with the server name.
func (m *Manager) ListAvailableTools(ctx context.Context, sessionID string) []Tool {
	m.mu.RLock()
	conns := m.connections[sessionID]
	m.mu.RUnlock()

	var tools []Tool
	for _, conn := range conns {
		result, err := conn.session.ListTools(ctx, nil)
		if err != nil {
			logging.Warn().Err(err).Str("server", conn.server.Name).Msg("mcp list tools failed")
			continue
		}
		for _, t := range result.Tools {
			tools = append(tools, Tool{
				Name:        sanitizeName(conn.server.Name) + "_" + sanitizeName(t.Name),
				Description: t.Description,
				Server:      conn.server.Name,
			})
		}
	}
	return tools
}

// ListAvailablePrompts returns the prompt templates of every server
// connected for the session.
func (m *Manager) ListAvailablePrompts(ctx context.Context, sessionID string) []Prompt {
	m.mu.RLock()
	conns := m.connections[sessionID]
	m.mu.RUnlock()

	var prompts []Prompt
	for _, conn := range conns {
		result, err := conn.session.ListPrompts(ctx, nil)
		if err != nil {
			logging.Warn().Err(err).Str("server", conn.server.Name).Msg("mcp list prompts failed")
			continue
		}
		for _, p := range result.Prompts {
			prompts = append(prompts, Prompt{
				Name:        p.Name,
				Description: p.Description,
				Server:      conn.server.Name,
			})
		}
	}
	return prompts
}

// CallTool invokes a prefixed tool name on the server it belongs to and
// returns the concatenated text content.
func (m *Manager) CallTool(ctx context.Context, sessionID, toolName string, args map[string]any) (string, error) {
	m.mu.RLock()
	conns := m.connections[sessionID]
	m.mu.RUnlock()

	for _, conn := range conns {
		prefix := sanitizeName(conn.server.Name) + "_"
		if !strings.HasPrefix(toolName, prefix) {
			continue
		}
		result, err := conn.session.CallTool(ctx, &sdkmcp.CallToolParams{
			Name:      strings.TrimPrefix(toolName, prefix),
			Arguments: args,
		})
		if err != nil {
			return "", err
		}

		var output strings.Builder
		for _, content := range result.Content {
			if text, ok := content.(*sdkmcp.TextContent); ok {
				output.WriteString(text.Text)
			}
		}
		if result.IsError {
			return "", fmt.Errorf("tool %s failed: %s", toolName, output.String())
		}
		return output.String(), nil
	}
	return "", fmt.Errorf("no connected server offers tool %q", toolName)
}

// SubscribeChanges registers a callback fired whenever a session's available
// tool or prompt set may have changed.
func (m *Manager) SubscribeChanges(cb func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, cb)
}

func (m *Manager) notify(sessionID string) {
	m.mu.RLock()
	subs := make([]func(string), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.RUnlock()
	for _, cb := range subs {
		cb(sessionID)
	}
}

// CloseSession disconnects every server of a session.
func (m *Manager) CloseSession(sessionID string) {
	m.mu.Lock()
	conns := m.connections[sessionID]
	delete(m.connections, sessionID)
	m.mu.Unlock()

	for _, conn := range conns {
		_ = conn.session.Close()
	}
}

// Close disconnects everything.
func (m *Manager) Close() error {
	m.mu.Lock()
	all := m.connections
	m.connections = make(map[string][]*connection)
	m.mu.Unlock()

	for _, conns := range all {
		for _, conn := range conns {
			_ = conn.session.Close()
		}
	}
	return nil
}

// sanitizeName replaces non-alphanumeric characters with underscores so
// prefixed tool names stay well formed.
func sanitizeName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			result.WriteRune(r)
		} else {
			result.WriteRune('_')
		}
	}
	return result.String()
}
