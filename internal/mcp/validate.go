// Package mcp connects sessions to their declared MCP servers using the
// official MCP SDK.
package mcp

import (
	"fmt"

	"github.com/ferry-agent/ferry/pkg/types"
)

// TransportError reports a server declaring a transport the agent never
// advertised support for.
type TransportError struct {
	Server    string
	Transport string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mcp server %q uses transport %q which this agent did not advertise", e.Server, e.Transport)
}

// ValidateTransports checks every declared server against the agent's
// advertised MCP capabilities. Stdio is always acceptable; http and sse only
// when the matching capability was advertised during initialize.
func ValidateTransports(servers []types.MCPServer, caps types.MCPCapabilities) error {
	for _, server := range servers {
		switch server.Kind() {
		case types.TransportStdio:
		case types.TransportHTTP:
			if !caps.HTTP {
				return &TransportError{Server: server.Name, Transport: types.TransportHTTP}
			}
		case types.TransportSSE:
			if !caps.SSE {
				return &TransportError{Server: server.Name, Transport: types.TransportSSE}
			}
		default:
			return &TransportError{Server: server.Name, Transport: server.Transport}
		}
	}
	return nil
}
