package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferry-agent/ferry/pkg/types"
)

func TestValidateTransportsStdioAlwaysAllowed(t *testing.T) {
	servers := []types.MCPServer{
		{Name: "files", Command: "mcp-files"},
		{Name: "explicit", Transport: types.TransportStdio, Command: "mcp-x"},
	}
	assert.NoError(t, ValidateTransports(servers, types.MCPCapabilities{}))
}

func TestValidateTransportsHTTPRequiresCapability(t *testing.T) {
	servers := []types.MCPServer{{Name: "remote", Transport: types.TransportHTTP, URL: "http://x"}}

	err := ValidateTransports(servers, types.MCPCapabilities{})
	require.Error(t, err)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "remote", terr.Server)
	assert.Equal(t, types.TransportHTTP, terr.Transport)

	assert.NoError(t, ValidateTransports(servers, types.MCPCapabilities{HTTP: true}))
}

func TestValidateTransportsSSERequiresCapability(t *testing.T) {
	servers := []types.MCPServer{{Name: "events", Transport: types.TransportSSE, URL: "http://x"}}

	assert.Error(t, ValidateTransports(servers, types.MCPCapabilities{HTTP: true}))
	assert.NoError(t, ValidateTransports(servers, types.MCPCapabilities{SSE: true}))
}

func TestValidateTransportsURLDefaultsToHTTP(t *testing.T) {
	servers := []types.MCPServer{{Name: "remote", URL: "http://x"}}
	assert.Error(t, ValidateTransports(servers, types.MCPCapabilities{}))
	assert.NoError(t, ValidateTransports(servers, types.MCPCapabilities{HTTP: true}))
}

func TestValidateTransportsUnknownKind(t *testing.T) {
	servers := []types.MCPServer{{Name: "odd", Transport: "carrier-pigeon"}}
	assert.Error(t, ValidateTransports(servers, types.MCPCapabilities{HTTP: true, SSE: true}))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "my_server_2", sanitizeName("my-server.2"))
	assert.Equal(t, "plain", sanitizeName("plain"))
}
