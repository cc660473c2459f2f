// Package mcpserver exposes hub operations as MCP tools over stdio, so a
// coding assistant can inspect sessions, fire prompts, and resolve
// approvals from inside its own session. Tools proxy to the running
// hub's HTTP API.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

const serverName = "praybot"

// Config points the tools at a running hub.
type Config struct {
	// HubURL is the base URL of the hub gateway, e.g. http://127.0.0.1:4488.
	HubURL string
}

// New builds the MCP server with the hub toolset registered.
func New(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer(serverName, version,
		server.WithToolCapabilities(true),
	)
	registerTools(s, cfg)
	return s
}

// ServeStdio blocks serving MCP over stdin/stdout until the peer closes.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}
