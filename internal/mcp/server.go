package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/ctxengine/internal/engine"
)

const (
	// ServerName is the MCP server name
	ServerName = "ctxengine"
	// ServerVersion is the current server version
	ServerVersion = "0.3.0"
)

// Server exposes an engine as MCP tools
type Server struct {
	mcp    *server.MCPServer
	engine *engine.Engine
}

// NewServer creates a server over e. The engine stays owned by the caller.
func NewServer(e *engine.Engine) *Server {
	s := &Server{
		mcp:    server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false)),
		engine: e,
	}
	s.registerTools()
	return s
}

// Serve runs the MCP server on stdio and blocks until stdin closes or ctx
// ends.
func (s *Server) Serve(ctx context.Context) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(rebuildIndexTool(), s.handleRebuildIndex)
	s.mcp.AddTool(refreshIndexTool(), s.handleRefreshIndex)
	s.mcp.AddTool(jobStatusTool(), s.handleJobStatus)
	s.mcp.AddTool(queryContextTool(), s.handleQueryContext)
	s.mcp.AddTool(indexStatusTool(), s.handleIndexStatus)
}
