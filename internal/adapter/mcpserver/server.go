// Package mcpserver exposes selected registry tools to external MCP clients
// over streamable HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/config"
	"toolrelay/internal/infra/tracer"
)

const serverName = "toolrelay"

// Server is an MCP server backed by the tool registry.
type Server struct {
	mcp    *server.MCPServer
	http   *server.StreamableHTTPServer
	tools  []string
	logger *slog.Logger
}

// New builds an MCP server exposing cfg.Tools. Every name must resolve in
// tools. Calls from MCP clients skip the approval gate; the MCP host is
// expected to confirm tool use with its own user.
func New(cfg config.MCPServerConfig, tools domain.ToolRegistry, version string, logger *slog.Logger) (*Server, error) {
	s := server.NewMCPServer(serverName, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	for _, name := range cfg.Tools {
		capability, err := tools.Lookup(name)
		if err != nil {
			return nil, domain.WrapOp("mcpserver.New", err)
		}
		schema := capability.Schema()
		params := schema.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		s.AddTool(
			mcp.NewToolWithRawSchema(schema.Name, schema.Description, params),
			handler(capability, logger),
		)
	}

	httpServer := server.NewStreamableHTTPServer(s,
		server.WithEndpointPath(cfg.Path),
		server.WithStateLess(true),
	)

	logger.Info("mcp server ready", "path", cfg.Path, "tools", len(cfg.Tools))
	return &Server{mcp: s, http: httpServer, tools: cfg.Tools, logger: logger}, nil
}

// Handler returns the streamable HTTP handler to mount at the configured path.
func (s *Server) Handler() http.Handler { return s.http }

// Tools returns the names of the exposed tools.
func (s *Server) Tools() []string { return s.tools }

// Shutdown closes open MCP sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func handler(c domain.Capability, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := tracer.StartSpan(ctx, "mcpserver.call")
		defer span.End()
		span.SetAttributes(tracer.StringAttr("tool.name", c.Name()))

		args, err := json.Marshal(req.GetArguments())
		if err != nil {
			tracer.RecordError(span, err)
			return mcp.NewToolResultError(fmt.Sprintf("Error: invalid params: %v", err)), nil
		}
		if err := c.Validate(args); err != nil {
			logger.Info("mcp call rejected", "tool", c.Name(), "error", err)
			return mcp.NewToolResultError(fmt.Sprintf("Error: invalid arguments for %s: %v", c.Name(), err)), nil
		}

		res, err := c.Execute(ctx, args, domain.ExecContext{})
		if err != nil {
			tracer.RecordError(span, err)
			logger.Warn("mcp call failed", "tool", c.Name(), "error", err)
			return mcp.NewToolResultError("Error: " + err.Error()), nil
		}
		if res == nil {
			return mcp.NewToolResultText(""), nil
		}
		if res.IsError {
			return mcp.NewToolResultError(res.Content), nil
		}
		tracer.SetOK(span)
		return mcp.NewToolResultText(res.Content), nil
	}
}
