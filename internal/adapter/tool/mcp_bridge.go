package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sony/gobreaker/v2"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/config"
)

// Default bridge settings, used when the config leaves them zero.
const (
	defaultMCPCallTimeout  = 30 * time.Second
	defaultBreakerTimeout  = 30 * time.Second
	defaultBreakerInterval = 60 * time.Second
	mcpClientName          = "toolrelay"
	mcpClientVersion       = "1.0.0"
)

const defaultBreakerMaxFailures uint32 = 5

// MCPBridge manages connections to MCP servers and exposes their tools as
// domain.Tool instances. Every server's calls pass through its own circuit
// breaker.
type MCPBridge struct {
	servers []*mcpServerConn
	tools   []domain.Tool
	timeout time.Duration
	logger  *slog.Logger
	mu      sync.RWMutex
}

type mcpServerConn struct {
	name    string
	client  mcpClient
	breaker *gobreaker.CircuitBreaker[*mcp.CallToolResult]
}

// mcpClient abstracts the MCP client interface for testability.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// NewMCPBridge connects to every configured MCP server and discovers its
// tools. A server that fails discovery is skipped unless all of them fail.
func NewMCPBridge(ctx context.Context, cfg config.MCPConfig, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{timeout: cfg.CallTimeout, logger: logger}

	for _, srv := range cfg.Servers {
		client, err := connectServer(ctx, srv)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("mcp server %q: %w", srv.Name, err)
		}
		logger.Info("mcp server connected", "name", srv.Name, "transport", srv.Transport)
		b.servers = append(b.servers, b.newConn(srv.Name, client, cfg.Breaker))
	}

	if err := b.discoverTools(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("discover tools: %w", err)
	}
	return b, nil
}

// newMCPBridgeWithClients creates an MCPBridge with pre-built clients (for testing).
func newMCPBridgeWithClients(ctx context.Context, servers []*mcpServerConn, cfg config.MCPConfig, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{timeout: cfg.CallTimeout, logger: logger}
	for _, srv := range servers {
		b.servers = append(b.servers, b.newConn(srv.name, srv.client, cfg.Breaker))
	}
	if err := b.discoverTools(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MCPBridge) newConn(name string, client mcpClient, cfg config.BreakerConfig) *mcpServerConn {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[*mcp.CallToolResult](gobreaker.Settings{
		Name:        "mcp:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	return &mcpServerConn{name: name, client: client, breaker: cb}
}

func connectServer(ctx context.Context, srv config.MCPServer) (mcpClient, error) {
	var c mcpClient

	switch srv.Transport {
	case "stdio":
		stdio, err := mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		c = stdio
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		httpClient := mcpclient.NewClient(t)
		if err := httpClient.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
		c = httpClient
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    mcpClientName,
		Version: mcpClientVersion,
	}

	if ic, ok := c.(interface {
		Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	}); ok {
		if _, err := ic.Initialize(ctx, initReq); err != nil {
			c.Close()
			return nil, domain.WrapOp("initialize", err)
		}
	}
	return c, nil
}

func (b *MCPBridge) discoverTools(ctx context.Context) error {
	var errs []string
	successCount := 0

	for _, srv := range b.servers {
		result, err := srv.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			b.logger.Warn("mcp server discovery failed, skipping", "server", srv.name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", srv.name, err))
			continue
		}

		for _, t := range result.Tools {
			adapter := newMCPToolAdapter(srv, t, b.timeout, b.logger)
			b.tools = append(b.tools, adapter)
			b.logger.Debug("mcp tool discovered", "server", srv.name, "tool", t.Name, "full_name", adapter.Name())
		}
		b.logger.Info("mcp tools discovered", "server", srv.name, "count", len(result.Tools))
		successCount++
	}

	// Only fail if ALL servers failed.
	if successCount == 0 && len(errs) > 0 {
		return fmt.Errorf("all mcp servers failed discovery: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Tools returns all discovered MCP tools.
func (b *MCPBridge) Tools() []domain.Tool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tools
}

// RegisterTools registers every discovered tool as gated.
func (b *MCPBridge) RegisterTools(reg *Registry) error {
	for _, t := range b.Tools() {
		if err := reg.RegisterGated(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name(), err)
		}
	}
	return nil
}

// BreakerStates reports each server's circuit breaker state.
func (b *MCPBridge) BreakerStates() map[string]string {
	out := make(map[string]string, len(b.servers))
	for _, srv := range b.servers {
		out[srv.name] = srv.breaker.State().String()
	}
	return out
}

// Close shuts down all MCP server connections.
func (b *MCPBridge) Close() {
	for _, srv := range b.servers {
		if err := srv.client.Close(); err != nil {
			b.logger.Warn("mcp server close error", "server", srv.name, "error", err)
		}
	}
}

// mcpToolAdapter wraps a single MCP tool as a domain.Tool.
type mcpToolAdapter struct {
	server   *mcpServerConn
	mcpTool  mcp.Tool
	fullName string
	timeout  time.Duration
	logger   *slog.Logger
}

func newMCPToolAdapter(server *mcpServerConn, t mcp.Tool, timeout time.Duration, logger *slog.Logger) *mcpToolAdapter {
	if timeout <= 0 {
		timeout = defaultMCPCallTimeout
	}
	return &mcpToolAdapter{
		server:   server,
		mcpTool:  t,
		fullName: fmt.Sprintf("mcp_%s_%s", sanitizeName(server.name), sanitizeName(t.Name)),
		timeout:  timeout,
		logger:   logger,
	}
}

func (a *mcpToolAdapter) Name() string { return a.fullName }

func (a *mcpToolAdapter) Description() string {
	if a.mcpTool.Description != "" {
		return a.mcpTool.Description
	}
	return fmt.Sprintf("MCP tool %q from server %q", a.mcpTool.Name, a.server.name)
}

func (a *mcpToolAdapter) Schema() domain.ToolSchema {
	params := json.RawMessage(`{"type": "object"}`)
	if a.mcpTool.InputSchema.Properties != nil || a.mcpTool.InputSchema.Required != nil {
		if data, err := json.Marshal(a.mcpTool.InputSchema); err == nil {
			params = data
		}
	}
	return domain.ToolSchema{
		Name:        a.fullName,
		Description: a.Description(),
		Parameters:  params,
	}
}

func (a *mcpToolAdapter) Execute(ctx context.Context, args json.RawMessage, ec domain.ExecContext) (*domain.ToolResult, error) {
	var arguments map[string]any
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return ErrResult("invalid arguments: %v", err)
		}
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = a.mcpTool.Name
	callReq.Params.Arguments = arguments

	a.logger.Debug("mcp tool call",
		"server", a.server.name,
		"tool", a.mcpTool.Name,
		"tool_call_id", ec.ToolCallID,
	)

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	result, err := a.server.breaker.Execute(func() (*mcp.CallToolResult, error) {
		return a.server.client.CallTool(callCtx, callReq)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ErrResult("mcp server %q unavailable: %v", a.server.name,
				domain.NewDomainError("mcpToolAdapter.Execute", domain.ErrCircuitOpen, err.Error()))
		}
		return ErrResult("MCP tool error: %v", err)
	}

	out := &domain.ToolResult{Content: formatToolContent(result), IsError: result.IsError}
	if result.StructuredContent != nil && !result.IsError {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			out.Data = data
		}
	}
	return out, nil
}

// formatToolContent flattens MCP result content: text items are joined with
// newlines and anything else is rendered as JSON.
func formatToolContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	if len(parts) == 0 && result.StructuredContent != nil {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			return string(data)
		}
	}
	return strings.Join(parts, "\n")
}

// sanitizeName replaces characters that aren't valid in tool names.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// envSlice converts a map of env vars to KEY=VALUE slices.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}
