package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolrelay/internal/adapter/tool"
	"toolrelay/internal/domain"
	"toolrelay/internal/infra/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry(testLogger())
	require.NoError(t, reg.RegisterGated(tool.NewDiceTool(testLogger())))
	require.NoError(t, reg.Register(tool.NewAgentsTool(testLogger())))
	return reg
}

// startServer serves the MCP endpoint and returns a bridge connected to it.
func startServer(t *testing.T) *tool.MCPBridge {
	t.Helper()
	cfg := config.MCPServerConfig{Enabled: true, Path: "/api/mcp", Tools: []string{"roll_dice", "agents"}}
	srv, err := New(cfg, testRegistry(t), "test", testLogger())
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, srv.Handler())
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	bridge, err := tool.NewMCPBridge(ctx, config.MCPConfig{
		Servers:     []config.MCPServer{{Name: "relay", Transport: "http", URL: ts.URL + cfg.Path}},
		CallTimeout: 5 * time.Second,
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(bridge.Close)
	return bridge
}

func findTool(t *testing.T, b *tool.MCPBridge, name string) domain.Tool {
	t.Helper()
	for _, tl := range b.Tools() {
		if tl.Name() == name {
			return tl
		}
	}
	t.Fatalf("tool %s not exposed", name)
	return nil
}

func TestServerListsTools(t *testing.T) {
	bridge := startServer(t)

	var names []string
	for _, tl := range bridge.Tools() {
		names = append(names, tl.Name())
	}
	assert.ElementsMatch(t, []string{"mcp_relay_roll_dice", "mcp_relay_agents"}, names)

	dice := findTool(t, bridge, "mcp_relay_roll_dice")
	assert.Contains(t, string(dice.Schema().Parameters), `"sides"`)
}

func TestServerRollDice(t *testing.T) {
	dice := findTool(t, startServer(t), "mcp_relay_roll_dice")

	res, err := dice.Execute(context.Background(), json.RawMessage(`{"sides":6}`), domain.ExecContext{})
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)
	assert.Regexp(t, regexp.MustCompile(`^🎲 You rolled a [1-6]!$`), res.Content)
}

func TestServerRejectsInvalidArgs(t *testing.T) {
	dice := findTool(t, startServer(t), "mcp_relay_roll_dice")

	res, err := dice.Execute(context.Background(), json.RawMessage(`{"sides":1}`), domain.ExecContext{})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "invalid arguments for roll_dice")
}

func TestServerAgents(t *testing.T) {
	agents := findTool(t, startServer(t), "mcp_relay_agents")

	res, err := agents.Execute(context.Background(), json.RawMessage(`{"tools":["roll_dice"]}`), domain.ExecContext{})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "I can use roll_dice.", res.Content)
}

func TestNewUnknownTool(t *testing.T) {
	cfg := config.MCPServerConfig{Path: "/api/mcp", Tools: []string{"shell"}}
	_, err := New(cfg, testRegistry(t), "test", testLogger())
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
}
