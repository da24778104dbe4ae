package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolrelay/internal/adapter/store"
	"toolrelay/internal/infra/config"
	"toolrelay/internal/usecase"
	"toolrelay/internal/usecase/eventbus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConfigPath(t *testing.T) {
	orig := os.Args
	t.Cleanup(func() { os.Args = orig })

	os.Args = []string{"toolrelay", "serve", "--config", "/etc/relay.yaml"}
	assert.Equal(t, "/etc/relay.yaml", configPath())

	os.Args = []string{"toolrelay", "--config=/tmp/x.yaml"}
	assert.Equal(t, "/tmp/x.yaml", configPath())

	os.Args = []string{"toolrelay"}
	t.Setenv("TOOLRELAY_CONFIG", "/env.yaml")
	assert.Equal(t, "/env.yaml", configPath())

	t.Setenv("TOOLRELAY_CONFIG", "")
	assert.Equal(t, "config.yaml", configPath())
}

func TestRunEncrypt(t *testing.T) {
	assert.Error(t, runEncrypt(nil))

	t.Setenv(config.ConfigKeyEnv, "")
	assert.Error(t, runEncrypt([]string{"secret"}))

	t.Setenv(config.ConfigKeyEnv, "passphrase")
	assert.NoError(t, runEncrypt([]string{"secret"}))
}

func TestApprovalPolicy(t *testing.T) {
	p := approvalPolicy(config.ApprovalConfig{
		Scope:         "tool_args",
		AlwaysApprove: []string{"calculator"},
		AlwaysDeny:    []string{"generateImage"},
	})
	assert.Equal(t, usecase.ScopeToolArgs, p.Scope)
	assert.Equal(t, []string{"calculator"}, p.AlwaysApprove)
	assert.Equal(t, []string{"generateImage"}, p.AlwaysDeny)
}

func TestInitStore(t *testing.T) {
	log := discardLogger()

	st, closer, err := initStore(config.StoreConfig{Driver: "memory"}, log)
	require.NoError(t, err)
	closer()
	assert.IsType(t, &store.MemoryStore{}, st)

	path := filepath.Join(t.TempDir(), "nested", "relay.db")
	st, closer, err = initStore(config.StoreConfig{Driver: "sqlite", Path: path}, log)
	require.NoError(t, err)
	defer closer()
	assert.IsType(t, &store.SQLiteStore{}, st)
	assert.FileExists(t, path)

	_, _, err = initStore(config.StoreConfig{Driver: "postgres"}, log)
	assert.ErrorContains(t, err, "unknown store driver")
}

func TestInitToolsBuiltinsOnly(t *testing.T) {
	cfg := config.Defaults()
	cfg.Approval.GatedBuiltins = []string{"roll_dice"}

	tc, err := initTools(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	defer tc.Close()

	assert.Nil(t, tc.Bridge)
	assert.Nil(t, tc.breakerStates())
	assert.Len(t, tc.Registry.Schemas(), len(cfg.Tools.Builtins))

	dice, err := tc.Registry.Lookup("roll_dice")
	require.NoError(t, err)
	assert.True(t, dice.Gated())
}

func TestInitRuntimeWiresRoutes(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Driver = "memory"
	cfg.Store.Retention.MaxAge = 0
	cfg.MCP.Server.Enabled = true
	log := discardLogger()

	bus := eventbus.New(log)
	defer bus.Close()

	tc, err := initTools(context.Background(), cfg, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt, err := initRuntime(ctx, cfg, store.NewMemoryStore(), tc, bus, log)
	require.NoError(t, err)

	require.NotNil(t, rt.MCPServer)
	assert.ElementsMatch(t, []string{"roll_dice", "agents"}, rt.MCPServer.Tools())
	assert.Equal(t, 8, rt.Gateway.Methods())
	assert.NoError(t, rt.Scheduler.Remove(usecase.EvictionTaskName), "eviction is scheduled by default")
	rt.shutdown(context.Background(), log)
}
