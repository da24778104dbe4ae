package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"toolrelay/internal/adapter/gateway"
	"toolrelay/internal/adapter/mcpserver"
	"toolrelay/internal/adapter/store"
	"toolrelay/internal/adapter/tool"
	"toolrelay/internal/domain"
	"toolrelay/internal/infra/config"
	"toolrelay/internal/infra/middleware"
	"toolrelay/internal/usecase"
	"toolrelay/internal/usecase/scheduling"
)

// relayStore persists history and always-approved keys.
type relayStore interface {
	domain.ConversationStore
	domain.ApprovalStore
}

func initStore(cfg config.StoreConfig, log *slog.Logger) (relayStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		log.Warn("using in-memory store, history is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	case "sqlite", "":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		st, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		log.Info("sqlite store opened", "path", cfg.Path)
		return st, func() {
			if err := st.Close(); err != nil {
				log.Error("close store", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// toolComponents holds the registry and the optional MCP client bridge.
type toolComponents struct {
	Registry *tool.Registry
	Bridge   *tool.MCPBridge // nil without MCP servers
}

func (t *toolComponents) Close() {
	if t.Bridge != nil {
		t.Bridge.Close()
	}
}

func (t *toolComponents) breakerStates() func() map[string]string {
	if t.Bridge == nil {
		return nil
	}
	return t.Bridge.BreakerStates
}

func initTools(ctx context.Context, cfg *config.Config, log *slog.Logger) (*toolComponents, error) {
	reg := tool.NewRegistry(log)
	if err := tool.RegisterBuiltins(reg, cfg.Tools, cfg.Approval.GatedBuiltins, log); err != nil {
		return nil, err
	}
	tc := &toolComponents{Registry: reg}

	if len(cfg.MCP.Servers) == 0 {
		return tc, nil
	}
	bridge, err := tool.NewMCPBridge(ctx, cfg.MCP, log)
	if err != nil {
		return nil, fmt.Errorf("mcp: %w", err)
	}
	tc.Bridge = bridge
	if err := bridge.RegisterTools(reg); err != nil {
		bridge.Close()
		return nil, fmt.Errorf("mcp: %w", err)
	}
	return tc, nil
}

// runtimeComponents holds the long-running parts of the relay.
type runtimeComponents struct {
	Gateway   *gateway.Server
	Scheduler *scheduling.Scheduler
	MCPServer *mcpserver.Server // nil when disabled
}

func (rt *runtimeComponents) shutdown(ctx context.Context, log *slog.Logger) {
	if err := rt.Gateway.Stop(ctx); err != nil {
		log.Error("gateway stop", "error", err)
	}
	if rt.MCPServer != nil {
		if err := rt.MCPServer.Shutdown(ctx); err != nil {
			log.Error("mcp server stop", "error", err)
		}
	}
	rt.Scheduler.Stop()
}

func approvalPolicy(cfg config.ApprovalConfig) usecase.ApprovalPolicy {
	return usecase.ApprovalPolicy{
		Scope:         usecase.ApprovalScope(cfg.Scope),
		AlwaysApprove: cfg.AlwaysApprove,
		AlwaysDeny:    cfg.AlwaysDeny,
	}
}

func initRuntime(ctx context.Context, cfg *config.Config, st relayStore, tools *toolComponents, bus domain.EventBus, log *slog.Logger) (*runtimeComponents, error) {
	conversations := usecase.NewConversationManager(approvalPolicy(cfg.Approval), st, bus, log)
	processor := usecase.NewProcessor(usecase.ProcessorDeps{
		Tools:      tools.Registry,
		Reconciler: usecase.NewReconciler(st, bus, log),
		Bus:        bus,
		Logger:     log,
	})

	sched := scheduling.NewScheduler(log)
	sweeper := usecase.NewRetentionSweeper(st, cfg.Store.Retention.MaxAge, bus, log)
	if err := sweeper.Schedule(sched, cfg.Store.Retention.Schedule); err != nil {
		return nil, fmt.Errorf("retention: %w", err)
	}
	if err := conversations.ScheduleEviction(sched, cfg.Store.Retention.ConversationIdle); err != nil {
		return nil, fmt.Errorf("conversation eviction: %w", err)
	}

	gw := gateway.NewServer(bus, gateway.NewAuthenticator(cfg.Gateway.Auth), cfg.Gateway, log)
	gw.Use(
		middleware.Recover(log),
		middleware.SecurityHeaders,
		middleware.CORS(cfg.Gateway.AllowedOrigins),
		middleware.RateLimit(ctx, cfg.Security.RateLimit, log),
	)

	deps := gateway.HandlerDeps{
		Conversations: conversations,
		Processor:     processor,
		Store:         st,
		Tools:         tools.Registry,
		Bus:           bus,
		Logger:        log,
		Version:       version,
		StoreDriver:   cfg.Store.Driver,
		BreakerStates: tools.breakerStates(),
	}
	gateway.RegisterDefaultHandlers(gw, deps)
	gateway.RegisterRESTHandlers(gw, deps)

	rt := &runtimeComponents{Gateway: gw, Scheduler: sched}
	if cfg.MCP.Server.Enabled {
		srv, err := mcpserver.New(cfg.MCP.Server, tools.Registry, version, log)
		if err != nil {
			return nil, fmt.Errorf("mcp server: %w", err)
		}
		gw.RegisterHTTPRoute(cfg.MCP.Server.Path, gw.Authenticated(srv.Handler()))
		rt.MCPServer = srv
		log.Info("mcp server enabled", "path", cfg.MCP.Server.Path, "tools", srv.Tools())
	}
	return rt, nil
}
