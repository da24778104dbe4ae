package config

import (
	"strings"
	"testing"
	"time"
)

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty addr", func(c *Config) { c.Gateway.Addr = "" }, "gateway.addr is required"},
		{"bad addr", func(c *Config) { c.Gateway.Addr = "localhost" }, "not a valid host:port"},
		{"bad auth type", func(c *Config) { c.Gateway.Auth.Type = "oauth" }, "gateway.auth.type"},
		{"static without tokens", func(c *Config) { c.Gateway.Auth.Type = "static" }, "tokens must not be empty"},
		{"duplicate token", func(c *Config) {
			c.Gateway.Auth.Tokens = []TokenConfig{{Token: "a"}, {Token: "a"}}
		}, "duplicates another token"},
		{"unknown builtin", func(c *Config) { c.Tools.Builtins = []string{"shell"} }, `unknown tool "shell"`},
		{"zero tool timeout", func(c *Config) { c.Tools.Timeout = 0 }, "tools.timeout must be > 0"},
		{"bad weather url", func(c *Config) { c.Tools.WeatherURL = "open-meteo" }, "tools.weather_url"},
		{"image without key", func(c *Config) {
			c.Tools.Builtins = append(c.Tools.Builtins, "generateImage")
		}, "tools.image.api_key is required"},
		{"mcp bad transport", func(c *Config) {
			c.MCP.Servers = []MCPServer{{Name: "x", Transport: "sse"}}
		}, "transport \"sse\" is not supported"},
		{"mcp stdio without command", func(c *Config) {
			c.MCP.Servers = []MCPServer{{Name: "x", Transport: "stdio"}}
		}, "command is required"},
		{"mcp duplicate name", func(c *Config) {
			c.MCP.Servers = []MCPServer{{Name: "x", Transport: "stdio", Command: "a"}, {Name: "x", Transport: "stdio", Command: "b"}}
		}, "duplicate name"},
		{"mcp server bad path", func(c *Config) {
			c.MCP.Server.Enabled = true
			c.MCP.Server.Path = "mcp"
		}, "mcp.server.path"},
		{"mcp server unknown tool", func(c *Config) {
			c.MCP.Server.Enabled = true
			c.MCP.Server.Tools = []string{"calculator"}
		}, "cannot be exposed"},
		{"bad scope", func(c *Config) { c.Approval.Scope = "global" }, "approval.scope"},
		{"approve and deny", func(c *Config) {
			c.Approval.AlwaysApprove = []string{"roll_dice"}
			c.Approval.AlwaysDeny = []string{"roll_dice"}
		}, "both always_approve and always_deny"},
		{"bad store driver", func(c *Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, "store.path is required"},
		{"bad retention schedule", func(c *Config) {
			c.Store.Retention.MaxAge = time.Hour
			c.Store.Retention.Schedule = "sometimes"
		}, "store.retention.schedule"},
		{"negative conversation idle", func(c *Config) { c.Store.Retention.ConversationIdle = -time.Minute }, "conversation_idle must be >= 0"},
		{"rate limit zero", func(c *Config) { c.Security.RateLimit.RequestsPerMin = 0 }, "requests_per_min must be > 0"},
		{"bad proxy", func(c *Config) { c.Security.RateLimit.TrustedProxies = []string{"lb.local"} }, "not an IP address"},
		{"bad log format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"bad exporter", func(c *Config) { c.Tracer.Exporter = "jaeger" }, "tracer.exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateAccumulatesErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Addr = ""
	cfg.Store.Driver = "postgres"
	cfg.Approval.Scope = "global"

	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("expected 3 errors, got %d: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidateRateLimitDisabledSkipsChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Security.RateLimit.Enabled = false
	cfg.Security.RateLimit.RequestsPerMin = 0
	if err := Validate(cfg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
