package config

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// BuiltinTools lists the names accepted in tools.builtins.
var BuiltinTools = []string{"getWeather", "calculator", "roll_dice", "agents", "generateImage"}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateTools(cfg, ve)
	validateMCP(cfg, ve)
	validateApproval(cfg, ve)
	validateStore(cfg, ve)
	validateSecurity(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}

	switch cfg.Gateway.Auth.Type {
	case "", "static":
	default:
		ve.Add("gateway.auth.type %q is not supported (want static)", cfg.Gateway.Auth.Type)
	}
	seen := make(map[string]bool)
	for i, tok := range cfg.Gateway.Auth.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token is required", i)
		}
		if seen[tok.Token] {
			ve.Add("gateway.auth.tokens[%d] duplicates another token", i)
		}
		seen[tok.Token] = true
	}
	if cfg.Gateway.Auth.Type == "static" && len(cfg.Gateway.Auth.Tokens) == 0 {
		ve.Add("gateway.auth.tokens must not be empty when auth.type is static")
	}
	if cfg.Gateway.WriteTimeout < 0 {
		ve.Add("gateway.write_timeout must be >= 0")
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	for _, name := range cfg.Tools.Builtins {
		if !slices.Contains(BuiltinTools, name) {
			ve.Add("tools.builtins: unknown tool %q (want one of %s)", name, strings.Join(BuiltinTools, ", "))
		}
	}
	if cfg.Tools.Timeout <= 0 {
		ve.Add("tools.timeout must be > 0")
	}
	if slices.Contains(cfg.Tools.Builtins, "getWeather") {
		validateURL(ve, "tools.weather_url", cfg.Tools.WeatherURL)
	}
	if slices.Contains(cfg.Tools.Builtins, "generateImage") {
		validateURL(ve, "tools.image.base_url", cfg.Tools.Image.BaseURL)
		if cfg.Tools.Image.APIKey == "" {
			ve.Add("tools.image.api_key is required when generateImage is enabled")
		}
	}
}

func validateMCP(cfg *Config, ve *ValidationError) {
	names := make(map[string]bool)
	for i, srv := range cfg.MCP.Servers {
		if srv.Name == "" {
			ve.Add("mcp.servers[%d].name is required", i)
		} else if names[srv.Name] {
			ve.Add("mcp.servers[%d]: duplicate name %q", i, srv.Name)
		}
		names[srv.Name] = true

		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				ve.Add("mcp.servers[%d].command is required for stdio transport", i)
			}
		case "http":
			validateURL(ve, fmt.Sprintf("mcp.servers[%d].url", i), srv.URL)
		default:
			ve.Add("mcp.servers[%d].transport %q is not supported (want stdio or http)", i, srv.Transport)
		}
	}
	if cfg.MCP.CallTimeout <= 0 {
		ve.Add("mcp.call_timeout must be > 0")
	}
	if cfg.MCP.Server.Enabled {
		if !strings.HasPrefix(cfg.MCP.Server.Path, "/") {
			ve.Add("mcp.server.path must start with /")
		}
		for _, name := range cfg.MCP.Server.Tools {
			if name != "roll_dice" && name != "agents" {
				ve.Add("mcp.server.tools: %q cannot be exposed (want roll_dice or agents)", name)
			}
		}
	}
}

func validateApproval(cfg *Config, ve *ValidationError) {
	switch cfg.Approval.Scope {
	case "", "tool", "tool_args":
	default:
		ve.Add("approval.scope %q is not supported (want tool or tool_args)", cfg.Approval.Scope)
	}
	for _, name := range cfg.Approval.AlwaysApprove {
		if slices.Contains(cfg.Approval.AlwaysDeny, name) {
			ve.Add("approval: tool %q is both always_approve and always_deny", name)
		}
	}
	for _, name := range cfg.Approval.GatedBuiltins {
		if !slices.Contains(BuiltinTools, name) {
			ve.Add("approval.gated_builtins: unknown tool %q", name)
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			ve.Add("store.path is required for the sqlite driver")
		}
	default:
		ve.Add("store.driver %q is not supported (want sqlite or memory)", cfg.Store.Driver)
	}

	r := cfg.Store.Retention
	if r.MaxAge < 0 {
		ve.Add("store.retention.max_age must be >= 0")
	}
	if r.ConversationIdle < 0 {
		ve.Add("store.retention.conversation_idle must be >= 0")
	}
	if r.MaxAge > 0 {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(r.Schedule); err != nil {
			ve.Add("store.retention.schedule %q: %v", r.Schedule, err)
		}
	}
}

func validateSecurity(cfg *Config, ve *ValidationError) {
	rl := cfg.Security.RateLimit
	if !rl.Enabled {
		return
	}
	if rl.RequestsPerMin <= 0 {
		ve.Add("security.rate_limit.requests_per_min must be > 0")
	}
	if rl.Burst <= 0 {
		ve.Add("security.rate_limit.burst must be > 0")
	}
	for _, ip := range rl.TrustedProxies {
		if net.ParseIP(ip) == nil {
			ve.Add("security.rate_limit.trusted_proxies: %q is not an IP address", ip)
		}
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not supported", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is not supported (want text or json)", cfg.Logger.Format)
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not supported (want noop or stdout)", cfg.Tracer.Exporter)
	}
}

func validateURL(ve *ValidationError, field, raw string) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		ve.Add("%s %q is not a valid URL", field, raw)
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		ve.Add("%s must use http or https", field)
	}
}
