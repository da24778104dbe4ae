package tool

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/config"
)

// NewBuiltin constructs the built-in tool with the given name.
func NewBuiltin(name string, cfg config.ToolsConfig, client *http.Client, logger *slog.Logger) (domain.Tool, error) {
	switch name {
	case "getWeather":
		return NewWeatherTool(client, cfg.WeatherURL, logger), nil
	case "calculator":
		return NewCalculatorTool(logger), nil
	case "roll_dice":
		return NewDiceTool(logger), nil
	case "agents":
		return NewAgentsTool(logger), nil
	case "generateImage":
		return NewImageTool(client, cfg.Image, logger), nil
	default:
		return nil, domain.NewDomainError("tool.NewBuiltin", domain.ErrToolNotFound, name)
	}
}

// RegisterBuiltins registers every tool named in cfg.Builtins. Names listed
// in gated are registered behind the approval gate.
func RegisterBuiltins(reg *Registry, cfg config.ToolsConfig, gated []string, logger *slog.Logger) error {
	client := &http.Client{Timeout: cfg.Timeout}
	for _, name := range cfg.Builtins {
		t, err := NewBuiltin(name, cfg, client, logger)
		if err != nil {
			return err
		}
		register := reg.Register
		if slices.Contains(gated, name) {
			register = reg.RegisterGated
		}
		if err := register(t); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	logger.Info("builtin tools registered", "count", len(cfg.Builtins), "gated", len(gated))
	return nil
}
