package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"toolrelay/internal/domain"
)

// AgentsReply renders the agents tool answer for the given tool names.
func AgentsReply(tools []string) string {
	return "I can use " + strings.Join(tools, ", ") + "."
}

// AgentsTool reports which tools an agent may use.
type AgentsTool struct {
	logger *slog.Logger
}

// NewAgentsTool creates the agents tool.
func NewAgentsTool(logger *slog.Logger) *AgentsTool {
	return &AgentsTool{logger: logger}
}

func (t *AgentsTool) Name() string { return "agents" }
func (t *AgentsTool) Description() string {
	return "Agents with multiple capabilities, tools, and LLMs. Each agent can own roles and decisions."
}

func (t *AgentsTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"tools": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["tools"]
		}`),
	}
}

type agentsParams struct {
	Tools []string `json:"tools"`
}

func (t *AgentsTool) Execute(ctx context.Context, args json.RawMessage, _ domain.ExecContext) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.agents", t.logger, args,
		func(_ context.Context, _ trace.Span, p agentsParams) (any, error) {
			return AgentsReply(p.Tools), nil
		},
	)
}
