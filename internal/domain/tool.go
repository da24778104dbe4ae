package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema describes a tool's parameters for model consumption.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema object
}

// ToolResult is the output of a tool execution. Data holds structured output;
// when it is empty the textual Content becomes the merged result.
type ToolResult struct {
	Content string          `json:"content"`
	Data    json.RawMessage `json:"data,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// Value returns the JSON value merged into the invocation's result slot.
func (r *ToolResult) Value() json.RawMessage {
	if r == nil {
		return json.RawMessage(`null`)
	}
	if len(r.Data) > 0 {
		return r.Data
	}
	b, _ := json.Marshal(r.Content)
	return b
}

// ExecContext is handed to a tool for a single invocation.
type ExecContext struct {
	ConversationID string
	ToolCallID     string
	Messages       []Message
	Stream         ChunkWriter // may be nil when no response stream is attached
}

// Tool is the interface every executable tool implements.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, args json.RawMessage, ec ExecContext) (*ToolResult, error)
}

// Capability is a registered tool together with its argument validator and
// gating flag.
type Capability interface {
	Tool
	Validate(args json.RawMessage) error
	Gated() bool
}

// ToolRegistry resolves tool names to capabilities.
type ToolRegistry interface {
	Lookup(name string) (Capability, error)
	Schemas() []ToolSchema
}
