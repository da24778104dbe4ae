package tool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"toolrelay/internal/domain"
)

// CalculatorTool performs basic arithmetic on two operands.
type CalculatorTool struct {
	logger *slog.Logger
}

// NewCalculatorTool creates the calculator tool.
func NewCalculatorTool(logger *slog.Logger) *CalculatorTool {
	return &CalculatorTool{logger: logger}
}

func (t *CalculatorTool) Name() string        { return "calculator" }
func (t *CalculatorTool) Description() string { return "Add, subtract, multiply or divide two numbers" }

func (t *CalculatorTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"operation": {"type": "string", "enum": ["add", "subtract", "multiply", "divide"]},
				"a": {"type": "number"},
				"b": {"type": "number"}
			},
			"required": ["operation", "a", "b"]
		}`),
	}
}

type calcParams struct {
	Operation string  `json:"operation"`
	A         float64 `json:"a"`
	B         float64 `json:"b"`
}

var errDivisionByZero = errors.New("division by zero")

var calcOperations = NewOperations(func(p calcParams) string { return p.Operation }, map[string]Operation[calcParams]{
	"add":      func(_ context.Context, p calcParams) (any, error) { return p.A + p.B, nil },
	"subtract": func(_ context.Context, p calcParams) (any, error) { return p.A - p.B, nil },
	"multiply": func(_ context.Context, p calcParams) (any, error) { return p.A * p.B, nil },
	"divide": func(_ context.Context, p calcParams) (any, error) {
		if p.B == 0 {
			return nil, errDivisionByZero
		}
		return p.A / p.B, nil
	},
})

func (t *CalculatorTool) Execute(ctx context.Context, args json.RawMessage, _ domain.ExecContext) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.calculator", t.logger, args, calcOperations.Run)
}
