package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/tracer"
)

// MinDieSides is the smallest die roll_dice accepts.
const MinDieSides = 2

// RollDie returns a uniform value in [1, sides].
func RollDie(sides int) int {
	return 1 + rand.IntN(sides)
}

// DiceMessage renders a roll the way roll_dice reports it.
func DiceMessage(value int) string {
	return fmt.Sprintf("🎲 You rolled a %d!", value)
}

// DiceTool rolls an N-sided die.
type DiceTool struct {
	roll   func(sides int) int
	logger *slog.Logger
}

// NewDiceTool creates the roll_dice tool.
func NewDiceTool(logger *slog.Logger) *DiceTool {
	return &DiceTool{roll: RollDie, logger: logger}
}

func (t *DiceTool) Name() string        { return "roll_dice" }
func (t *DiceTool) Description() string { return "Rolls an N-sided die" }

func (t *DiceTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"sides": {"type": "integer", "minimum": 2}
			},
			"required": ["sides"]
		}`),
	}
}

type diceParams struct {
	Sides int `json:"sides"`
}

func (t *DiceTool) Execute(ctx context.Context, args json.RawMessage, _ domain.ExecContext) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.roll_dice", t.logger, args,
		func(_ context.Context, span trace.Span, p diceParams) (any, error) {
			if err := ValidateMin("sides", p.Sides, MinDieSides); err != nil {
				return nil, err
			}
			value := t.roll(p.Sides)
			span.SetAttributes(tracer.IntAttr("dice.sides", p.Sides), tracer.IntAttr("dice.value", value))
			return &domain.ToolResult{
				Content: DiceMessage(value),
				Data:    json.RawMessage(strconv.Itoa(value)),
			}, nil
		},
	)
}
