package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/tracer"
)

// errorPrefix starts every error result text handed back to the model.
const errorPrefix = "Error: "

// Execute is the standard tool execution pipeline: parse params -> start trace -> run handler -> format result.
//
// The handler receives the parsed params and an active trace span. It should return:
//   - (any Go value, nil): marshaled into the result's structured Data
//   - (string, nil): a plain-text result
//   - (*domain.ToolResult, nil): returned as-is
//   - (nil, error): an "Error: ..." result, logged at warn level
func Execute[P any](
	ctx context.Context,
	spanName string,
	logger *slog.Logger,
	rawParams json.RawMessage,
	handler func(ctx context.Context, span trace.Span, params P) (any, error),
) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, spanName)
	defer span.End()

	p, bad := ParseParams[P](rawParams)
	if bad != nil {
		tracer.RecordError(span, fmt.Errorf("%s", bad.Content))
		return bad, nil
	}

	result, err := handler(ctx, span, p)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Warn(spanName+" failed", "error", err)
		return &domain.ToolResult{IsError: true, Content: errorPrefix + err.Error()}, nil
	}

	return formatResult(span, result)
}

// formatResult converts the handler's return value into a ToolResult.
func formatResult(span trace.Span, result any) (*domain.ToolResult, error) {
	switch v := result.(type) {
	case *domain.ToolResult:
		if v.IsError {
			tracer.RecordError(span, fmt.Errorf("%s", v.Content))
		} else {
			tracer.SetOK(span)
		}
		return v, nil
	case string:
		tracer.SetOK(span)
		return TextResult(v), nil
	case nil:
		tracer.SetOK(span)
		return &domain.ToolResult{}, nil
	default:
		out, err := JSONResult(v)
		if err != nil {
			tracer.RecordError(span, err)
			return ErrResult("failed to format response: %v", err)
		}
		tracer.SetOK(span)
		return out, nil
	}
}

// ParseParams unmarshals rawParams into P and returns it. Empty input decodes
// as the zero value. On failure it returns an error ToolResult suitable for
// returning directly.
func ParseParams[P any](rawParams json.RawMessage) (P, *domain.ToolResult) {
	var p P
	if len(rawParams) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(rawParams, &p); err != nil {
		res, _ := ErrResult("invalid params: %v", err)
		return p, res
	}
	return p, nil
}

// ErrResult creates an error ToolResult. Use this for validation errors inside
// handlers that should reach the model without being logged as warnings.
func ErrResult(format string, args ...any) (*domain.ToolResult, error) {
	return &domain.ToolResult{
		IsError: true,
		Content: errorPrefix + fmt.Sprintf(format, args...),
	}, nil
}

// JSONResult marshals v into a success ToolResult whose Data is v.
func JSONResult(v any) (*domain.ToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &domain.ToolResult{Content: string(data), Data: data}, nil
}

// TextResult creates a plain text success ToolResult.
func TextResult(s string) *domain.ToolResult {
	return &domain.ToolResult{Content: s}
}

// UnknownOperation reports an operation name outside valid.
func UnknownOperation(got string, valid ...string) error {
	return fmt.Errorf("unknown operation %q (want: %s)", got, strings.Join(valid, ", "))
}
