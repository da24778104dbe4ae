package tool

import (
	"context"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/trace"

	"toolrelay/internal/infra/tracer"
)

// Operation computes one named operation of a multi-operation tool.
type Operation[P any] func(ctx context.Context, p P) (any, error)

// Operations routes decoded parameters to the operation they name. Its Run
// method plugs into Execute.
type Operations[P any] struct {
	selector func(P) string
	ops      map[string]Operation[P]
	known    []string
}

// NewOperations builds a router. selector reads the operation name from p.
func NewOperations[P any](selector func(P) string, ops map[string]Operation[P]) *Operations[P] {
	return &Operations[P]{
		selector: selector,
		ops:      ops,
		known:    slices.Sorted(maps.Keys(ops)),
	}
}

// Run executes the selected operation and tags span with its name.
func (o *Operations[P]) Run(ctx context.Context, span trace.Span, p P) (any, error) {
	name := o.selector(p)
	span.SetAttributes(tracer.StringAttr("tool.operation", name))

	op, ok := o.ops[name]
	if !ok {
		return nil, UnknownOperation(name, o.known...)
	}
	return op(ctx, p)
}
