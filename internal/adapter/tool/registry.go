package tool

import (
	"log/slog"
	"sort"
	"sync"

	"toolrelay/internal/domain"
)

// Registry holds named tools as capabilities. It implements
// domain.ToolRegistry.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*capability
	logger *slog.Logger
}

var _ domain.ToolRegistry = (*Registry)(nil)

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*capability),
		logger: logger,
	}
}

// Register adds an ungated tool. Returns error if name already registered.
func (r *Registry) Register(t domain.Tool) error {
	return r.add(t, false)
}

// RegisterGated adds a tool whose calls require user approval.
func (r *Registry) RegisterGated(t domain.Tool) error {
	return r.add(t, true)
}

func (r *Registry) add(t domain.Tool, gated bool) error {
	c, err := newCapability(t, gated)
	if err != nil {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, name)
	}
	r.tools[name] = c
	r.logger.Debug("tool registered", "tool", name, "gated", gated)
	return nil
}

// Lookup resolves a tool by name.
func (r *Registry) Lookup(name string) (domain.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Lookup", domain.ErrToolNotFound, name)
	}
	return c, nil
}

// List returns all registered capabilities sorted by name.
func (r *Registry) List() []domain.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Capability, 0, len(r.tools))
	for _, c := range r.tools {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Schemas returns all tool schemas sorted by name, for model function-calling.
func (r *Registry) Schemas() []domain.ToolSchema {
	caps := r.List()
	schemas := make([]domain.ToolSchema, 0, len(caps))
	for _, c := range caps {
		schemas = append(schemas, c.Schema())
	}
	return schemas
}
