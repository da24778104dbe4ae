package tool

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"toolrelay/internal/domain"
)

// capability is a registered tool with its compiled argument schema.
type capability struct {
	domain.Tool
	schema *jsonschema.Schema // nil when the tool declares no parameters
	gated  bool
}

// newCapability compiles t's parameter schema. A tool without a schema
// accepts any arguments.
func newCapability(t domain.Tool, gated bool) (*capability, error) {
	c := &capability{Tool: t, gated: gated}

	raw := t.Schema().Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return c, nil
	}
	compiled, err := jsonschema.NewCompiler().Compile([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", t.Name(), err)
	}
	c.schema = compiled
	return c, nil
}

// Validate checks args against the tool's schema. Missing args are
// validated as an empty object.
func (c *capability) Validate(args json.RawMessage) error {
	if c.schema == nil {
		return nil
	}
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return domain.NewDomainError("Capability.Validate", domain.ErrInvalidInput, fmt.Sprintf("invalid JSON: %v", err))
	}
	result := c.schema.Validate(v)
	if !result.IsValid() {
		return domain.NewDomainError("Capability.Validate", domain.ErrInvalidInput, fmt.Sprintf("%s", result.Error()))
	}
	return nil
}

func (c *capability) Gated() bool { return c.gated }
