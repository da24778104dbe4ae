package domain

import (
	"bytes"
	"encoding/json"
	"reflect"
)

// PartsEqual compares two part sequences structurally. JSON payloads (tool
// args and results) are compared by value, so key order and whitespace do
// not matter.
func PartsEqual(a, b []Part) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Equal reports whether p and o carry the same variant and payload.
func (p Part) Equal(o Part) bool {
	if p.Type != o.Type || p.Text != o.Text || p.Reasoning != o.Reasoning {
		return false
	}
	switch {
	case p.ToolInvocation == nil && o.ToolInvocation == nil:
	case p.ToolInvocation == nil || o.ToolInvocation == nil:
		return false
	case !p.ToolInvocation.Equal(*o.ToolInvocation):
		return false
	}
	switch {
	case p.Attachment == nil && o.Attachment == nil:
		return true
	case p.Attachment == nil || o.Attachment == nil:
		return false
	default:
		return *p.Attachment == *o.Attachment
	}
}

// Equal reports whether two invocations are the same call in the same state.
func (ti ToolInvocation) Equal(o ToolInvocation) bool {
	return ti.ToolCallID == o.ToolCallID &&
		ti.ToolName == o.ToolName &&
		ti.State == o.State &&
		JSONEqual(ti.Args, o.Args) &&
		JSONEqual(ti.Result, o.Result)
}

// JSONEqual compares two JSON documents by decoded value. An empty document
// equals a literal null.
func JSONEqual(a, b json.RawMessage) bool {
	a, b = normalizeJSON(a), normalizeJSON(b)
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func normalizeJSON(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	return trimmed
}
