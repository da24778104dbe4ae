package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func invPart(id string, args, result string, state InvocationState) Part {
	inv := ToolInvocation{ToolCallID: id, ToolName: "calculator", State: state}
	if args != "" {
		inv.Args = json.RawMessage(args)
	}
	if result != "" {
		inv.Result = json.RawMessage(result)
	}
	return ToolInvocationPart(inv)
}

func TestPartsEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b []Part
		want bool
	}{
		{"both empty", nil, []Part{}, true},
		{"length differs", []Part{TextPart("a")}, nil, false},
		{"same text", []Part{TextPart("a")}, []Part{TextPart("a")}, true},
		{"text differs", []Part{TextPart("a")}, []Part{TextPart("b")}, false},
		{"variant differs", []Part{TextPart("a")}, []Part{ReasoningPart("a")}, false},
		{
			"key order ignored",
			[]Part{invPart("c1", `{"a":1,"b":2}`, "", StateCall)},
			[]Part{invPart("c1", `{ "b": 2, "a": 1 }`, "", StateCall)},
			true,
		},
		{
			"state differs",
			[]Part{invPart("c1", `{}`, "", StateCall)},
			[]Part{invPart("c1", `{}`, `3`, StateResult)},
			false,
		},
		{
			"result differs",
			[]Part{invPart("c1", `{}`, `3`, StateResult)},
			[]Part{invPart("c1", `{}`, `4`, StateResult)},
			false,
		},
		{
			"missing args equals null",
			[]Part{invPart("c1", "", "", StateCall)},
			[]Part{invPart("c1", "null", "", StateCall)},
			true,
		},
		{
			"attachments",
			[]Part{AttachmentPart(AttachmentRef{URL: "u"})},
			[]Part{AttachmentPart(AttachmentRef{URL: "u"})},
			true,
		},
		{
			"attachment vs nil",
			[]Part{AttachmentPart(AttachmentRef{URL: "u"})},
			[]Part{{Type: PartAttachment}},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PartsEqual(tt.a, tt.b))
		})
	}
}

func TestPartsEqualIgnoresIdentity(t *testing.T) {
	a := []Part{invPart("c1", `{"sides":6}`, `4`, StateResult)}
	b := []Part{invPart("c1", `{"sides":6}`, `4`, StateResult)}
	assert.NotSame(t, a[0].ToolInvocation, b[0].ToolInvocation)
	assert.True(t, PartsEqual(a, b))
}

func TestJSONEqualInvalid(t *testing.T) {
	assert.False(t, JSONEqual(json.RawMessage(`{`), json.RawMessage(`{}`)))
}
