package domain

import (
	"encoding/json"
	"time"
)

// Role constants for message participants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// PartType tags the variant carried by a Part.
type PartType string

const (
	PartText           PartType = "text"
	PartReasoning      PartType = "reasoning"
	PartToolInvocation PartType = "tool-invocation"
	PartAttachment     PartType = "attachment-reference"
)

// InvocationState is the wire state of a tool invocation inside a message.
type InvocationState string

const (
	StatePartialCall InvocationState = "partial-call"
	StateCall        InvocationState = "call"
	StateResult      InvocationState = "result"
)

// ToolInvocation is a single model-requested tool call, correlated to its
// result by ToolCallID.
type ToolInvocation struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
	State      InvocationState `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Settled reports whether the invocation carries a final result. A result
// that is only a recorded approval decision does not count.
func (ti ToolInvocation) Settled() bool {
	if ti.State != StateResult {
		return false
	}
	_, isDecision := ti.RecordedDecision()
	return !isDecision
}

// RecordedDecision returns the approval decision a client wrote into the
// result slot of a gated invocation, if any.
func (ti ToolInvocation) RecordedDecision() (Approval, bool) {
	if ti.State != StateResult || len(ti.Result) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(ti.Result, &s); err != nil {
		return "", false
	}
	switch Approval(s) {
	case ApprovalYes, ApprovalNo:
		return Approval(s), true
	}
	return "", false
}

// AttachmentRef points to content stored outside the message.
type AttachmentRef struct {
	Name        string `json:"name,omitempty"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
}

// Part is one element of a message. Exactly one payload field is set,
// selected by Type.
type Part struct {
	Type           PartType        `json:"type"`
	Text           string          `json:"text,omitempty"`
	Reasoning      string          `json:"reasoning,omitempty"`
	ToolInvocation *ToolInvocation `json:"toolInvocation,omitempty"`
	Attachment     *AttachmentRef  `json:"attachment,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part { return Part{Type: PartText, Text: text} }

// ReasoningPart builds a reasoning part.
func ReasoningPart(text string) Part { return Part{Type: PartReasoning, Reasoning: text} }

// ToolInvocationPart builds a tool-invocation part holding a copy of inv.
func ToolInvocationPart(inv ToolInvocation) Part {
	return Part{Type: PartToolInvocation, ToolInvocation: &inv}
}

// AttachmentPart builds an attachment-reference part.
func AttachmentPart(ref AttachmentRef) Part {
	return Part{Type: PartAttachment, Attachment: &ref}
}

// Message is an ordered, immutable-until-superseded record in a conversation.
// Callers replace messages with WithParts instead of mutating Parts.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId,omitempty"`
	Role           string          `json:"role"`
	Parts          []Part          `json:"parts"`
	Attachments    []AttachmentRef `json:"attachments,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// WithParts returns a copy of m that carries parts instead of m.Parts.
func (m Message) WithParts(parts []Part) Message {
	out := m
	out.Parts = parts
	if m.Attachments != nil {
		out.Attachments = append([]AttachmentRef(nil), m.Attachments...)
	}
	return out
}

// ToolInvocations returns the invocations carried by m in part order.
func (m Message) ToolInvocations() []ToolInvocation {
	var out []ToolInvocation
	for _, p := range m.Parts {
		if p.Type == PartToolInvocation && p.ToolInvocation != nil {
			out = append(out, *p.ToolInvocation)
		}
	}
	return out
}

// HasToolInvocations reports whether any part of m is a tool invocation.
func (m Message) HasToolInvocations() bool {
	for _, p := range m.Parts {
		if p.Type == PartToolInvocation && p.ToolInvocation != nil {
			return true
		}
	}
	return false
}

// LastMessage returns the most recent message of a history.
func LastMessage(msgs []Message) (Message, bool) {
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// MostRecentMessageByRole returns the latest message with the given role.
func MostRecentMessageByRole(msgs []Message, role string) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			return msgs[i], true
		}
	}
	return Message{}, false
}

// TrailingAssistantMessage returns the last message when it was written by
// the assistant.
func TrailingAssistantMessage(msgs []Message) (Message, bool) {
	last, ok := LastMessage(msgs)
	if !ok || last.Role != RoleAssistant {
		return Message{}, false
	}
	return last, true
}
