package domain

import "encoding/json"

// Approval is the literal outcome of a user approval decision.
type Approval string

const (
	ApprovalYes Approval = "yes"
	ApprovalNo  Approval = "no"
)

// Valid reports whether a is one of the two recognised literals.
func (a Approval) Valid() bool { return a == ApprovalYes || a == ApprovalNo }

// Result sentinels merged into history in place of a tool's own output.
const (
	DeniedResult    = "Error: User denied access to tool execution"
	NoExecuteResult = "Error: No execute function found on tool"
)

// ApprovalDecision is the out-of-band event a user sends to resolve a
// pending invocation.
type ApprovalDecision struct {
	ToolCallID string   `json:"toolCallId"`
	Decision   Approval `json:"decision"`
	Always     bool     `json:"always,omitempty"`
}

// ApprovalRequest describes an invocation suspended until the user decides.
type ApprovalRequest struct {
	ConversationID string          `json:"conversationId"`
	ToolCallID     string          `json:"toolCallId"`
	ToolName       string          `json:"toolName"`
	Args           json.RawMessage `json:"args,omitempty"`
}
