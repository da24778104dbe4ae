package domain

import (
	"context"
	"encoding/json"
)

// ChunkType identifies the kind of a stream chunk.
type ChunkType string

const (
	ChunkText            ChunkType = "text"
	ChunkReasoning       ChunkType = "reasoning"
	ChunkToolResult      ChunkType = "tool_result"
	ChunkApprovalRequest ChunkType = "tool_approval_request"
	ChunkFinish          ChunkType = "finish"
)

// Artifact kinds that stream incremental content as "<kind>-delta" chunks.
const (
	ArtifactImage = "image"
	ArtifactText  = "text"
	ArtifactCode  = "code"
	ArtifactSheet = "sheet"
)

const deltaSuffix = "-delta"

// StreamChunk is one append-only unit of a response stream.
type StreamChunk struct {
	Type       ChunkType       `json:"type"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Content    string          `json:"content,omitempty"`
}

// ToolResultChunk reports the final result of a settled invocation.
func ToolResultChunk(toolCallID string, result json.RawMessage) StreamChunk {
	return StreamChunk{Type: ChunkToolResult, ToolCallID: toolCallID, Result: result}
}

// DeltaChunk carries a content fragment for an artifact of the given kind.
// Each fragment supersedes earlier fragments of the same artifact.
func DeltaChunk(kind, content string) StreamChunk {
	return StreamChunk{Type: ChunkType(kind + deltaSuffix), Content: content}
}

// ApprovalRequestChunk surfaces a pending invocation to the client.
func ApprovalRequestChunk(req ApprovalRequest) StreamChunk {
	return StreamChunk{
		Type:       ChunkApprovalRequest,
		ToolCallID: req.ToolCallID,
		ToolName:   req.ToolName,
		Args:       req.Args,
	}
}

// IsDelta reports whether c is an artifact delta chunk.
func (c StreamChunk) IsDelta() bool {
	t := string(c.Type)
	return len(t) > len(deltaSuffix) && t[len(t)-len(deltaSuffix):] == deltaSuffix
}

// ChunkWriter is the single ordered output channel of one response.
type ChunkWriter interface {
	Write(ctx context.Context, chunk StreamChunk) error
}
