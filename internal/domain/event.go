package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventToolCallStarted     EventType = "tool.call.started"
	EventToolCallCompleted   EventType = "tool.call.completed"
	EventToolApprovalReq     EventType = "tool.approval.request"
	EventToolApprovalResp    EventType = "tool.approval.response"
	EventApprovalRevoked     EventType = "tool.approval.revoked"
	EventMessagePersisted    EventType = "message.persisted"
	EventStreamStarted       EventType = "stream.started"
	EventStreamCompleted     EventType = "stream.completed"
	EventStreamError         EventType = "stream.error"
	EventConversationCreated EventType = "conversation.created"
	EventConversationAborted EventType = "conversation.aborted"
	EventConversationEvicted EventType = "conversation.evicted"
	EventRetentionSwept      EventType = "retention.swept"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type           EventType       `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// ToolCallEventPayload is carried by tool.call.* events.
type ToolCallEventPayload struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Phase      Phase  `json:"phase"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ApprovalEventPayload is carried by tool.approval.* events.
type ApprovalEventPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Decision   Approval        `json:"decision,omitempty"`
	Always     bool            `json:"always,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
