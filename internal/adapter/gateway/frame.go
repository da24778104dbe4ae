package gateway

import (
	"encoding/json"

	"toolrelay/internal/domain"
)

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Event names carried in event frames besides forwarded bus events.
const (
	EventStreamChunk = "stream.chunk"
)

// Frame is the envelope exchanged between client and server over WebSocket.
type Frame struct {
	Type    FrameType        `json:"type"`
	ID      uint64           `json:"id,omitempty"`      // request/response correlation ID
	Method  string           `json:"method,omitempty"`  // RPC method name (request only)
	Event   string           `json:"event,omitempty"`   // event name (event only)
	Payload json.RawMessage  `json:"payload,omitempty"` // request params, response result or event body
	Error   string           `json:"error,omitempty"`   // error description (response only)
	Code    domain.ErrorCode `json:"code,omitempty"`    // error category (response only)
}

// StreamChunkEvent is the payload of a stream.chunk event frame. RequestID
// is the ID of the request frame whose response the chunk belongs to.
type StreamChunkEvent struct {
	RequestID      uint64          `json:"request_id"`
	ConversationID string          `json:"conversation_id"`
	Chunk          json.RawMessage `json:"chunk"`
}
