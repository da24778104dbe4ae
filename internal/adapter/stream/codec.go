package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"toolrelay/internal/domain"
)

// Codec encodes one chunk as one discrete frame.
type Codec interface {
	Encode(chunk domain.StreamChunk) ([]byte, error)
	ContentType() string
}

// NDJSONCodec writes each chunk as a JSON object followed by a newline.
type NDJSONCodec struct{}

func (NDJSONCodec) ContentType() string { return "application/x-ndjson" }

func (NDJSONCodec) Encode(chunk domain.StreamChunk) ([]byte, error) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("ndjson: %w", err)
	}
	return append(data, '\n'), nil
}

// Data stream protocol line prefixes.
const (
	prefixText       = "0"
	prefixData       = "2"
	prefixReasoning  = "g"
	prefixToolResult = "a"
	prefixFinish     = "d"
)

// DataStreamCodec speaks the AI data stream line protocol: a type prefix, a
// colon and a JSON value per line. Chunks without a dedicated prefix travel
// as a one-element data array.
type DataStreamCodec struct{}

func (DataStreamCodec) ContentType() string { return "text/plain; charset=utf-8" }

func (DataStreamCodec) Encode(chunk domain.StreamChunk) ([]byte, error) {
	var (
		prefix string
		value  any
	)
	switch chunk.Type {
	case domain.ChunkText:
		prefix, value = prefixText, chunk.Content
	case domain.ChunkReasoning:
		prefix, value = prefixReasoning, chunk.Content
	case domain.ChunkToolResult:
		prefix, value = prefixToolResult, toolResultValue{ToolCallID: chunk.ToolCallID, Result: nullIfEmpty(chunk.Result)}
	case domain.ChunkFinish:
		reason := chunk.Content
		if reason == "" {
			reason = "stop"
		}
		prefix, value = prefixFinish, finishValue{FinishReason: reason}
	default:
		prefix, value = prefixData, []domain.StreamChunk{chunk}
	}

	var buf bytes.Buffer
	buf.WriteString(prefix)
	buf.WriteByte(':')
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return nil, fmt.Errorf("data stream: %s: %w", chunk.Type, err)
	}
	return buf.Bytes(), nil
}

type toolResultValue struct {
	ToolCallID string          `json:"toolCallId"`
	Result     json.RawMessage `json:"result"`
}

type finishValue struct {
	FinishReason string `json:"finishReason"`
}

func nullIfEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
