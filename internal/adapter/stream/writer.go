// Package stream implements the ordered, append-only chunk channel of a
// single response.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"toolrelay/internal/domain"
)

// Writer serializes chunks from concurrent tool invocations onto one
// transport. The order observed by the client is the order in which Write
// calls acquired the writer.
type Writer struct {
	codec     Codec
	transport Transport
	logger    *slog.Logger

	mu      sync.Mutex
	closed  bool
	written int
}

// NewWriter creates a writer.
func NewWriter(codec Codec, transport Transport, logger *slog.Logger) *Writer {
	return &Writer{codec: codec, transport: transport, logger: logger}
}

// Write encodes chunk and sends it as one frame. It fails with
// domain.ErrStreamClosed once the writer is closed or ctx is done.
func (w *Writer) Write(ctx context.Context, chunk domain.StreamChunk) error {
	frame, err := w.codec.Encode(chunk)
	if err != nil {
		return domain.WrapOp("stream.Write", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return domain.ErrStreamClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStreamClosed, err)
	}
	if err := w.transport.Send(ctx, frame); err != nil {
		// A broken transport cannot resume mid-stream.
		w.closed = true
		w.logger.Debug("stream transport failed", "type", string(chunk.Type), "error", err)
		return fmt.Errorf("%w: %w", domain.ErrStreamClosed, err)
	}
	w.written++
	return nil
}

// Close ends the stream. Later writes fail; nothing written is retracted.
func (w *Writer) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// Closed reports whether the stream has ended.
func (w *Writer) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Written returns the number of chunks delivered so far.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}
