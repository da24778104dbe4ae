package stream

import (
	"context"
	"io"
	"net/http"
)

// Transport delivers encoded frames to the client.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
}

// IOTransport writes frames to an io.Writer, flushing after each one when
// the writer supports it (as http.ResponseWriter does).
type IOTransport struct {
	w io.Writer
}

// NewIOTransport wraps w.
func NewIOTransport(w io.Writer) *IOTransport {
	return &IOTransport{w: w}
}

func (t *IOTransport) Send(_ context.Context, frame []byte) error {
	if _, err := t.w.Write(frame); err != nil {
		return err
	}
	if f, ok := t.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, frame []byte) error

func (f TransportFunc) Send(ctx context.Context, frame []byte) error { return f(ctx, frame) }
