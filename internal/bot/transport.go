package bot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/ent0n29/sesame/internal/protocol"
)

// Transport delivers protocol messages to the client of a session.
type Transport interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg protocol.Message) error

func (fn TransportFunc) Send(ctx context.Context, msg protocol.Message) error {
	return fn(ctx, msg)
}

// SSETransport streams each message as one server-sent event whose data is
// the base64 encoded JSON message.
type SSETransport struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func NewSSETransport(w http.ResponseWriter) (*SSETransport, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &SSETransport{w: w, flusher: f}, nil
}

func (t *SSETransport) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chunk, err := EncodeSSE(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(chunk); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// Flush pushes buffered headers and data to the client.
func (t *SSETransport) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flusher.Flush()
}

// EncodeSSE renders msg as "data: <base64 json>\n\n".
func EncodeSSE(msg protocol.Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	out := make([]byte, 0, len("data: ")+base64.StdEncoding.EncodedLen(len(raw))+2)
	out = append(out, "data: "...)
	out = base64.StdEncoding.AppendEncode(out, raw)
	out = append(out, '\n', '\n')
	return out, nil
}

// DecodeSSE parses one chunk produced by EncodeSSE.
func DecodeSSE(chunk []byte) (protocol.Message, error) {
	var msg protocol.Message
	s := string(chunk)
	const prefix = "data: "
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return msg, fmt.Errorf("chunk has no data field")
	}
	s = s[len(prefix):]
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return msg, fmt.Errorf("decode chunk: %w", err)
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}
