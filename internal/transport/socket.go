// Package transport speaks to the local WhatsApp bridge over a WebSocket:
// connection lifecycle, session persistence and the send path. Everything
// above it (normalization, queueing, classification) works on the flat
// shapes this package emits.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// Socket wraps coder/websocket with a thread-safe write method. Exactly one
// reader (the Conn run loop) and any number of writers.
type Socket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial connects to the bridge endpoint.
func Dial(ctx context.Context, wsURL string) (*Socket, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(32 << 20) // media payloads travel base64-encoded
	return &Socket{conn: conn}, nil
}

// Read returns the next frame. Blocks until a frame arrives, the context is
// cancelled, or the connection is closed.
func (s *Socket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

// Write sends one text frame. Thread-safe.
func (s *Socket) Write(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Close sends a close frame and shuts down the connection.
func (s *Socket) Close(code int, reason string) {
	_ = s.conn.Close(websocket.StatusCode(code), reason)
}

// CloseInfo carries the close code and reason of a dropped connection.
// Bridge-level disconnect reasons (401, 403, 515...) arrive as close events
// instead; both funnel into the same reconnect policy.
type CloseInfo struct {
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// parseCloseInfo extracts close details from a coder/websocket error.
// Abnormal closures without a frame map to 1006.
func parseCloseInfo(err error) CloseInfo {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return CloseInfo{Code: int(ce.Code), Reason: ce.Reason}
	}
	return CloseInfo{Code: 1006, Reason: err.Error()}
}
