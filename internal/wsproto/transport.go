package wsproto

import "context"

// Transport abstracts the underlying WebSocket connection so the
// dispatcher can be unit tested without a real socket. The production
// implementation wraps nhooyr.io/websocket (see conn.go).
type Transport interface {
	ReadText(ctx context.Context) ([]byte, error)
	WriteText(ctx context.Context, data []byte) error
	Close(reason string) error
}
