package wsproto

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"nhooyr.io/websocket"
)

// wsTransport adapts a *websocket.Conn to Transport.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps conn for use by Server.Serve.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadText(ctx context.Context) ([]byte, error) {
	msgType, data, err := t.conn.Read(ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, nil
		}
		return nil, err
	}
	if msgType != websocket.MessageText {
		return nil, fmt.Errorf("wsproto: unexpected message type %d", msgType)
	}
	return data, nil
}

func (t *wsTransport) WriteText(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// CheckToken constant-time compares the query token against the
// configured API key, per the upgrade handshake contract (no
// Authorization header is available at this point).
func CheckToken(token, apiKey string) bool {
	if len(token) != len(apiKey) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) == 1
}
