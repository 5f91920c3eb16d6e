package tunnel

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/fleetshell/sctl/internal/session"
	"github.com/fleetshell/sctl/internal/wsproto"
)

// writer owns the single outbound channel feeding the socket. try_send
// semantics: a full channel drops the newest frame and bumps the
// dropped_outbound counter rather than blocking the caller.
type writer struct {
	ch    chan []byte
	stats *Stats
}

func newWriter(depth int, stats *Stats) *writer {
	return &writer{ch: make(chan []byte, depth), stats: stats}
}

func (w *writer) send(ctx context.Context, data []byte) error {
	select {
	case w.ch <- data:
		return nil
	default:
		w.stats.incDropped()
		return nil
	}
}

func (w *writer) run(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case data := <-w.ch:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tunnelTransport bridges the wsproto.Server's Serve loop onto this
// tunnel connection: inbound session.*/shell.* frames are fed in by the
// outer read loop, outbound responses are pushed through the shared
// writer so they interleave correctly with pings and tunnel.<op> results.
type tunnelTransport struct {
	inbox chan []byte
	w     *writer
}

func (t *tunnelTransport) ReadText(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-t.inbox:
		if !ok {
			return nil, nil
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *tunnelTransport) WriteText(ctx context.Context, data []byte) error {
	return t.w.send(ctx, data)
}

func (t *tunnelTransport) Close(reason string) error { return nil }

type envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func isSessionOrShell(msgType string) bool {
	return strings.HasPrefix(msgType, "session.") || strings.HasPrefix(msgType, "shell.")
}

// runLive drives one established tunnel connection until it fails, the
// relay signals shutdown, or ctx is cancelled.
func (c *Client) runLive(ctx context.Context, conn *websocket.Conn) (reasonKind, error) {
	liveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.setState(Live)
	c.stats.recordLifecycle("connected")
	c.stats.startUptime(time.Now())
	c.pongMu.Lock()
	c.pongCh = make(chan struct{}, 1)
	c.pongMu.Unlock()

	w := newWriter(c.cfg.WriterDepth, &c.stats)
	tt := &tunnelTransport{inbox: make(chan []byte, 64), w: w}

	errCh := make(chan error, 4)

	go func() { errCh <- w.run(liveCtx, conn) }()
	if c.wsproto != nil {
		go func() { errCh <- c.wsproto.Serve(liveCtx, tt) }()
		c.resubscribeRunning(liveCtx, tt)
	}
	go c.heartbeat(liveCtx, w, errCh)

	var reason reasonKind
	var readErr error

readLoop:
	for {
		_, data, err := conn.Read(liveCtx)
		if err != nil {
			readErr = err
			reason = reasonTransient
			break readLoop
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch {
		case env.Type == "tunnel.pong":
			c.notePong()
		case env.Type == "tunnel.relay_shutdown":
			readErr = nil
			reason = reasonRelayShutdown
			break readLoop
		case isSessionOrShell(env.Type):
			select {
			case tt.inbox <- data:
			case <-liveCtx.Done():
				break readLoop
			}
		case strings.HasPrefix(env.Type, "tunnel."):
			go c.dispatchOp(liveCtx, w, env, data)
		default:
			// unknown frame type, ignore
		}
	}

	cancel()
	select {
	case e := <-errCh:
		if readErr == nil && e != nil {
			readErr = e
		}
	case <-time.After(time.Second):
	}
	return reason, readErr
}

func (c *Client) dispatchOp(ctx context.Context, w *writer, env envelope, raw []byte) {
	defer func() { recover() }()

	op := strings.TrimPrefix(env.Type, "tunnel.")
	handler := c.opHandler
	if handler == nil {
		handler = NoopOpHandler{}
	}

	result, err := handler.Handle(ctx, op, raw)
	status := 200
	var body any
	switch {
	case err != nil:
		status = 500
		body = map[string]string{"error": err.Error()}
	case isOpResult(result):
		or := result.(OpResult)
		status, body = or.Status, or.Body
	default:
		body = result
	}

	resp := map[string]any{
		"type":       env.Type + ".result",
		"request_id": env.RequestID,
		"status":     status,
		"body":       body,
	}
	data, _ := json.Marshal(resp)
	_ = w.send(ctx, data)
}

func isOpResult(v any) bool {
	_, ok := v.(OpResult)
	return ok
}

// resubscribeRunning re-sends a synthetic session.attach for every
// currently running session so the new connection starts streaming
// their output again, instead of waiting for the relay to re-request it.
func (c *Client) resubscribeRunning(ctx context.Context, tt *tunnelTransport) {
	if c.wsproto == nil || c.wsproto.Manager == nil {
		return
	}
	for _, info := range c.wsproto.Manager.List() {
		if info.Status != session.Running.String() {
			continue
		}
		req := wsproto.Request{Type: "session.attach", SessionID: info.ID}
		data, err := json.Marshal(req)
		if err != nil {
			continue
		}
		select {
		case tt.inbox <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, w *writer, errCh chan<- error) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	watchdog := 3 * c.cfg.HeartbeatInterval
	deadline := time.Now().Add(watchdog)

	for {
		select {
		case <-ticker.C:
			ping, _ := json.Marshal(map[string]string{"type": "tunnel.ping"})
			_ = w.send(ctx, ping)
			c.stats.touchUptime(time.Now())
			if free := cap(w.ch) - len(w.ch); free*4 < cap(w.ch) {
				slog.Warn("tunnel: writer channel congested", "free", free, "capacity", cap(w.ch))
			}
			if time.Now().After(deadline) {
				errCh <- errHeartbeatTimeout
				return
			}
		case <-c.pongSignal():
			deadline = time.Now().Add(watchdog)
		case <-ctx.Done():
			return
		}
	}
}
