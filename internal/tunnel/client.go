// Package tunnel implements the Tunnel Client (component H): an
// outbound, long-lived WebSocket connection from a device to a relay,
// with resilient reconnect, heartbeat/pong liveness, and session.*/
// shell.*/tunnel.<op> message dispatch.
package tunnel

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/fleetshell/sctl/internal/wsproto"
)

// State is the tunnel client's connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Live
	Draining
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Draining:
		return "draining"
	default:
		return "disconnected"
	}
}

// reasonKind classifies a disconnect for the backoff policy.
type reasonKind int

const (
	reasonTransient reasonKind = iota
	reasonPermanent
	reasonRelayShutdown
	reasonBindUnavailable
)

// Config configures one Client.
type Config struct {
	RelayURL          string
	Serial            string
	APIKey            string
	BindAddress       string // literal IP or interface name, optional
	HeartbeatInterval time.Duration
	ReconnectMaxDelay time.Duration

	DNSTimeout       time.Duration
	TCPTimeout       time.Duration
	HandshakeTimeout time.Duration
	RegisterTimeout  time.Duration

	WriterDepth int
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 60 * time.Second
	}
	if c.DNSTimeout == 0 {
		c.DNSTimeout = 10 * time.Second
	}
	if c.TCPTimeout == 0 {
		c.TCPTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.RegisterTimeout == 0 {
		c.RegisterTimeout = 10 * time.Second
	}
	if c.WriterDepth == 0 {
		c.WriterDepth = 512
	}
}

// PauseHook is the transfer manager's pause_all contract, invoked on
// every disconnect so mid-flight chunked transfers pause cleanly.
type PauseHook func()

// Client owns the tunnel connection, its writer channel, and the bridged
// wsproto.Server used to dispatch session.*/shell.* messages arriving
// over the tunnel exactly as if they'd arrived on a local WS connection.
type Client struct {
	cfg     Config
	wsproto *wsproto.Server
	onPause PauseHook
	opHandler OpHandler

	mu    sync.Mutex
	state State
	stats Stats

	pongMu sync.Mutex
	pongCh chan struct{}
}

// NewClient builds a Client that dispatches session.*/shell.* traffic
// into srv and tunnel.<op> requests into handler.
func NewClient(cfg Config, srv *wsproto.Server, handler OpHandler, onPause PauseHook) *Client {
	cfg.setDefaults()
	return &Client{cfg: cfg, wsproto: srv, opHandler: handler, onPause: onPause}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run is the outer reconnect loop. It never returns except when ctx is
// cancelled or a Permanent error (FORBIDDEN registration) is hit.
func (c *Client) Run(ctx context.Context) {
	delay := time.Duration(0)
	var flap flapRing

	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(Connecting)
		start := time.Now()
		reason, err := c.connectAndRun(ctx)
		dur := time.Since(start)
		c.setState(Disconnected)

		if c.onPause != nil {
			c.onPause()
		}
		c.stats.recordLifecycle("disconnected")

		if reason == reasonPermanent {
			slog.Error("tunnel: permanent error, giving up", "err", err)
			return
		}
		if ctx.Err() != nil {
			return
		}

		flap.push(dur)
		slog.Warn("tunnel: disconnected", "err", err, "duration", dur, "reason", reason)

		switch reason {
		case reasonRelayShutdown:
			delay = 0
		case reasonBindUnavailable:
			delay = 5 * time.Second
		default:
			if flap.flapping() {
				delay = 60 * time.Second
			} else if delay == 0 {
				delay = time.Second
			} else {
				delay *= 2
				if delay > c.cfg.ReconnectMaxDelay {
					delay = c.cfg.ReconnectMaxDelay
				}
			}
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// toWS converts an http(s) URL to its ws(s) equivalent.
func toWS(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + u[len("https://"):]
	case strings.HasPrefix(u, "http://"):
		return "ws://" + u[len("http://"):]
	default:
		return u
	}
}

// dialerFor builds an http.Client whose transport dials through
// resolveAndDial, so DNS ordering and bind-address handling apply to the
// WS handshake the same way they would to a raw TCP connect.
func (c *Client) dialerFor(ctx context.Context) *http.Client {
	dialer := &net.Dialer{Timeout: c.cfg.TCPTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return resolveAndDial(ctx, dialer, network, addr, c.cfg)
		},
		TLSHandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	return &http.Client{Transport: transport}
}

func (c *Client) connectAndRun(ctx context.Context) (reasonKind, error) {
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout+c.cfg.TCPTimeout+c.cfg.DNSTimeout)
	defer cancel()

	wsURL := toWS(c.cfg.RelayURL) + "/api/tunnel/register"
	conn, _, err := websocket.Dial(connectCtx, wsURL, &websocket.DialOptions{
		HTTPClient: c.dialerFor(ctx),
	})
	if err != nil {
		return classifyDialErr(err), err
	}
	defer conn.CloseNow()

	regCtx, regCancel := context.WithTimeout(ctx, c.cfg.RegisterTimeout)
	defer regCancel()
	if err := conn.Write(regCtx, websocket.MessageText, registerFrame(c.cfg.Serial, c.cfg.APIKey)); err != nil {
		return reasonTransient, err
	}
	_, data, err := conn.Read(regCtx)
	if err != nil {
		return reasonTransient, err
	}
	ok, forbidden := parseRegisterAck(data)
	if forbidden {
		return reasonPermanent, errForbidden
	}
	if !ok {
		return reasonTransient, errRegisterFailed
	}

	return c.runLive(ctx, conn)
}
