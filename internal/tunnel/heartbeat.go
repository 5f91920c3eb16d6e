package tunnel

import "errors"

var errHeartbeatTimeout = errors.New("tunnel: pong watchdog expired")

// notePong records that a tunnel.pong frame arrived, waking the
// heartbeat goroutine's watchdog reset without blocking the reader.
func (c *Client) notePong() {
	c.pongMu.Lock()
	ch := c.pongCh
	c.pongMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// pongSignal returns the channel the heartbeat goroutine watches for
// pong arrivals, creating a fresh one for this connection's lifetime.
func (c *Client) pongSignal() <-chan struct{} {
	c.pongMu.Lock()
	defer c.pongMu.Unlock()
	if c.pongCh == nil {
		c.pongCh = make(chan struct{}, 1)
	}
	return c.pongCh
}
