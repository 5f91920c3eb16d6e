package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// DeviceAuthenticator reports whether tunnelKey is the enrolled key for
// serial. Implementations are backed by internal/relaystore.
type DeviceAuthenticator interface {
	Authenticate(ctx context.Context, serial, tunnelKey string) bool
}

// Server wires a Hub to HTTP handlers for both the device-facing
// registration endpoint and the client-facing proxy endpoints.
type Server struct {
	Hub  *Hub
	Auth DeviceAuthenticator

	// APITimeout is the REST proxy's base wait budget: used directly for
	// info/files/health and for an exec_batch with no commands. Exec
	// commands without their own timeout_sec fall back to a fixed 30s
	// each (see opTimeout). Mirrors the tunnel_proxy_timeout_secs config
	// default (60s).
	APITimeout time.Duration
}

// NewServer builds a relay Server around hub, authenticating device
// registrations and client bearer tokens through auth.
func NewServer(hub *Hub, auth DeviceAuthenticator) *Server {
	return &Server{Hub: hub, Auth: auth, APITimeout: 60 * time.Second}
}

type registerRequest struct {
	Type      string `json:"type"`
	Serial    string `json:"serial"`
	APIKey    string `json:"api_key"`
}

// HandleDeviceRegister serves GET /api/tunnel/register: the long-lived
// device-side WebSocket. The first frame must be tunnel.register; on
// success the socket is registered in the hub and pumped until EOF.
func (s *Server) HandleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()

	regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_, data, err := ws.Read(regCtx)
	cancel()
	if err != nil {
		return
	}

	var reg registerRequest
	if err := json.Unmarshal(data, &reg); err != nil || reg.Type != "tunnel.register" || reg.Serial == "" {
		writeRegisterError(ctx, ws, "BAD_REQUEST")
		return
	}
	if !s.Auth.Authenticate(ctx, reg.Serial, reg.APIKey) {
		writeRegisterError(ctx, ws, "FORBIDDEN")
		return
	}

	ack, _ := json.Marshal(map[string]string{"type": "tunnel.register.ack"})
	if err := ws.Write(ctx, websocket.MessageText, ack); err != nil {
		return
	}

	device := s.Hub.Register(reg.Serial)
	defer s.Hub.Unregister(reg.Serial, device)
	slog.Info("relay: device registered", "serial", reg.Serial)

	writeCtx, writeCancel := context.WithCancel(ctx)
	defer writeCancel()
	go s.deviceWriteLoop(writeCtx, ws, device)

	s.deviceReadLoop(ctx, ws, device)
	slog.Info("relay: device disconnected", "serial", reg.Serial)
}

func writeRegisterError(ctx context.Context, ws *websocket.Conn, reason string) {
	data, _ := json.Marshal(map[string]string{"type": "tunnel.register.error", "reason": reason})
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = ws.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) deviceWriteLoop(ctx context.Context, ws *websocket.Conn, d *Device) {
	for {
		select {
		case frame, ok := <-d.Outbound():
			if !ok {
				return
			}
			if err := ws.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-d.Done():
			return
		}
	}
}

type inboundEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// deviceReadLoop classifies every frame the device sends and routes it:
// pings get an immediate pong, session.stdout/stderr/system frames fan
// out to that session's subscribers, and every other tagged frame
// (*.result, session.started, *.ack, ...) routes to the single owning
// client — a pending REST oneshot if one is registered under the tagged
// id, else the WS client itself by the client_id prefix. Untagged
// frames are a device-wide lifecycle broadcast.
func (s *Server) deviceReadLoop(ctx context.Context, ws *websocket.Conn, d *Device) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		d.touch()

		var env inboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch {
		case env.Type == "tunnel.ping":
			pong, _ := json.Marshal(map[string]string{"type": "tunnel.pong"})
			d.Send(pong)
		case env.Type == "session.stdout" || env.Type == "session.stderr" || env.Type == "session.system":
			if env.SessionID != "" {
				d.Fanout(env.SessionID, data)
			}
		case env.RequestID != "" && d.DeliverResponse(env.RequestID, data):
			// routed to the waiting REST proxy goroutine
		case env.RequestID != "" && routeTaggedToClient(d, env.RequestID, data):
			// routed to the single WS client that issued the tagged request
		default:
			d.Broadcast(data)
		}
	}
}

// routeTaggedToClient extracts the client_id from a "<client_id>:<id>"
// tagged request_id and delivers frame to that client alone, restoring
// nothing here — clientWriteLoop strips the prefix before writing to the
// socket. Returns false if the id isn't tagged or names no connected
// client, so the caller can fall back to a device-wide broadcast.
func routeTaggedToClient(d *Device, taggedID string, frame []byte) bool {
	clientID, ok := clientIDFromTagged(taggedID)
	if !ok {
		return false
	}
	return d.RouteToClient(clientID, frame)
}

func clientIDFromTagged(tagged string) (string, bool) {
	idx := indexByte(tagged, ':')
	if idx < 0 {
		return "", false
	}
	return tagged[:idx], true
}
