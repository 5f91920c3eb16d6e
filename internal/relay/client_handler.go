package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ClientAuthenticator validates a client's bearer token or WS query
// token against the serial's configured API key, in constant time.
type ClientAuthenticator interface {
	CheckClientToken(ctx context.Context, serial, token string) bool
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Routes registers the client-facing endpoints on r: a WS proxy at
// /d/{serial}/api/ws and a generic REST proxy at /d/{serial}/api/*.
func (s *Server) Routes(r chi.Router, clientAuth ClientAuthenticator) {
	r.Get("/d/{serial}/api/ws", s.handleClientWS(clientAuth))
	r.HandleFunc("/d/{serial}/api/*", s.handleClientREST(clientAuth))
}

// handleClientWS proxies a client WebSocket onto the device's tunnel,
// rewriting request_id as "<client_id>:<original_id>" on the way out and
// stripping the prefix on the way back so the client never sees it.
func (s *Server) handleClientWS(auth ClientAuthenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serial := chi.URLParam(r, "serial")
		token := r.URL.Query().Get("token")
		if !auth.CheckClientToken(r.Context(), serial, token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		device, ok := s.Hub.Get(serial)
		if !ok {
			http.Error(w, "device not connected", http.StatusServiceUnavailable)
			return
		}

		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()

		ctx := r.Context()
		clientID := uuid.NewString()
		sink := make(chan []byte, 128)
		subscribed := map[string]bool{}

		device.RegisterClient(clientID, sink)
		defer device.UnregisterClient(clientID)

		go clientWriteLoop(ctx, ws, sink)

		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				break
			}

			var env struct {
				Type      string `json:"type"`
				RequestID string `json:"request_id,omitempty"`
				SessionID string `json:"session_id,omitempty"`
			}
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}

			if env.Type == "session.attach" && env.SessionID != "" && !subscribed[env.SessionID] {
				device.Subscribe(env.SessionID, clientID, sink)
				subscribed[env.SessionID] = true
				defer device.Unsubscribe(env.SessionID, clientID)
			}

			tagged := clientID + ":" + env.RequestID
			rewritten, _ := json.Marshal(rewriteRequestID(data, tagged))
			device.Send(rewritten)
		}

		for sessionID := range subscribed {
			device.Unsubscribe(sessionID, clientID)
		}
	}
}

func clientWriteLoop(ctx context.Context, ws *websocket.Conn, sink <-chan []byte) {
	for {
		select {
		case frame, ok := <-sink:
			if !ok {
				return
			}
			untagged := stripRequestIDPrefix(frame)
			if err := ws.Write(ctx, websocket.MessageText, untagged); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleClientREST proxies a one-shot REST call as a tunnel.<op> frame
// and waits (with a per-op timeout) for the tagged *.result response.
func (s *Server) handleClientREST(auth ClientAuthenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serial := chi.URLParam(r, "serial")
		bearer := bearerToken(r.Header.Get("Authorization"))
		if !auth.CheckClientToken(r.Context(), serial, bearer) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		device, ok := s.Hub.Get(serial)
		if !ok {
			http.Error(w, "device not connected", http.StatusServiceUnavailable)
			return
		}

		op := chi.URLParam(r, "*")
		body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))

		clientID := uuid.NewString()
		requestID := uuid.NewString()
		tagged := clientID + ":" + requestID

		frame := map[string]any{
			"type":       "tunnel." + op,
			"request_id": tagged,
		}
		if len(body) > 0 {
			var payload map[string]any
			if err := json.Unmarshal(body, &payload); err == nil {
				frame["payload"] = payload
			}
		}
		data, _ := json.Marshal(frame)

		waiter := device.AwaitResponse(tagged)
		device.Send(data)

		timeout := s.opTimeout(op, body)

		select {
		case resp := <-waiter:
			writeResultEnvelope(w, stripRequestIDPrefix(resp))
		case <-time.After(timeout):
			device.CancelResponse(tagged)
			http.Error(w, "device timed out", http.StatusGatewayTimeout)
		case <-r.Context().Done():
			device.CancelResponse(tagged)
		}
	}
}

// resultEnvelope mirrors the {type,request_id,status,body} shape emitted
// by the tunnel client and node op handler.
type resultEnvelope struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// writeResultEnvelope translates a device's {status,body} result frame
// into the real HTTP reply the spec requires, falling back to a plain
// 200 with the raw frame if it doesn't parse as an envelope.
func writeResultEnvelope(w http.ResponseWriter, frame []byte) {
	var env resultEnvelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Status == 0 {
		w.Header().Set("Content-Type", "application/json")
		w.Write(frame)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.Status)
	if len(env.Body) > 0 {
		w.Write(env.Body)
	}
}

// opTimeout derives the REST proxy's wait budget for op from the
// server's base timeout (the tunnel_proxy_timeout_secs default, used
// directly for info/files/health) and, for exec/exec_batch, the
// command timeout(s) carried in the request body plus a 5s margin per
// command.
func (s *Server) opTimeout(op string, body []byte) time.Duration {
	base := s.APITimeout
	if base == 0 {
		base = 60 * time.Second
	}

	switch op {
	case "exec":
		var req struct {
			TimeoutSec int `json:"timeout_sec"`
		}
		_ = json.Unmarshal(body, &req)
		cmdTimeout := 30 * time.Second
		if req.TimeoutSec > 0 {
			cmdTimeout = time.Duration(req.TimeoutSec) * time.Second
		}
		return cmdTimeout + 5*time.Second
	case "exec_batch":
		var req struct {
			Commands []struct {
				TimeoutSec int `json:"timeout_sec"`
			} `json:"commands"`
		}
		_ = json.Unmarshal(body, &req)
		if len(req.Commands) == 0 {
			return base
		}
		var total time.Duration
		for _, cmd := range req.Commands {
			cmdTimeout := 30 * time.Second
			if cmd.TimeoutSec > 0 {
				cmdTimeout = time.Duration(cmd.TimeoutSec) * time.Second
			}
			total += cmdTimeout + 5*time.Second
		}
		return total
	default:
		return base
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func rewriteRequestID(data []byte, newID string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"request_id": newID}
	}
	m["request_id"] = newID
	return m
}

func stripRequestIDPrefix(data []byte) []byte {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return data
	}
	if id, ok := m["request_id"].(string); ok {
		if idx := indexByte(id, ':'); idx >= 0 {
			m["request_id"] = id[idx+1:]
		}
	}
	out, err := json.Marshal(m)
	if err != nil {
		return data
	}
	return out
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
