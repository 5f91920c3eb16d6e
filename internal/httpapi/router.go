// Package httpapi exposes the local HTTP surface: the WS Session
// Protocol upgrade endpoint plus REST equivalents for one-shot exec,
// file access, device info, health, and activity listing. Every route
// except /api/health requires a bearer (or query-string, for the WS
// upgrade) token checked against the configured API key.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"nhooyr.io/websocket"

	"github.com/fleetshell/sctl/internal/activity"
	"github.com/fleetshell/sctl/internal/session"
	"github.com/fleetshell/sctl/internal/wsproto"
)

// Server binds the local HTTP API to a live Session Manager, Activity
// Log, and WS dispatcher.
type Server struct {
	Manager  *session.Manager
	Activity *activity.Log
	WS       *wsproto.Server
	APIKey   string

	StartedAt time.Time
}

// NewRouter builds the chi.Router for the local HTTP API.
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Post("/api/exec", s.handleExec)
		r.Get("/api/info", s.handleInfo)
		r.Get("/api/activity", s.handleActivity)
		r.Get("/api/files", s.handleFileRead)
		r.Put("/api/files", s.handleFileWrite)
		r.Delete("/api/files", s.handleFileDelete)
	})

	return r
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if !wsproto.CheckToken(token, s.APIKey) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// handleWS upgrades to the WS Session Protocol. The token arrives as a
// query parameter since browsers can't set Authorization headers on the
// WebSocket handshake.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if !wsproto.CheckToken(token, s.APIKey) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	transport := wsproto.NewWebSocketTransport(conn)
	s.WS.Serve(r.Context(), transport)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime_sec": int(time.Since(s.StartedAt).Seconds()),
		"sessions":   len(s.Manager.List()),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":   s.Manager.List(),
		"uptime_sec": int(time.Since(s.StartedAt).Seconds()),
	})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	f := activity.Filter{
		Kind:      activity.Kind(r.URL.Query().Get("kind")),
		Source:    activity.Source(r.URL.Query().Get("source")),
		SessionID: r.URL.Query().Get("session_id"),
	}
	writeJSON(w, http.StatusOK, s.Activity.List(f))
}
