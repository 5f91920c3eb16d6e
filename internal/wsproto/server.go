package wsproto

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fleetshell/sctl/internal/activity"
	"github.com/fleetshell/sctl/internal/buffer"
	"github.com/fleetshell/sctl/internal/session"
)

// Server dispatches WS Session Protocol messages against a shared
// session.Manager and activity.Log, and publishes lifecycle events to a
// Broadcaster that every connection's event loop also drains.
type Server struct {
	Manager     *session.Manager
	Activity    *activity.Log
	Broadcaster *Broadcaster

	DefaultShell string
	DefaultRows  uint16
	DefaultCols  uint16
}

// NewServer constructs a Server with the given collaborators.
func NewServer(mgr *session.Manager, act *activity.Log, shell string, rows, cols uint16) *Server {
	return &Server{
		Manager:      mgr,
		Activity:     act,
		Broadcaster:  NewBroadcaster(),
		DefaultShell: shell,
		DefaultRows:  rows,
		DefaultCols:  cols,
	}
}

// conn holds per-connection state for one event loop run.
type conn struct {
	srv *Server
	t   Transport

	mu      sync.Mutex
	created map[string]bool // sessions created by this connection

	subsMu sync.Mutex
	subCancel map[string]context.CancelFunc
}

// Serve runs one connection's event loop until the transport closes or
// ctx is cancelled. It concurrently selects over incoming frames and the
// broadcast channel, forwarding broadcast events to the client.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	c := &conn{
		srv:       s,
		t:         t,
		created:   make(map[string]bool),
		subCancel: make(map[string]context.CancelFunc),
	}
	defer c.onDisconnect()

	subID, bch := s.Broadcaster.Subscribe(256)
	defer s.Broadcaster.Unsubscribe(subID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := t.ReadText(ctx)
			if err != nil {
				readErr <- err
				return
			}
			if data == nil {
				readErr <- nil
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case evt := <-bch:
			c.send(ctx, evt)
		case raw := <-frames:
			c.handle(ctx, raw)
		}
	}
}

func (c *conn) send(ctx context.Context, r Response) {
	data, err := json.Marshal(r)
	if err != nil {
		slog.Error("wsproto: failed to marshal response", "err", err)
		return
	}
	if err := c.t.WriteText(ctx, data); err != nil {
		slog.Warn("wsproto: write failed", "err", err)
	}
}

func (c *conn) sendError(ctx context.Context, code, sessionID, message, requestID string) {
	data, _ := json.Marshal(ErrorFrame{Type: "error", Code: code, SessionID: sessionID, Message: message, RequestID: requestID})
	_ = c.t.WriteText(ctx, data)
}

func (c *conn) handle(ctx context.Context, raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError(ctx, ErrInvalidJSON, "", err.Error(), "")
		return
	}

	switch req.Type {
	case "ping":
		c.send(ctx, Response{Type: "pong", RequestID: req.RequestID})

	case "session.start":
		c.handleStart(ctx, req)

	case "session.exec":
		c.handleExec(ctx, req)

	case "session.stdin":
		c.handleStdin(ctx, req)

	case "session.kill":
		c.handleKill(ctx, req)

	case "session.signal":
		c.handleSignal(ctx, req)

	case "session.attach":
		c.handleAttach(ctx, req)

	case "session.detach":
		_ = c.srv.Manager.Detach(req.SessionID)

	case "session.list":
		c.handleList(ctx, req)

	case "session.resize":
		c.handleResize(ctx, req)

	case "session.rename":
		c.handleRename(ctx, req)

	case "session.allow_ai":
		c.handleAllowAI(ctx, req)

	case "session.ai_status":
		c.handleAIStatus(ctx, req)

	case "shell.list":
		c.send(ctx, Response{Type: "shell.listed", RequestID: req.RequestID, Shells: availableShells()})

	default:
		c.sendError(ctx, ErrUnknownType, "", "unknown message type: "+req.Type, req.RequestID)
	}
}

func (c *conn) handleStart(ctx context.Context, req Request) {
	shellPath := req.Shell
	if shellPath == "" {
		shellPath = c.srv.DefaultShell
	}
	wd := req.WorkingDir
	if wd == "" {
		wd = "."
	}
	usePTY := req.PTY == nil || *req.PTY
	rows, cols := c.srv.DefaultRows, c.srv.DefaultCols
	if req.Rows != nil {
		rows = *req.Rows
	}
	if req.Cols != nil {
		cols = *req.Cols
	}
	idleTimeout := time.Duration(0)
	if req.IdleTimeout != nil {
		idleTimeout = time.Duration(*req.IdleTimeout) * time.Second
	}
	persistent := req.Persistent != nil && *req.Persistent
	userAllowsAI := req.UserAllowsAI != nil && *req.UserAllowsAI

	e, err := c.srv.Manager.CreateSession(session.CreateOpts{
		ShellPath:    shellPath,
		WorkingDir:   wd,
		Env:          session.BuildEnv(req.Env),
		Persistent:   persistent,
		PTY:          usePTY,
		Rows:         rows,
		Cols:         cols,
		IdleTimeout:  idleTimeout,
		Name:         req.Name,
		UserAllowsAI: userAllowsAI,
	})
	if err == session.ErrSessionLimit {
		c.sendError(ctx, ErrSessionLimit, "", "session limit reached", req.RequestID)
		return
	}
	if err != nil {
		c.sendError(ctx, ErrSessionError, "", err.Error(), req.RequestID)
		return
	}

	c.mu.Lock()
	c.created[e.Session.ID] = true
	c.mu.Unlock()

	c.srv.Activity.Append(activity.KindSessionCreated, activity.SourceWS, "session started: "+shellPath, nil, e.Session.ID, req.RequestID)

	c.send(ctx, Response{
		Type:         "session.started",
		RequestID:    req.RequestID,
		SessionID:    e.Session.ID,
		PID:          e.Session.PID,
		PTY:          e.Session.PTY,
		Persistent:   persistent,
		UserAllowsAI: userAllowsAI,
		CreatedAt:    e.CreatedAt.Format(time.RFC3339),
	})
	c.srv.Broadcaster.Publish(Response{Type: "session.created", SessionID: e.Session.ID})

	c.startSubscriber(e.Session.ID, 0)
}

func (c *conn) handleExec(ctx context.Context, req Request) {
	if !ptySessionExists(c.srv.Manager, req.SessionID) {
		c.sendError(ctx, ErrSessionNotFound, req.SessionID, "session not found", req.RequestID)
		return
	}
	line := req.Command
	if ptySession(c.srv.Manager, req.SessionID) {
		line += "\r"
	} else {
		line += "\n"
	}
	if err := c.srv.Manager.WriteStdin(req.SessionID, []byte(line)); err != nil {
		c.sendError(ctx, ErrSessionError, req.SessionID, err.Error(), req.RequestID)
		return
	}
	c.srv.Activity.Append(activity.KindExec, activity.SourceWS, req.Command, nil, req.SessionID, req.RequestID)
	c.send(ctx, Response{Type: "session.exec.ack", RequestID: req.RequestID, SessionID: req.SessionID})
}

func (c *conn) handleStdin(ctx context.Context, req Request) {
	data := req.Data
	if ptySession(c.srv.Manager, req.SessionID) {
		data = strings.ReplaceAll(data, "\n", "\r")
	}
	if err := c.srv.Manager.WriteStdin(req.SessionID, []byte(data)); err != nil {
		c.sendError(ctx, ErrSessionError, req.SessionID, err.Error(), req.RequestID)
	}
}

func (c *conn) handleKill(ctx context.Context, req Request) {
	if err := c.srv.Manager.KillSession(req.SessionID); err != nil {
		c.sendError(ctx, ErrSessionNotFound, req.SessionID, "session not found", req.RequestID)
		return
	}
	c.send(ctx, Response{Type: "session.closed", RequestID: req.RequestID, SessionID: req.SessionID, Reason: "killed"})
	c.srv.Broadcaster.Publish(Response{Type: "session.destroyed", SessionID: req.SessionID, Reason: "killed"})
}

func (c *conn) handleSignal(ctx context.Context, req Request) {
	if req.Signal == nil {
		c.sendError(ctx, ErrMissingField, req.SessionID, "signal is required", req.RequestID)
		return
	}
	if err := c.srv.Manager.SendSignal(req.SessionID, *req.Signal); err != nil {
		c.sendError(ctx, ErrSessionError, req.SessionID, err.Error(), req.RequestID)
		return
	}
	c.send(ctx, Response{Type: "session.signal.ack", RequestID: req.RequestID, SessionID: req.SessionID})
}

func (c *conn) handleAttach(ctx context.Context, req Request) {
	buf, err := c.srv.Manager.Attach(req.SessionID)
	if err != nil {
		c.sendError(ctx, ErrSessionNotFound, req.SessionID, "session not found", req.RequestID)
		return
	}
	since := uint64(0)
	if req.Since != nil {
		since = *req.Since
	}
	entries, dropped := buf.ReadSince(since)
	c.send(ctx, Response{
		Type:      "session.attached",
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Entries:   wireEntries(entries),
		Dropped:   dropped,
	})
	c.startSubscriber(req.SessionID, buf.LastSeq())
}

func (c *conn) handleList(ctx context.Context, req Request) {
	infos := c.srv.Manager.List()
	summaries := make([]SessionSummary, 0, len(infos))
	for _, info := range infos {
		summaries = append(summaries, SessionSummary{
			ID: info.ID, Name: info.Name, PID: info.PID, PTY: info.PTY,
			Persistent: info.Persistent, Attached: info.Attached, Idle: info.Idle,
			IdleTimeout: int64(info.IdleTimeout / time.Second), Status: info.Status,
			ExitCode: info.ExitCode, CreatedAt: info.CreatedAt.Format(time.RFC3339),
			UserAllowsAI: info.UserAllowsAI, AIWorking: info.AIWorking,
			AIActivity: info.AIActivity, AIMessage: info.AIMessage,
		})
	}
	c.send(ctx, Response{Type: "session.listed", RequestID: req.RequestID, Sessions: summaries})
}

func (c *conn) handleResize(ctx context.Context, req Request) {
	if req.Rows == nil || req.Cols == nil {
		c.sendError(ctx, ErrMissingField, req.SessionID, "rows and cols are required", req.RequestID)
		return
	}
	if err := c.srv.Manager.Resize(req.SessionID, *req.Rows, *req.Cols); err != nil {
		c.sendError(ctx, ErrSessionError, req.SessionID, err.Error(), req.RequestID)
		return
	}
	c.send(ctx, Response{Type: "session.resize.ack", RequestID: req.RequestID, SessionID: req.SessionID})
}

func (c *conn) handleRename(ctx context.Context, req Request) {
	if err := c.srv.Manager.Rename(req.SessionID, req.Name); err != nil {
		c.sendError(ctx, ErrSessionError, req.SessionID, err.Error(), req.RequestID)
		return
	}
	c.send(ctx, Response{Type: "session.rename.ack", RequestID: req.RequestID, SessionID: req.SessionID})
	c.srv.Broadcaster.Publish(Response{Type: "session.renamed", SessionID: req.SessionID, Data: req.Name})
}

func (c *conn) handleAllowAI(ctx context.Context, req Request) {
	if req.Allowed == nil {
		c.sendError(ctx, ErrMissingField, req.SessionID, "allowed is required", req.RequestID)
		return
	}
	cleared, err := c.srv.Manager.SetUserAllowsAI(req.SessionID, *req.Allowed)
	if err != nil {
		c.sendError(ctx, ErrSessionNotFound, req.SessionID, "session not found", req.RequestID)
		return
	}
	c.send(ctx, Response{Type: "session.allow_ai.ack", RequestID: req.RequestID, SessionID: req.SessionID})
	c.srv.Broadcaster.Publish(Response{Type: "session.ai_permission_changed", SessionID: req.SessionID})
	if cleared {
		c.srv.Broadcaster.Publish(Response{Type: "session.ai_status_changed", SessionID: req.SessionID})
	}
}

func (c *conn) handleAIStatus(ctx context.Context, req Request) {
	if req.Working == nil {
		c.sendError(ctx, ErrMissingField, req.SessionID, "working is required", req.RequestID)
		return
	}
	err := c.srv.Manager.SetAIStatus(req.SessionID, *req.Working, req.Activity, req.Message)
	if err == session.ErrAINotAllowed {
		c.sendError(ctx, ErrAINotAllowed, req.SessionID, "AI control not permitted for this session", req.RequestID)
		return
	}
	if err != nil {
		c.sendError(ctx, ErrSessionNotFound, req.SessionID, "session not found", req.RequestID)
		return
	}
	c.send(ctx, Response{Type: "session.ai_status.ack", RequestID: req.RequestID, SessionID: req.SessionID})
	c.srv.Broadcaster.Publish(Response{Type: "session.ai_status_changed", SessionID: req.SessionID})
}

// startSubscriber spawns a per-session output-streaming task cursored at
// from. It loops: if the buffer has entries since the cursor, read and
// send them and advance the cursor; otherwise wait on the notifier. It
// exits when ctx is cancelled (connection closing) or the send fails.
func (c *conn) startSubscriber(sessionID string, from uint64) {
	buf, err := c.srv.Manager.Attach(sessionID)
	if err != nil {
		return
	}

	subCtx, cancel := context.WithCancel(context.Background())
	c.subsMu.Lock()
	if old, ok := c.subCancel[sessionID]; ok {
		old()
	}
	c.subCancel[sessionID] = cancel
	c.subsMu.Unlock()

	go func() {
		cursor := from
		for {
			select {
			case <-subCtx.Done():
				return
			default:
			}
			// Grab the notifier channel before checking for entries: a
			// Push landing between the check and the grab would close a
			// channel we never waited on, stranding us until the next
			// push. Grabbing first means a concurrent push always leaves
			// us holding an already-closed channel.
			notify := buf.Notifier()
			if buf.HasEntriesSince(cursor) {
				entries, _ := buf.ReadSince(cursor)
				for _, e := range entries {
					r := Response{
						Type:      "session." + e.Stream.String(),
						SessionID: sessionID,
						Data:      e.Data,
						Seq:       e.Seq,
						Timestamp: e.Timestamp,
					}
					if err := c.t.WriteText(subCtx, marshalOrNil(r)); err != nil {
						return
					}
					cursor = e.Seq
				}
				continue
			}
			select {
			case <-notify:
			case <-subCtx.Done():
				return
			}
		}
	}()
}

func marshalOrNil(r Response) []byte {
	data, _ := json.Marshal(r)
	return data
}

func wireEntries(entries []buffer.Entry) []OutputEntry {
	out := make([]OutputEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, OutputEntry{Seq: e.Seq, Stream: e.Stream.String(), Data: e.Data, Timestamp: e.Timestamp})
	}
	return out
}

func ptySession(mgr *session.Manager, id string) bool {
	pty, _ := lookupSession(mgr, id)
	return pty
}

func ptySessionExists(mgr *session.Manager, id string) bool {
	_, exists := lookupSession(mgr, id)
	return exists
}

func lookupSession(mgr *session.Manager, id string) (pty bool, exists bool) {
	for _, info := range mgr.List() {
		if info.ID == id {
			return info.PTY, true
		}
	}
	return false, false
}

// availableShells probes a short, fixed candidate list for executables
// present on this host.
func availableShells() []string {
	candidates := []string{"/bin/bash", "/bin/sh", "/bin/zsh", "/bin/dash", "/usr/bin/fish"}
	var out []string
	for _, c := range candidates {
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
			out = append(out, c)
		}
	}
	return out
}

// onDisconnect implements the disconnect policy: persistent sessions
// created by this connection are detached (buffer keeps filling); others
// are killed.
func (c *conn) onDisconnect() {
	c.subsMu.Lock()
	for _, cancel := range c.subCancel {
		cancel()
	}
	c.subsMu.Unlock()

	c.mu.Lock()
	ids := make([]string, 0, len(c.created))
	for id := range c.created {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		infos := c.srv.Manager.List()
		persistent := false
		for _, info := range infos {
			if info.ID == id {
				persistent = info.Persistent
			}
		}
		if persistent {
			_ = c.srv.Manager.Detach(id)
		} else {
			_ = c.srv.Manager.KillSession(id)
		}
	}
}
