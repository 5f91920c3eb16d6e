package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fleetshell/sctl/internal/activity"
	"github.com/fleetshell/sctl/internal/buffer"
	"github.com/fleetshell/sctl/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type execRequest struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir"`
	TimeoutSec int    `json:"timeout_sec"`
}

type execResponse struct {
	SessionID string `json:"session_id"`
	ExitCode  *int   `json:"exit_code"`
	Output    string `json:"output"`
	TimedOut  bool   `json:"timed_out"`
}

// handleExec runs a one-shot command in a new non-persistent session
// and waits up to TimeoutSec (default 30s) for it to exit.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	timeout := 30 * time.Second
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}

	entry, err := s.Manager.CreateSession(session.CreateOpts{
		ShellPath:  "/bin/sh",
		Args:       []string{"-c", req.Command},
		WorkingDir: req.WorkingDir,
		Persistent: false,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sess := entry.Session
	s.Activity.Append(activity.KindExec, activity.SourceREST, req.Command, nil, sess.ID, "")

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if status, exitCode := sess.StatusAndExitCode(); status == session.Exited {
			entries, _ := sess.Buffer.ReadSince(0)
			writeJSON(w, http.StatusOK, execResponse{
				SessionID: sess.ID,
				ExitCode:  exitCode,
				Output:    joinEntries(entries),
			})
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	entries, _ := sess.Buffer.ReadSince(0)
	writeJSON(w, http.StatusOK, execResponse{
		SessionID: sess.ID,
		Output:    joinEntries(entries),
		TimedOut:  true,
	})
}

func joinEntries(entries []buffer.Entry) string {
	var out string
	for _, e := range entries {
		out += e.Data
	}
	return out
}
