package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fleetshell/sctl/internal/session"
)

func (s *Server) toolExec(args json.RawMessage) (string, error) {
	var req struct {
		Command    string `json:"command"`
		WorkingDir string `json:"working_dir"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return "", fmt.Errorf("decoding exec args: %w", err)
	}
	if req.Command == "" {
		return "", fmt.Errorf("command is required")
	}

	entry, err := s.Manager.CreateSession(session.CreateOpts{
		ShellPath:  "/bin/sh",
		Args:       []string{"-c", req.Command},
		WorkingDir: req.WorkingDir,
		Persistent: false,
	})
	if err != nil {
		return "", fmt.Errorf("launching session: %w", err)
	}
	sess := entry.Session

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		entries, _ := sess.Buffer.ReadSince(0)
		status, exitCode := sess.StatusAndExitCode()
		if status == session.Exited {
			var out string
			for _, e := range entries {
				out += e.Data
			}
			code := -1
			if exitCode != nil {
				code = *exitCode
			}
			return fmt.Sprintf("exit_code=%d\n%s", code, out), nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	entries, _ := sess.Buffer.ReadSince(0)
	var out string
	for _, e := range entries {
		out += e.Data
	}
	return fmt.Sprintf("(still running, session_id=%s)\n%s", sess.ID, out), nil
}

func (s *Server) toolSessionAttach(args json.RawMessage) (string, error) {
	var req struct {
		SessionID string `json:"session_id"`
		Since     uint64 `json:"since"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return "", fmt.Errorf("decoding session_attach args: %w", err)
	}

	buf, err := s.Manager.Attach(req.SessionID)
	if err != nil {
		return "", fmt.Errorf("session not found: %s", req.SessionID)
	}

	entries, dropped := buf.ReadSince(req.Since)
	data, err := json.Marshal(map[string]interface{}{"entries": entries, "dropped": dropped})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Server) toolSessionList() (string, error) {
	data, err := json.Marshal(s.Manager.List())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func toolFileRead(args json.RawMessage) (string, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return "", fmt.Errorf("decoding file_read args: %w", err)
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", req.Path, err)
	}
	return string(data), nil
}

func toolFileWrite(args json.RawMessage) (string, error) {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return "", fmt.Errorf("decoding file_write args: %w", err)
	}
	if err := os.WriteFile(req.Path, []byte(req.Content), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", req.Path, err)
	}
	return "ok", nil
}
