package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fleetshell/sctl/internal/activity"
	"github.com/fleetshell/sctl/internal/buffer"
	"github.com/fleetshell/sctl/internal/protocol"
	"github.com/fleetshell/sctl/internal/session"
	"github.com/fleetshell/sctl/internal/tunnel"
)

// opHandler implements tunnel.OpHandler, dispatching tunnel.<op>
// requests arriving over the Tunnel Client to the same collaborators
// that back the local HTTP API: exec, file.*, playbooks.*, xfer.*,
// gps, info, health.
type opHandler struct {
	n *Node
}

func newOpHandler(n *Node) tunnel.OpHandler {
	return &opHandler{n: n}
}

func (h *opHandler) Handle(ctx context.Context, op string, payload []byte) (any, error) {
	switch op {
	case "exec":
		body, err := h.exec(payload)
		return wrap(http.StatusInternalServerError, body, err)
	case "exec_batch":
		body, err := h.execBatch(payload)
		return wrap(http.StatusInternalServerError, body, err)
	case "file.read":
		body, err := h.fileRead(payload)
		return wrap(http.StatusNotFound, body, err)
	case "file.write":
		body, err := h.fileWrite(payload)
		return wrap(http.StatusInternalServerError, body, err)
	case "file.delete":
		body, err := h.fileDelete(payload)
		return wrap(http.StatusInternalServerError, body, err)
	case "playbooks.list":
		return tunnel.OpResult{Status: http.StatusOK, Body: h.n.Playbook.List()}, nil
	case "playbooks.get":
		body, err := h.playbookGet(payload)
		return wrap(http.StatusNotFound, body, err)
	case "playbooks.put":
		body, err := h.playbookPut(payload)
		return wrap(http.StatusInternalServerError, body, err)
	case "playbooks.delete":
		body, err := h.playbookDelete(payload)
		return wrap(http.StatusInternalServerError, body, err)
	case "gps":
		return tunnel.OpResult{Status: http.StatusOK, Body: h.n.Modem.LastFix()}, nil
	case "health":
		return tunnel.OpResult{Status: http.StatusOK, Body: h.health()}, nil
	case "info":
		return tunnel.OpResult{Status: http.StatusOK, Body: map[string]any{"sessions": h.n.Manager.List()}}, nil
	case "xfer.read_chunk":
		body, err := h.xferReadChunk(payload)
		return wrap(http.StatusInternalServerError, body, err)
	case "xfer.write_chunk":
		body, err := h.xferWriteChunk(payload)
		return wrap(http.StatusInternalServerError, body, err)
	default:
		return tunnel.OpResult{Status: http.StatusBadRequest, Body: map[string]string{"error": "unsupported tunnel operation: " + op}}, nil
	}
}

// wrap builds the {status, body} result envelope: 200 with body on
// success, errStatus with an {"error": ...} body otherwise.
func wrap(errStatus int, body any, err error) (tunnel.OpResult, error) {
	if err != nil {
		return tunnel.OpResult{Status: errStatus, Body: map[string]string{"error": err.Error()}}, nil
	}
	return tunnel.OpResult{Status: http.StatusOK, Body: body}, nil
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

func (h *opHandler) exec(payload []byte) (execResponse, error) {
	var req execRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return execResponse{}, fmt.Errorf("decoding exec payload: %w", err)
	}
	return h.runExec(req)
}

func (h *opHandler) runExec(req execRequest) (execResponse, error) {
	if req.Command == "" {
		return execResponse{}, fmt.Errorf("command is required")
	}
	timeout := 30 * time.Second
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}

	entry, err := h.n.Manager.CreateSession(session.CreateOpts{
		ShellPath:  h.n.Config.Shell.DefaultShell,
		Args:       []string{"-c", req.Command},
		WorkingDir: req.WorkingDir,
		Persistent: false,
	})
	if err != nil {
		return execResponse{}, err
	}
	sess := entry.Session
	h.n.Activity.Append(activity.KindExec, activity.SourceTunnel, req.Command, nil, sess.ID, "")

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if status, exitCode := sess.StatusAndExitCode(); status == session.Exited {
			entries, _ := sess.Buffer.ReadSince(0)
			return execResponse{SessionID: sess.ID, ExitCode: exitCode, Output: joinEntries(entries)}, nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	entries, _ := sess.Buffer.ReadSince(0)
	return execResponse{SessionID: sess.ID, Output: joinEntries(entries), TimedOut: true}, nil
}

// execBatch runs N commands, each with its own timeout, and returns one
// result per command in order. The relay's proxy timeout for this op is
// the sum of the per-command timeouts plus 5s per command.
func (h *opHandler) execBatch(payload []byte) ([]execResponse, error) {
	var req struct {
		Commands []execRequest `json:"commands"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding exec_batch payload: %w", err)
	}

	results := make([]execResponse, len(req.Commands))
	for i, cmd := range req.Commands {
		res, err := h.runExec(cmd)
		if err != nil {
			res = execResponse{Output: err.Error()}
		}
		results[i] = res
	}
	return results, nil
}

func joinEntries(entries []buffer.Entry) string {
	var out string
	for _, e := range entries {
		out += e.Data
	}
	return out
}

type fileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (h *opHandler) fileRead(payload []byte) (string, error) {
	var req fileRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", fmt.Errorf("decoding file.read payload: %w", err)
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return "", err
	}
	h.n.Activity.Append(activity.KindFileRead, activity.SourceTunnel, req.Path, nil, "", "")
	return string(data), nil
}

func (h *opHandler) fileWrite(payload []byte) (map[string]string, error) {
	var req fileRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding file.write payload: %w", err)
	}
	if err := os.WriteFile(req.Path, []byte(req.Content), 0o644); err != nil {
		return nil, err
	}
	h.n.Activity.Append(activity.KindFileWrite, activity.SourceTunnel, req.Path, nil, "", "")
	return map[string]string{"status": "ok"}, nil
}

func (h *opHandler) fileDelete(payload []byte) (map[string]string, error) {
	var req fileRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding file.delete payload: %w", err)
	}
	if err := os.Remove(req.Path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	h.n.Activity.Append(activity.KindFileDelete, activity.SourceTunnel, req.Path, nil, "", "")
	return map[string]string{"status": "ok"}, nil
}

type playbookRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Params      []string `json:"params"`
	Body        string   `json:"body"`
}

func (h *opHandler) playbookGet(payload []byte) (any, error) {
	var req playbookRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding playbooks.get payload: %w", err)
	}
	pb, ok := h.n.Playbook.Get(req.Name)
	if !ok {
		return nil, fmt.Errorf("playbook not found: %s", req.Name)
	}
	return pb, nil
}

func (h *opHandler) playbookPut(payload []byte) (map[string]string, error) {
	var req playbookRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding playbooks.put payload: %w", err)
	}
	if err := h.n.Playbook.Put(req.Name, req.Description, req.Params, req.Body); err != nil {
		return nil, err
	}
	h.n.Activity.Append(activity.KindPlaybookRun, activity.SourceTunnel, "put "+req.Name, nil, "", "")
	return map[string]string{"status": "ok"}, nil
}

func (h *opHandler) playbookDelete(payload []byte) (map[string]string, error) {
	var req playbookRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding playbooks.delete payload: %w", err)
	}
	if err := h.n.Playbook.Delete(req.Name); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok"}, nil
}

func (h *opHandler) health() map[string]any {
	fix := h.n.Modem.LastFix()
	sig := h.n.Modem.LastSignal()
	return map[string]any{
		"sessions":    len(h.n.Manager.List()),
		"gps_valid":   fix.Valid,
		"signal_rssi": sig.RSSI,
		"tunnel_state": h.n.Tunnel.State().String(),
	}
}

type xferChunkRequest struct {
	TransferID string `json:"transfer_id"`
	Path       string `json:"path"`
	ChunkSize  int    `json:"chunk_size"`
}

func (h *opHandler) xferReadChunk(payload []byte) (*protocol.ChunkFrame, error) {
	var req xferChunkRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding xfer.read_chunk payload: %w", err)
	}
	t, ok := h.n.Transfer.Get(req.TransferID)
	if !ok {
		var err error
		t, err = h.n.Transfer.StartRead(req.TransferID, req.Path)
		if err != nil {
			return nil, err
		}
	}
	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	frame, _, err := t.NextReadChunk(chunkSize)
	return frame, err
}

func (h *opHandler) xferWriteChunk(payload []byte) (map[string]string, error) {
	var frame protocol.ChunkFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("decoding xfer.write_chunk payload: %w", err)
	}
	t, ok := h.n.Transfer.Get(frame.Header.TransferID)
	if !ok {
		var err error
		t, err = h.n.Transfer.StartWrite(frame.Header.TransferID, frame.Header.TransferID)
		if err != nil {
			return nil, err
		}
	}
	if err := t.WriteChunk(&frame); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok"}, nil
}
