// Package mcp exposes a thin JSON-RPC 2.0 stdio server over the Session
// Manager and Activity Log, per spec.md §6's MCP adapter contract. Each
// tool is a direct call into the core; no business logic lives here.
package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fleetshell/sctl/internal/activity"
	"github.com/fleetshell/sctl/internal/session"
)

type jsonRpcRequest struct {
	Jsonrpc string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params,omitempty"`
}

type jsonRpcResponse struct {
	Jsonrpc string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Result  interface{}      `json:"result,omitempty"`
	Error   *jsonRpcError    `json:"error,omitempty"`
}

type jsonRpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

// Server binds the MCP adapter to a live Session Manager and Activity Log.
type Server struct {
	Manager  *session.Manager
	Activity *activity.Log
}

// Run reads JSON-RPC requests from r and writes responses to w until r
// reaches EOF.
func (s *Server) Run(r *bufio.Scanner, w *bufio.Writer) error {
	r.Buffer(make([]byte, 1<<20), 1<<20)
	const version = "0.1.0"

	for r.Scan() {
		line := r.Text()
		if line == "" {
			continue
		}

		var req jsonRpcRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			fmt.Fprintf(os.Stderr, "mcp: invalid JSON-RPC: %v\n", err)
			continue
		}

		resp := jsonRpcResponse{Jsonrpc: "2.0", ID: req.ID}

		switch req.Method {
		case "initialize":
			resp.Result = map[string]interface{}{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
				"serverInfo":      map[string]interface{}{"name": "sctl", "version": version},
			}
		case "tools/list":
			resp.Result = map[string]interface{}{"tools": tools()}
		case "tools/call":
			result, err := s.handleToolCall(req.Params)
			if err != nil {
				resp.Error = &jsonRpcError{Code: -32603, Message: err.Error()}
			} else {
				resp.Result = map[string]interface{}{
					"content": []map[string]interface{}{{"type": "text", "text": result}},
				}
			}
		default:
			resp.Error = &jsonRpcError{Code: -32601, Message: "method not found: " + req.Method}
		}

		out, _ := json.Marshal(resp)
		fmt.Fprintf(w, "%s\n", out)
		w.Flush()
	}
	return r.Err()
}

func tools() []tool {
	return []tool{
		{
			Name:        "exec",
			Description: "Run a one-shot command in a new session and return its output.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command":     map[string]string{"type": "string"},
					"working_dir": map[string]string{"type": "string"},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        "session_attach",
			Description: "Read buffered output from an existing session since a sequence number.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"session_id": map[string]string{"type": "string"},
					"since":      map[string]string{"type": "integer"},
				},
				"required": []string{"session_id"},
			},
		},
		{
			Name:        "session_list",
			Description: "List all active and persistent sessions.",
			InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		},
		{
			Name:        "file_read",
			Description: "Read a file's contents from the device filesystem.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"path": map[string]string{"type": "string"}},
				"required":   []string{"path"},
			},
		},
		{
			Name:        "file_write",
			Description: "Write content to a file on the device filesystem.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":    map[string]string{"type": "string"},
					"content": map[string]string{"type": "string"},
				},
				"required": []string{"path", "content"},
			},
		},
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleToolCall(params json.RawMessage) (string, error) {
	var call toolCallParams
	if err := json.Unmarshal(params, &call); err != nil {
		return "", fmt.Errorf("decoding tool call: %w", err)
	}

	switch call.Name {
	case "exec":
		return s.toolExec(call.Arguments)
	case "session_attach":
		return s.toolSessionAttach(call.Arguments)
	case "session_list":
		return s.toolSessionList()
	case "file_read":
		return toolFileRead(call.Arguments)
	case "file_write":
		return toolFileWrite(call.Arguments)
	default:
		return "", fmt.Errorf("unknown tool: %s", call.Name)
	}
}
