package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fleetshell/sctl/internal/activity"
	"github.com/fleetshell/sctl/internal/session"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mgr := session.NewManager(session.Config{MaxSessions: 10, BufferSize: 1000})
	t.Cleanup(mgr.KillAll)
	return &Server{Manager: mgr, Activity: activity.New(100)}
}

func TestInitializeAndToolsList(t *testing.T) {
	s := newTestServer(t)
	in := `{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n"

	var out bytes.Buffer
	if err := s.Run(bufio.NewScanner(strings.NewReader(in)), bufio.NewWriter(&out)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 responses, got %d: %q", len(lines), out.String())
	}

	var listResp jsonRpcResponse
	if err := json.Unmarshal([]byte(lines[1]), &listResp); err != nil {
		t.Fatalf("unmarshal tools/list response: %v", err)
	}
	if listResp.Error != nil {
		t.Fatalf("unexpected error: %+v", listResp.Error)
	}
}

func TestExecToolRunsCommand(t *testing.T) {
	s := newTestServer(t)
	req := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"exec","arguments":{"command":"echo hi"}}}` + "\n"

	var out bytes.Buffer
	if err := s.Run(bufio.NewScanner(strings.NewReader(req)), bufio.NewWriter(&out)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var resp jsonRpcResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestUnknownToolReturnsError(t *testing.T) {
	s := newTestServer(t)
	req := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope","arguments":{}}}` + "\n"

	var out bytes.Buffer
	if err := s.Run(bufio.NewScanner(strings.NewReader(req)), bufio.NewWriter(&out)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var resp jsonRpcResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected error for unknown tool")
	}
}
