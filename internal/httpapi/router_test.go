package httpapi

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fleetshell/sctl/internal/activity"
	"github.com/fleetshell/sctl/internal/session"
	"github.com/fleetshell/sctl/internal/wsproto"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mgr := session.NewManager(session.Config{MaxSessions: 10, BufferSize: 1000})
	t.Cleanup(mgr.KillAll)
	act := activity.New(100)
	return &Server{
		Manager:   mgr,
		Activity:  act,
		WS:        wsproto.NewServer(mgr, act, "/bin/sh", 24, 80),
		APIKey:    "test-key",
		StartedAt: time.Now(),
	}
}

func TestHealthRequiresNoAuth(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/api/info", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProtectedRouteAcceptsBearerToken(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/api/info", nil)
	req.Header.Set("Authorization", "Bearer test-key")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestFileWriteReadDeleteRoundTrip(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)
	path := filepath.Join(t.TempDir(), "note.txt")

	writeReq := httptest.NewRequest(http.MethodPut, "/api/files?path="+path, strings.NewReader("hello world"))
	writeReq.Header.Set("Authorization", "Bearer test-key")
	writeRec := httptest.NewRecorder()
	r.ServeHTTP(writeRec, writeReq)
	if writeRec.Code != http.StatusOK {
		t.Fatalf("write: expected 200, got %d: %s", writeRec.Code, writeRec.Body.String())
	}

	readReq := httptest.NewRequest(http.MethodGet, "/api/files?path="+path, nil)
	readReq.Header.Set("Authorization", "Bearer test-key")
	readRec := httptest.NewRecorder()
	r.ServeHTTP(readRec, readReq)
	if readRec.Code != http.StatusOK || readRec.Body.String() != "hello world" {
		t.Fatalf("read: got %d %q", readRec.Code, readRec.Body.String())
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/api/files?path="+path, nil)
	delReq.Header.Set("Authorization", "Bearer test-key")
	delRec := httptest.NewRecorder()
	r.ServeHTTP(delRec, delReq)
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", delRec.Code)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err: %v", err)
	}
}
