package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetshell/sctl/internal/buffer"
)

func chtimes(path string, t time.Time) error {
	return os.Chtimes(path, t, t)
}

func TestRoundTripRecoversEntries(t *testing.T) {
	dir := t.TempDir()
	meta := Metadata{V: MetaVersion, PID: 1234, Shell: "/bin/sh", WorkingDir: "/tmp", Persistent: true, PTY: false, Created: time.Now().UnixMilli()}

	w, err := Create(dir, "sess-1", meta)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	b := buffer.New(1000)
	b.SetSink(w)
	for i := 0; i < 25; i++ {
		b.Push(buffer.Stdout, "line")
	}
	b.Push(buffer.System, "Process exited with code 7")
	w.Close()

	recovered, err := RecoverAll(dir, 1000*time.Hour)
	if err != nil {
		t.Fatalf("RecoverAll: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("want 1 recovered session, got %d", len(recovered))
	}
	r := recovered[0]
	if r.SessionID != "sess-1" {
		t.Fatalf("want sess-1, got %s", r.SessionID)
	}
	if len(r.Entries) != 26 {
		t.Fatalf("want 26 entries, got %d", len(r.Entries))
	}
	if r.ExitCode == nil || *r.ExitCode != 7 {
		t.Fatalf("want exit code 7, got %v", r.ExitCode)
	}

	want, _ := b.ReadSince(0)
	for i := range want {
		if want[i] != r.Entries[i] {
			t.Fatalf("entry %d mismatch: %+v != %+v", i, want[i], r.Entries[i])
		}
	}
}

func TestRecoverAllDeletesExpiredJournals(t *testing.T) {
	dir := t.TempDir()
	meta := Metadata{V: MetaVersion, PID: 1, Shell: "/bin/sh", WorkingDir: "/", Created: time.Now().UnixMilli()}
	w, err := Create(dir, "old-sess", meta)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w.Close()

	old := time.Now().Add(-48 * time.Hour)
	path := filepath.Join(dir, "old-sess.jsonl")
	if err := chtimes(path, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	recovered, err := RecoverAll(dir, time.Hour)
	if err != nil {
		t.Fatalf("RecoverAll: %v", err)
	}
	if len(recovered) != 0 {
		t.Fatalf("want expired journal pruned, got %d recovered", len(recovered))
	}
}
