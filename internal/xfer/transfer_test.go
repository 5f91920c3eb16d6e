package xfer

import (
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetshell/sctl/internal/protocol"
)

func protocolFrame(id string, offset int64, payload []byte) protocol.ChunkFrame {
	return protocol.ChunkFrame{
		Header: protocol.ChunkHeader{
			TransferID: id,
			Op:         string(OpWrite),
			Offset:     offset,
			Checksum:   crc32.ChecksumIEEE(payload),
		},
		Payload: payload,
	}
}

func TestReadTransferChunksWholeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.txt")
	content := []byte("0123456789abcdef")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	mgr := NewManager(time.Minute)
	tr, err := mgr.StartRead("t1", path)
	if err != nil {
		t.Fatalf("StartRead: %v", err)
	}

	var got []byte
	for {
		frame, done, err := tr.NextReadChunk(4)
		if err != nil {
			t.Fatalf("NextReadChunk: %v", err)
		}
		if done {
			break
		}
		got = append(got, frame.Payload...)
	}

	if string(got) != string(content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}

func TestWriteTransferRejectsBadChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	mgr := NewManager(time.Minute)
	tr, err := mgr.StartWrite("t2", path)
	if err != nil {
		t.Fatalf("StartWrite: %v", err)
	}

	frame := protocolFrame("t2", 0, []byte("hello"))
	frame.Header.Checksum ^= 0xFF
	if err := tr.WriteChunk(&frame); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestPauseAllBlocksFurtherChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	mgr := NewManager(time.Minute)
	tr, err := mgr.StartWrite("t3", path)
	if err != nil {
		t.Fatalf("StartWrite: %v", err)
	}

	mgr.PauseAll()
	frame := protocolFrame("t3", 0, []byte("hello"))
	if err := tr.WriteChunk(&frame); err == nil {
		t.Fatal("expected write to fail while paused")
	}

	if !mgr.Resume("t3") {
		t.Fatal("expected resume to succeed")
	}
	if err := tr.WriteChunk(&frame); err != nil {
		t.Fatalf("write after resume: %v", err)
	}
}

func TestSweepStaleRemovesIdleTransfers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	mgr := NewManager(10 * time.Millisecond)
	if _, err := mgr.StartWrite("t4", path); err != nil {
		t.Fatalf("StartWrite: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	stale := mgr.SweepStale()
	if len(stale) != 1 || stale[0] != "t4" {
		t.Fatalf("want [t4], got %v", stale)
	}
	if _, ok := mgr.Get("t4"); ok {
		t.Fatal("expected transfer to be removed after sweep")
	}
}
