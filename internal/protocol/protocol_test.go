package protocol

import (
	"bytes"
	"testing"
)

func TestChunkFrameRoundTrip(t *testing.T) {
	original := &ChunkFrame{
		Header: ChunkHeader{
			TransferID: "xfer-1",
			Op:         "write",
			Offset:     4096,
			TotalSize:  1 << 20,
			Checksum:   0xdeadbeef,
		},
		Payload: []byte("some chunk bytes"),
	}

	var buf bytes.Buffer
	if err := WriteChunkFrame(&buf, original); err != nil {
		t.Fatalf("WriteChunkFrame: %v", err)
	}

	decoded, err := ReadChunkFrame(&buf)
	if err != nil {
		t.Fatalf("ReadChunkFrame: %v", err)
	}
	if decoded == nil {
		t.Fatal("ReadChunkFrame returned nil")
	}
	if decoded.Header.TransferID != original.Header.TransferID {
		t.Errorf("TransferID = %q, want %q", decoded.Header.TransferID, original.Header.TransferID)
	}
	if decoded.Header.ChunkLen != int64(len(original.Payload)) {
		t.Errorf("ChunkLen = %d, want %d", decoded.Header.ChunkLen, len(original.Payload))
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Errorf("Payload = %q, want %q", decoded.Payload, original.Payload)
	}
}

func TestReadChunkFrameCleanEOF(t *testing.T) {
	frame, err := ReadChunkFrame(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame != nil {
		t.Fatal("expected nil frame on clean EOF")
	}
}

func TestReadChunkFrameRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(lenBuf)
	if _, err := ReadChunkFrame(&buf); err == nil {
		t.Fatal("expected error for oversized header length")
	}
}
