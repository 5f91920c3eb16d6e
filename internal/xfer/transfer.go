// Package xfer implements chunked file transfer (a collaborator per
// spec.md §6): reads and writes run as a sequence of binary-framed
// chunks, each acked before the next is sent, so large files don't have
// to fit in one WS text message. Deletes are a single unchunked call.
package xfer

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fleetshell/sctl/internal/protocol"
)

// Op is a transfer's operation kind.
type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpDelete Op = "delete"
)

// State is a transfer's lifecycle state.
type State int

const (
	StateActive State = iota
	StatePaused
	StateDone
	StateFailed
)

// Transfer tracks one in-flight chunked operation.
type Transfer struct {
	ID       string
	Op       Op
	Path     string
	f        *os.File
	mu       sync.Mutex
	state    State
	offset   int64
	total    int64
	lastSeen time.Time
}

func (t *Transfer) touch() {
	t.mu.Lock()
	t.lastSeen = time.Now()
	t.mu.Unlock()
}

// Manager is the TransferManager collaborator: `pause_all()` and
// `sweep_stale() → []id` per spec.md §6.
type Manager struct {
	mu        sync.Mutex
	transfers map[string]*Transfer
	idleAfter time.Duration
}

// NewManager returns a Manager that considers a transfer stale after
// idleAfter with no chunk activity.
func NewManager(idleAfter time.Duration) *Manager {
	if idleAfter == 0 {
		idleAfter = 2 * time.Minute
	}
	return &Manager{transfers: make(map[string]*Transfer), idleAfter: idleAfter}
}

// StartRead opens path for chunked reading and registers the transfer.
func (m *Manager) StartRead(id, path string) (*Transfer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("xfer: opening %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("xfer: stat %s: %w", path, err)
	}
	t := &Transfer{ID: id, Op: OpRead, Path: path, f: f, total: info.Size(), lastSeen: time.Now()}
	m.register(t)
	return t, nil
}

// StartWrite creates (or truncates) path for chunked writing.
func (m *Manager) StartWrite(id, path string) (*Transfer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("xfer: creating %s: %w", path, err)
	}
	t := &Transfer{ID: id, Op: OpWrite, Path: path, f: f, lastSeen: time.Now()}
	m.register(t)
	return t, nil
}

func (m *Manager) register(t *Transfer) {
	m.mu.Lock()
	m.transfers[t.ID] = t
	m.mu.Unlock()
}

// Get returns the transfer by id.
func (m *Manager) Get(id string) (*Transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	return t, ok
}

// NextReadChunk reads up to chunkSize bytes at the transfer's current
// offset and advances it, returning a ready-to-send ChunkFrame.
func (t *Transfer) NextReadChunk(chunkSize int) (*protocol.ChunkFrame, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StatePaused {
		return nil, false, nil
	}

	buf := make([]byte, chunkSize)
	n, err := t.f.ReadAt(buf, t.offset)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			t.state = StateFailed
			return nil, false, err
		}
		t.state = StateDone
		t.f.Close()
		return nil, true, nil
	}
	buf = buf[:n]

	frame := &protocol.ChunkFrame{
		Header: protocol.ChunkHeader{
			TransferID: t.ID,
			Op:         string(OpRead),
			Offset:     t.offset,
			TotalSize:  t.total,
			Checksum:   crc32.ChecksumIEEE(buf),
		},
		Payload: buf,
	}
	t.offset += int64(n)
	t.lastSeen = time.Now()
	return frame, false, nil
}

// WriteChunk appends frame's payload at its declared offset and acks.
// The caller is expected to ack each chunk before requesting the next,
// per spec.md §6's "each chunk is acked before the next is sent".
func (t *Transfer) WriteChunk(frame *protocol.ChunkFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StatePaused {
		return fmt.Errorf("xfer: transfer %s is paused", t.ID)
	}
	if crc32.ChecksumIEEE(frame.Payload) != frame.Header.Checksum {
		t.state = StateFailed
		return fmt.Errorf("xfer: checksum mismatch on transfer %s", t.ID)
	}
	if _, err := t.f.WriteAt(frame.Payload, frame.Header.Offset); err != nil {
		t.state = StateFailed
		return fmt.Errorf("xfer: write at offset %d: %w", frame.Header.Offset, err)
	}
	t.offset = frame.Header.Offset + int64(len(frame.Payload))
	t.lastSeen = time.Now()
	return nil
}

// Finish closes the write handle once the client signals completion.
func (t *Transfer) Finish() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateDone
	return t.f.Close()
}

// Delete removes path outright (no chunking needed for delete).
func (m *Manager) Delete(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("xfer: deleting %s: %w", path, err)
	}
	return nil
}

// PauseAll marks every active transfer paused, invoked by the Tunnel
// Client on every disconnect (spec.md §4.H) so mid-flight chunks don't
// keep writing to a connection that's gone.
func (m *Manager) PauseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transfers {
		t.mu.Lock()
		if t.state == StateActive {
			t.state = StatePaused
		}
		t.mu.Unlock()
	}
}

// Resume reactivates a paused transfer so it can continue from its
// last acked offset.
func (m *Manager) Resume(id string) bool {
	m.mu.Lock()
	t, ok := m.transfers[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePaused {
		return false
	}
	t.state = StateActive
	return true
}

// SweepStale reports and removes transfer ids idle past the configured
// timeout, along with finished or failed ones. It runs only when called;
// nothing in this package or the node daemon schedules it.
func (m *Manager) SweepStale() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []string
	for id, t := range m.transfers {
		t.mu.Lock()
		idle := time.Since(t.lastSeen) > m.idleAfter
		done := t.state == StateDone || t.state == StateFailed
		t.mu.Unlock()
		if idle || done {
			stale = append(stale, id)
			delete(m.transfers, id)
		}
	}
	return stale
}
