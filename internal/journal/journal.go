// Package journal implements the append-only per-session disk log: a
// metadata header line followed by compact JSON entry lines, with a
// background writer that batches appends and degrades the session to
// non-journaled on any write failure.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fleetshell/sctl/internal/buffer"
)

// Metadata is the first line written to a session's journal file.
type Metadata struct {
	V          int    `json:"v"`
	PID        int    `json:"pid"`
	Shell      string `json:"shell"`
	WorkingDir string `json:"wd"`
	Persistent bool   `json:"persistent"`
	PTY        bool   `json:"pty"`
	Created    int64  `json:"created"`
}

// MetaVersion is the current journal format version.
const MetaVersion = 1

// line is the compact on-disk representation of a buffer.Entry.
type line struct {
	Seq       uint64 `json:"s"`
	Type      string `json:"t"`
	Data      string `json:"d"`
	Timestamp int64  `json:"ts"`
}

func streamTag(s buffer.Stream) string {
	switch s {
	case buffer.Stdout:
		return "o"
	case buffer.Stderr:
		return "e"
	default:
		return "x"
	}
}

func tagStream(t string) buffer.Stream {
	switch t {
	case "o":
		return buffer.Stdout
	case "e":
		return buffer.Stderr
	default:
		return buffer.System
	}
}

func toLine(e buffer.Entry) line {
	return line{Seq: e.Seq, Type: streamTag(e.Stream), Data: e.Data, Timestamp: e.Timestamp}
}

func (l line) toEntry() buffer.Entry {
	return buffer.Entry{Seq: l.Seq, Stream: tagStream(l.Type), Data: l.Data, Timestamp: l.Timestamp}
}

// Writer is a background-task-backed append-only journal for one session.
// It implements buffer.Sink.
type Writer struct {
	path  string
	tx    chan buffer.Entry
	alive atomic.Bool
	done  chan struct{}
}

// Create opens (or creates) a journal file under dir/<sessionID>.jsonl,
// writes the metadata header, and starts the background drain task.
func Create(dir, sessionID string, meta Metadata) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	header, err := json.Marshal(meta)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("marshalling journal header: %w", err)
	}
	if _, err := f.Write(append(header, '\n')); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing journal header: %w", err)
	}

	w := &Writer{
		path: path,
		tx:   make(chan buffer.Entry, 256),
		done: make(chan struct{}),
	}
	w.alive.Store(true)
	go w.drain(f)
	return w, nil
}

// Push enqueues an entry for the background writer. Non-blocking is not
// required here: the channel is generously buffered and the session's I/O
// tasks are the only producers, so a full channel would indicate the
// writer has wedged — in that case we drop rather than block the session.
func (w *Writer) Push(e buffer.Entry) {
	if !w.alive.Load() {
		return
	}
	select {
	case w.tx <- e:
	default:
		slog.Warn("journal writer backlog full, dropping entry", "path", w.path)
	}
}

// Alive reports whether the background writer is still accepting entries.
func (w *Writer) Alive() bool { return w.alive.Load() }

// Close stops accepting new entries and waits for the drain loop to exit.
func (w *Writer) Close() {
	close(w.tx)
	<-w.done
}

func (w *Writer) drain(f *os.File) {
	defer close(w.done)
	defer f.Close()
	bw := bufio.NewWriter(f)

	fail := func(err error) {
		slog.Error("journal write failed, session continues unjournaled", "path", w.path, "err", err)
		w.alive.Store(false)
	}

	for e := range w.tx {
		if !w.writeOne(bw, e) {
			fail(fmt.Errorf("write"))
			// Drain remaining entries without writing so producers don't
			// block on a full channel while we unwind.
			for range w.tx {
			}
			return
		}
		// Drain any further entries already queued before flushing, so a
		// burst of output costs one flush instead of many.
		batched := true
		for batched {
			select {
			case e2, ok := <-w.tx:
				if !ok {
					batched = false
					break
				}
				if !w.writeOne(bw, e2) {
					fail(fmt.Errorf("write"))
					return
				}
			default:
				batched = false
			}
		}
		if err := bw.Flush(); err != nil {
			fail(err)
			return
		}
	}
}

func (w *Writer) writeOne(bw *bufio.Writer, e buffer.Entry) bool {
	data, err := json.Marshal(toLine(e))
	if err != nil {
		return false
	}
	if _, err := bw.Write(data); err != nil {
		return false
	}
	if err := bw.WriteByte('\n'); err != nil {
		return false
	}
	return true
}

// Recovered is an archived session reconstructed from a journal file.
type Recovered struct {
	SessionID string
	Meta      Metadata
	Entries   []buffer.Entry
	ExitCode  *int
}

const exitCodePrefix = "Process exited with code "

// RecoverAll parses every *.jsonl file under dir, deletes journals older
// than maxAge, and returns one Recovered per remaining file.
func RecoverAll(dir string, maxAge time.Duration) ([]Recovered, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading journal dir: %w", err)
	}

	var out []Recovered
	cutoff := time.Now().Add(-maxAge)
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(dir, de.Name())

		if fi, statErr := de.Info(); statErr == nil && fi.ModTime().Before(cutoff) {
			if rmErr := os.Remove(path); rmErr != nil {
				slog.Warn("failed to delete expired journal", "path", path, "err", rmErr)
			}
			continue
		}

		rec, parseErr := parseOne(path)
		if parseErr != nil {
			slog.Error("failed to parse journal, skipping", "path", path, "err", parseErr)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseOne(path string) (Recovered, error) {
	sessionID := strings.TrimSuffix(filepath.Base(path), ".jsonl")

	f, err := os.Open(path)
	if err != nil {
		return Recovered{}, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !sc.Scan() {
		return Recovered{}, fmt.Errorf("empty journal")
	}
	var meta Metadata
	if err := json.Unmarshal(sc.Bytes(), &meta); err != nil {
		return Recovered{}, fmt.Errorf("parsing metadata header: %w", err)
	}

	var entries []buffer.Entry
	var exitCode *int
	for sc.Scan() {
		var l line
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			continue // skip corrupt lines rather than fail the whole recovery
		}
		entries = append(entries, l.toEntry())
		if l.Type == "x" {
			if code, ok := parseExitCode(l.Data); ok {
				exitCode = &code
			}
		}
	}
	if err := sc.Err(); err != nil {
		return Recovered{}, fmt.Errorf("scanning journal: %w", err)
	}

	return Recovered{SessionID: sessionID, Meta: meta, Entries: entries, ExitCode: exitCode}, nil
}

func parseExitCode(s string) (int, bool) {
	if !strings.HasPrefix(s, exitCodePrefix) {
		return 0, false
	}
	rest := strings.TrimPrefix(s, exitCodePrefix)
	rest = strings.TrimSpace(rest)
	var code int
	if _, err := fmt.Sscanf(rest, "%d", &code); err != nil {
		return 0, false
	}
	return code, true
}
