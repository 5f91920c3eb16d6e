// Package session implements the Managed Session (component D) and the
// Session Manager that pools them (component E).
package session

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/fleetshell/sctl/internal/buffer"
	"github.com/fleetshell/sctl/internal/shell"
)

// ErrSessionClosed is returned by WriteStdin once the stdin channel's
// receiver has gone away (the forwarder task has exited).
var ErrSessionClosed = errors.New("session: closed")

// ErrNotPTY is returned by Resize on a pipe-backed session.
var ErrNotPTY = shell.ErrNotPTY

// Status is the lifecycle state of a Managed Session.
type Status int

const (
	Running Status = iota
	Exited
)

func (s Status) String() string {
	if s == Exited {
		return "exited"
	}
	return "running"
}

const stdinChannelDepth = 256

// ioChunkSize is the read size for both pipe and PTY output tasks.
const ioChunkSize = 4096

const (
	gracefulKillPollInterval = 100 * time.Millisecond
	gracefulKillWindow       = 3 * time.Second
)

// Session is a single managed shell: a spawned process coupled to an
// Output Buffer via background I/O tasks. Archived is true for a
// read-only reconstruction from a journal: no process, no tasks, buffer
// prefilled.
type Session struct {
	ID   string
	PID  int
	PGID int
	PTY  bool

	Buffer *buffer.Buffer

	mu       sync.Mutex
	status   Status
	exitCode *int

	stdinCh chan []byte
	proc    *shell.Spawned
	done    chan struct{} // closed once the exit-watcher has run

	Archived bool
}

// LaunchOpts configures a new Session.
type LaunchOpts struct {
	ShellPath  string
	Args       []string
	WorkingDir string
	Env        []string
	PTY        bool
	Rows       uint16
	Cols       uint16
	BufferCap  int
	Sink       buffer.Sink // journal writer, may be nil
}

// Launch spawns a new shell and wires it to a fresh Output Buffer via the
// background I/O tasks: pipe mode runs four (stdin-forwarder, stdout-reader,
// stderr-reader, exit-watcher); PTY mode runs three (stdin-forwarder,
// merged output-reader, exit-watcher).
func Launch(id string, opts LaunchOpts) (*Session, error) {
	cmd := exec.Command(opts.ShellPath, opts.Args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = opts.Env

	buf := buffer.New(opts.BufferCap)
	if opts.Sink != nil {
		buf.SetSink(opts.Sink)
	}

	sess := &Session{
		ID:      id,
		PTY:     opts.PTY,
		Buffer:  buf,
		status:  Running,
		stdinCh: make(chan []byte, stdinChannelDepth),
		done:    make(chan struct{}),
	}

	if opts.PTY {
		sp, err := shell.SpawnPTY(cmd, shell.Winsize{Rows: opts.Rows, Cols: opts.Cols})
		if err != nil {
			return nil, err
		}
		sess.proc = sp
		sess.PID = sp.PID
		sess.PGID = sp.PGID
		if err := sess.startPTYTasks(sp); err != nil {
			sp.Close()
			return nil, err
		}
	} else {
		sp, err := shell.SpawnPipe(cmd)
		if err != nil {
			return nil, err
		}
		sess.proc = sp
		sess.PID = sp.PID
		sess.PGID = sp.PGID
		sess.startPipeTasks(sp)
	}

	return sess, nil
}

// Archive reconstructs a read-only Session from recovered journal state.
func Archive(id string, entries []buffer.Entry, bufferCap int, exitCode *int) *Session {
	buf := buffer.New(bufferCap)
	buf.Prefill(entries)
	done := make(chan struct{})
	close(done)
	return &Session{
		ID:       id,
		PID:      0,
		Buffer:   buf,
		status:   Exited,
		exitCode: exitCode,
		done:     done,
		Archived: true,
	}
}

func (s *Session) startPipeTasks(sp *shell.Spawned) {
	go func() {
		for data := range s.stdinCh {
			if _, err := sp.Stdin.Write(data); err != nil {
				return
			}
		}
	}()

	go func() {
		readLoop(sp.Stdout, func(chunk []byte) {
			s.Buffer.Push(buffer.Stdout, string(chunk))
		})
	}()
	go func() {
		readLoop(sp.Stderr, func(chunk []byte) {
			s.Buffer.Push(buffer.Stderr, string(chunk))
		})
	}()

	go s.exitWatcher(sp)
}

// startPTYTasks launches the three PTY-mode background tasks. The master
// fd is duplicated into independent read/write halves so the reader and
// writer goroutines don't contend on one *os.File's internal state; the
// original handle is retained by sp for resize.
func (s *Session) startPTYTasks(sp *shell.Spawned) error {
	readHalf, writeHalf, err := sp.DupMaster()
	if err != nil {
		return err
	}

	go func() {
		for data := range s.stdinCh {
			if _, err := writeHalf.Write(data); err != nil {
				break
			}
		}
		writeHalf.Close()
	}()

	go func() {
		readLoop(readHalf, func(chunk []byte) {
			s.Buffer.Push(buffer.Stdout, string(chunk))
		})
		readHalf.Close()
	}()

	go s.exitWatcher(sp)
	return nil
}

// readLoop issues ioChunkSize reads from r until EOF/error, invoking push
// for every non-empty read.
func readLoop(r io.Reader, push func([]byte)) {
	buf := make([]byte, ioChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			push(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) exitWatcher(sp *shell.Spawned) {
	defer close(s.done)
	err := sp.Cmd.Wait()
	code := exitCodeOf(err)

	s.mu.Lock()
	s.status = Exited
	s.exitCode = &code
	s.mu.Unlock()

	s.Buffer.Push(buffer.System, fmt.Sprintf("Process exited with code %d", code))
	close(s.stdinCh)
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// StatusAndExitCode returns the current lifecycle status and exit code
// (nil unless exited).
func (s *Session) StatusAndExitCode() (Status, *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.exitCode
}

// WriteStdin enqueues data for the stdin forwarder. Fails with
// ErrSessionClosed once the forwarder has exited.
func (s *Session) WriteStdin(data []byte) (err error) {
	defer func() {
		if recover() != nil {
			err = ErrSessionClosed
		}
	}()
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.stdinCh <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// SendSignal delivers sig to the session's process group.
func (s *Session) SendSignal(sig syscall.Signal) error {
	if s.Archived || s.proc == nil {
		return fmt.Errorf("session: cannot signal an archived session")
	}
	return s.proc.SendSignal(sig)
}

// Resize changes the PTY window size. Returns ErrNotPTY on pipe sessions.
func (s *Session) Resize(rows, cols uint16) error {
	if !s.PTY || s.proc == nil {
		return ErrNotPTY
	}
	return s.proc.Resize(shell.Winsize{Rows: rows, Cols: cols})
}

// GracefulKill sends SIGTERM to the process group, polls status at 100ms
// intervals for up to 3s, then SIGKILL. Archived sessions are a no-op.
func (s *Session) GracefulKill() {
	if s.Archived || s.proc == nil {
		return
	}
	_ = s.proc.SendSignal(syscall.SIGTERM)

	deadline := time.Now().Add(gracefulKillWindow)
	ticker := time.NewTicker(gracefulKillPollInterval)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
	}

	select {
	case <-s.done:
	default:
		_ = s.proc.SendSignal(syscall.SIGKILL)
		<-s.done
	}
}

// Done returns a channel closed once the exit watcher has observed process
// termination. Archived sessions return an already-closed channel.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
