// Package shell spawns a shell either as a plain pipe-backed process group
// leader or as a PTY-backed session leader, and exposes its stdio handles.
package shell

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// Winsize mirrors the rows/cols pair used to size a PTY.
type Winsize struct {
	Rows uint16
	Cols uint16
}

// Spawned is the result of launching a child, regardless of mode.
type Spawned struct {
	Cmd  *exec.Cmd
	PID  int
	PGID int // equals PID: the shell is always its own process-group leader

	PTY bool

	// Pipe-mode handles. Nil when PTY is true.
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	// PTY-mode handle. Nil when PTY is false.
	Master *os.File
}

// SpawnPipe starts cmd with three anonymous pipes and puts it in its own
// process group (setpgid(0,0) in the child, before exec) so that signals
// sent to -pgid reach the whole tree without hitting the parent.
func SpawnPipe(cmd *exec.Cmd) (*Spawned, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting process: %w", err)
	}

	return &Spawned{
		Cmd:    cmd,
		PID:    cmd.Process.Pid,
		PGID:   cmd.Process.Pid,
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
	}, nil
}

// SpawnPTY starts cmd attached to a newly allocated PTY master/slave pair
// sized rows x cols. The child becomes a session + process-group leader
// with the slave as its controlling terminal (setsid + TIOCSCTTY, handled
// internally by creack/pty). TERM defaults to xterm-256color unless the
// caller already set one in cmd.Env.
func SpawnPTY(cmd *exec.Cmd, size Winsize) (*Spawned, error) {
	if !hasTermEnv(cmd.Env) {
		cmd.Env = append(append([]string{}, cmd.Env...), "TERM=xterm-256color")
	}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
	if err != nil {
		return nil, fmt.Errorf("opening PTY: %w", err)
	}

	return &Spawned{
		Cmd:    cmd,
		PID:    cmd.Process.Pid,
		PGID:   cmd.Process.Pid,
		PTY:    true,
		Master: master,
	}, nil
}

func hasTermEnv(env []string) bool {
	for _, e := range env {
		if len(e) >= 5 && e[:5] == "TERM=" {
			return true
		}
	}
	return false
}

// Resize changes a PTY's window size. Returns ErrNotPTY if s was not
// PTY-backed.
func (s *Spawned) Resize(size Winsize) error {
	if !s.PTY {
		return ErrNotPTY
	}
	return pty.Setsize(s.Master, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
}

// SendSignal delivers sig to the whole process group. In pipe mode this
// hits the shell itself; in PTY mode TTY job control routes it to the
// foreground job.
func (s *Spawned) SendSignal(sig syscall.Signal) error {
	return syscall.Kill(-s.PGID, sig)
}
