package shell

import (
	"fmt"
	"os"
	"syscall"
)

// Close implements kill_on_drop: if the child is still running, it is sent
// SIGKILL immediately and its resources released. Callers that want a
// graceful shutdown should send SIGTERM and wait themselves before calling
// Close; Close itself never waits.
func (s *Spawned) Close() {
	_ = syscall.Kill(-s.PGID, syscall.SIGKILL)

	if s.PTY {
		if s.Master != nil {
			s.Master.Close()
		}
		return
	}
	if s.Stdin != nil {
		s.Stdin.Close()
	}
	if s.Stdout != nil {
		s.Stdout.Close()
	}
	if s.Stderr != nil {
		s.Stderr.Close()
	}
}

// DupMaster returns two independent *os.File handles onto the PTY master,
// one intended for the read side and one for the write side, so the
// session's stdin-forwarder and output-reader tasks can operate on the
// descriptor concurrently without sharing a single Go file offset/lock.
// The original Master handle is left open and usable for resize.
func (s *Spawned) DupMaster() (readHalf, writeHalf *os.File, err error) {
	if !s.PTY {
		return nil, nil, ErrNotPTY
	}
	fd, err := syscall.Dup(int(s.Master.Fd()))
	if err != nil {
		return nil, nil, fmt.Errorf("dup PTY master for read half: %w", err)
	}
	readHalf = os.NewFile(uintptr(fd), s.Master.Name())

	fd2, err := syscall.Dup(int(s.Master.Fd()))
	if err != nil {
		readHalf.Close()
		return nil, nil, fmt.Errorf("dup PTY master for write half: %w", err)
	}
	writeHalf = os.NewFile(uintptr(fd2), s.Master.Name())

	return readHalf, writeHalf, nil
}
