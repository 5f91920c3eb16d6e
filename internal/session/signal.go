package session

import "syscall"

func syscallSignal(n int) syscall.Signal {
	return syscall.Signal(n)
}
