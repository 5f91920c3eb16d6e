// Package supervisor implements the Supervisor (component J): a parent
// process that spawns the worker as a subprocess, inherits its stdio,
// and restarts it with capped exponential backoff on unexpected exit.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"
)

// Config controls restart backoff.
type Config struct {
	Command []string

	// StableThreshold is the minimum runtime after which an exit resets
	// backoff to the initial delay rather than doubling it.
	StableThreshold time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

func (c *Config) setDefaults() {
	if c.StableThreshold == 0 {
		c.StableThreshold = 30 * time.Second
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 60 * time.Second
	}
}

// Run spawns the worker repeatedly until ctx is cancelled, applying
// capped-exponential backoff between restarts. SIGTERM/SIGINT delivered
// to this process are propagated to the worker and Run returns once the
// worker has exited.
func Run(ctx context.Context, cfg Config) error {
	cfg.setDefaults()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	backoff := cfg.InitialBackoff

	for {
		if sigCtx.Err() != nil {
			return nil
		}

		cmd := exec.CommandContext(context.Background(), cfg.Command[0], cfg.Command[1:]...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		started := time.Now()
		if err := cmd.Start(); err != nil {
			slog.Error("supervisor: failed to start worker", "err", err)
			return err
		}
		slog.Info("supervisor: worker started", "pid", cmd.Process.Pid)

		waitErr := waitWithPropagation(sigCtx, cmd)
		ran := time.Since(started)

		if sigCtx.Err() != nil {
			slog.Info("supervisor: shutting down after worker exit", "ran", ran)
			return nil
		}

		if ran >= cfg.StableThreshold {
			backoff = cfg.InitialBackoff
		} else {
			backoff *= 2
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}

		slog.Warn("supervisor: worker exited, restarting", "err", waitErr, "ran", ran, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-sigCtx.Done():
			return nil
		}
	}
}

// waitWithPropagation waits for cmd to exit, forwarding a termination
// signal to it if sigCtx is cancelled first.
func waitWithPropagation(sigCtx context.Context, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-sigCtx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case err := <-done:
			return err
		case <-time.After(3 * time.Second):
			_ = cmd.Process.Kill()
			return <-done
		}
	}
}
