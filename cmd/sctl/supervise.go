package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/fleetshell/sctl/internal/supervisor"
)

// superviseCmd restarts a worker command under capped exponential
// backoff. It's meant to wrap `sctl node` so a device reboots the daemon
// after a panic or PTY-related crash without an external init system.
func superviseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supervise -- <command> [args...]",
		Short: "Run a command under restart-with-backoff supervision",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return supervisor.Run(context.Background(), supervisor.Config{Command: args})
		},
	}
	return cmd
}
