package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetshell/sctl/internal/activity"
	"github.com/fleetshell/sctl/internal/config"
	"github.com/fleetshell/sctl/internal/journal"
	"github.com/fleetshell/sctl/internal/mcp"
	"github.com/fleetshell/sctl/internal/session"
)

// mcpServerCmd runs the MCP stdio adapter in its own process, with its
// own Session Manager, for an editor or agent runtime to spawn directly.
// It shares the node daemon's data directory so journal-backed sessions
// persist across either surface, but the two processes' managers are
// independent — don't run both against the same data dir at once.
func mcpServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-server",
		Short: "Run the MCP stdio adapter for AI coding agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dataDir()
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}
			cfg, err := config.Load(dir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			mgr := session.NewManager(session.Config{
				MaxSessions: cfg.Server.MaxSessions,
				BufferSize:  cfg.Server.SessionBufferSize,
				DataDir:     cfg.Server.DataDir,
				JournalOn:   cfg.Server.JournalEnabled,
			})
			if cfg.Server.JournalEnabled {
				maxAge := time.Duration(cfg.Server.JournalMaxAgeHours) * time.Hour
				if recovered, err := journal.RecoverAll(filepath.Join(cfg.Server.DataDir, "sessions"), maxAge); err == nil {
					mgr.RecoverFromJournal(recovered)
				}
			}
			act := activity.New(cfg.Server.ActivityLogMaxEntries)

			srv := &mcp.Server{Manager: mgr, Activity: act}
			return srv.Run(bufio.NewScanner(os.Stdin), bufio.NewWriter(os.Stdout))
		},
	}
}
