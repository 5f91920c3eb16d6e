// Command sctl is the device-side CLI: start the node daemon, start a
// relay, attach to a session's PTY, or run a one-shot exec against a
// local or relay-proxied device.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	serverFlag string
	tokenFlag  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sctl",
		Short: "Device daemon and client for remote shell/GPS/LTE control",
	}
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "", "Relay URL (ws(s)://host[:port]/d/<serial>); empty means local node")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Bearer token/api key for the target")

	rootCmd.AddCommand(
		nodeCmd(),
		stopCmd(),
		relayCmd(),
		attachCmd(),
		execCmd(),
		listCmd(),
		setupCmd(),
		enrollCmd(),
		mcpServerCmd(),
		superviseCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		fmt.Fprintln(os.Stderr, "[sctl] WARNING: $HOME unset, using /tmp/.sctl")
		return "/tmp/.sctl"
	}
	return filepath.Join(home, ".sctl")
}

// target resolves the --server/--token flags into a dial target: the
// local node's loopback listener when --server is empty, or the given
// relay URL otherwise.
type target struct {
	baseURL string
	token   string
}

func resolveTarget() target {
	base := serverFlag
	if base == "" {
		base = "ws://127.0.0.1:7777"
	}
	return target{baseURL: base, token: tokenFlag}
}
