package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetshell/sctl/internal/node"
)

const defaultListenAddr = "127.0.0.1:7777"

func nodeCmd() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:     "node",
		Aliases: []string{"daemon", "start"},
		Short:   "Start the device daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dataDir()
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}

			n, err := node.New(dir)
			if err != nil {
				return fmt.Errorf("initializing node: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			go func() {
				<-sigCh
				fmt.Fprintln(os.Stderr, "[sctl] shutting down...")
				cancel()
			}()

			return n.Run(ctx, listenAddr)
		},
	}

	cmd.Flags().StringVarP(&listenAddr, "listen", "l", defaultListenAddr, "Local listen address for the WS/REST API")
	return cmd
}
