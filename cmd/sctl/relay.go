package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/fleetshell/sctl/internal/relay"
	"github.com/fleetshell/sctl/internal/relaystore"
)

func relayCmd() *cobra.Command {
	var listenAddr string
	var storeDir string
	var staleTimeoutSecs int

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Start the relay server that brokers client<->device tunnels",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := storeDir
			if dir == "" {
				dir = filepath.Join(dataDir(), "relay")
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating relay store dir: %w", err)
			}

			store, err := relaystore.Open(dir)
			if err != nil {
				return fmt.Errorf("opening device store: %w", err)
			}
			defer store.Close()

			hub := relay.NewHub()
			srv := relay.NewServer(hub, store)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			staleTimeout := time.Duration(staleTimeoutSecs) * time.Second
			go hub.RunSweeper(ctx, staleTimeout/2, staleTimeout)

			r := chi.NewRouter()
			r.Use(middleware.Recoverer)
			r.Use(middleware.RealIP)
			r.Get("/api/tunnel/register", srv.HandleDeviceRegister)
			srv.Routes(r, store)

			httpSrv := &http.Server{Addr: listenAddr, Handler: r}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			go func() {
				<-sigCh
				cancel()
				shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel2()
				httpSrv.Shutdown(shutdownCtx)
			}()

			fmt.Fprintf(os.Stderr, "[sctl] relay listening on %s\n", listenAddr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("relay http server: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "0.0.0.0:8080", "Listen address for the relay's public endpoints")
	cmd.Flags().StringVar(&storeDir, "store-dir", "", "Directory for the device roster SQLite database (default ~/.sctl/relay)")
	cmd.Flags().IntVar(&staleTimeoutSecs, "stale-timeout", 45, "Seconds without a heartbeat before a device is evicted")

	return cmd
}

// enrollCmd registers (or re-registers) a device serial in the relay's
// roster with the api key given on the command line; only its bcrypt
// hash is stored and the key is not printed. The same key belongs in the
// device's config.toml tunnel.tunnel_key.
func enrollCmd() *cobra.Command {
	var storeDir string
	var displayName string

	cmd := &cobra.Command{
		Use:   "enroll <serial> <api-key>",
		Short: "Enroll a device serial in the relay's roster",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := storeDir
			if dir == "" {
				dir = filepath.Join(dataDir(), "relay")
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating relay store dir: %w", err)
			}

			store, err := relaystore.Open(dir)
			if err != nil {
				return fmt.Errorf("opening device store: %w", err)
			}
			defer store.Close()

			serial, apiKey := args[0], args[1]
			if err := store.Enroll(cmd.Context(), serial, apiKey, displayName); err != nil {
				return fmt.Errorf("enrolling device: %w", err)
			}
			fmt.Fprintf(os.Stderr, "[sctl] enrolled device %s\n", serial)
			return nil
		},
	}

	cmd.Flags().StringVar(&storeDir, "store-dir", "", "Directory for the device roster SQLite database (default ~/.sctl/relay)")
	cmd.Flags().StringVar(&displayName, "name", "", "Human-readable display name for the device")

	return cmd
}
