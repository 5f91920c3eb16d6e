package main

import (
	"fmt"
	"os"
	"path/filepath"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/fleetshell/sctl/internal/auth"
	"github.com/fleetshell/sctl/internal/config"
)

// setupCmd prints the pairing URL (and, unless --no-qr, a QR code of it)
// an operator scans with a phone or pastes into another sctl client to
// reach this device through a relay.
func setupCmd() *cobra.Command {
	var relayURL string
	var noQR bool

	cmd := &cobra.Command{
		Use:   "setup <relay-url>",
		Short: "Print this device's relay pairing URL and api key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			relayURL = args[0]

			dir := dataDir()
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}
			cfg, err := config.Load(dir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			apiKey, err := auth.EnsureKey(cfg.Server.DataDir, cfg.Auth.APIKey)
			if err != nil {
				return fmt.Errorf("resolving api key: %w", err)
			}

			serial := deviceSerialFor(cfg.Server.DataDir)
			pairingURL := relayURL + "/d/" + serial + "/api/ws?token=" + apiKey

			fmt.Fprintf(os.Stderr, "Device serial: %s\n", serial)
			fmt.Fprintf(os.Stderr, "Pairing URL:   %s\n\n", pairingURL)
			fmt.Fprintf(os.Stderr, "On the relay, enroll this device's tunnel key first:\n")
			fmt.Fprintf(os.Stderr, "  sctl enroll %s <tunnel-key>\n\n", serial)

			if !noQR {
				printQR(pairingURL)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noQR, "no-qr", false, "Skip rendering the QR code")
	return cmd
}

// printQR renders a QR code to the terminal using Unicode half-blocks.
func printQR(content string) {
	q, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\n(QR generation failed: %v)\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "\n%s\n", q.ToSmallString(false))
}

func deviceSerialFor(dataDir string) string {
	path := filepath.Join(dataDir, "serial")
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return string(data)
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "sctl-device"
	}
	os.WriteFile(path, []byte(host), 0o644)
	return host
}
