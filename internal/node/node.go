// Package node assembles the device daemon: Session Manager, Activity
// Log, journal recovery, the local WS/REST listener, and (when
// configured) the Tunnel Client, Playbook Store, Transfer Manager, and
// GPS/LTE pollers. cmd/sctl's node subcommand is a thin wrapper around
// this package.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetshell/sctl/internal/activity"
	"github.com/fleetshell/sctl/internal/auth"
	"github.com/fleetshell/sctl/internal/config"
	"github.com/fleetshell/sctl/internal/httpapi"
	"github.com/fleetshell/sctl/internal/journal"
	"github.com/fleetshell/sctl/internal/modem"
	"github.com/fleetshell/sctl/internal/playbook"
	"github.com/fleetshell/sctl/internal/session"
	"github.com/fleetshell/sctl/internal/tunnel"
	"github.com/fleetshell/sctl/internal/wsproto"
	"github.com/fleetshell/sctl/internal/xfer"
)

const sweepInterval = 5 * time.Second

// Node wires together every collaborator that makes up the device
// daemon and runs its lifecycle under a single cancellable context.
type Node struct {
	Config   *config.Config
	Manager  *session.Manager
	Activity *activity.Log
	WS       *wsproto.Server
	HTTP     *httpapi.Server
	Playbook *playbook.Store
	Transfer *xfer.Manager
	Modem    *modem.Poller
	Tunnel   *tunnel.Client

	pidPath string
	dataDir string
}

// New loads config.toml (applying defaults and auto-generating an api
// key if neither the file nor SCTL_API_KEY set one), recovers any
// archived sessions from the journal directory, and wires every
// collaborator together. It does not start network listeners; call Run.
func New(dataDir string) (*Node, error) {
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, fmt.Errorf("node: loading config: %w", err)
	}
	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("node: creating data dir: %w", err)
	}

	apiKey, err := auth.EnsureKey(cfg.Server.DataDir, cfg.Auth.APIKey)
	if err != nil {
		return nil, fmt.Errorf("node: resolving api key: %w", err)
	}
	cfg.Auth.APIKey = apiKey

	mgr := session.NewManager(session.Config{
		MaxSessions: cfg.Server.MaxSessions,
		BufferSize:  cfg.Server.SessionBufferSize,
		DataDir:     cfg.Server.DataDir,
		JournalOn:   cfg.Server.JournalEnabled,
	})

	if cfg.Server.JournalEnabled {
		recovered, err := journal.RecoverAll(filepath.Join(cfg.Server.DataDir, "sessions"), time.Duration(cfg.Server.JournalMaxAgeHours)*time.Hour)
		if err != nil {
			slog.Warn("node: journal recovery failed", "err", err)
		} else if len(recovered) > 0 {
			mgr.RecoverFromJournal(recovered)
			slog.Info("node: recovered sessions from journal", "count", len(recovered))
		}
	}

	act := activity.New(cfg.Server.ActivityLogMaxEntries)
	ws := wsproto.NewServer(mgr, act, cfg.Shell.DefaultShell,
		uint16(cfg.Server.DefaultTerminalRows), uint16(cfg.Server.DefaultTerminalCols))

	playbookDir := filepath.Join(cfg.Server.DataDir, "playbooks")
	pbStore, err := playbook.NewStore(playbookDir)
	if err != nil {
		return nil, fmt.Errorf("node: loading playbooks: %w", err)
	}

	transfers := xfer.NewManager(2 * time.Minute)

	n := &Node{
		Config:   cfg,
		Manager:  mgr,
		Activity: act,
		WS:       ws,
		Playbook: pbStore,
		Transfer: transfers,
		pidPath:  filepath.Join(cfg.Server.DataDir, "sctl.pid"),
		dataDir:  cfg.Server.DataDir,
	}
	n.HTTP = &httpapi.Server{
		Manager:   mgr,
		Activity:  act,
		WS:        ws,
		APIKey:    apiKey,
		StartedAt: time.Now(),
	}

	if cfg.Tunnel.Relay {
		n.Modem = modem.NewPoller(&modem.FileReader{Path: filepath.Join(cfg.Server.DataDir, "modem_status.json")})
		n.Tunnel = tunnel.NewClient(tunnel.Config{
			RelayURL:          cfg.Tunnel.URL,
			Serial:            deviceSerial(cfg.Server.DataDir),
			APIKey:            cfg.Tunnel.TunnelKey,
			BindAddress:       cfg.Tunnel.BindAddress,
			HeartbeatInterval: time.Duration(cfg.Tunnel.HeartbeatIntervalSecs) * time.Second,
			ReconnectMaxDelay: time.Duration(cfg.Tunnel.ReconnectMaxDelaySecs) * time.Second,
		}, ws, newOpHandler(n), transfers.PauseAll)
	}

	return n, nil
}

// Run writes a PID file, starts the local HTTP listener, the maintenance
// sweeper, and (if configured) the Tunnel Client and GPS/LTE pollers. It
// blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context, listenAddr string) error {
	if err := os.WriteFile(n.pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("node: writing pid file: %w", err)
	}
	defer n.cleanup()

	go n.sweepLoop(ctx)
	go func() {
		if err := n.Playbook.Watch(ctx); err != nil {
			slog.Warn("node: playbook watch exited", "err", err)
		}
	}()

	if n.Tunnel != nil {
		go n.Tunnel.Run(ctx)
	}
	if n.Modem != nil {
		go n.Modem.Run(ctx)
	}

	srv := &http.Server{Addr: listenAddr, Handler: httpapi.NewRouter(n.HTTP)}
	slog.Info("node: listening", "addr", listenAddr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("node: http server: %w", err)
	}
	return nil
}

func (n *Node) cleanup() {
	os.Remove(n.pidPath)
}

// sweepLoop runs the Session Manager's periodic maintenance pass (AI
// auto-clear, exited-session GC, idle timeout) and republishes the
// resulting lifecycle events on the WS Broadcaster.
func (n *Node) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range n.Manager.Sweep() {
				n.WS.Broadcaster.Publish(wsproto.Response{
					Type:      "session." + string(ev.Kind),
					SessionID: ev.SessionID,
					Reason:    ev.Reason,
				})
			}
		}
	}
}

// deviceSerial returns a stable per-device identifier, generating and
// persisting one under dataDir/serial if it doesn't already exist.
func deviceSerial(dataDir string) string {
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
