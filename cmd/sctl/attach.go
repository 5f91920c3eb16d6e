package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"nhooyr.io/websocket"

	"github.com/fleetshell/sctl/internal/statusbar"
	"github.com/fleetshell/sctl/internal/terminal"
	"github.com/fleetshell/sctl/internal/wsproto"
)

func boolPtr(b bool) *bool       { return &b }
func uint16Ptr(v uint16) *uint16 { return &v }

// dialSession opens a WS connection to the resolved target's /api/ws
// endpoint, authenticating via the token query parameter the same way
// both the local listener and the relay's client proxy expect.
func dialSession(ctx context.Context, t target) (*websocket.Conn, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/ws"
	q := u.Query()
	q.Set("token", t.token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", t.baseURL, err)
	}
	return conn, nil
}

func attachCmd() *cobra.Command {
	var sessionID string
	var shell string
	var workDir string

	cmd := &cobra.Command{
		Use:   "attach [session-id]",
		Short: "Attach to a session's PTY, starting one if none is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				sessionID = args[0]
			}

			t := resolveTarget()
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			conn, err := dialSession(ctx, t)
			if err != nil {
				return err
			}
			defer conn.CloseNow()

			isTTY := isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())

			cols, rows, err := terminal.TerminalSize()
			if err != nil {
				cols, rows = 80, 24
			}
			bar := statusbar.New(sessionID, cols, rows)
			if !isTTY {
				// Piped stdin/stdout: skip raw mode and the ANSI status bar.
				bar.Enabled = false
			}
			ptyCols, ptyRows := bar.PtySize()

			if sessionID == "" {
				req := wsproto.Request{
					Type:       "session.start",
					RequestID:  "attach",
					Shell:      shell,
					WorkingDir: workDir,
					PTY:        boolPtr(true),
					Rows:       uint16Ptr(ptyRows),
					Cols:       uint16Ptr(ptyCols),
					Persistent: boolPtr(true),
				}
				if err := writeRequest(ctx, conn, req); err != nil {
					return err
				}
				sessionID, err = awaitStarted(ctx, conn)
				if err != nil {
					return err
				}
				bar.SessionID = sessionID
			} else {
				req := wsproto.Request{Type: "session.attach", RequestID: "attach", SessionID: sessionID}
				if err := writeRequest(ctx, conn, req); err != nil {
					return err
				}
			}

			if isTTY {
				guard, err := terminal.EnableRawMode()
				if err != nil {
					return fmt.Errorf("enabling raw mode: %w", err)
				}
				defer guard.Restore()
			}

			os.Stdout.Write(bar.Setup())
			defer os.Stdout.Write(bar.Teardown())

			resizeCh, stopResize := terminal.ResizeSignal()
			defer stopResize()
			go func() {
				for range resizeCh {
					cols, rows, err := terminal.TerminalSize()
					if err != nil {
						continue
					}
					os.Stdout.Write(bar.Resize(cols, rows))
					ptyCols, ptyRows := bar.PtySize()
					writeRequest(ctx, conn, wsproto.Request{
						Type: "session.resize", SessionID: sessionID,
						Rows: uint16Ptr(ptyRows), Cols: uint16Ptr(ptyCols),
					})
				}
			}()

			detachCh := make(chan struct{})
			go pumpStdin(ctx, conn, sessionID, detachCh)
			go redrawStatusLoop(ctx, bar, detachCh)
			pumpStdout(ctx, conn, detachCh)

			fmt.Fprintln(os.Stderr, "\r\n[sctl] detached")
			return nil
		},
	}

	cmd.Flags().StringVar(&shell, "shell", "", "Shell to launch for a new session")
	cmd.Flags().StringVarP(&workDir, "dir", "d", "", "Working directory for a new session")

	return cmd
}

// redrawStatusLoop refreshes the status bar's elapsed-time display every
// 30s until the session detaches.
func redrawStatusLoop(ctx context.Context, bar *statusbar.StatusBar, detachCh <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-detachCh:
			return
		case <-ticker.C:
			os.Stdout.Write(bar.Draw())
		}
	}
}

func writeRequest(ctx context.Context, conn *websocket.Conn, req wsproto.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func awaitStarted(ctx context.Context, conn *websocket.Conn) (string, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return "", err
	}
	var resp wsproto.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", err
	}
	if resp.Type != "session.started" {
		return "", fmt.Errorf("unexpected response: %s", resp.Type)
	}
	return resp.SessionID, nil
}

// pumpStdin reads raw terminal bytes, detects the Ctrl+B d detach
// sequence, and forwards everything else as session.stdin frames.
func pumpStdin(ctx context.Context, conn *websocket.Conn, sessionID string, detachCh chan<- struct{}) {
	detector := terminal.NewDetachDetector()
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			detach, fwd := detector.FeedBuf(buf[:n])
			if len(fwd) > 0 {
				writeRequest(ctx, conn, wsproto.Request{
					Type: "session.stdin", SessionID: sessionID, Data: string(fwd),
				})
			}
			if detach {
				close(detachCh)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				fmt.Fprintln(os.Stderr, "\r\n[sctl] stdin error:", err)
			}
			return
		}
	}
}

// pumpStdout reads WS frames until the connection closes or a detach is
// signalled, writing session.stdout/stderr payloads to the terminal.
func pumpStdout(ctx context.Context, conn *websocket.Conn, detachCh <-chan struct{}) {
	for {
		select {
		case <-detachCh:
			return
		default:
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var resp wsproto.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		switch resp.Type {
		case "session.stdout", "session.stderr":
			os.Stdout.WriteString(resp.Data)
		case "session.attached":
			for _, e := range resp.Entries {
				os.Stdout.WriteString(e.Data)
			}
		case "session.destroyed", "session.closed":
			fmt.Fprintf(os.Stderr, "\r\n[sctl] session ended: %s\n", resp.Reason)
			return
		case "error":
			var ef wsproto.ErrorFrame
			json.Unmarshal(data, &ef)
			fmt.Fprintf(os.Stderr, "\r\n[sctl] error: %s\n", ef.Message)
			return
		}
	}
}
