package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func httpBaseURL(t target) string {
	base := t.baseURL
	base = strings.Replace(base, "ws://", "http://", 1)
	base = strings.Replace(base, "wss://", "https://", 1)
	return strings.TrimRight(base, "/")
}

func restRequest(ctx context.Context, t target, method, path string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, httpBaseURL(t)+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

func execCmd() *cobra.Command {
	var workDir string
	var timeoutSec int

	cmd := &cobra.Command{
		Use:   "exec -- <command>",
		Short: "Run a one-shot command and wait for it to exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("command required after --")
			}
			command := strings.Join(args, " ")

			t := resolveTarget()
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(timeoutSec+5)*time.Second)
			defer cancel()

			body, err := json.Marshal(map[string]any{
				"command":     command,
				"working_dir": workDir,
				"timeout_sec": timeoutSec,
			})
			if err != nil {
				return err
			}

			data, status, err := restRequest(ctx, t, http.MethodPost, "/api/exec", body)
			if err != nil {
				return fmt.Errorf("exec request: %w", err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("exec failed (%d): %s", status, string(data))
			}

			var result struct {
				Output   string `json:"output"`
				ExitCode *int   `json:"exit_code"`
				TimedOut bool   `json:"timed_out"`
			}
			if err := json.Unmarshal(data, &result); err != nil {
				return err
			}

			fmt.Print(result.Output)
			if result.TimedOut {
				return fmt.Errorf("command timed out after %ds", timeoutSec)
			}
			if result.ExitCode != nil && *result.ExitCode != 0 {
				return fmt.Errorf("command exited with code %d", *result.ExitCode)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&workDir, "dir", "d", "", "Working directory for the command")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 30, "Seconds to wait for the command to exit")

	return cmd
}
