// Package config loads the device's TOML settings object.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the top-level settings object, decoded from config.toml.
type Config struct {
	Server ServerConfig `toml:"server"`
	Auth   AuthConfig   `toml:"auth"`
	Shell  ShellConfig  `toml:"shell"`
	Tunnel TunnelConfig `toml:"tunnel"`
}

// ServerConfig controls session limits and ambient storage.
type ServerConfig struct {
	MaxSessions            int    `toml:"max_sessions"`
	SessionBufferSize      int    `toml:"session_buffer_size"`
	DataDir                string `toml:"data_dir"`
	JournalEnabled         bool   `toml:"journal_enabled"`
	JournalMaxAgeHours     int    `toml:"journal_max_age_hours"`
	DefaultTerminalRows    int    `toml:"default_terminal_rows"`
	DefaultTerminalCols    int    `toml:"default_terminal_cols"`
	ActivityLogMaxEntries  int    `toml:"activity_log_max_entries"`
	ExecResultCacheSize    int    `toml:"exec_result_cache_size"`
}

// AuthConfig holds the per-device bearer token used by both the local
// WS/REST listener and the relay's client proxy.
type AuthConfig struct {
	APIKey string `toml:"api_key"`
}

// ShellConfig sets the default shell and working directory for new
// sessions when a request doesn't specify one.
type ShellConfig struct {
	DefaultShell      string `toml:"default_shell"`
	DefaultWorkingDir string `toml:"default_working_dir"`
}

// TunnelConfig configures the outbound Tunnel Client.
type TunnelConfig struct {
	Relay                  bool   `toml:"relay"`
	TunnelKey              string `toml:"tunnel_key"`
	URL                    string `toml:"url"`
	ReconnectDelaySecs     int    `toml:"reconnect_delay_secs"`
	ReconnectMaxDelaySecs  int    `toml:"reconnect_max_delay_secs"`
	HeartbeatIntervalSecs  int    `toml:"heartbeat_interval_secs"`
	HeartbeatTimeoutSecs   int    `toml:"heartbeat_timeout_secs"`
	TunnelProxyTimeoutSecs int    `toml:"tunnel_proxy_timeout_secs"`
	BindAddress            string `toml:"bind_address"`
}

// Default returns the settings object with every spec-mandated default
// applied, before any file or environment override.
func Default() Config {
	return Config{
		Server: ServerConfig{
			MaxSessions:           20,
			SessionBufferSize:     1000,
			DataDir:               defaultDataDir(),
			JournalEnabled:        true,
			JournalMaxAgeHours:    72,
			DefaultTerminalRows:   24,
			DefaultTerminalCols:   80,
			ActivityLogMaxEntries: 200,
			ExecResultCacheSize:   100,
		},
		Shell: ShellConfig{
			DefaultShell:      "/bin/sh",
			DefaultWorkingDir: "/",
		},
		Tunnel: TunnelConfig{
			ReconnectDelaySecs:     2,
			ReconnectMaxDelaySecs:  30,
			HeartbeatIntervalSecs:  15,
			HeartbeatTimeoutSecs:   45,
			TunnelProxyTimeoutSecs: 60,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sctl"
	}
	return filepath.Join(home, ".sctl")
}

// Load reads config.toml from dataDir over the spec defaults. A missing
// file is not an error; an unset auth.api_key logs a warning, and the
// key then comes from SCTL_API_KEY or a generated key persisted in the
// data dir (see auth.EnsureKey).
func Load(dataDir string) (*Config, error) {
	cfg := Default()
	if dataDir != "" {
		cfg.Server.DataDir = dataDir
	}

	path := filepath.Join(cfg.Server.DataDir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if cfg.Auth.APIKey == "" {
		slog.Warn("config: auth.api_key is unset, falling back to SCTL_API_KEY or a generated key")
	}

	return &cfg, nil
}
