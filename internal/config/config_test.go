package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.MaxSessions != 20 {
		t.Fatalf("want max_sessions=20, got %d", cfg.Server.MaxSessions)
	}
	if cfg.Shell.DefaultShell != "/bin/sh" {
		t.Fatalf("want /bin/sh, got %q", cfg.Shell.DefaultShell)
	}
	if cfg.Tunnel.HeartbeatTimeoutSecs != 45 {
		t.Fatalf("want heartbeat_timeout_secs=45, got %d", cfg.Tunnel.HeartbeatTimeoutSecs)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	data := `
[server]
max_sessions = 5

[auth]
api_key = "secret"

[tunnel]
relay = true
url = "https://relay.example.com"
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.MaxSessions != 5 {
		t.Fatalf("want max_sessions=5, got %d", cfg.Server.MaxSessions)
	}
	if cfg.Auth.APIKey != "secret" {
		t.Fatalf("want api_key=secret, got %q", cfg.Auth.APIKey)
	}
	if !cfg.Tunnel.Relay || cfg.Tunnel.URL != "https://relay.example.com" {
		t.Fatalf("unexpected tunnel config: %+v", cfg.Tunnel)
	}
	// Values not present in the file keep their spec defaults.
	if cfg.Shell.DefaultShell != "/bin/sh" {
		t.Fatalf("want default shell preserved, got %q", cfg.Shell.DefaultShell)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.DataDir != dir {
		t.Fatalf("want data_dir=%q, got %q", dir, cfg.Server.DataDir)
	}
}
