// Package auth generates and persists the device's api key when the
// operator hasn't set one in config.toml, so a fresh device still comes
// up with working (if printed-once) authentication instead of an open
// WS/REST/relay surface.
package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
)

const keyLength = 32

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func keyPath(dataDir string) string {
	return filepath.Join(dataDir, "api_key")
}

// GenerateKey creates a random 32-character alphanumeric api key and
// persists it to dataDir/api_key with permissions 0600.
func GenerateKey(dataDir string) (string, error) {
	key, err := randomAlphanumeric(keyLength)
	if err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	if err := os.WriteFile(keyPath(dataDir), []byte(key), 0o600); err != nil {
		return "", fmt.Errorf("writing api key to %s: %w", dataDir, err)
	}
	return key, nil
}

// EnsureKey returns the device's api key, in priority order:
//  1. SCTL_API_KEY environment variable (persisted to disk so subsequent
//     reads without the env var still see it)
//  2. configured is non-empty (set via config.toml)
//  3. an existing key previously persisted to dataDir/api_key
//  4. a freshly generated key, persisted for next time
func EnsureKey(dataDir, configured string) (string, error) {
	if env := strings.TrimSpace(os.Getenv("SCTL_API_KEY")); env != "" {
		if err := os.WriteFile(keyPath(dataDir), []byte(env), 0o600); err != nil {
			return "", fmt.Errorf("writing api key to %s: %w", dataDir, err)
		}
		return env, nil
	}
	if configured != "" {
		return configured, nil
	}
	if data, err := os.ReadFile(keyPath(dataDir)); err == nil {
		if key := strings.TrimSpace(string(data)); key != "" {
			return key, nil
		}
	}
	return GenerateKey(dataDir)
}

func randomAlphanumeric(n int) (string, error) {
	max := big.NewInt(int64(len(alphanumeric)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}
