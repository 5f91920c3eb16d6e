// Package relaystore is a SQLite-backed device roster for the Tunnel
// Relay: serial, hashed api key, display name, and first/last-seen
// timestamps (last_seen moves on each successful authentication).
// Implements the DeviceAuthenticator and ClientAuthenticator interfaces
// that internal/relay's handlers depend on.
package relaystore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// Device is one registered device's roster record.
type Device struct {
	Serial      string
	DisplayName string
	FirstSeen   time.Time
	LastSeen    time.Time
	Revoked     bool
}

// Store is a SQLite-backed device roster. A single *sql.DB connection
// is used for writes since SQLite serializes writers anyway.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the roster database at dataDir/devices.db and
// runs schema migrations.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "devices.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("relaystore: opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("relaystore: migrating: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS devices (
		serial TEXT PRIMARY KEY,
		api_key_hash TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		revoked INTEGER NOT NULL DEFAULT 0
	)`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enroll inserts a new device with the given bcrypt-hashed api key, or
// updates the key and display name if the serial already exists.
func (s *Store) Enroll(ctx context.Context, serial, apiKey, displayName string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("relaystore: hashing api key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (serial, api_key_hash, display_name, first_seen, last_seen, revoked)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(serial) DO UPDATE SET api_key_hash = excluded.api_key_hash,
			display_name = excluded.display_name, revoked = 0`,
		serial, string(hash), displayName, now, now)
	if err != nil {
		return fmt.Errorf("relaystore: enrolling %s: %w", serial, err)
	}
	return nil
}

// Revoke marks a device as revoked; its api key no longer authenticates.
func (s *Store) Revoke(ctx context.Context, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET revoked = 1 WHERE serial = ?`, serial)
	return err
}

// Get returns the roster record for serial.
func (s *Store) Get(ctx context.Context, serial string) (Device, bool, error) {
	var d Device
	var revoked int
	err := s.db.QueryRowContext(ctx,
		`SELECT serial, display_name, first_seen, last_seen, revoked FROM devices WHERE serial = ?`,
		serial).Scan(&d.Serial, &d.DisplayName, &d.FirstSeen, &d.LastSeen, &revoked)
	if err == sql.ErrNoRows {
		return Device{}, false, nil
	}
	if err != nil {
		return Device{}, false, fmt.Errorf("relaystore: get %s: %w", serial, err)
	}
	d.Revoked = revoked != 0
	return d, true, nil
}

// List returns every device in the roster.
func (s *Store) List(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT serial, display_name, first_seen, last_seen, revoked FROM devices ORDER BY serial`)
	if err != nil {
		return nil, fmt.Errorf("relaystore: list: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		var revoked int
		if err := rows.Scan(&d.Serial, &d.DisplayName, &d.FirstSeen, &d.LastSeen, &revoked); err != nil {
			return nil, err
		}
		d.Revoked = revoked != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// touchLastSeen updates last_seen for an authenticated device.
func (s *Store) touchLastSeen(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.Exec(`UPDATE devices SET last_seen = ? WHERE serial = ?`, time.Now().UTC(), serial)
}

// Authenticate implements internal/relay's DeviceAuthenticator: checks
// the tunnel key a device presents at registration against its stored
// bcrypt hash and revoked flag.
func (s *Store) Authenticate(ctx context.Context, serial, tunnelKey string) bool {
	var storedHash string
	var revoked int
	err := s.db.QueryRowContext(ctx, `SELECT api_key_hash, revoked FROM devices WHERE serial = ?`, serial).
		Scan(&storedHash, &revoked)
	if err != nil || revoked != 0 {
		return false
	}
	if bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(tunnelKey)) != nil {
		return false
	}
	s.touchLastSeen(serial)
	return true
}

// CheckClientToken implements internal/relay's ClientAuthenticator: a
// relay client authenticates with the same per-device api key used at
// device registration (the bearer token clients present to reach a
// specific device's WS/REST proxy).
func (s *Store) CheckClientToken(ctx context.Context, serial, token string) bool {
	return s.Authenticate(ctx, serial, token)
}
