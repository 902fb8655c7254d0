// Package trust persists the set of mobile devices a host has paired with.
// It is a thin wrapper over an embedded SQLite database: Open keeps one
// database handle until Close, and applies each embedded SQL migration
// exactly once.
package trust

import (
	"crypto/ed25519"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Device is a paired mobile device, keyed by its public key.
type Device struct {
	PublicKey  ed25519.PublicKey
	UserEmail  string
	DeviceName string
	PairedAt   int64
	LastSeen   *int64
}

// Store is the trusted-device table backed by an embedded SQL database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the trust database at dsn and applies
// any pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("trust: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("trust: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("trust: enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("trust: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// IsTrusted reports whether pk has a trusted_devices row.
func (s *Store) IsTrusted(pk ed25519.PublicKey) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM trusted_devices WHERE public_key = ?`, []byte(pk)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("trust: is trusted: %w", err)
	}
	return count > 0, nil
}

// GetDevice returns the device record for pk, or nil if it isn't trusted.
func (s *Store) GetDevice(pk ed25519.PublicKey) (*Device, error) {
	row := s.db.QueryRow(`SELECT public_key, user_email, device_name, paired_at, last_seen
		FROM trusted_devices WHERE public_key = ?`, []byte(pk))
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trust: get device: %w", err)
	}
	return d, nil
}

// ListDevices returns all trusted devices, most recently paired first.
func (s *Store) ListDevices() ([]*Device, error) {
	rows, err := s.db.Query(`SELECT public_key, user_email, device_name, paired_at, last_seen
		FROM trusted_devices ORDER BY paired_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("trust: list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("trust: scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpsertDevice inserts or replaces the record for a device, used when a
// pairing request is approved (including re-pairing an already-trusted key).
func (s *Store) UpsertDevice(d *Device) error {
	_, err := s.db.Exec(`INSERT INTO trusted_devices (public_key, user_email, device_name, paired_at, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(public_key) DO UPDATE SET
			user_email = excluded.user_email,
			device_name = excluded.device_name,
			paired_at = excluded.paired_at,
			last_seen = excluded.last_seen`,
		[]byte(d.PublicKey), d.UserEmail, d.DeviceName, d.PairedAt, d.LastSeen)
	if err != nil {
		return fmt.Errorf("trust: upsert device: %w", err)
	}
	return nil
}

// UpdateLastSeen bumps last_seen for an already-trusted device.
func (s *Store) UpdateLastSeen(pk ed25519.PublicKey, ts int64) error {
	_, err := s.db.Exec(`UPDATE trusted_devices SET last_seen = ? WHERE public_key = ?`, ts, []byte(pk))
	if err != nil {
		return fmt.Errorf("trust: update last seen: %w", err)
	}
	return nil
}

// RemoveDevice deletes the record for pk, reporting whether one existed.
func (s *Store) RemoveDevice(pk ed25519.PublicKey) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM trusted_devices WHERE public_key = ?`, []byte(pk))
	if err != nil {
		return false, fmt.Errorf("trust: remove device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("trust: remove device rows affected: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var pk []byte
	d := &Device{}
	if err := row.Scan(&pk, &d.UserEmail, &d.DeviceName, &d.PairedAt, &d.LastSeen); err != nil {
		return nil, err
	}
	d.PublicKey = ed25519.PublicKey(pk)
	return d, nil
}
