// Package dkimstore implements the DKIM key database as a relational
// store: three tables tracking a domain's active signing keys, the
// rotation events that produced them, and the selectors observed on
// inbound mail.
package dkimstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNoKey is returned when a domain has no active signing key.
var ErrNoKey = errors.New("dkimstore: no active key for domain")

// Key is one row of dkim_keys.
type Key struct {
	Domain     string
	Selector   string
	PrivateKey []byte // PEM-encoded
	CreatedAt  time.Time
	Active     bool
}

// RotationEvent is one row of dkim_rotation_events: a record of an old
// selector being retired in favor of a new one.
type RotationEvent struct {
	Domain       string
	OldSelector  string
	NewSelector  string
	RotatedAt    time.Time
}

// DetectedSelector is one row of dkim_detected_selectors: a selector this
// Robin instance has observed in a DKIM-Signature header on inbound mail,
// independent of whether it is one Robin itself issued.
type DetectedSelector struct {
	Domain    string
	Selector  string
	FirstSeen time.Time
	LastSeen  time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS dkim_keys (
	domain      TEXT NOT NULL,
	selector    TEXT NOT NULL,
	private_key BLOB NOT NULL,
	created_at  DATETIME NOT NULL,
	active      INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (domain, selector)
);
CREATE TABLE IF NOT EXISTS dkim_rotation_events (
	domain       TEXT NOT NULL,
	old_selector TEXT NOT NULL,
	new_selector TEXT NOT NULL,
	rotated_at   DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS dkim_detected_selectors (
	domain     TEXT NOT NULL,
	selector   TEXT NOT NULL,
	first_seen DATETIME NOT NULL,
	last_seen  DATETIME NOT NULL,
	PRIMARY KEY (domain, selector)
);
`

// Store wraps a *sql.DB holding the three DKIM tables.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) a SQLite database at path and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("dkimstore: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("dkimstore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// ActiveKey returns domain's current active signing key.
func (s *Store) ActiveKey(domain string) (Key, error) {
	row := s.db.QueryRow(
		`SELECT domain, selector, private_key, created_at, active
		   FROM dkim_keys WHERE domain = ? AND active = 1
		  ORDER BY created_at DESC LIMIT 1`, domain)

	var k Key
	if err := row.Scan(&k.Domain, &k.Selector, &k.PrivateKey, &k.CreatedAt, &k.Active); err != nil {
		if err == sql.ErrNoRows {
			return Key{}, ErrNoKey
		}
		return Key{}, fmt.Errorf("dkimstore: ActiveKey(%s): %w", domain, err)
	}
	return k, nil
}

// Rotate retires domain's current active key (if any) in favor of a new
// one, recording the transition in dkim_rotation_events.
func (s *Store) Rotate(domain, newSelector string, privateKey []byte, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("dkimstore: Rotate(%s): %w", domain, err)
	}
	defer tx.Rollback()

	var oldSelector string
	row := tx.QueryRow(`SELECT selector FROM dkim_keys WHERE domain = ? AND active = 1`, domain)
	_ = row.Scan(&oldSelector) // absence is fine: first key for this domain

	if _, err := tx.Exec(`UPDATE dkim_keys SET active = 0 WHERE domain = ? AND active = 1`, domain); err != nil {
		return fmt.Errorf("dkimstore: Rotate(%s): retiring old key: %w", domain, err)
	}
	if _, err := tx.Exec(
		`INSERT INTO dkim_keys (domain, selector, private_key, created_at, active)
		 VALUES (?, ?, ?, ?, 1)`, domain, newSelector, privateKey, now); err != nil {
		return fmt.Errorf("dkimstore: Rotate(%s): inserting new key: %w", domain, err)
	}
	if oldSelector != "" {
		if _, err := tx.Exec(
			`INSERT INTO dkim_rotation_events (domain, old_selector, new_selector, rotated_at)
			 VALUES (?, ?, ?, ?)`, domain, oldSelector, newSelector, now); err != nil {
			return fmt.Errorf("dkimstore: Rotate(%s): recording event: %w", domain, err)
		}
	}
	return tx.Commit()
}

// RotationHistory returns domain's rotation events, most recent first.
func (s *Store) RotationHistory(domain string) ([]RotationEvent, error) {
	rows, err := s.db.Query(
		`SELECT domain, old_selector, new_selector, rotated_at
		   FROM dkim_rotation_events WHERE domain = ? ORDER BY rotated_at DESC`, domain)
	if err != nil {
		return nil, fmt.Errorf("dkimstore: RotationHistory(%s): %w", domain, err)
	}
	defer rows.Close()

	var out []RotationEvent
	for rows.Next() {
		var e RotationEvent
		if err := rows.Scan(&e.Domain, &e.OldSelector, &e.NewSelector, &e.RotatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordDetectedSelector upserts domain/selector into
// dkim_detected_selectors, bumping last_seen.
func (s *Store) RecordDetectedSelector(domain, selector string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO dkim_detected_selectors (domain, selector, first_seen, last_seen)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(domain, selector) DO UPDATE SET last_seen = excluded.last_seen`,
		domain, selector, at, at)
	if err != nil {
		return fmt.Errorf("dkimstore: RecordDetectedSelector(%s, %s): %w", domain, selector, err)
	}
	return nil
}

// DetectedSelectors returns every selector observed for domain.
func (s *Store) DetectedSelectors(domain string) ([]DetectedSelector, error) {
	rows, err := s.db.Query(
		`SELECT domain, selector, first_seen, last_seen
		   FROM dkim_detected_selectors WHERE domain = ? ORDER BY first_seen`, domain)
	if err != nil {
		return nil, fmt.Errorf("dkimstore: DetectedSelectors(%s): %w", domain, err)
	}
	defer rows.Close()

	var out []DetectedSelector
	for rows.Next() {
		var d DetectedSelector
		if err := rows.Scan(&d.Domain, &d.Selector, &d.FirstSeen, &d.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
