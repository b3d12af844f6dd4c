package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// schemaVersion is the newest schema this build understands.
const schemaVersion = 3

// migrations holds the forward migration for each version, indexed by
// version-1. Each runs inside its own transaction.
var migrations = []func(ctx context.Context, tx *sql.Tx) error{
	migrateV1Targets,
	migrateV2Settings,
	migrateV3Config,
}

// Migrate brings the database schema up to the current version. Databases
// written by a newer build are rejected rather than modified.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("store: create schema_version: %w", err)
	}

	var current int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("store: database schema version %d is newer than supported version %d; refusing to run", current, schemaVersion)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		if err := s.applyMigration(ctx, v); err != nil {
			return fmt.Errorf("store: migrate to v%d: %w", v, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := migrations[version-1](ctx, tx); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`, version, now); err != nil {
		return err
	}
	return tx.Commit()
}

// SchemaVersion returns the applied schema version, 0 for a fresh database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("store: read schema version: %w", err)
	}
	return current, nil
}

func migrateV1Targets(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE targets (
			name     TEXT PRIMARY KEY COLLATE NOCASE,
			base_url TEXT NOT NULL,
			phrases  TEXT NOT NULL
		)
	`)
	return err
}

func migrateV2Settings(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE settings (
			name        TEXT PRIMARY KEY,
			value       TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			description TEXT
		)
	`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE settings_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL,
			old_value  TEXT,
			new_value  TEXT NOT NULL,
			changed_at TEXT NOT NULL,
			source     TEXT NOT NULL,
			reason     TEXT
		)
	`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX idx_settings_log_name ON settings_log (name, id DESC)`); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO settings (name, value, updated_at, description)
		VALUES ('listen_mode', 'trigger', ?, 'ASR worker listen mode: inactive, trigger, or active')
	`, now)
	return err
}

func migrateV3Config(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE config (
			key         TEXT PRIMARY KEY,
			value       TEXT NOT NULL,
			type        TEXT NOT NULL CHECK (type IN ('bool', 'int', 'float', 'str')),
			description TEXT,
			updated_at  TEXT NOT NULL
		)
	`); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	seeds := []struct {
		key, value, typ, desc string
	}{
		{"enable_preroll_buffer", "false", "bool", "Keep a rolling pre-trigger audio buffer and prepend it to captures"},
		{"preroll_buffer_seconds", "2.0", "float", "Length of the pre-trigger audio buffer in seconds"},
	}
	for _, seed := range seeds {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO config (key, value, type, description, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, seed.key, seed.value, seed.typ, seed.desc, now); err != nil {
			return err
		}
	}
	return nil
}
