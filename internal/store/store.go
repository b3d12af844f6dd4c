// Package store is the persistent layer of EchoNet: a single-file SQLite
// database holding runtime settings, their audit log, registered targets, and
// tunable config values.
//
// Reads of settings are served from an in-memory cache that is warmed lazily
// and kept in sync by Set, so the ASR worker can poll the listen mode on every
// loop iteration without touching the database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a setting, config key, or target does not exist.
var ErrNotFound = errors.New("store: not found")

// Setting is a named runtime value with provenance.
type Setting struct {
	Name        string    `json:"name"`
	Value       string    `json:"value"`
	UpdatedAt   time.Time `json:"updated_at"`
	Description string    `json:"description,omitempty"`
}

// Change is one row of the settings audit log. OldValue is nil for the first
// write of a setting, distinguishing "never set" from "was empty".
type Change struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	OldValue  *string   `json:"old_value"`
	NewValue  string    `json:"new_value"`
	ChangedAt time.Time `json:"changed_at"`
	Source    string    `json:"source"`
	Reason    string    `json:"reason,omitempty"`
}

// Target is a registered event consumer: a service reachable at BaseURL that
// claims a set of wake phrases.
type Target struct {
	Name    string   `json:"name"`
	BaseURL string   `json:"base_url"`
	Phrases []string `json:"phrases"`
}

// ConfigValue is a typed tunable from the config table.
type ConfigValue struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Type        string    `json:"type"` // bool, int, float, or str
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Bool interprets the value as a boolean. Accepts the usual spellings
// (true/false, 1/0, yes/no).
func (c ConfigValue) Bool() (bool, error) {
	switch c.Value {
	case "yes", "Yes":
		return true, nil
	case "no", "No":
		return false, nil
	}
	b, err := strconv.ParseBool(c.Value)
	if err != nil {
		return false, fmt.Errorf("store: config %q: %w", c.Key, err)
	}
	return b, nil
}

// Float interprets the value as a float64.
func (c ConfigValue) Float() (float64, error) {
	f, err := strconv.ParseFloat(c.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("store: config %q: %w", c.Key, err)
	}
	return f, nil
}

// Store wraps the SQLite database. All exported methods are safe for
// concurrent use.
type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	cache map[string]string // settings cache, nil until first read
}

// Open opens (creating if necessary) the database at path and verifies the
// connection. Callers must run [Store.Migrate] before using the data methods.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	// modernc/sqlite serialises access per connection; a single connection
	// avoids SQLITE_BUSY between the worker and the HTTP surface.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetSetting returns the current value of a setting, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.warmCacheLocked(ctx); err != nil {
		return "", err
	}
	v, ok := s.cache[name]
	if !ok {
		return "", fmt.Errorf("store: setting %q: %w", name, ErrNotFound)
	}
	return v, nil
}

// Settings returns all settings, sorted by name.
func (s *Store) Settings(ctx context.Context) ([]Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, value, updated_at, COALESCE(description, '')
		FROM settings
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: query settings: %w", err)
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var st Setting
		var updated string
		if err := rows.Scan(&st.Name, &st.Value, &updated, &st.Description); err != nil {
			return nil, fmt.Errorf("store: scan setting: %w", err)
		}
		st.UpdatedAt = parseTime(updated)
		out = append(out, st)
	}
	return out, rows.Err()
}

// SetSetting writes a new value for name and appends an audit-log row
// recording who changed it and why, all in one transaction. Setting a value
// equal to the current one is a no-op: no write, no log row.
func (s *Store) SetSetting(ctx context.Context, name, value, source, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.warmCacheLocked(ctx); err != nil {
		return err
	}
	old, existed := s.cache[name]
	if existed && old == value {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO settings (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, name, value, now); err != nil {
		return fmt.Errorf("store: upsert setting %q: %w", name, err)
	}
	var oldVal any // NULL on the first-ever write
	if existed {
		oldVal = old
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO settings_log (name, old_value, new_value, changed_at, source, reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`, name, oldVal, value, now, source, reason); err != nil {
		return fmt.Errorf("store: log setting %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit setting %q: %w", name, err)
	}

	s.cache[name] = value
	return nil
}

// maxHistoryLimit caps History responses regardless of the requested limit.
const maxHistoryLimit = 500

// History returns audit-log rows, newest first. When name is empty all
// settings are included. A limit <= 0 defaults to 50; limits above 500 are
// clamped.
func (s *Store) History(ctx context.Context, name string, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT id, name, old_value, new_value, changed_at, source, COALESCE(reason, '')
		FROM settings_log
	`
	args := []any{}
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	defer rows.Close()

	out := []Change{}
	for rows.Next() {
		var c Change
		var old sql.NullString
		var changed string
		if err := rows.Scan(&c.ID, &c.Name, &old, &c.NewValue, &changed, &c.Source, &c.Reason); err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		if old.Valid {
			c.OldValue = &old.String
		}
		c.ChangedAt = parseTime(changed)
		out = append(out, c)
	}
	return out, rows.Err()
}

// PutTarget inserts or replaces a target. Name matching is case-insensitive
// at the schema level (COLLATE NOCASE).
func (s *Store) PutTarget(ctx context.Context, t Target) error {
	phrases, err := json.Marshal(t.Phrases)
	if err != nil {
		return fmt.Errorf("store: marshal phrases for %q: %w", t.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO targets (name, base_url, phrases) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET base_url = excluded.base_url, phrases = excluded.phrases
	`, t.Name, t.BaseURL, string(phrases)); err != nil {
		return fmt.Errorf("store: put target %q: %w", t.Name, err)
	}
	return nil
}

// DeleteTarget removes a target by name, returning ErrNotFound when absent.
func (s *Store) DeleteTarget(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("store: delete target %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete target %q: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("store: target %q: %w", name, ErrNotFound)
	}
	return nil
}

// Targets returns all registered targets, sorted by name.
func (s *Store) Targets(ctx context.Context) ([]Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT name, base_url, phrases FROM targets ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query targets: %w", err)
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		var t Target
		var phrases string
		if err := rows.Scan(&t.Name, &t.BaseURL, &phrases); err != nil {
			return nil, fmt.Errorf("store: scan target: %w", err)
		}
		if err := json.Unmarshal([]byte(phrases), &t.Phrases); err != nil {
			return nil, fmt.Errorf("store: unmarshal phrases for %q: %w", t.Name, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetConfig returns a typed config value by key, or ErrNotFound.
func (s *Store) GetConfig(ctx context.Context, key string) (ConfigValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT key, value, type, COALESCE(description, ''), updated_at
		FROM config WHERE key = ?
	`, key)

	var c ConfigValue
	var updated string
	if err := row.Scan(&c.Key, &c.Value, &c.Type, &c.Description, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConfigValue{}, fmt.Errorf("store: config %q: %w", key, ErrNotFound)
		}
		return ConfigValue{}, fmt.Errorf("store: get config %q: %w", key, err)
	}
	c.UpdatedAt = parseTime(updated)
	return c, nil
}

// SetConfig updates the value of an existing config key. The key's type is
// fixed at seed time; unknown keys return ErrNotFound.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `UPDATE config SET value = ?, updated_at = ? WHERE key = ?`, value, now, key)
	if err != nil {
		return fmt.Errorf("store: set config %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set config %q: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("store: config %q: %w", key, ErrNotFound)
	}
	return nil
}

// Configs returns all config rows sorted by key.
func (s *Store) Configs(ctx context.Context) ([]ConfigValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, type, COALESCE(description, ''), updated_at
		FROM config ORDER BY key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: query config: %w", err)
	}
	defer rows.Close()

	var out []ConfigValue
	for rows.Next() {
		var c ConfigValue
		var updated string
		if err := rows.Scan(&c.Key, &c.Value, &c.Type, &c.Description, &updated); err != nil {
			return nil, fmt.Errorf("store: scan config: %w", err)
		}
		c.UpdatedAt = parseTime(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Ping reports database liveness; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// warmCacheLocked loads the settings table into the cache on first use.
// Callers must hold s.mu.
func (s *Store) warmCacheLocked(ctx context.Context) error {
	if s.cache != nil {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM settings`)
	if err != nil {
		return fmt.Errorf("store: warm cache: %w", err)
	}
	defer rows.Close()

	cache := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return fmt.Errorf("store: warm cache: %w", err)
		}
		cache[name] = value
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: warm cache: %w", err)
	}
	s.cache = cache
	return nil
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
