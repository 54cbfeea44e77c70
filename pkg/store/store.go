// Package store provides the persisted key/value storage plugins use for
// their own data, backed by a single SQLite database with one namespace
// per plugin.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"relaybot/pkg/logx"
)

// ErrDisabled is returned when storage is not configured.
var ErrDisabled = errors.New("store disabled")

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	ns         TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (ns, key)
);
`

type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the store. It returns (nil, nil) when no path is
// configured; a nil *Store is safe to use and reports ErrDisabled.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.Debug("store opened", logx.String("path", path))
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Namespace returns a plugin-scoped view of the store. Safe on a nil Store.
func (s *Store) Namespace(ns string) *Namespace {
	return &Namespace{store: s, ns: ns}
}

// Namespace is a per-plugin KV view. All methods are safe on a view of a
// nil (disabled) store and report ErrDisabled.
type Namespace struct {
	store *Store
	ns    string
}

func (n *Namespace) enabled() bool {
	return n != nil && n.store != nil && n.store.db != nil
}

func (n *Namespace) Put(ctx context.Context, key string, value []byte) error {
	if !n.enabled() {
		return ErrDisabled
	}
	_, err := n.store.db.ExecContext(ctx,
		`INSERT INTO kv(ns, key, value, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(ns, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		n.ns, key, value, time.Now().UnixMilli(),
	)
	return err
}

// Get returns the stored value, or (nil, false, nil) when the key is absent.
func (n *Namespace) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if !n.enabled() {
		return nil, false, ErrDisabled
	}
	var v []byte
	err := n.store.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE ns = ? AND key = ?`, n.ns, key,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (n *Namespace) Delete(ctx context.Context, key string) error {
	if !n.enabled() {
		return ErrDisabled
	}
	_, err := n.store.db.ExecContext(ctx,
		`DELETE FROM kv WHERE ns = ? AND key = ?`, n.ns, key)
	return err
}

// Keys lists the keys in this namespace, sorted.
func (n *Namespace) Keys(ctx context.Context) ([]string, error) {
	if !n.enabled() {
		return nil, ErrDisabled
	}
	rows, err := n.store.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE ns = ? ORDER BY key`, n.ns)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Purge drops every key in this namespace. Used when a plugin is unloaded
// for good and its data should not linger.
func (n *Namespace) Purge(ctx context.Context) error {
	if !n.enabled() {
		return ErrDisabled
	}
	_, err := n.store.db.ExecContext(ctx, `DELETE FROM kv WHERE ns = ?`, n.ns)
	return err
}
