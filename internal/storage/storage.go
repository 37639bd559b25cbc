// Package storage provides persistent storage for cnd using SQLite.
// The event log (swaps/events tables) is the system of record per spec;
// orders, peers and the p2p message outbox/inbox are ambient state that
// makes the daemon resumable and the p2p layer reliable.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the cnd daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	// Path is the sqlite database file path (database.sqlite in config).
	Path string
}

// New creates a new Storage instance, creating the database file and schema
// if they do not already exist.
func New(cfg *Config) (*Storage, error) {
	dbPath := expandPath(cfg.Path)

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer; serialize through a single connection
	// and our own mutex (write-ahead semantics for the event log, spec §4.6).
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{db: db, dbPath: dbPath}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

func (s *Storage) initSchema() error {
	schema := `
	-- Known peers (p2p transport connection bootstrapping).
	CREATE TABLE IF NOT EXISTS peers (
		peer_id TEXT PRIMARY KEY,
		addresses TEXT,
		first_seen INTEGER,
		last_seen INTEGER,
		last_connected INTEGER,
		connection_count INTEGER DEFAULT 0,
		is_bootstrap INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);

	-- =========================================================================
	-- Event log (system of record, spec §4.6 / §6): swaps + append-only events.
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS swaps (
		swap_id TEXT PRIMARY KEY,
		params BLOB NOT NULL,
		role TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		swap_id TEXT NOT NULL,
		seq_no INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(swap_id, seq_no),
		FOREIGN KEY (swap_id) REFERENCES swaps(swap_id)
	);
	CREATE INDEX IF NOT EXISTS idx_events_swap ON events(swap_id, seq_no);

	-- =========================================================================
	-- Orderbook persistence (spec §4.4).
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		maker_identity TEXT NOT NULL,
		position TEXT NOT NULL,
		base_asset TEXT NOT NULL,
		quote_asset TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		pending_match INTEGER NOT NULL DEFAULT 0,
		creation_time INTEGER NOT NULL,
		updated_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_orders_pair ON orders(base_asset, quote_asset, status);
	CREATE INDEX IF NOT EXISTS idx_orders_maker ON orders(maker_identity);

	-- =========================================================================
	-- P2P message queue (reliable direct messaging, spec §4.5 ordering/idempotency).
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS message_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,
		peer_id TEXT NOT NULL,
		message_type TEXT NOT NULL,
		payload BLOB NOT NULL,
		sequence_num INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		retry_count INTEGER DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		acked_at INTEGER,
		status TEXT DEFAULT 'pending'
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON message_outbox(status, next_retry_at);
	CREATE INDEX IF NOT EXISTS idx_outbox_peer ON message_outbox(peer_id, status);

	CREATE TABLE IF NOT EXISTS message_inbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,
		peer_id TEXT NOT NULL,
		message_type TEXT NOT NULL,
		sequence_num INTEGER NOT NULL,
		received_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_inbox_peer ON message_inbox(peer_id, sequence_num);

	CREATE TABLE IF NOT EXISTS message_sequences (
		peer_id TEXT PRIMARY KEY,
		local_seq INTEGER DEFAULT 0,
		remote_seq INTEGER DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
