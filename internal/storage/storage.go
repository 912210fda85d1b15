// Package storage provides persistent storage using SQLite: swap orders,
// the short-lived market/chain cache, the swap key counter and the
// known bus peers.
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

// DBFileName is the database file created inside the data directory.
const DBFileName = "lnswapd.db"

// Storage provides persistent storage for the swap service.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	now    func() time.Time
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
		now:    time.Now,
	}

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

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

func (s *Storage) initSchema() error {
	schema := `
	-- One row per swap, keyed by Lightning invoice
	CREATE TABLE IF NOT EXISTS swap_orders (
		invoice TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		onchain_network TEXT NOT NULL,

		-- Lightning side
		ln_payment_hash TEXT NOT NULL DEFAULT '',
		ln_dest_pub_key TEXT NOT NULL DEFAULT '',
		ln_amount INTEGER NOT NULL DEFAULT 0,
		ln_preimage TEXT NOT NULL DEFAULT '',

		-- On-chain side (amount in base units, as decimal text)
		onchain_amount TEXT NOT NULL DEFAULT '',
		swap_address TEXT NOT NULL DEFAULT '',
		swap_key_index INTEGER NOT NULL DEFAULT 0,
		redeem_script TEXT NOT NULL DEFAULT '',
		refund_address TEXT NOT NULL DEFAULT '',
		refund_public_key_hash TEXT NOT NULL DEFAULT '',
		timeout_block_height INTEGER NOT NULL DEFAULT 0,

		funding_txn TEXT NOT NULL DEFAULT '',
		funding_txn_index INTEGER NOT NULL DEFAULT 0,
		funding_block_hash TEXT NOT NULL DEFAULT '',
		claiming_txn TEXT NOT NULL DEFAULT '',
		claiming_block_hash TEXT NOT NULL DEFAULT '',
		refund_txn TEXT NOT NULL DEFAULT '',
		refund_block_hash TEXT NOT NULL DEFAULT '',
		refund_reason TEXT NOT NULL DEFAULT '',

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_swap_orders_state ON swap_orders(state);
	CREATE INDEX IF NOT EXISTS idx_swap_orders_network ON swap_orders(onchain_network, state);
	CREATE INDEX IF NOT EXISTS idx_swap_orders_swap_address ON swap_orders(swap_address);

	-- Short-lived values: heights, fee estimates, tickers, routes
	CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at INTEGER
	);

	-- Bus peers, reloaded into the libp2p peerstore on start
	CREATE TABLE IF NOT EXISTS peers (
		peer_id TEXT PRIMARY KEY,
		addresses TEXT NOT NULL DEFAULT '[]',
		last_seen INTEGER NOT NULL,
		connections INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);

	-- Monotonic counters
	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
