package storage

import (
	"database/sql"
	"fmt"
)

const swapKeyCounter = "swap_key_index"

// NextKeyIndex returns the next swap key derivation index, starting at 1.
// Indices are never reused, even across restarts.
func (s *Storage) NextKeyIndex() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var index int64
	err := s.db.QueryRow(`
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value
	`, swapKeyCounter).Scan(&index)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate key index: %w", err)
	}
	return index, nil
}

func feedCounter(network string) string { return "feed_height:" + network }

// FeedHeight returns the last block height a chain watcher finished for
// network, or 0 when it never recorded one.
func (s *Storage) FeedHeight(network string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var height int64
	err := s.db.QueryRow(`SELECT value FROM counters WHERE name = ?`, feedCounter(network)).Scan(&height)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read feed height: %w", err)
	}
	return height, nil
}

// SetFeedHeight records height as finished for network. The stored
// height never moves backwards.
func (s *Storage) SetFeedHeight(network string, height int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO counters (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = MAX(value, excluded.value)
	`, feedCounter(network), height)
	if err != nil {
		return fmt.Errorf("failed to record feed height: %w", err)
	}
	return nil
}
