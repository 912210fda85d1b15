package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrCacheMiss is returned for absent or expired cache entries.
var ErrCacheMiss = errors.New("cache miss")

// Cache keys shared by the chain watchers and the quote service.
func HeightKey(network string) string        { return "Blockchain:" + network + ":Height" }
func FeeEstimationKey(network string) string { return "Blockchain:" + network + ":FeeEstimation" }
func PriceTickerKey(pair string) string      { return "PriceTicker:" + pair }
func RoutesKey(invoice string) string        { return "Routes:" + invoice }

// SwapFeesKey holds the per-pair fee schedule.
const SwapFeesKey = "SwapFees"

// SetCache stores a value. A zero ttl keeps it until overwritten.
func (s *Storage) SetCache(key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt *int64
	if ttl > 0 {
		ts := s.now().Add(ttl).UnixMilli()
		expiresAt = &ts
	}

	_, err := s.db.Exec(`
		INSERT INTO cache (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at
	`, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to set cache %s: %w", key, err)
	}
	return nil
}

// GetCache returns a live value or ErrCacheMiss.
func (s *Storage) GetCache(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	var expiresAt sql.NullInt64
	err := s.db.QueryRow(`SELECT value, expires_at FROM cache WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("failed to get cache %s: %w", key, err)
	}
	if expiresAt.Valid && s.now().UnixMilli() >= expiresAt.Int64 {
		return "", ErrCacheMiss
	}
	return value, nil
}

// DeleteCache removes a key.
func (s *Storage) DeleteCache(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache %s: %w", key, err)
	}
	return nil
}

// PurgeExpiredCache deletes expired entries and returns how many.
func (s *Storage) PurgeExpiredCache() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`DELETE FROM cache WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache: %w", err)
	}
	return result.RowsAffected()
}
