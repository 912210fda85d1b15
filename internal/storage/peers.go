package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// PeerRecord is a bus peer seen by this process.
type PeerRecord struct {
	PeerID      string
	Addresses   []string
	LastSeen    time.Time
	Connections int
}

// SavePeer records a peer connection, replacing its known addresses.
func (s *Storage) SavePeer(peerID string, addrs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrsJSON, err := json.Marshal(addrs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO peers (peer_id, addresses, last_seen, connections) VALUES (?, ?, ?, 1)
		ON CONFLICT(peer_id) DO UPDATE SET
			addresses = excluded.addresses,
			last_seen = excluded.last_seen,
			connections = peers.connections + 1
	`, peerID, string(addrsJSON), s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save peer: %w", err)
	}
	return nil
}

// ListRecentPeers returns peers seen within since, most connected first.
func (s *Storage) ListRecentPeers(since time.Duration, limit int) ([]*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT peer_id, addresses, last_seen, connections FROM peers
		WHERE last_seen > ?
		ORDER BY connections DESC, last_seen DESC`
	args := []interface{}{s.now().Add(-since).Unix()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	defer rows.Close()

	var peers []*PeerRecord
	for rows.Next() {
		var p PeerRecord
		var addrsJSON string
		var lastSeen int64
		if err := rows.Scan(&p.PeerID, &addrsJSON, &lastSeen, &p.Connections); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(addrsJSON), &p.Addresses)
		p.LastSeen = time.Unix(lastSeen, 0)
		peers = append(peers, &p)
	}
	return peers, rows.Err()
}

// PeerCount returns the number of known peers.
func (s *Storage) PeerCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM peers`).Scan(&count)
	return count, err
}
