package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// UpsertPeer records a sighting of a peer. The first sighting inserts the
// row; later ones refresh last_seen_timestamp and, when non-empty, the
// display name.
func (s *Store) UpsertPeer(peerID, displayName string, seenAt int64) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}
	if seenAt == 0 {
		seenAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (
			peer_id,
			display_name,
			first_seen_timestamp,
			last_seen_timestamp
		) VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name = '' THEN peers.display_name ELSE excluded.display_name END,
			last_seen_timestamp = excluded.last_seen_timestamp`,
		peerID,
		strings.TrimSpace(displayName),
		seenAt,
		seenAt,
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peerID, err)
	}

	return nil
}

// GetPeer fetches a peer by ID.
func (s *Store) GetPeer(peerID string) (*Peer, error) {
	row := s.db.QueryRow(
		`SELECT
			peer_id,
			display_name,
			first_seen_timestamp,
			last_seen_timestamp
		FROM peers
		WHERE peer_id = ?`,
		peerID,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", peerID, err)
	}

	return peer, nil
}

// ListPeers returns all peers, most recently seen first.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT
			peer_id,
			display_name,
			first_seen_timestamp,
			last_seen_timestamp
		FROM peers
		ORDER BY last_seen_timestamp DESC, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}

// RemovePeer deletes a peer row. Its messages are kept.
func (s *Store) RemovePeer(peerID string) error {
	res, err := s.db.Exec(`DELETE FROM peers WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("remove peer %q: %w", peerID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove peer %q: %w", peerID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanPeer(row scanner) (*Peer, error) {
	var peer Peer
	if err := row.Scan(
		&peer.PeerID,
		&peer.DisplayName,
		&peer.FirstSeenTimestamp,
		&peer.LastSeenTimestamp,
	); err != nil {
		return nil, err
	}
	return &peer, nil
}
