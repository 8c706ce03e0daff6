package models

// Peer is a remote device seen while scanning.
type Peer struct {
	PeerID             string `json:"peer_id"`
	DisplayName        string `json:"display_name"`
	FirstSeenTimestamp int64  `json:"first_seen_timestamp"`
	LastSeenTimestamp  int64  `json:"last_seen_timestamp"`
}
