package link

import "strings"

// PeerRecord is one peer seen while scanning.
type PeerRecord struct {
	ID          string
	DisplayName string
}

// Label returns the display name, or "Unknown" when the peer advertised none.
func (p PeerRecord) Label() string {
	if name := strings.TrimSpace(p.DisplayName); name != "" {
		return name
	}
	return "Unknown"
}

// PeerRegistry is the deduplicated, discovery-ordered set of peers found in
// the current discovery pass. It is not safe for concurrent use; Manager
// serializes access.
type PeerRegistry struct {
	peers []PeerRecord
	index map[string]int
}

// NewPeerRegistry returns an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{index: make(map[string]int)}
}

// Reset empties the registry at the start of a discovery pass.
func (r *PeerRegistry) Reset() {
	r.peers = nil
	r.index = make(map[string]int)
}

// Add appends peer when its ID has not been seen. It reports whether the
// registry changed. Records already present are never mutated.
func (r *PeerRegistry) Add(peer PeerRecord) bool {
	if peer.ID == "" {
		return false
	}
	if _, exists := r.index[peer.ID]; exists {
		return false
	}
	r.index[peer.ID] = len(r.peers)
	r.peers = append(r.peers, peer)
	return true
}

// Get returns the record for id.
func (r *PeerRegistry) Get(id string) (PeerRecord, bool) {
	i, ok := r.index[id]
	if !ok {
		return PeerRecord{}, false
	}
	return r.peers[i], true
}

// Peers returns a copy in first-discovery order.
func (r *PeerRegistry) Peers() []PeerRecord {
	out := make([]PeerRecord, len(r.peers))
	copy(out, r.peers)
	return out
}

// Len returns the number of distinct peers.
func (r *PeerRegistry) Len() int {
	return len(r.peers)
}
