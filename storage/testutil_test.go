package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveMessage(t *testing.T, store *Store, id, peerID, content, direction string, timestamp int64) {
	t.Helper()

	if err := store.SaveMessage(Message{
		MessageID: id,
		PeerID:    peerID,
		Content:   content,
		Direction: direction,
		Timestamp: timestamp,
	}); err != nil {
		t.Fatalf("save message %q: %v", id, err)
	}
}
