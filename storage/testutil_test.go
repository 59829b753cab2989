package storage

import (
	"context"
	"testing"
	"time"

	"peerpresence/models"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir, opts...)
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

func mustUpsertPeer(t *testing.T, store *Store, peerID, name string) models.Peer {
	t.Helper()

	peer, err := store.UpsertPeer(context.Background(), PeerUpsert{
		PeerID:     peerID,
		Name:       name,
		DeviceType: "laptop",
	})
	if err != nil {
		t.Fatalf("upsert peer %q: %v", peerID, err)
	}
	return peer
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %s", timeout)
}
