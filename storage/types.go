package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"peerpresence/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// PeerUpsert is one register write. Empty Name or DeviceType keep the stored value.
type PeerUpsert struct {
	PeerID     string
	Name       string
	DeviceType string
	Status     models.Status
}

// PresenceEvent is one recorded status transition for a peer.
type PresenceEvent struct {
	ID        int64
	PeerID    string
	Status    models.Status
	Timestamp time.Time
}

// PeerStore is implemented by the SQLite and Postgres stores.
type PeerStore interface {
	UpsertPeer(ctx context.Context, upsert PeerUpsert) (models.Peer, error)
	GetPeer(ctx context.Context, peerID string) (models.Peer, error)
	ListPeers(ctx context.Context, peerID string) ([]models.Peer, error)
	MarkDisconnected(ctx context.Context, peerID string) (models.Peer, error)
	ListPresenceEvents(ctx context.Context, peerID string, limit int) ([]PresenceEvent, error)
	Close() error
}

func (u PeerUpsert) normalize() (PeerUpsert, error) {
	out := PeerUpsert{
		PeerID:     strings.TrimSpace(u.PeerID),
		Name:       strings.TrimSpace(u.Name),
		DeviceType: strings.TrimSpace(u.DeviceType),
		Status:     u.Status,
	}
	if out.PeerID == "" {
		return PeerUpsert{}, errors.New("peer_id is required")
	}
	if out.Status == "" {
		out.Status = models.StatusConnected
	}
	if err := validatePeerStatus(out.Status); err != nil {
		return PeerUpsert{}, err
	}
	return out, nil
}

func validatePeerStatus(status models.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid peer status %q", status)
	}
	return nil
}

func clampEventLimit(limit int) int {
	if limit <= 0 {
		return defaultEventLimit
	}
	if limit > maxEventLimit {
		return maxEventLimit
	}
	return limit
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func fromUnixMilli(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

var (
	_ PeerStore = (*Store)(nil)
	_ PeerStore = (*PostgresStore)(nil)
)
