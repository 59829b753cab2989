package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"peerpresence/models"
)

type scanner interface {
	Scan(dest ...any) error
}

const peerColumns = `id, peer_id, name, device_type, status, last_seen`

// UpsertPeer registers a peer, creating the record on first sight.
func (s *Store) UpsertPeer(ctx context.Context, upsert PeerUpsert) (models.Peer, error) {
	upsert, err := upsert.normalize()
	if err != nil {
		return models.Peer{}, err
	}
	now := nowUnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Peer{}, fmt.Errorf("begin upsert peer %q: %w", upsert.PeerID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO peers (id, peer_id, name, device_type, status, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			name        = COALESCE(excluded.name, peers.name),
			device_type = COALESCE(excluded.device_type, peers.device_type),
			status      = excluded.status,
			last_seen   = excluded.last_seen`,
		uuid.NewString(),
		upsert.PeerID,
		nullString(upsert.Name),
		nullString(upsert.DeviceType),
		string(upsert.Status),
		now,
		now,
	)
	if err != nil {
		return models.Peer{}, fmt.Errorf("upsert peer %q: %w", upsert.PeerID, err)
	}

	if err := insertPresenceEvent(ctx, tx, upsert.PeerID, upsert.Status, now); err != nil {
		return models.Peer{}, err
	}

	peer, err := scanPeer(tx.QueryRowContext(ctx, `SELECT `+peerColumns+` FROM peers WHERE peer_id = ?`, upsert.PeerID))
	if err != nil {
		return models.Peer{}, fmt.Errorf("read upserted peer %q: %w", upsert.PeerID, err)
	}

	if err := tx.Commit(); err != nil {
		return models.Peer{}, fmt.Errorf("commit upsert peer %q: %w", upsert.PeerID, err)
	}
	s.prunePresenceEvents(ctx)

	return peer, nil
}

// GetPeer fetches a peer by peer_id.
func (s *Store) GetPeer(ctx context.Context, peerID string) (models.Peer, error) {
	peer, err := scanPeer(s.db.QueryRowContext(ctx, `SELECT `+peerColumns+` FROM peers WHERE peer_id = ?`, peerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Peer{}, ErrNotFound
		}
		return models.Peer{}, fmt.Errorf("get peer %q: %w", peerID, err)
	}
	return peer, nil
}

// ListPeers returns peers most recently seen first. A non-empty peerID filters to that peer.
func (s *Store) ListPeers(ctx context.Context, peerID string) ([]models.Peer, error) {
	query := `SELECT ` + peerColumns + ` FROM peers`
	args := make([]any, 0, 1)
	if filter := strings.TrimSpace(peerID); filter != "" {
		query += ` WHERE peer_id = ?`
		args = append(args, filter)
	}
	query += ` ORDER BY last_seen DESC, peer_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]models.Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}

// MarkDisconnected sets a peer's status to disconnected. The record is kept.
func (s *Store) MarkDisconnected(ctx context.Context, peerID string) (models.Peer, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return models.Peer{}, errors.New("peer_id is required")
	}
	now := nowUnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Peer{}, fmt.Errorf("begin disconnect peer %q: %w", peerID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE peers SET status = ?, last_seen = ? WHERE peer_id = ?`,
		string(models.StatusDisconnected),
		now,
		peerID,
	)
	if err != nil {
		return models.Peer{}, fmt.Errorf("disconnect peer %q: %w", peerID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return models.Peer{}, fmt.Errorf("read rows affected for disconnect peer %q: %w", peerID, err)
	}
	if rowsAffected == 0 {
		return models.Peer{}, ErrNotFound
	}

	if err := insertPresenceEvent(ctx, tx, peerID, models.StatusDisconnected, now); err != nil {
		return models.Peer{}, err
	}

	peer, err := scanPeer(tx.QueryRowContext(ctx, `SELECT `+peerColumns+` FROM peers WHERE peer_id = ?`, peerID))
	if err != nil {
		return models.Peer{}, fmt.Errorf("read disconnected peer %q: %w", peerID, err)
	}

	if err := tx.Commit(); err != nil {
		return models.Peer{}, fmt.Errorf("commit disconnect peer %q: %w", peerID, err)
	}
	s.prunePresenceEvents(ctx)

	return peer, nil
}

func scanPeer(row scanner) (models.Peer, error) {
	var (
		peer       models.Peer
		name       sql.NullString
		deviceType sql.NullString
		status     string
		lastSeen   int64
	)
	if err := row.Scan(&peer.ID, &peer.PeerID, &name, &deviceType, &status, &lastSeen); err != nil {
		return models.Peer{}, err
	}
	peer.Name = name.String
	peer.DeviceType = deviceType.String
	peer.Status = models.ParseStatus(status)
	peer.LastSeen = fromUnixMilli(lastSeen)
	return peer, nil
}

func (s *Store) prunePresenceEvents(ctx context.Context) {
	_, _ = s.PrunePresenceEvents(ctx, s.opts.eventCutoff(time.Now()).UnixMilli())
}
