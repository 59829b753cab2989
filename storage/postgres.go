package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"peerpresence/models"
)

const (
	postgresMaxConns        = 10
	postgresMinConns        = 1
	postgresMaxConnLifetime = time.Hour
	postgresMaxConnIdleTime = 15 * time.Minute
	postgresConnectTimeout  = 10 * time.Second
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS peers (
		id          UUID PRIMARY KEY,
		peer_id     TEXT NOT NULL UNIQUE,
		name        TEXT,
		device_type TEXT,
		status      TEXT NOT NULL CHECK (status IN ('connected','connecting','disconnected')) DEFAULT 'connected',
		created_at  TIMESTAMPTZ NOT NULL,
		last_seen   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers (last_seen DESC, peer_id)`,
	`CREATE TABLE IF NOT EXISTS presence_events (
		id        BIGSERIAL PRIMARY KEY,
		peer_id   TEXT NOT NULL REFERENCES peers(peer_id) ON DELETE CASCADE,
		status    TEXT NOT NULL CHECK (status IN ('connected','connecting','disconnected')),
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_presence_events_peer_time ON presence_events (peer_id, timestamp DESC, id DESC)`,
}

const pgPeerColumns = `id::text, peer_id, COALESCE(name, ''), COALESCE(device_type, ''), status, last_seen`

// PostgresStore keeps the peer registry in Postgres (or CockroachDB).
type PostgresStore struct {
	pool *pgxpool.Pool
	opts storeOptions
}

// OpenPostgres connects with a pgx DSN and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	config.MaxConns = postgresMaxConns
	config.MinConns = postgresMinConns
	config.MaxConnLifetime = postgresMaxConnLifetime
	config.MaxConnIdleTime = postgresMaxConnIdleTime
	config.ConnConfig.ConnectTimeout = postgresConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{pool: pool, opts: buildOptions(opts)}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	for i, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply postgres schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// UpsertPeer registers a peer, creating the record on first sight.
func (s *PostgresStore) UpsertPeer(ctx context.Context, upsert PeerUpsert) (models.Peer, error) {
	upsert, err := upsert.normalize()
	if err != nil {
		return models.Peer{}, err
	}
	now := time.Now().UTC()

	var peer models.Peer
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO peers (id, peer_id, name, device_type, status, created_at, last_seen)
			VALUES ($1, $2, NULLIF($3::text, ''), NULLIF($4::text, ''), $5, $6, $6)
			ON CONFLICT (peer_id) DO UPDATE SET
				name        = COALESCE(EXCLUDED.name, peers.name),
				device_type = COALESCE(EXCLUDED.device_type, peers.device_type),
				status      = EXCLUDED.status,
				last_seen   = EXCLUDED.last_seen
			RETURNING `+pgPeerColumns,
			uuid.NewString(),
			upsert.PeerID,
			upsert.Name,
			upsert.DeviceType,
			string(upsert.Status),
			now,
		)
		var err error
		if peer, err = scanPgPeer(row); err != nil {
			return fmt.Errorf("upsert peer %q: %w", upsert.PeerID, err)
		}
		return s.insertEvent(ctx, tx, upsert.PeerID, upsert.Status, now)
	})
	if err != nil {
		return models.Peer{}, err
	}
	s.prunePresenceEvents(ctx, now)
	return peer, nil
}

// GetPeer fetches a peer by peer_id.
func (s *PostgresStore) GetPeer(ctx context.Context, peerID string) (models.Peer, error) {
	peer, err := scanPgPeer(s.pool.QueryRow(ctx, `SELECT `+pgPeerColumns+` FROM peers WHERE peer_id = $1`, peerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Peer{}, ErrNotFound
		}
		return models.Peer{}, fmt.Errorf("get peer %q: %w", peerID, err)
	}
	return peer, nil
}

// ListPeers returns peers most recently seen first. A non-empty peerID filters to that peer.
func (s *PostgresStore) ListPeers(ctx context.Context, peerID string) ([]models.Peer, error) {
	query := `SELECT ` + pgPeerColumns + ` FROM peers`
	args := make([]any, 0, 1)
	if filter := strings.TrimSpace(peerID); filter != "" {
		query += ` WHERE peer_id = $1`
		args = append(args, filter)
	}
	query += ` ORDER BY last_seen DESC, peer_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]models.Peer, 0)
	for rows.Next() {
		peer, err := scanPgPeer(rows)
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
func (s *PostgresStore) MarkDisconnected(ctx context.Context, peerID string) (models.Peer, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return models.Peer{}, errors.New("peer_id is required")
	}
	now := time.Now().UTC()

	var peer models.Peer
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`UPDATE peers SET status = $1, last_seen = $2 WHERE peer_id = $3 RETURNING `+pgPeerColumns,
			string(models.StatusDisconnected),
			now,
			peerID,
		)
		var err error
		if peer, err = scanPgPeer(row); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("disconnect peer %q: %w", peerID, err)
		}
		return s.insertEvent(ctx, tx, peerID, models.StatusDisconnected, now)
	})
	if err != nil {
		return models.Peer{}, err
	}
	s.prunePresenceEvents(ctx, now)
	return peer, nil
}

// ListPresenceEvents returns a peer's status history, newest first.
func (s *PostgresStore) ListPresenceEvents(ctx context.Context, peerID string, limit int) ([]PresenceEvent, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, peer_id, status, timestamp
		FROM presence_events
		WHERE peer_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2`,
		peerID,
		clampEventLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list presence events for %q: %w", peerID, err)
	}
	defer rows.Close()

	events := make([]PresenceEvent, 0)
	for rows.Next() {
		var (
			event  PresenceEvent
			status string
		)
		if err := rows.Scan(&event.ID, &event.PeerID, &status, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan presence event row: %w", err)
		}
		event.Status = models.ParseStatus(status)
		event.Timestamp = event.Timestamp.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence event rows: %w", err)
	}
	return events, nil
}

// PrunePresenceEvents removes presence events older than cutoff.
func (s *PostgresStore) PrunePresenceEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM presence_events WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune presence events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) prunePresenceEvents(ctx context.Context, now time.Time) {
	_, _ = s.PrunePresenceEvents(ctx, s.opts.eventCutoff(now))
}

func (s *PostgresStore) insertEvent(ctx context.Context, tx pgx.Tx, peerID string, status models.Status, at time.Time) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO presence_events (peer_id, status, timestamp) VALUES ($1, $2, $3)`,
		peerID,
		string(status),
		at,
	); err != nil {
		return fmt.Errorf("insert presence event for %q: %w", peerID, err)
	}
	return nil
}

func scanPgPeer(row pgx.Row) (models.Peer, error) {
	var (
		peer   models.Peer
		status string
	)
	if err := row.Scan(&peer.ID, &peer.PeerID, &peer.Name, &peer.DeviceType, &status, &peer.LastSeen); err != nil {
		return models.Peer{}, err
	}
	peer.Status = models.ParseStatus(status)
	peer.LastSeen = peer.LastSeen.UTC()
	return peer, nil
}
