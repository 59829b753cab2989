package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"peerpresence/models"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPresenceEvent(ctx context.Context, db execer, peerID string, status models.Status, timestamp int64) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO presence_events (peer_id, status, timestamp) VALUES (?, ?, ?)`,
		peerID,
		string(status),
		timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert presence event for %q: %w", peerID, err)
	}
	return nil
}

// ListPresenceEvents returns a peer's status history, newest first.
func (s *Store) ListPresenceEvents(ctx context.Context, peerID string, limit int) ([]PresenceEvent, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, peer_id, status, timestamp
		FROM presence_events
		WHERE peer_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
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
			event     PresenceEvent
			status    string
			timestamp int64
		)
		if err := rows.Scan(&event.ID, &event.PeerID, &status, &timestamp); err != nil {
			return nil, fmt.Errorf("scan presence event row: %w", err)
		}
		event.Status = models.ParseStatus(status)
		event.Timestamp = fromUnixMilli(timestamp)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence event rows: %w", err)
	}

	return events, nil
}

// PrunePresenceEvents removes presence events older than cutoffTimestamp (unix ms).
func (s *Store) PrunePresenceEvents(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM presence_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune presence events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for presence event prune: %w", err)
	}

	return rowsAffected, nil
}
