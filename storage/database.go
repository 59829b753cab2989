package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite filename under the data dir.
const DefaultDBFileName = "presence.db"

const statusCheck = `CHECK(status IN ('connected','connecting','disconnected'))`

// schemaSteps are applied in order. The index of the last applied step is
// stored in PRAGMA user_version, so steps must only ever be appended.
var schemaSteps = []string{
	`CREATE TABLE IF NOT EXISTS peers (
		id          TEXT PRIMARY KEY,
		peer_id     TEXT NOT NULL UNIQUE,
		name        TEXT,
		device_type TEXT,
		status      TEXT NOT NULL ` + statusCheck + ` DEFAULT 'connected',
		created_at  INTEGER NOT NULL,
		last_seen   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers (last_seen DESC, peer_id)`,
	`CREATE TABLE IF NOT EXISTS presence_events (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		peer_id   TEXT NOT NULL REFERENCES peers(peer_id) ON DELETE CASCADE,
		status    TEXT NOT NULL ` + statusCheck + `,
		timestamp INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_presence_events_peer_time ON presence_events (peer_id, timestamp DESC, id DESC)`,
}

// Store is the SQLite-backed peer registry.
type Store struct {
	db   *sql.DB
	opts storeOptions

	stopMaintenance chan struct{}
	maintenanceWG   sync.WaitGroup
	closeOnce       sync.Once
}

// Open opens (or creates) presence.db under dataDir.
func Open(dataDir string, opts ...Option) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts...)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at dbPath, switches it to WAL and brings the schema
// up to date.
func OpenPath(dbPath string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{
		db:              db,
		opts:            buildOptions(opts),
		stopMaintenance: make(chan struct{}),
	}

	ctx := context.Background()
	for _, step := range []func(context.Context) error{
		store.ping,
		store.useWAL,
		store.migrate,
		store.truncateWAL,
	} {
		if err := step(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	if interval := store.opts.maintenanceInterval; interval > 0 {
		store.maintenanceWG.Add(1)
		go store.maintain(interval)
	}
	return store, nil
}

// Close stops background maintenance and closes the database. It is safe to
// call more than once.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.stopMaintenance)
		s.maintenanceWG.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite database: %w", err)
	}
	return nil
}

func (s *Store) useWAL(ctx context.Context) error {
	var mode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: journal mode is %q", mode)
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// migrate applies pending schema steps in a single transaction.
func (s *Store) migrate(ctx context.Context) error {
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if version >= len(schemaSteps) {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema upgrade: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for step := version; step < len(schemaSteps); step++ {
		if _, err := tx.ExecContext(ctx, schemaSteps[step]); err != nil {
			return fmt.Errorf("schema step %d: %w", step+1, err)
		}
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", len(schemaSteps))); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema upgrade: %w", err)
	}
	return nil
}

func (s *Store) truncateWAL(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("truncate WAL: %w", err)
	}
	return nil
}

// maintain truncates the WAL and drops expired presence history until Close.
func (s *Store) maintain(interval time.Duration) {
	defer s.maintenanceWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			_ = s.truncateWAL(ctx)
			s.prunePresenceEvents(ctx)
		case <-s.stopMaintenance:
			return
		}
	}
}
