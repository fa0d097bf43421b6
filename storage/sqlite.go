package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type SQLite struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewSQLite opens (or creates) the SQLite file at dbPath and runs the
// migration that creates the journal tables if they do not exist.
// The caller must call Close() when the program shuts down.
func NewSQLite(dbPath string, log *zap.Logger) (*SQLite, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", dbPath)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLite{db: db, log: log}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migration: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS cycles (
    id          TEXT PRIMARY KEY,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME NOT NULL,
    restart     INTEGER NOT NULL,
    error       TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS entries (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id    TEXT NOT NULL REFERENCES cycles(id),
    device_id   TEXT NOT NULL,
    label       TEXT NOT NULL,
    phase       TEXT NOT NULL,
    at          DATETIME NOT NULL,
    count       INTEGER NOT NULL,
    checkpoint  DATETIME,
    error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_entries_device_at ON entries(device_id, at);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("create journal tables: %w", err)
	}
	s.log.Debug("SQLite migration applied")
	return nil
}

// Save stores a cycle in a single transaction.
func (s *SQLite) Save(ctx context.Context, c *Cycle) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cycles (id, started_at, finished_at, restart, error) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.StartedAt.UTC(), c.FinishedAt.UTC(), c.Restart, c.Err); err != nil {
		return fmt.Errorf("insert cycle %s: %w", c.ID, err)
	}

	for _, e := range c.Entries {
		e.CycleID = c.ID
		e.At = e.At.UTC()
		if _, err := tx.NamedExecContext(ctx, `
INSERT INTO entries (cycle_id, device_id, label, phase, at, count, checkpoint, error)
VALUES (:cycle_id, :device_id, :label, :phase, :at, :count, :checkpoint, :error)`, e); err != nil {
			return fmt.Errorf("insert entry for %s: %w", e.DeviceID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.log.Debug("cycle journaled", zap.String("cycle", c.ID), zap.Int("entries", len(c.Entries)))
	return nil
}

func (s *SQLite) Query(ctx context.Context, deviceID string, from, to time.Time) ([]Entry, error) {
	q := `SELECT cycle_id, device_id, label, phase, at, count, checkpoint, error
FROM entries WHERE at >= ? AND at <= ?`
	args := []any{from.UTC(), to.UTC()}
	if deviceID != "" {
		q += ` AND device_id = ?`
		args = append(args, deviceID)
	}
	q += ` ORDER BY at, id`

	var out []Entry
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	return out, nil
}

// Close shuts down the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
