package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/kallberg/pdt/internal/protocol"
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id              TEXT PRIMARY KEY,
		remote_addr     TEXT NOT NULL DEFAULT '',
		name            TEXT NOT NULL DEFAULT '',
		version         TEXT NOT NULL DEFAULT '',
		os              TEXT NOT NULL DEFAULT '',
		os_version      TEXT NOT NULL DEFAULT '',
		uptime          TEXT NOT NULL DEFAULT '',
		connected_at    TEXT NOT NULL,
		disconnected_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_connected_at ON sessions (connected_at)`,
}

// SQLiteStore implements Store using a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) OpenSession(ctx context.Context, rec *SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, remote_addr, name, version, os, os_version, uptime, connected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RemoteAddr, rec.Name, rec.Version, rec.OS, rec.OSVersion, rec.Uptime,
		formatTime(rec.ConnectedAt))
	return err
}

func (s *SQLiteStore) RecordIntroduction(ctx context.Context, id, name, version string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET name = ?, version = ? WHERE id = ?`, name, version, id)
	return err
}

func (s *SQLiteStore) RecordDeviceInfo(ctx context.Context, id string, info protocol.DeviceInfo) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET os = ?, os_version = ?, uptime = ? WHERE id = ?`,
		info.OS, info.OSVersion, info.Uptime, id)
	return err
}

func (s *SQLiteStore) CloseSession(ctx context.Context, id string, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET disconnected_at = ? WHERE id = ? AND disconnected_at IS NULL`,
		formatTime(t), id)
	return err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, remote_addr, name, version, os, os_version, uptime, connected_at, disconnected_at
		 FROM sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	sessions := []*SessionRecord{}
	for rows.Next() {
		var rec SessionRecord
		var connected string
		var disconnected sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RemoteAddr, &rec.Name, &rec.Version,
			&rec.OS, &rec.OSVersion, &rec.Uptime, &connected, &disconnected); err != nil {
			return nil, err
		}
		rec.ConnectedAt, _ = time.Parse(time.RFC3339Nano, connected)
		if disconnected.Valid {
			parsed, _ := time.Parse(time.RFC3339Nano, disconnected.String)
			rec.DisconnectedAt = &parsed
		}
		sessions = append(sessions, &rec)
	}
	return sessions, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
