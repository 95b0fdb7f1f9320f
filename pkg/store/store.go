// Package store keeps the controller's roster and transfer history in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"cuacoj/classroom/pkg/errkind"
)

// migrations run in order on every open; each one is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		address    TEXT NOT NULL DEFAULT '',
		first_seen TEXT NOT NULL,
		last_seen  TEXT NOT NULL,
		online     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS transfers (
		file_id     TEXT PRIMARY KEY,
		file_name   TEXT NOT NULL,
		size        INTEGER NOT NULL,
		targets     TEXT NOT NULL DEFAULT '',
		chunks      INTEGER NOT NULL,
		started_at  TEXT NOT NULL,
		finished_at TEXT,
		status      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_started ON transfers(started_at)`,
}

// Transfer statuses.
const (
	StatusSent      = "sent"
	StatusPartial   = "partial" // some targets failed or declined
	StatusDelivered = "delivered"
)

// ClientRecord is one roster row.
type ClientRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	Online    bool      `json:"online"`
}

// TransferRecord is one pushed file.
type TransferRecord struct {
	FileID     string    `json:"fileId"`
	FileName   string    `json:"fileName"`
	Size       int64     `json:"size"`
	Targets    []string  `json:"targets"`
	Chunks     int       `json:"chunks"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Status     string    `json:"status"`
}

type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
// ":memory:" gives a throwaway store.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// one writer; also keeps a :memory: database alive across calls
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}
	for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTS(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// --- Clients ---

// ClientOnline upserts a roster row and marks it online. FirstSeen is kept
// from the first registration.
func (s *SQLiteStore) ClientOnline(ctx context.Context, id, name, addr string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (id, name, address, first_seen, last_seen, online)
		 VALUES (?, ?, ?, ?, ?, 1)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, address = excluded.address,
		   last_seen = excluded.last_seen, online = 1`,
		id, name, addr, ts(at), ts(at))
	if err != nil {
		return fmt.Errorf("client %s online: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ClientOffline(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET online = 0, last_seen = ? WHERE id = ?`, ts(at), id)
	if err != nil {
		return fmt.Errorf("client %s offline: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("client %s: %w", id, errkind.ErrNotFound)
	}
	return nil
}

// ResetOnline marks every client offline; used at controller start since
// no agent can be connected yet.
func (s *SQLiteStore) ResetOnline(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE clients SET online = 0 WHERE online = 1`)
	return err
}

const clientCols = `id, name, address, first_seen, last_seen, online`

func (s *SQLiteStore) GetClient(ctx context.Context, id string) (ClientRecord, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx, `SELECT `+clientCols+` FROM clients WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("client %s: %w", id, errkind.ErrNotFound)
	}
	return c, err
}

// ListClients returns the roster, online clients first, then by name.
func (s *SQLiteStore) ListClients(ctx context.Context) ([]ClientRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientCols+` FROM clients ORDER BY online DESC, name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []ClientRecord
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanClient(r scanner) (ClientRecord, error) {
	var (
		c           ClientRecord
		first, last string
		online      int
	)
	if err := r.Scan(&c.ID, &c.Name, &c.Address, &first, &last, &online); err != nil {
		return c, err
	}
	c.FirstSeen, c.LastSeen, c.Online = parseTS(first), parseTS(last), online != 0
	return c, nil
}

// --- Transfers ---

func (s *SQLiteStore) RecordTransfer(ctx context.Context, t TransferRecord) error {
	var finished any
	if !t.FinishedAt.IsZero() {
		finished = ts(t.FinishedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfers (file_id, file_name, size, targets, chunks, started_at, finished_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET finished_at = excluded.finished_at, status = excluded.status`,
		t.FileID, t.FileName, t.Size, strings.Join(t.Targets, ","), t.Chunks, ts(t.StartedAt), finished, t.Status)
	if err != nil {
		return fmt.Errorf("record transfer %s: %w", t.FileID, err)
	}
	return nil
}

func (s *SQLiteStore) SetTransferStatus(ctx context.Context, fileID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE transfers SET status = ? WHERE file_id = ?`, status, fileID)
	if err != nil {
		return fmt.Errorf("transfer %s status: %w", fileID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transfer %s: %w", fileID, errkind.ErrNotFound)
	}
	return nil
}

// ListTransfers returns the newest limit transfers; limit <= 0 returns all.
func (s *SQLiteStore) ListTransfers(ctx context.Context, limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id, file_name, size, targets, chunks, started_at, finished_at, status
		 FROM transfers ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []TransferRecord
	for rows.Next() {
		var (
			t                TransferRecord
			targets, started string
			finished         sql.NullString
		)
		if err := rows.Scan(&t.FileID, &t.FileName, &t.Size, &targets, &t.Chunks, &started, &finished, &t.Status); err != nil {
			return nil, err
		}
		if targets != "" {
			t.Targets = strings.Split(targets, ",")
		}
		t.StartedAt = parseTS(started)
		if finished.Valid {
			t.FinishedAt = parseTS(finished.String)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
