package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"call_dashboard/internal/calls"
)

var ErrNotFound = errors.New("call not archived")

// Store archives completed calls in SQLite so history outlives the process.
type Store struct {
	db *sql.DB
}

// ArchivedCall is a completed call as stored.
type ArchivedCall struct {
	calls.CallState
	CompletedAt time.Time `json:"completed_at"`
}

func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("archive dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer keeps sqlite from returning SQLITE_BUSY under the worker pool
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calls (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            call_id TEXT NOT NULL,
            from_number TEXT,
            to_number TEXT,
            start_time TEXT NOT NULL,
            completed_at TEXT NOT NULL,
            status TEXT NOT NULL,
            transcript_json TEXT NOT NULL,
            UNIQUE(call_id, start_time)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_calls_call_id ON calls(call_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SaveCall stores the final snapshot of a call. Saving the same call twice
// overwrites the earlier row.
func (s *Store) SaveCall(ctx context.Context, c calls.CallState, completedAt time.Time) error {
	transcript := c.Transcript
	if transcript == nil {
		transcript = []calls.TranscriptEntry{}
	}
	tj, err := json.Marshal(transcript)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO calls(call_id, from_number, to_number, start_time, completed_at, status, transcript_json)
        VALUES(?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(call_id, start_time) DO UPDATE SET completed_at=excluded.completed_at, status=excluded.status, transcript_json=excluded.transcript_json`,
		c.CallID, c.FromNumber, c.ToNumber, formatTime(c.StartTime), formatTime(completedAt), string(c.Status), string(tj))
	if err != nil {
		return fmt.Errorf("save call %s: %w", c.CallID, err)
	}
	return nil
}

const selectCalls = `SELECT call_id, from_number, to_number, start_time, completed_at, status, transcript_json FROM calls`

// RecentCalls returns up to limit archived calls, most recently archived first.
func (s *Store) RecentCalls(ctx context.Context, limit int) ([]ArchivedCall, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectCalls+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ArchivedCall
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCall returns the newest archived call with callID.
func (s *Store) GetCall(ctx context.Context, callID string) (ArchivedCall, error) {
	row := s.db.QueryRowContext(ctx, selectCalls+` WHERE call_id=? ORDER BY id DESC LIMIT 1`, callID)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ArchivedCall{}, fmt.Errorf("%s: %w", callID, ErrNotFound)
	}
	return c, err
}

// Count returns the number of archived calls.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls`).Scan(&n)
	return n, err
}

// Health returns err if DB not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(sc scanner) (ArchivedCall, error) {
	var (
		c                   ArchivedCall
		from, to            sql.NullString
		started, completed  string
		status, transcripts string
	)
	if err := sc.Scan(&c.CallID, &from, &to, &started, &completed, &status, &transcripts); err != nil {
		return ArchivedCall{}, err
	}
	c.FromNumber = from.String
	c.ToNumber = to.String
	var err error
	if c.Status, err = calls.ParseStatus(status); err != nil {
		return ArchivedCall{}, fmt.Errorf("call %s: %w", c.CallID, err)
	}
	if c.StartTime, err = parseTime(started); err != nil {
		return ArchivedCall{}, err
	}
	if c.CompletedAt, err = parseTime(completed); err != nil {
		return ArchivedCall{}, err
	}
	c.Transcript = []calls.TranscriptEntry{}
	if err := json.Unmarshal([]byte(transcripts), &c.Transcript); err != nil {
		return ArchivedCall{}, fmt.Errorf("decode transcript for %s: %w", c.CallID, err)
	}
	return c, nil
}

// timestamps are stored as RFC3339 text so they round-trip exactly
func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad stored timestamp %q: %w", v, err)
	}
	return t, nil
}
