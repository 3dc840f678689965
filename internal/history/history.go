// Package history keeps a ledger of played tracks in SQLite. The sequencer
// uses play counts to weight shuffle toward tracks heard least.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Play is one finished or interrupted track.
type Play struct {
	ID        int64     `json:"id"`
	Variant   string    `json:"variant"`
	Track     int       `json:"track"`
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	Seconds   float64   `json:"seconds"`
	Completed bool      `json:"completed"`
}

// TrackCount is a play count for one track.
type TrackCount struct {
	Track int   `json:"track"`
	Plays int64 `json:"plays"`
}

// Ledger wraps the plays database.
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger at path. ":memory:" works for tests.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serialises writers anyway, and :memory: databases
	// are per-connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS plays (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		variant     TEXT    NOT NULL,
		track       INTEGER NOT NULL,
		session_id  TEXT    NOT NULL DEFAULT '',
		started_at  INTEGER NOT NULL,
		seconds     REAL    NOT NULL DEFAULT 0,
		completed   INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS plays_variant_track ON plays (variant, track)`); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordPlay appends a play.
func (l *Ledger) RecordPlay(ctx context.Context, p Play) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO plays (variant, track, session_id, started_at, seconds, completed) VALUES (?, ?, ?, ?, ?, ?)`,
		p.Variant, p.Track, p.SessionID, p.StartedAt.UnixMilli(), p.Seconds, boolInt(p.Completed))
	if err != nil {
		return fmt.Errorf("record play: %w", err)
	}
	return nil
}

// PlayCounts returns completed plays per track for a variant. Tracks never
// completed are absent.
func (l *Ledger) PlayCounts(ctx context.Context, variant string) (map[int]int64, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT track, COUNT(*) FROM plays WHERE variant = ? AND completed = 1 GROUP BY track`, variant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int64)
	for rows.Next() {
		var track int
		var n int64
		if err := rows.Scan(&track, &n); err != nil {
			return nil, err
		}
		counts[track] = n
	}
	return counts, rows.Err()
}

// Recent returns the latest plays, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Play, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, variant, track, session_id, started_at, seconds, completed
		 FROM plays ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Play
	for rows.Next() {
		var p Play
		var startedMillis int64
		var completed int
		if err := rows.Scan(&p.ID, &p.Variant, &p.Track, &p.SessionID, &startedMillis, &p.Seconds, &completed); err != nil {
			return nil, err
		}
		p.StartedAt = time.UnixMilli(startedMillis).UTC()
		p.Completed = completed != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// TopTracks returns the most completed tracks of a variant.
func (l *Ledger) TopTracks(ctx context.Context, variant string, limit int) ([]TrackCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT track, COUNT(*) AS n FROM plays WHERE variant = ? AND completed = 1
		 GROUP BY track ORDER BY n DESC, track ASC LIMIT ?`, variant, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrackCount
	for rows.Next() {
		var tc TrackCount
		if err := rows.Scan(&tc.Track, &tc.Plays); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
