package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// journal persists committed transitions so they survive restarts.
type journal struct {
	db *sql.DB
}

func openJournal(path string) (*journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// A single connection keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)

	j := &journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

func (j *journal) migrate() error {
	_, err := j.db.Exec(`
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		device TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		distance INTEGER NOT NULL,
		command TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_at ON transitions(at);
	`)
	return err
}

func (j *journal) Close() error {
	return j.db.Close()
}

func (j *journal) Record(ctx context.Context, t Transition) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transitions (at, device, from_state, to_state, distance, command) VALUES (?, ?, ?, ?, ?, ?)`,
		t.At.UnixNano(), t.Device, string(t.From), string(t.To), int(t.Distance), t.Command)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// Recent returns up to limit transitions, newest first.
func (j *journal) Recent(ctx context.Context, limit int) ([]Transition, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT at, device, from_state, to_state, distance, command FROM transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t        Transition
			at       int64
			from, to string
			dist     int
		)
		if err := rows.Scan(&at, &t.Device, &from, &to, &dist, &t.Command); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.At = time.Unix(0, at)
		t.From, t.To = ProximityState(from), ProximityState(to)
		t.Distance = Distance(dist)
		out = append(out, t)
	}
	return out, rows.Err()
}
