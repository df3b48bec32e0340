// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("run log closed")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	response_id     TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL,
	context_id      TEXT NOT NULL,
	outcome         TEXT NOT NULL,
	tokens          INTEGER NOT NULL DEFAULT 0,
	timings         TEXT NOT NULL DEFAULT '',
	tokens_per_sec  REAL NOT NULL DEFAULT 0,
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	finished_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);
CREATE INDEX IF NOT EXISTS idx_runs_conversation ON runs(conversation_id);
`

// =============================================================================
// RECORD
// =============================================================================

// Record is the ledger entry for one finished run. Prompt and response text
// are never stored.
type Record struct {
	ResponseID      string
	ConversationID  string
	ContextID       string
	Outcome         string // completed, failed or cancelled
	Tokens          int
	Timings         string
	TokensPerSecond float64
	Duration        time.Duration
	Error           string
	FinishedAt      time.Time
}

// Summary aggregates the ledger.
type Summary struct {
	Runs               int
	Completed          int
	Failed             int
	Cancelled          int
	Tokens             int
	AvgTokensPerSecond float64
}

// =============================================================================
// RUN LOG
// =============================================================================

// RunLog persists run outcomes in a SQLite database.
type RunLog struct {
	db *sql.DB
}

// DefaultPath returns ~/.rigrun-chat/runs.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".rigrun-chat", "runs.db"), nil
}

// Open opens or creates the run log at path.
func Open(path string) (*RunLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &RunLog{db: db}, nil
}

// Record stores rec. Recording the same response id twice keeps the first.
func (l *RunLog) Record(ctx context.Context, rec Record) error {
	if l.db == nil {
		return ErrClosed
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO runs
			(response_id, conversation_id, context_id, outcome, tokens, timings,
			 tokens_per_sec, duration_ms, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ResponseID, rec.ConversationID, rec.ContextID, rec.Outcome, rec.Tokens, rec.Timings,
		rec.TokensPerSecond, rec.Duration.Milliseconds(), rec.Error, rec.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (l *RunLog) Recent(ctx context.Context, limit int) ([]Record, error) {
	if l.db == nil {
		return nil, ErrClosed
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT response_id, conversation_id, context_id, outcome, tokens, timings,
		       tokens_per_sec, duration_ms, error, finished_at
		FROM runs ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var durationMS, finishedMS int64
		if err := rows.Scan(&rec.ResponseID, &rec.ConversationID, &rec.ContextID, &rec.Outcome,
			&rec.Tokens, &rec.Timings, &rec.TokensPerSecond, &durationMS, &rec.Error, &finishedMS); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.FinishedAt = time.UnixMilli(finishedMS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summary aggregates every recorded run.
func (l *RunLog) Summary(ctx context.Context) (Summary, error) {
	if l.db == nil {
		return Summary{}, ErrClosed
	}

	var s Summary
	var avg sql.NullFloat64
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(outcome = 'completed'), 0),
		       COALESCE(SUM(outcome = 'failed'), 0),
		       COALESCE(SUM(outcome = 'cancelled'), 0),
		       COALESCE(SUM(tokens), 0),
		       AVG(CASE WHEN outcome = 'completed' THEN tokens_per_sec END)
		FROM runs`).Scan(&s.Runs, &s.Completed, &s.Failed, &s.Cancelled, &s.Tokens, &avg)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize runs: %w", err)
	}
	s.AvgTokensPerSecond = avg.Float64
	return s, nil
}

// Close closes the database.
func (l *RunLog) Close() error {
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}
