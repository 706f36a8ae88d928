// Package telemetry is a bounded, queryable per-turn ledger (ids, status,
// timings, token totals — never transcripts), for ops visibility. Grounded
// on internal/ai/threadstore/store.go's sqlite-open/WAL/busy-timeout idiom,
// adapted from a full message store into a narrow turn-summary table.
package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// TurnSummary is one row of the ledger: never contains message content.
type TurnSummary struct {
	TurnID          string
	ThreadID        string
	WorkspaceRoot   string
	Status          string
	StartedAtUnix   int64
	CompletedAtUnix int64
	InputTokens     int64
	OutputTokens    int64
	TotalTokens     int64
	ErrorCount      int
}

// Ledger is the sqlite-backed store.
type Ledger struct {
	db *sql.DB
}

func Open(path string) (*Ledger, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("telemetry: missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &Ledger{db: db}, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return err
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS turn_summaries (
	turn_id           TEXT PRIMARY KEY,
	thread_id         TEXT NOT NULL,
	workspace_root    TEXT NOT NULL,
	status            TEXT NOT NULL,
	started_at_unix   INTEGER NOT NULL,
	completed_at_unix INTEGER NOT NULL DEFAULT 0,
	input_tokens      INTEGER NOT NULL DEFAULT 0,
	output_tokens     INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	error_count       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_turn_summaries_thread ON turn_summaries(thread_id);
CREATE INDEX IF NOT EXISTS idx_turn_summaries_status ON turn_summaries(status);
`)
	return err
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// RecordStart upserts a row for a newly-started turn.
func (l *Ledger) RecordStart(ctx context.Context, turnID, threadID, workspaceRoot string) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO turn_summaries (turn_id, thread_id, workspace_root, status, started_at_unix)
VALUES (?, ?, ?, 'running', ?)
ON CONFLICT(turn_id) DO UPDATE SET thread_id=excluded.thread_id, workspace_root=excluded.workspace_root`,
		turnID, threadID, workspaceRoot, time.Now().Unix())
	return err
}

// RecordCompletion updates status/timing/token totals on terminal
// resolution.
func (l *Ledger) RecordCompletion(ctx context.Context, turnID, status string, inputTokens, outputTokens, totalTokens int64, errorCount int) error {
	res, err := l.db.ExecContext(ctx, `
UPDATE turn_summaries
SET status=?, completed_at_unix=?, input_tokens=?, output_tokens=?, total_tokens=?, error_count=?
WHERE turn_id=?`,
		status, time.Now().Unix(), inputTokens, outputTokens, totalTokens, errorCount, turnID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("telemetry: no turn_summaries row for turn_id %s", turnID)
	}
	return nil
}

// ListByStatus queries turns by status for ops dashboards.
func (l *Ledger) ListByStatus(ctx context.Context, status string, limit int) ([]TurnSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT turn_id, thread_id, workspace_root, status, started_at_unix, completed_at_unix, input_tokens, output_tokens, total_tokens, error_count
FROM turn_summaries WHERE status=? ORDER BY started_at_unix DESC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TurnSummary
	for rows.Next() {
		var s TurnSummary
		if err := rows.Scan(&s.TurnID, &s.ThreadID, &s.WorkspaceRoot, &s.Status, &s.StartedAtUnix, &s.CompletedAtUnix, &s.InputTokens, &s.OutputTokens, &s.TotalTokens, &s.ErrorCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
