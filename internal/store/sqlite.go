package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS task_sessions (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		outcome TEXT NOT NULL,
		steps INTEGER NOT NULL DEFAULT 0,
		summary TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_task_sessions_started ON task_sessions(started_at);
`

// SQLiteJournal stores task records in a local SQLite file.
type SQLiteJournal struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// modernc.org/sqlite applies connection settings through _pragma parameters.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	j := &SQLiteJournal{db: db, log: logger.Named("journal.sqlite")}
	j.log.Debug("Task journal opened", zap.String("path", path))
	return j, nil
}

func (j *SQLiteJournal) Record(ctx context.Context, rec TaskRecord) error {
	var ended sql.NullInt64
	if rec.EndedAt != nil {
		ended = sql.NullInt64{Int64: rec.EndedAt.UnixMilli(), Valid: true}
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO task_sessions (id, command, outcome, steps, summary, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome,
			steps = excluded.steps,
			summary = excluded.summary,
			error = excluded.error,
			ended_at = excluded.ended_at`,
		rec.ID, rec.Command, rec.Outcome, rec.Steps, rec.Summary, rec.Error,
		rec.StartedAt.UnixMilli(), ended,
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", rec.ID, err)
	}
	return nil
}

func (j *SQLiteJournal) List(ctx context.Context, limit int) ([]TaskRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, command, outcome, steps, summary, error, started_at, ended_at
		FROM task_sessions
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		rec, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func (j *SQLiteJournal) Get(ctx context.Context, id string) (TaskRecord, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT id, command, outcome, steps, summary, error, started_at, ended_at
		FROM task_sessions WHERE id = ?`, id)
	rec, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, ErrNotFound
	}
	return rec, err
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (TaskRecord, error) {
	var rec TaskRecord
	var started int64
	var ended sql.NullInt64
	if err := row.Scan(&rec.ID, &rec.Command, &rec.Outcome, &rec.Steps, &rec.Summary, &rec.Error, &started, &ended); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TaskRecord{}, err
		}
		return TaskRecord{}, fmt.Errorf("scan task row: %w", err)
	}
	rec.StartedAt = time.UnixMilli(started).UTC()
	if ended.Valid {
		t := time.UnixMilli(ended.Int64).UTC()
		rec.EndedAt = &t
	}
	return rec, nil
}
