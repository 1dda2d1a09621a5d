package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBPool abstracts pgxpool.Pool so the journal can be tested with pgxmock.
type DBPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const (
	pgSchema = `
        CREATE TABLE IF NOT EXISTS task_sessions (
            id TEXT PRIMARY KEY,
            command TEXT NOT NULL,
            outcome TEXT NOT NULL,
            steps INTEGER NOT NULL DEFAULT 0,
            summary TEXT NOT NULL DEFAULT '',
            error TEXT NOT NULL DEFAULT '',
            started_at TIMESTAMPTZ NOT NULL,
            ended_at TIMESTAMPTZ
        );
        CREATE INDEX IF NOT EXISTS idx_task_sessions_started ON task_sessions (started_at DESC);
    `
	pgUpsert = `
        INSERT INTO task_sessions (id, command, outcome, steps, summary, error, started_at, ended_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET
            outcome = EXCLUDED.outcome,
            steps = EXCLUDED.steps,
            summary = EXCLUDED.summary,
            error = EXCLUDED.error,
            ended_at = EXCLUDED.ended_at;
    `
	pgList = `
        SELECT id, command, outcome, steps, summary, error, started_at, ended_at
        FROM task_sessions
        ORDER BY started_at DESC
        LIMIT $1;
    `
	pgGet = `
        SELECT id, command, outcome, steps, summary, error, started_at, ended_at
        FROM task_sessions
        WHERE id = $1;
    `
)

// PostgresJournal stores task records in PostgreSQL.
type PostgresJournal struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgresJournal wraps an existing pool.
func NewPostgresJournal(pool DBPool, logger *zap.Logger) *PostgresJournal {
	return &PostgresJournal{pool: pool, log: logger.Named("journal.postgres")}
}

// OpenPostgres connects, verifies the connection and creates the schema.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresJournal, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	j := NewPostgresJournal(pool, logger)
	if err := j.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	j.log.Info("Task journal connected")
	return j, nil
}

// EnsureSchema creates the table if needed.
func (j *PostgresJournal) EnsureSchema(ctx context.Context) error {
	if _, err := j.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

// Record upserts rec inside a transaction.
func (j *PostgresJournal) Record(ctx context.Context, rec TaskRecord) error {
	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			j.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, pgUpsert,
		rec.ID, rec.Command, rec.Outcome, rec.Steps, rec.Summary, rec.Error,
		rec.StartedAt.UTC(), rec.EndedAt,
	); err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", rec.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// List returns the most recent records first.
func (j *PostgresJournal) List(ctx context.Context, limit int) ([]TaskRecord, error) {
	rows, err := j.pool.Query(ctx, pgList, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		if err := rows.Scan(&rec.ID, &rec.Command, &rec.Outcome, &rec.Steps, &rec.Summary, &rec.Error, &rec.StartedAt, &rec.EndedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}
	return out, nil
}

// Get returns a single record or ErrNotFound.
func (j *PostgresJournal) Get(ctx context.Context, id string) (TaskRecord, error) {
	var rec TaskRecord
	err := j.pool.QueryRow(ctx, pgGet, id).Scan(&rec.ID, &rec.Command, &rec.Outcome, &rec.Steps, &rec.Summary, &rec.Error, &rec.StartedAt, &rec.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return TaskRecord{}, ErrNotFound
	}
	if err != nil {
		return TaskRecord{}, fmt.Errorf("failed to query task %s: %w", id, err)
	}
	return rec, nil
}

// Close releases the pool.
func (j *PostgresJournal) Close() error {
	j.pool.Close()
	return nil
}
