// Package store records task sessions so finished work can be listed after
// the fact. The journal is informational only; it is never fed back to the
// decision service.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// ErrNotFound is returned by Get for an unknown task id.
var ErrNotFound = errors.New("task not found")

// TaskRecord is one row of the journal.
type TaskRecord struct {
	ID        string     `json:"id"`
	Command   string     `json:"command"`
	Outcome   string     `json:"outcome"`
	Steps     int        `json:"steps"`
	Summary   string     `json:"summary,omitempty"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// FromSession converts a task session into a journal row.
func FromSession(s agent.TaskSession) TaskRecord {
	rec := TaskRecord{
		ID:        s.ID,
		Command:   s.Command,
		Outcome:   string(s.Outcome),
		Steps:     s.Steps,
		Summary:   s.Summary,
		Error:     s.Error,
		StartedAt: s.StartedAt.UTC(),
	}
	if s.EndedAt != nil {
		ended := s.EndedAt.UTC()
		rec.EndedAt = &ended
	}
	return rec
}

// Journal persists task records. Record is an upsert keyed by ID, so the
// start and end of a task land in the same row.
type Journal interface {
	Record(ctx context.Context, rec TaskRecord) error
	List(ctx context.Context, limit int) ([]TaskRecord, error)
	Get(ctx context.Context, id string) (TaskRecord, error)
	Close() error
}

// Recorder adapts a Journal to the task loop.
type Recorder struct {
	Journal Journal
}

// RecordTask implements agent.TaskRecorder.
func (r Recorder) RecordTask(ctx context.Context, s agent.TaskSession) error {
	return r.Journal.Record(ctx, FromSession(s))
}

// NopJournal discards records.
type NopJournal struct{}

func (NopJournal) Record(context.Context, TaskRecord) error { return nil }

func (NopJournal) List(context.Context, int) ([]TaskRecord, error) { return nil, nil }

func (NopJournal) Get(context.Context, string) (TaskRecord, error) {
	return TaskRecord{}, ErrNotFound
}

func (NopJournal) Close() error { return nil }

// Open builds the journal selected by cfg.Driver.
func Open(ctx context.Context, cfg config.JournalConfig, logger *zap.Logger) (Journal, error) {
	switch cfg.Driver {
	case "", config.JournalNone:
		logger.Debug("Task journal disabled")
		return NopJournal{}, nil
	case config.JournalSQLite:
		return OpenSQLite(ctx, cfg.DSN, logger)
	case config.JournalPostgres:
		return OpenPostgres(ctx, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown journal driver %q", cfg.Driver)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
