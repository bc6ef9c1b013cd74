package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/teemow/inboxflow/internal/model"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath, enables WAL
// mode and applies pending migrations. Use ":memory:" for a throwaway
// database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const selectColumns = `execution_id, pipeline_id, message_id, stage, status, attempts,
	error, document_id, started_at, finished_at, next_attempt_at, write_started_at`

// Get returns the record for messageID in pipelineID, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, pipelineID, messageID string) (*model.ExecutionRecord, error) {
	var rec model.ExecutionRecord
	err := s.db.GetContext(ctx, &rec,
		"SELECT "+selectColumns+" FROM executions WHERE pipeline_id = ? AND message_id = ?",
		pipelineID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting execution %s/%s: %w", pipelineID, messageID, err)
	}
	return &rec, nil
}

// Save inserts rec or replaces the existing record for the same pipeline
// and message. The execution id of an existing record is kept.
func (s *SQLiteStore) Save(ctx context.Context, rec *model.ExecutionRecord) error {
	if rec.PipelineID == "" || rec.MessageID == "" {
		return fmt.Errorf("execution record needs a pipeline and message id")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (
			execution_id, pipeline_id, message_id, stage, status, attempts,
			error, document_id, started_at, finished_at, next_attempt_at, write_started_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pipeline_id, message_id) DO UPDATE SET
			stage = excluded.stage,
			status = excluded.status,
			attempts = excluded.attempts,
			error = excluded.error,
			document_id = excluded.document_id,
			finished_at = excluded.finished_at,
			next_attempt_at = excluded.next_attempt_at,
			write_started_at = excluded.write_started_at,
			updated_at = excluded.updated_at`,
		rec.ExecutionID, rec.PipelineID, rec.MessageID, rec.Stage, rec.Status, rec.Attempts,
		rec.Error, rec.DocumentID, rec.StartedAt.UTC(), utcPtr(rec.FinishedAt), utcPtr(rec.NextAttemptAt),
		utcPtr(rec.WriteStartedAt), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving execution %s/%s: %w", rec.PipelineID, rec.MessageID, err)
	}
	return nil
}

// ListByStatus returns the records of pipelineID in any of statuses,
// oldest first.
func (s *SQLiteStore) ListByStatus(ctx context.Context, pipelineID string, statuses ...model.Status) ([]model.ExecutionRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]interface{}, 0, len(statuses)+1)
	args = append(args, pipelineID)
	for _, st := range statuses {
		args = append(args, st)
	}

	var recs []model.ExecutionRecord
	err := s.db.SelectContext(ctx, &recs,
		"SELECT "+selectColumns+" FROM executions WHERE pipeline_id = ? AND status IN ("+placeholders+") ORDER BY started_at ASC",
		args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions by status: %w", err)
	}
	return recs, nil
}

// ListRecent returns up to limit records, newest first. An empty
// pipelineID lists every pipeline.
func (s *SQLiteStore) ListRecent(ctx context.Context, pipelineID string, limit int) ([]model.ExecutionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := "SELECT " + selectColumns + " FROM executions"
	var args []interface{}
	if pipelineID != "" {
		query += " WHERE pipeline_id = ?"
		args = append(args, pipelineID)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	var recs []model.ExecutionRecord
	if err := s.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, fmt.Errorf("listing recent executions: %w", err)
	}
	return recs, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
