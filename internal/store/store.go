package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andresmejia3/moodlens/internal/types"
)

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 20

// Store persists aggregation run history in PostgreSQL. It is safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the run tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS emotion_runs (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			source TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			frames_sampled INT NOT NULL DEFAULT 0,
			frames_analyzed INT NOT NULL DEFAULT 0,
			detections INT NOT NULL DEFAULT 0,
			acquire_errors INT NOT NULL DEFAULT 0,
			classify_errors INT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS emotion_run_counts (
			run_id TEXT NOT NULL REFERENCES emotion_runs(id) ON DELETE CASCADE,
			category TEXT NOT NULL,
			count INT NOT NULL,
			PRIMARY KEY (run_id, category)
		);
		CREATE INDEX IF NOT EXISTS emotion_runs_started_at_idx ON emotion_runs (started_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// RecordRun saves a finished run and its per-category counts. Recording the
// same run ID again replaces it.
func (s *Store) RecordRun(ctx context.Context, rec types.RunRecord) error {
	if rec.ID == "" {
		return errors.New("run record has no id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO emotion_runs (id, mode, source, started_at, ended_at, frames_sampled,
			frames_analyzed, detections, acquire_errors, classify_errors, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			mode = EXCLUDED.mode, source = EXCLUDED.source,
			started_at = EXCLUDED.started_at, ended_at = EXCLUDED.ended_at,
			frames_sampled = EXCLUDED.frames_sampled, frames_analyzed = EXCLUDED.frames_analyzed,
			detections = EXCLUDED.detections, acquire_errors = EXCLUDED.acquire_errors,
			classify_errors = EXCLUDED.classify_errors, error = EXCLUDED.error
	`, rec.ID, rec.Mode, rec.Source, rec.StartedAt, rec.EndedAt, rec.FramesSampled,
		rec.FramesAnalyzed, rec.Detections, rec.AcquireErrors, rec.ClassifyErrors, rec.Error)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	// 1. Clean up old counts to keep re-recording idempotent
	if _, err := tx.Exec(ctx, "DELETE FROM emotion_run_counts WHERE run_id = $1", rec.ID); err != nil {
		return err
	}

	// 2. Every category is stored, zeros included
	batch := &pgx.Batch{}
	for _, cat := range types.AllCategories {
		batch.Queue("INSERT INTO emotion_run_counts (run_id, category, count) VALUES ($1, $2, $3)",
			rec.ID, string(cat), rec.Counts[cat])
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert run counts: %w", err)
	}

	return tx.Commit(ctx)
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]types.RunRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, mode, source, started_at, ended_at, frames_sampled, frames_analyzed,
			detections, acquire_errors, classify_errors, error
		FROM emotion_runs
		ORDER BY started_at DESC, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []types.RunRecord
	index := make(map[string]int)
	for rows.Next() {
		var r types.RunRecord
		if err := rows.Scan(&r.ID, &r.Mode, &r.Source, &r.StartedAt, &r.EndedAt, &r.FramesSampled,
			&r.FramesAnalyzed, &r.Detections, &r.AcquireErrors, &r.ClassifyErrors, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt = r.StartedAt.UTC()
		r.EndedAt = r.EndedAt.UTC()
		r.Counts = types.NewCounts()
		index[r.ID] = len(runs)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return runs, nil
	}

	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	countRows, err := s.pool.Query(ctx,
		"SELECT run_id, category, count FROM emotion_run_counts WHERE run_id = ANY($1)", ids)
	if err != nil {
		return nil, err
	}
	defer countRows.Close()

	for countRows.Next() {
		var runID, category string
		var count int
		if err := countRows.Scan(&runID, &category, &count); err != nil {
			return nil, err
		}
		if cat, ok := types.ParseCategory(category); ok {
			runs[index[runID]].Counts[cat] = count
		}
	}
	return runs, countRows.Err()
}

// PruneBefore deletes runs that started before t and returns how many were removed.
func (s *Store) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM emotion_runs WHERE started_at < $1", t)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS emotion_run_counts CASCADE;
		DROP TABLE IF EXISTS emotion_runs CASCADE;
	`)
	return err
}
