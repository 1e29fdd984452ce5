package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"genjutsu/internal/models"
)

// Store is the Postgres-backed Repository.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const selectRecord = `
	SELECT id, status, progress, message, error, ply_path, preview_path, created_at, updated_at, completed_at
	FROM job_records`

// Apply locks the current row, merges the snapshot and appends an event row
// when the record changed.
func (s *Store) Apply(ctx context.Context, in models.Snapshot) (models.Snapshot, bool, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return models.Snapshot{}, false, fmt.Errorf("marshal snapshot: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Snapshot{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	var current *models.Snapshot
	existing, err := scanRecord(tx.QueryRow(ctx, selectRecord+` WHERE id = $1 FOR UPDATE`, in.ID))
	switch {
	case err == nil:
		current = &existing
	case errors.Is(err, ErrNotFound):
	default:
		return models.Snapshot{}, false, err
	}

	merged, applied := Merge(current, in)
	if !applied {
		return merged, false, tx.Commit(ctx)
	}

	var plyPath, previewPath *string
	if merged.Outputs != nil {
		plyPath = &merged.Outputs.PlyPath
		if merged.Outputs.PreviewPath != "" {
			previewPath = &merged.Outputs.PreviewPath
		}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO job_records (id, status, progress, message, error, ply_path, preview_path, created_at, updated_at, completed_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = GREATEST(job_records.progress, EXCLUDED.progress),
			message = EXCLUDED.message,
			error = EXCLUDED.error,
			ply_path = EXCLUDED.ply_path,
			preview_path = EXCLUDED.preview_path,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at,
			received_at = NOW()
	`, merged.ID, string(merged.Data.Status), merged.Data.Progress, merged.Data.Message, merged.Data.Error,
		plyPath, previewPath, nonZero(merged.Data.CreatedAt), nonZero(merged.Data.UpdatedAt), merged.Data.CompletedAt)
	if err != nil {
		return models.Snapshot{}, false, fmt.Errorf("upsert record: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO job_record_events (job_id, status, progress, payload, received_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, in.ID, string(in.Data.Status), in.Data.Progress, payload); err != nil {
		return models.Snapshot{}, false, fmt.Errorf("insert record event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Snapshot{}, false, fmt.Errorf("commit: %w", err)
	}
	return merged, true, nil
}

// Get fetches one record.
func (s *Store) Get(ctx context.Context, id string) (models.Snapshot, error) {
	return scanRecord(s.pool.QueryRow(ctx, selectRecord+` WHERE id = $1`, id))
}

// List returns the most recently updated records.
func (s *Store) List(ctx context.Context, limit int) ([]models.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, selectRecord+` ORDER BY updated_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	out := []models.Snapshot{}
	for rows.Next() {
		snap, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// EventCount is the number of accepted snapshots stored for a job.
func (s *Store) EventCount(ctx context.Context, id string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM job_record_events WHERE job_id = $1`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("count record events: %w", err)
	}
	return n, nil
}

func scanRecord(row pgx.Row) (models.Snapshot, error) {
	var (
		snap                           models.Snapshot
		status                         string
		message, errText, ply, preview pgtype.Text
		completedAt                    pgtype.Timestamptz
	)
	err := row.Scan(&snap.ID, &status, &snap.Data.Progress, &message, &errText, &ply, &preview,
		&snap.Data.CreatedAt, &snap.Data.UpdatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("scan record: %w", err)
	}
	snap.Data.Status = models.ClientStatus(status)
	snap.Data.Message = textPtr(message)
	snap.Data.Error = textPtr(errText)
	snap.Data.CreatedAt = snap.Data.CreatedAt.UTC()
	snap.Data.UpdatedAt = snap.Data.UpdatedAt.UTC()
	if completedAt.Valid {
		c := completedAt.Time.UTC()
		snap.Data.CompletedAt = &c
	}
	if ply.Valid {
		snap.Outputs = &models.Outputs{PlyPath: ply.String, PreviewPath: preview.String}
	}
	return snap, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func nonZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
