package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no verdict exists for a video.
var ErrNotFound = errors.New("store: not found")

// Store persists verdicts in PostgreSQL. It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and ensures the schema is initialized.
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

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS video_metadata (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS verdicts (
			id BIGSERIAL PRIMARY KEY,
			video_id TEXT NOT NULL REFERENCES video_metadata(id) ON DELETE CASCADE,
			label TEXT,
			confidence_real DOUBLE PRECISION NOT NULL,
			confidence_fake DOUBLE PRECISION NOT NULL,
			faces INT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		ALTER TABLE verdicts ADD COLUMN IF NOT EXISTS settings TEXT NOT NULL DEFAULT '';
		CREATE INDEX IF NOT EXISTS verdicts_video_id_idx ON verdicts (video_id, created_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureVideoMetadata registers the video in the database. If it exists, it updates the timestamp and path.
func (s *Store) EnsureVideoMetadata(ctx context.Context, videoID, path string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO video_metadata (id, path, indexed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET indexed_at = NOW(), path = EXCLUDED.path
	`, videoID, path)
	return err
}

// InsertVerdict appends a verdict for videoID, produced under settings, and
// returns its row ID. A label-less verdict is stored with a NULL label.
func (s *Store) InsertVerdict(ctx context.Context, videoID, settings string, v types.Verdict) (int64, error) {
	var label *string
	if v.HasLabel() {
		l := string(v.Label)
		label = &l
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO verdicts (video_id, settings, label, confidence_real, confidence_fake, faces, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, videoID, settings, label, v.Confidence.Real, v.Confidence.Fake, v.Faces, v.Message).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert verdict: %w", err)
	}
	return id, nil
}

const selectVerdicts = `
	SELECT v.id, v.video_id, m.path, v.settings, v.label, v.confidence_real, v.confidence_fake, v.faces, v.message, v.created_at
	FROM verdicts v
	JOIN video_metadata m ON m.id = v.video_id`

func scanVerdict(row pgx.Row) (types.VerdictRecord, error) {
	var rec types.VerdictRecord
	var label *string
	err := row.Scan(&rec.ID, &rec.VideoID, &rec.VideoPath, &rec.Settings, &label,
		&rec.Verdict.Confidence.Real, &rec.Verdict.Confidence.Fake,
		&rec.Verdict.Faces, &rec.Verdict.Message, &rec.CreatedAt)
	if err != nil {
		return rec, err
	}
	if label != nil {
		rec.Verdict.Label = types.Label(*label)
	}
	return rec, nil
}

// LatestVerdict returns the most recent verdict for videoID produced under
// settings, or ErrNotFound.
func (s *Store) LatestVerdict(ctx context.Context, videoID, settings string) (types.VerdictRecord, error) {
	row := s.pool.QueryRow(ctx, selectVerdicts+`
		WHERE v.video_id = $1 AND v.settings = $2
		ORDER BY v.created_at DESC, v.id DESC LIMIT 1`, videoID, settings)
	rec, err := scanVerdict(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, ErrNotFound
	}
	return rec, err
}

// ListVerdicts returns up to limit verdicts, newest first. limit <= 0 means all.
func (s *Store) ListVerdicts(ctx context.Context, limit int) ([]types.VerdictRecord, error) {
	query := selectVerdicts + ` ORDER BY v.created_at DESC, v.id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []types.VerdictRecord
	for rows.Next() {
		rec, err := scanVerdict(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS verdicts CASCADE;
		DROP TABLE IF EXISTS video_metadata CASCADE;
	`)
	return err
}
