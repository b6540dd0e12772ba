package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rejourney/ingest-server-go/internal/model"
)

type JobRepository interface {
	// Create enqueues a job for the artifact. At most one job exists per artifact.
	Create(ctx context.Context, sessionID, artifactID string, kind model.ArtifactKind) (*model.IngestJob, bool, error)
	FindByArtifact(ctx context.Context, artifactID string) (*model.IngestJob, error)
	CountPending(ctx context.Context, sessionID string) (int, error)
	// FailStale marks jobs pending since before the cutoff as failed.
	FailStale(ctx context.Context, before time.Time, limit int) ([]model.IngestJob, error)
	WithTx(tx *sqlx.Tx) JobRepository
}

type jobRepo struct {
	db sqlxDB
}

func NewJobRepository(db *sqlx.DB) JobRepository {
	return &jobRepo{db: db}
}

func (r *jobRepo) WithTx(tx *sqlx.Tx) JobRepository {
	return &jobRepo{db: tx}
}

func (r *jobRepo) Create(ctx context.Context, sessionID, artifactID string, kind model.ArtifactKind) (*model.IngestJob, bool, error) {
	var job model.IngestJob
	err := r.db.GetContext(ctx, &job, `
		INSERT INTO ingest_jobs (session_id, artifact_id, kind, status)
		VALUES ($1, $2, $3, 'pending')
		ON CONFLICT (artifact_id) DO NOTHING
		RETURNING *
	`, sessionID, artifactID, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &job, true, nil
}

func (r *jobRepo) FindByArtifact(ctx context.Context, artifactID string) (*model.IngestJob, error) {
	var job model.IngestJob
	err := r.db.GetContext(ctx, &job, `
		SELECT * FROM ingest_jobs WHERE artifact_id = $1
	`, artifactID)
	return HandleNotFound(&job, err)
}

func (r *jobRepo) CountPending(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM ingest_jobs WHERE session_id = $1 AND status = 'pending'
	`, sessionID)
	return count, err
}

func (r *jobRepo) FailStale(ctx context.Context, before time.Time, limit int) ([]model.IngestJob, error) {
	var jobs []model.IngestJob
	err := r.db.SelectContext(ctx, &jobs, `
		UPDATE ingest_jobs SET status = 'failed', error = 'stale', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM ingest_jobs
			WHERE status = 'pending' AND created_at < $1
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *
	`, before, limit)
	return jobs, err
}
