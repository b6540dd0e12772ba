package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rejourney/ingest-server-go/internal/model"
)

type ArtifactRepository interface {
	Create(ctx context.Context, params model.CreateArtifactParams) (*model.RecordingArtifact, error)
	// FindPending returns the newest pending artifact matching the selector.
	FindPending(ctx context.Context, match model.ArtifactMatch) (*model.RecordingArtifact, error)
	MarkReady(ctx context.Context, id string, actualSize int64) (bool, error)
	WithTx(tx *sqlx.Tx) ArtifactRepository
}

type artifactRepo struct {
	db sqlxDB
}

func NewArtifactRepository(db *sqlx.DB) ArtifactRepository {
	return &artifactRepo{db: db}
}

func (r *artifactRepo) WithTx(tx *sqlx.Tx) ArtifactRepository {
	return &artifactRepo{db: tx}
}

func (r *artifactRepo) Create(ctx context.Context, params model.CreateArtifactParams) (*model.RecordingArtifact, error) {
	var artifact model.RecordingArtifact
	err := r.db.GetContext(ctx, &artifact, `
		INSERT INTO recording_artifacts
			(session_id, kind, s3_object_key, declared_size_bytes, status, batch_number, timestamp, start_time, end_time, frame_count)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, $8, $9)
		RETURNING *
	`, params.SessionID, params.Kind, params.S3ObjectKey, params.DeclaredSizeBytes,
		params.BatchNumber, params.Timestamp, params.StartTime, params.EndTime, params.FrameCount)
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

func (r *artifactRepo) FindPending(ctx context.Context, match model.ArtifactMatch) (*model.RecordingArtifact, error) {
	var artifact model.RecordingArtifact
	err := r.db.GetContext(ctx, &artifact, `
		SELECT * FROM recording_artifacts
		WHERE session_id = $1
			AND kind = $2
			AND status = 'pending'
			AND ($3::int IS NULL OR batch_number = $3)
			AND ($4::bigint IS NULL OR start_time = $4)
		ORDER BY created_at DESC
		LIMIT 1
	`, match.SessionID, match.Kind, match.BatchNumber, match.StartTime)
	return HandleNotFound(&artifact, err)
}

func (r *artifactRepo) MarkReady(ctx context.Context, id string, actualSize int64) (bool, error) {
	return affected(r.db.ExecContext(ctx, `
		UPDATE recording_artifacts SET
			status = 'ready',
			actual_size_bytes = $2,
			completed_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, actualSize, time.Now()))
}
