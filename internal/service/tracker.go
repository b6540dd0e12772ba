package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rejourney/ingest-server-go/internal/batchid"
	apperrors "github.com/rejourney/ingest-server-go/internal/errors"
	"github.com/rejourney/ingest-server-go/internal/model"
	"github.com/rejourney/ingest-server-go/internal/repository"
	"github.com/rejourney/ingest-server-go/internal/storage"
)

type PresignArtifactRequest struct {
	Team         *model.Team
	Project      *model.Project
	Session      *model.Session
	Kind         model.ArtifactKind
	BatchNumber  *int
	StartTime    *int64
	EndTime      *int64
	FrameCount   *int
	DeclaredSize int64
}

type PresignedArtifact struct {
	Artifact  *model.RecordingArtifact
	URL       string
	BatchID   string
	ObjectKey string
}

type CompletedArtifact struct {
	Artifact *model.RecordingArtifact
	Job      *model.IngestJob
	BatchID  batchid.ID
}

// ArtifactTracker records uploaded blobs and enqueues their ingest jobs.
type ArtifactTracker struct {
	artifacts repository.ArtifactRepository
	store     repository.IngestStore
	presigner storage.Presigner
	now       func() time.Time
}

func NewArtifactTracker(artifacts repository.ArtifactRepository, store repository.IngestStore, presigner storage.Presigner) *ArtifactTracker {
	return &ArtifactTracker{
		artifacts: artifacts,
		store:     store,
		presigner: presigner,
		now:       time.Now,
	}
}

// Presign issues an upload URL and records the pending artifact. The URL is
// signed first so a storage failure leaves no row behind.
func (t *ArtifactTracker) Presign(ctx context.Context, req PresignArtifactRequest) (*PresignedArtifact, error) {
	var (
		sequence int64
		filename string
	)
	switch {
	case req.Kind.IsBatch():
		if req.BatchNumber == nil {
			return nil, apperrors.MissingRequired("batchNumber")
		}
		sequence = int64(*req.BatchNumber)
		filename = storage.BatchFilename(*req.BatchNumber)
	case req.Kind.IsSegment():
		if req.StartTime == nil {
			return nil, apperrors.MissingRequired("startTime")
		}
		sequence = *req.StartTime
		filename = storage.SegmentFilename(req.Kind, *req.StartTime)
	default:
		return nil, apperrors.InvalidInput("kind", "unsupported artifact kind")
	}

	now := t.now()
	id, err := batchid.New(req.Session.ID, req.Kind, sequence, now)
	if err != nil {
		return nil, apperrors.Internal("Failed to generate batch id")
	}

	key := storage.ObjectKey(req.Team.ID, req.Project.ID, req.Session.ID, req.Kind, filename)
	url, err := t.presigner.PresignPut(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("sessionId", req.Session.ID).Str("s3Key", key).Msg("failed to presign upload")
		return nil, apperrors.Storage(err)
	}

	artifact, err := t.artifacts.Create(ctx, model.CreateArtifactParams{
		SessionID:         req.Session.ID,
		Kind:              req.Kind,
		S3ObjectKey:       key,
		DeclaredSizeBytes: req.DeclaredSize,
		BatchNumber:       req.BatchNumber,
		Timestamp:         &now,
		StartTime:         req.StartTime,
		EndTime:           req.EndTime,
		FrameCount:        req.FrameCount,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	return &PresignedArtifact{
		Artifact:  artifact,
		URL:       url,
		BatchID:   id.String(),
		ObjectKey: key,
	}, nil
}

// ParseBatchID decodes a correlation id from either encoding.
func ParseBatchID(raw string) (batchid.ID, error) {
	if raw == "" {
		return batchid.ID{}, apperrors.MissingRequired("batchId")
	}
	id, err := batchid.Parse(raw)
	if err != nil {
		return batchid.ID{}, apperrors.InvalidInput("batchId", "unrecognized batch id")
	}
	return id, nil
}

// Complete marks the pending artifact named by id ready and enqueues exactly
// one ingest job for it.
func (t *ArtifactTracker) Complete(ctx context.Context, id batchid.ID, actualSize int64) (*CompletedArtifact, error) {
	match := model.ArtifactMatch{SessionID: id.SessionID, Kind: id.Kind}
	if id.Kind.IsBatch() {
		n := int(id.Sequence)
		match.BatchNumber = &n
	} else {
		start := id.Sequence
		match.StartTime = &start
	}

	artifact, err := t.artifacts.FindPending(ctx, match)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if artifact == nil {
		return nil, apperrors.NotFound("Pending artifact")
	}

	job, err := t.store.CompleteArtifact(ctx, artifact, actualSize)
	if errors.Is(err, repository.ErrArtifactNotPending) {
		return nil, apperrors.NotFound("Pending artifact")
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}

	ReconcileActual(artifact.SessionID, artifact.ID, artifact.DeclaredSizeBytes, actualSize)

	log.Debug().
		Str("sessionId", artifact.SessionID).
		Str("artifactId", artifact.ID).
		Str("kind", string(artifact.Kind)).
		Str("jobId", job.ID).
		Msg("artifact completed")

	return &CompletedArtifact{Artifact: artifact, Job: job, BatchID: id}, nil
}
