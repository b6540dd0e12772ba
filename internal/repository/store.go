package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rejourney/ingest-server-go/internal/database"
	"github.com/rejourney/ingest-server-go/internal/model"
)

// ErrQuotaExceeded is returned when creating a session would exceed the team's limit.
var ErrQuotaExceeded = errors.New("team session quota exceeded")

// ErrArtifactNotPending is returned when the artifact was completed concurrently.
var ErrArtifactNotPending = errors.New("artifact is no longer pending")

// QuotaScope describes the team counter a new session is charged to.
type QuotaScope struct {
	TeamID      string
	Limit       *int
	PeriodStart time.Time
}

// IngestStore groups the multi-statement writes that must commit atomically.
type IngestStore interface {
	// CreateSessionWithinQuota inserts the session unless it exists. Under a
	// per-team advisory lock it checks the quota and increments team and
	// project usage exactly once for a newly created session.
	CreateSessionWithinQuota(ctx context.Context, params model.CreateSessionParams, quota QuotaScope) (*model.Session, bool, error)
	// CompleteArtifact marks the artifact ready and enqueues its ingest job,
	// returning the existing job when one was already enqueued.
	CompleteArtifact(ctx context.Context, artifact *model.RecordingArtifact, actualSize int64) (*model.IngestJob, error)
	// FinalizeSession runs the conditional end of the session and, only when
	// that update won, merges the closing metrics in the same transaction.
	FinalizeSession(ctx context.Context, sessionID string, params model.FinalizeParams, delta *model.MetricsDelta) (bool, error)
	// RecordFault inserts the fault unless isDuplicate accepts a fault with the
	// same fingerprint stored within window of it. Reports of one fingerprint
	// are serialized by an advisory lock. created is false for duplicates, and
	// the stored duplicate is returned.
	RecordFault(ctx context.Context, fault model.Fault, window time.Duration, isDuplicate func(existing *model.Fault) bool) (stored *model.Fault, created bool, err error)
}

type ingestStore struct {
	db        *database.DB
	sessions  SessionRepository
	teams     TeamRepository
	artifacts ArtifactRepository
	jobs      JobRepository
	faults    FaultRepository
	metrics   MetricsRepository
}

func NewIngestStore(db *sqlx.DB) IngestStore {
	return &ingestStore{
		db:        &database.DB{DB: db},
		sessions:  NewSessionRepository(db),
		teams:     NewTeamRepository(db),
		artifacts: NewArtifactRepository(db),
		jobs:      NewJobRepository(db),
		faults:    NewFaultRepository(db),
		metrics:   NewMetricsRepository(db),
	}
}

func (s *ingestStore) CreateSessionWithinQuota(ctx context.Context, params model.CreateSessionParams, quota QuotaScope) (*model.Session, bool, error) {
	var (
		session *model.Session
		created bool
	)

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		sessions := s.sessions.WithTx(tx)
		teams := s.teams.WithTx(tx)

		if err := teams.LockForQuota(ctx, quota.TeamID); err != nil {
			return err
		}

		existing, err := sessions.FindByID(ctx, params.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			session = existing
			return nil
		}

		if quota.Limit != nil {
			count, err := teams.CountSessions(ctx, quota.TeamID, quota.PeriodStart)
			if err != nil {
				return err
			}
			if count >= *quota.Limit {
				return ErrQuotaExceeded
			}
		}

		session, created, err = sessions.InsertIfAbsent(ctx, params)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		return teams.IncrementSessions(ctx, quota.TeamID, params.ProjectID, quota.PeriodStart, 1)
	})
	if err != nil {
		return nil, false, err
	}
	return session, created, nil
}

func (s *ingestStore) CompleteArtifact(ctx context.Context, artifact *model.RecordingArtifact, actualSize int64) (*model.IngestJob, error) {
	var job *model.IngestJob

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := s.artifacts.WithTx(tx).MarkReady(ctx, artifact.ID, actualSize)
		if err != nil {
			return err
		}
		if !ok {
			return ErrArtifactNotPending
		}

		jobs := s.jobs.WithTx(tx)
		var created bool
		job, created, err = jobs.Create(ctx, artifact.SessionID, artifact.ID, artifact.Kind)
		if err != nil || created {
			return err
		}
		job, err = jobs.FindByArtifact(ctx, artifact.ID)
		if err == nil && job == nil {
			err = fmt.Errorf("ingest job for artifact %s vanished", artifact.ID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *ingestStore) FinalizeSession(ctx context.Context, sessionID string, params model.FinalizeParams, delta *model.MetricsDelta) (bool, error) {
	var ended bool

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		ended, err = s.sessions.WithTx(tx).Finalize(ctx, sessionID, params)
		if err != nil || !ended || delta == nil {
			return err
		}
		return s.metrics.WithTx(tx).Merge(ctx, sessionID, *delta)
	})
	if err != nil {
		return false, err
	}
	return ended, nil
}

func (s *ingestStore) RecordFault(ctx context.Context, fault model.Fault, window time.Duration, isDuplicate func(existing *model.Fault) bool) (*model.Fault, bool, error) {
	var (
		stored  *model.Fault
		created bool
	)

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		faults := s.faults.WithTx(tx)

		if err := faults.LockFingerprint(ctx, fault.SessionID, fault.Fingerprint); err != nil {
			return err
		}

		existing, err := faults.FindNear(ctx, fault.SessionID, fault.Kind, fault.Fingerprint, fault.OccurredAt, window)
		if err != nil {
			return err
		}
		if existing != nil && isDuplicate(existing) {
			stored = existing
			return nil
		}

		stored, err = faults.Create(ctx, fault)
		created = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}
