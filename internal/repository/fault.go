package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rejourney/ingest-server-go/internal/model"
)

type FaultRepository interface {
	// FindNear returns a fault with the same fingerprint recorded within the window around occurredAt.
	FindNear(ctx context.Context, sessionID string, kind model.FaultKind, fingerprint string, occurredAt time.Time, window time.Duration) (*model.Fault, error)
	Create(ctx context.Context, fault model.Fault) (*model.Fault, error)
	CountBySession(ctx context.Context, sessionID string, kind model.FaultKind) (int, error)
	// LockFingerprint takes a transaction-scoped advisory lock on one fault
	// fingerprint of a session. It must be called on a repository bound to a transaction.
	LockFingerprint(ctx context.Context, sessionID, fingerprint string) error
	WithTx(tx *sqlx.Tx) FaultRepository
}

type faultRepo struct {
	db sqlxDB
}

func NewFaultRepository(db *sqlx.DB) FaultRepository {
	return &faultRepo{db: db}
}

func (r *faultRepo) WithTx(tx *sqlx.Tx) FaultRepository {
	return &faultRepo{db: tx}
}

func (r *faultRepo) LockFingerprint(ctx context.Context, sessionID, fingerprint string) error {
	_, err := r.db.ExecContext(ctx, `
		SELECT pg_advisory_xact_lock(hashtext('fault:' || $1 || ':' || $2))
	`, sessionID, fingerprint)
	return err
}

func (r *faultRepo) FindNear(ctx context.Context, sessionID string, kind model.FaultKind, fingerprint string, occurredAt time.Time, window time.Duration) (*model.Fault, error) {
	var fault model.Fault
	err := r.db.GetContext(ctx, &fault, `
		SELECT * FROM faults
		WHERE session_id = $1 AND kind = $2 AND fingerprint = $3
			AND occurred_at BETWEEN $4 AND $5
		ORDER BY occurred_at DESC
		LIMIT 1
	`, sessionID, kind, fingerprint, occurredAt.Add(-window), occurredAt.Add(window))
	return HandleNotFound(&fault, err)
}

func (r *faultRepo) Create(ctx context.Context, fault model.Fault) (*model.Fault, error) {
	var created model.Fault
	err := r.db.GetContext(ctx, &created, `
		INSERT INTO faults (session_id, project_id, kind, fingerprint, occurred_at, duration_ms, reason, stack)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING *
	`, fault.SessionID, fault.ProjectID, fault.Kind, fault.Fingerprint, fault.OccurredAt,
		fault.DurationMs, fault.Reason, fault.Stack)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (r *faultRepo) CountBySession(ctx context.Context, sessionID string, kind model.FaultKind) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM faults WHERE session_id = $1 AND kind = $2
	`, sessionID, kind)
	return count, err
}
