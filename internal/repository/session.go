package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rejourney/ingest-server-go/internal/model"
)

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// InsertIfAbsent creates the session and its metrics row unless a session
	// with the same id exists. created is true for exactly one caller.
	InsertIfAbsent(ctx context.Context, params model.CreateSessionParams) (session *model.Session, created bool, err error)
	// Finalize writes the terminal values only if the session has not ended.
	Finalize(ctx context.Context, id string, params model.FinalizeParams) (bool, error)
	// ExtendEnd moves endedAt forward for a ready session when a later
	// segment arrives, recomputing the playable duration.
	ExtendEnd(ctx context.Context, id string, endedAt time.Time) (bool, error)
	// MarkPromoted flips replay_promoted from false to true.
	MarkPromoted(ctx context.Context, id string, result model.PromotionResult) (bool, error)
	RecordEvaluation(ctx context.Context, id string, result model.PromotionResult) error
	BackfillDevice(ctx context.Context, id, deviceID string) (bool, error)
	SetUserDisplayID(ctx context.Context, id, displayID string) (bool, error)
	RecordSegment(ctx context.Context, id string, bytes int64) error
	TouchActivity(ctx context.Context, id string) error
	ListIdle(ctx context.Context, before time.Time, limit int) ([]model.Session, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

type sessionRepo struct {
	db sqlxDB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) InsertIfAbsent(ctx context.Context, params model.CreateSessionParams) (*model.Session, bool, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO sessions (id, project_id, device_id, status, started_at, is_sampled_in, platform, device_model, app_version, user_display_id)
		VALUES ($1, $2, $3, 'processing', $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
		RETURNING *
	`, params.ID, params.ProjectID, params.DeviceID, params.StartedAt, params.IsSampledIn,
		params.Platform, params.DeviceModel, params.AppVersion, params.UserDisplayID)

	if errors.Is(err, sql.ErrNoRows) {
		existing, err := r.FindByID(ctx, params.ID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("session %s conflicted but was not found", params.ID)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO session_metrics (session_id) VALUES ($1)
		ON CONFLICT (session_id) DO NOTHING
	`, session.ID)
	if err != nil {
		return nil, false, err
	}

	return &session, true, nil
}

func (r *sessionRepo) Finalize(ctx context.Context, id string, params model.FinalizeParams) (bool, error) {
	return affected(r.db.ExecContext(ctx, `
		UPDATE sessions SET
			ended_at = $2,
			duration_seconds = $3,
			background_time_seconds = $4,
			end_reason = $5,
			status = 'ready',
			updated_at = NOW()
		WHERE id = $1 AND ended_at IS NULL AND status = 'processing'
	`, id, params.EndedAt, params.DurationSeconds, params.BackgroundTimeSeconds, params.EndReason))
}

func (r *sessionRepo) ExtendEnd(ctx context.Context, id string, endedAt time.Time) (bool, error) {
	return affected(r.db.ExecContext(ctx, `
		UPDATE sessions SET
			ended_at = $2,
			duration_seconds = GREATEST(1, ROUND(EXTRACT(EPOCH FROM ($2 - started_at)))::int - background_time_seconds),
			updated_at = NOW()
		WHERE id = $1 AND status = 'ready' AND ended_at < $2
	`, id, endedAt))
}

func (r *sessionRepo) MarkPromoted(ctx context.Context, id string, result model.PromotionResult) (bool, error) {
	return affected(r.db.ExecContext(ctx, `
		UPDATE sessions SET
			replay_promoted = TRUE,
			promoted_at = NOW(),
			promotion_score = $2,
			promotion_reason = $3,
			evaluated_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND replay_promoted = FALSE
	`, id, result.Score, result.Reason))
}

func (r *sessionRepo) RecordEvaluation(ctx context.Context, id string, result model.PromotionResult) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			promotion_score = $2,
			promotion_reason = $3,
			evaluated_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND replay_promoted = FALSE
	`, id, result.Score, result.Reason)
	return err
}

func (r *sessionRepo) BackfillDevice(ctx context.Context, id, deviceID string) (bool, error) {
	return affected(r.db.ExecContext(ctx, `
		UPDATE sessions SET device_id = $2, updated_at = NOW()
		WHERE id = $1 AND device_id IS NULL
	`, id, deviceID))
}

func (r *sessionRepo) SetUserDisplayID(ctx context.Context, id, displayID string) (bool, error) {
	return affected(r.db.ExecContext(ctx, `
		UPDATE sessions SET user_display_id = $2, updated_at = NOW()
		WHERE id = $1 AND user_display_id IS DISTINCT FROM $2
	`, id, displayID))
}

func (r *sessionRepo) RecordSegment(ctx context.Context, id string, bytes int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			replay_segment_count = replay_segment_count + 1,
			replay_storage_bytes = replay_storage_bytes + $2,
			last_activity_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`, id, bytes)
	return err
}

func (r *sessionRepo) TouchActivity(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity_at = NOW() WHERE id = $1
	`, id)
	return err
}

func (r *sessionRepo) ListIdle(ctx context.Context, before time.Time, limit int) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE ended_at IS NULL AND status = 'processing' AND last_activity_at < $1
		ORDER BY last_activity_at
		LIMIT $2
	`, before, limit)
	return sessions, err
}
