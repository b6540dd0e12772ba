package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rejourney/ingest-server-go/internal/model"
)

type TeamRepository interface {
	FindByID(ctx context.Context, id string) (*model.Team, error)
	// LockForQuota takes a transaction-scoped advisory lock on the team. It
	// must be called on a repository bound to a transaction.
	LockForQuota(ctx context.Context, teamID string) error
	CountSessions(ctx context.Context, teamID string, periodStart time.Time) (int, error)
	IncrementSessions(ctx context.Context, teamID, projectID string, periodStart time.Time, delta int) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) TeamRepository
}

type teamRepo struct {
	db sqlxDB
}

func NewTeamRepository(db *sqlx.DB) TeamRepository {
	return &teamRepo{db: db}
}

func (r *teamRepo) WithTx(tx *sqlx.Tx) TeamRepository {
	return &teamRepo{db: tx}
}

func (r *teamRepo) FindByID(ctx context.Context, id string) (*model.Team, error) {
	var team model.Team
	err := r.db.GetContext(ctx, &team, `
		SELECT * FROM teams WHERE id = $1
	`, id)
	return HandleNotFound(&team, err)
}

func (r *teamRepo) LockForQuota(ctx context.Context, teamID string) error {
	_, err := r.db.ExecContext(ctx, `
		SELECT pg_advisory_xact_lock(hashtext('team_quota:' || $1))
	`, teamID)
	return err
}

func (r *teamRepo) CountSessions(ctx context.Context, teamID string, periodStart time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COALESCE(
			(SELECT session_count FROM team_session_usage WHERE team_id = $1 AND period_start = $2),
			0
		)
	`, teamID, periodStart)
	return count, err
}

func (r *teamRepo) IncrementSessions(ctx context.Context, teamID, projectID string, periodStart time.Time, delta int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO team_session_usage (team_id, period_start, session_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (team_id, period_start)
		DO UPDATE SET session_count = team_session_usage.session_count + EXCLUDED.session_count
	`, teamID, periodStart, delta)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO project_session_usage (project_id, period_start, session_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, period_start)
		DO UPDATE SET session_count = project_session_usage.session_count + EXCLUDED.session_count
	`, projectID, periodStart, delta)
	return err
}

// BillingPeriodStart returns the first day (UTC) of the month containing t.
func BillingPeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
