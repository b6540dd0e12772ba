package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTeamRepository_Quota(t *testing.T) {
	ctx := context.Background()
	period := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("locks, counts and increments inside a transaction", func(t *testing.T) {
		db, mock := newMockDB(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("pg_advisory_xact_lock")).
			WithArgs("team-1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("FROM team_session_usage")).
			WithArgs("team-1", period).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(4))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO team_session_usage")).
			WithArgs("team-1", period, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO project_session_usage")).
			WithArgs("proj-1", period, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		tx, err := db.BeginTxx(ctx, nil)
		require.NoError(t, err)
		repo := NewTeamRepository(db).WithTx(tx)

		require.NoError(t, repo.LockForQuota(ctx, "team-1"))
		count, err := repo.CountSessions(ctx, "team-1", period)
		require.NoError(t, err)
		assert.Equal(t, 4, count)
		require.NoError(t, repo.IncrementSessions(ctx, "team-1", "proj-1", period, 1))
		require.NoError(t, tx.Commit())
	})

	t.Run("finds team", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewTeamRepository(db)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM teams WHERE id = $1")).
			WithArgs("team-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "session_limit", "billing_status"}).AddRow("team-1", 100, "active"))

		team, err := repo.FindByID(ctx, "team-1")
		require.NoError(t, err)
		require.NotNil(t, team.SessionLimit)
		assert.Equal(t, 100, *team.SessionLimit)
	})
}

func TestBillingPeriodStart(t *testing.T) {
	ts := time.Date(2026, 3, 17, 23, 30, 0, 0, time.FixedZone("PST", -8*3600))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), BillingPeriodStart(ts))
}
