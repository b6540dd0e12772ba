package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/rejourney/ingest-server-go/internal/errors"
	"github.com/rejourney/ingest-server-go/internal/model"
	"github.com/rejourney/ingest-server-go/internal/repository"
)

type BillingDecision struct {
	CanRecord bool
	Reason    string
}

// BillingChecker answers whether a team may record new data.
type BillingChecker interface {
	CheckBillingStatus(ctx context.Context, teamID string) (BillingDecision, error)
}

// TeamBillingChecker derives the decision from the team's billing status.
type TeamBillingChecker struct {
	teams repository.TeamRepository
}

func NewTeamBillingChecker(teams repository.TeamRepository) *TeamBillingChecker {
	return &TeamBillingChecker{teams: teams}
}

func (c *TeamBillingChecker) CheckBillingStatus(ctx context.Context, teamID string) (BillingDecision, error) {
	team, err := c.teams.FindByID(ctx, teamID)
	if err != nil {
		return BillingDecision{}, err
	}
	if team == nil {
		return BillingDecision{Reason: "Team not found"}, nil
	}

	switch team.BillingStatus {
	case model.BillingStatusActive, model.BillingStatusPastDue:
		return BillingDecision{CanRecord: true}, nil
	default:
		return BillingDecision{Reason: fmt.Sprintf("Billing status is %s", team.BillingStatus)}, nil
	}
}

// QuotaGate runs the billing check and the team session-limit check.
// Enforcement at session creation happens in the store under a team lock;
// CheckSessionLimit is the read-only pre-check that rejects early.
type QuotaGate struct {
	billing BillingChecker
	teams   repository.TeamRepository
	now     func() time.Time
}

func NewQuotaGate(billing BillingChecker, teams repository.TeamRepository) *QuotaGate {
	return &QuotaGate{billing: billing, teams: teams, now: time.Now}
}

// CheckBilling returns the team when it may record, PAYMENT_REQUIRED otherwise.
func (g *QuotaGate) CheckBilling(ctx context.Context, teamID string) (*model.Team, error) {
	decision, err := g.billing.CheckBillingStatus(ctx, teamID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if !decision.CanRecord {
		log.Info().Str("teamId", teamID).Str("reason", decision.Reason).Msg("billing gate denied recording")
		return nil, apperrors.PaymentRequired(decision.Reason)
	}

	team, err := g.teams.FindByID(ctx, teamID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if team == nil {
		return nil, apperrors.NotFound("Team")
	}
	return team, nil
}

// CheckSessionLimit fails with QUOTA_EXCEEDED when the team has no room for
// another session in the current period.
func (g *QuotaGate) CheckSessionLimit(ctx context.Context, team *model.Team) error {
	if team.SessionLimit == nil {
		return nil
	}
	count, err := g.teams.CountSessions(ctx, team.ID, repository.BillingPeriodStart(g.now()))
	if err != nil {
		return apperrors.Database(err)
	}
	if count >= *team.SessionLimit {
		return quotaExceeded(team.ID)
	}
	return nil
}

// Scope returns the counter a new session for team is charged to.
func (g *QuotaGate) Scope(team *model.Team) repository.QuotaScope {
	return repository.QuotaScope{
		TeamID:      team.ID,
		Limit:       team.SessionLimit,
		PeriodStart: repository.BillingPeriodStart(g.now()),
	}
}

func quotaExceeded(teamID string) *apperrors.AppError {
	log.Info().Str("teamId", teamID).Msg("team session quota exceeded")
	return apperrors.QuotaExceeded("Session limit reached for this billing period")
}
