package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/rejourney/ingest-server-go/internal/errors"
	"github.com/rejourney/ingest-server-go/internal/model"
	"github.com/rejourney/ingest-server-go/internal/repository"
	"github.com/rejourney/ingest-server-go/internal/util"
)

// Session ids embedding a start time outside this range are not trusted.
const (
	maxSessionIDAge  = 7 * 24 * time.Hour
	maxSessionIDSkew = 24 * time.Hour
)

type EnsureSessionRequest struct {
	SessionID   string
	DeviceID    *string
	IsSampledIn *bool
	Platform    *string
	DeviceModel *string
	AppVersion  *string
}

// SessionRegistrar resolves or creates sessions. Creation is insert-if-absent
// so concurrent first contacts agree on a single row, and only the creating
// caller is charged against the team quota.
type SessionRegistrar struct {
	sessions repository.SessionRepository
	store    repository.IngestStore
	gate     *QuotaGate
	now      func() time.Time
}

func NewSessionRegistrar(sessions repository.SessionRepository, store repository.IngestStore, gate *QuotaGate) *SessionRegistrar {
	return &SessionRegistrar{sessions: sessions, store: store, gate: gate, now: time.Now}
}

// Lookup returns an existing session of the project, checking it may still
// receive artifacts. It returns nil when the session does not exist.
func (r *SessionRegistrar) Lookup(ctx context.Context, projectID, sessionID string) (*model.Session, error) {
	session, err := r.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, nil
	}
	if err := checkSession(session, projectID); err != nil {
		return nil, err
	}
	return session, nil
}

// Ensure returns the session, creating it when absent. created is true for
// exactly one caller per session id.
func (r *SessionRegistrar) Ensure(ctx context.Context, project *model.Project, team *model.Team, req EnsureSessionRequest) (*model.Session, bool, error) {
	if req.SessionID == "" {
		id, err := util.GenerateSessionID(r.now())
		if err != nil {
			return nil, false, apperrors.Internal("Failed to generate session id")
		}
		req.SessionID = id
	} else if !util.IsValidSessionID(req.SessionID) {
		return nil, false, apperrors.InvalidInput("sessionId", "must be 8-128 characters of [A-Za-z0-9_-]")
	}

	existing, err := r.Lookup(ctx, project.ID, req.SessionID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	sampled := true
	if req.IsSampledIn != nil {
		sampled = *req.IsSampledIn
	}

	params := model.CreateSessionParams{
		ID:          req.SessionID,
		ProjectID:   project.ID,
		DeviceID:    req.DeviceID,
		StartedAt:   r.startedAt(req.SessionID),
		IsSampledIn: sampled,
		Platform:    req.Platform,
		DeviceModel: req.DeviceModel,
		AppVersion:  req.AppVersion,
	}
	if req.DeviceID != nil {
		name := util.AnonymousDisplayName(*req.DeviceID)
		params.UserDisplayID = &name
	}

	session, created, err := r.store.CreateSessionWithinQuota(ctx, params, r.gate.Scope(team))
	if errors.Is(err, repository.ErrQuotaExceeded) {
		return nil, false, quotaExceeded(team.ID)
	}
	if err != nil {
		return nil, false, apperrors.Database(err)
	}

	if !created {
		if err := checkSession(session, project.ID); err != nil {
			return nil, false, err
		}
		return session, false, nil
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("projectId", project.ID).
		Bool("isSampledIn", session.IsSampledIn).
		Msg("session created")

	return session, true, nil
}

func (r *SessionRegistrar) startedAt(sessionID string) time.Time {
	now := r.now()
	if ts, ok := util.SessionStartFromID(sessionID); ok {
		if ts.After(now.Add(-maxSessionIDAge)) && ts.Before(now.Add(maxSessionIDSkew)) {
			return ts
		}
	}
	return now
}

func checkSession(session *model.Session, projectID string) error {
	if session.ProjectID != projectID {
		return apperrors.NotFound("Session")
	}
	if !session.Status.AcceptsArtifacts() {
		return apperrors.InvalidState("Session is " + string(session.Status))
	}
	return nil
}
