package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/rejourney/ingest-server-go/internal/errors"
	"github.com/rejourney/ingest-server-go/internal/model"
	"github.com/rejourney/ingest-server-go/internal/repository"
)

// EndSignal is what the SDK (or the idle sweep) reports when a session ends.
type EndSignal struct {
	EndedAt          *time.Time
	BackgroundTimeMs int64
	Metrics          *model.MetricsDelta
	EndReason        *string
}

type FinalizeResult struct {
	Session               *model.Session
	DurationSeconds       int
	BackgroundTimeSeconds int
	AlreadyEnded          bool
}

// SessionFinalizer moves sessions to ready exactly once.
type SessionFinalizer struct {
	sessions repository.SessionRepository
	store    repository.IngestStore
	now      func() time.Time
}

func NewSessionFinalizer(sessions repository.SessionRepository, store repository.IngestStore) *SessionFinalizer {
	return &SessionFinalizer{sessions: sessions, store: store, now: time.Now}
}

// Finalize computes playable duration and writes the terminal values. A
// session that already ended is returned untouched with AlreadyEnded set,
// including when a concurrent finalize wins the conditional update.
func (f *SessionFinalizer) Finalize(ctx context.Context, projectID, sessionID string, signal EndSignal) (*FinalizeResult, error) {
	session, err := f.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil || session.ProjectID != projectID {
		return nil, apperrors.NotFound("Session")
	}
	if session.Ended() {
		return alreadyEnded(session), nil
	}
	if !session.Status.CanTransitionTo(model.SessionStatusReady) {
		return nil, apperrors.InvalidState("Session is " + string(session.Status))
	}

	endedAt := f.now()
	if signal.EndedAt != nil {
		endedAt = *signal.EndedAt
	}
	if endedAt.Before(session.StartedAt) {
		endedAt = session.StartedAt
	}

	duration, background := model.PlayableDuration(session.StartedAt, endedAt, signal.BackgroundTimeMs)
	params := model.FinalizeParams{
		EndedAt:               endedAt,
		DurationSeconds:       duration,
		BackgroundTimeSeconds: background,
		EndReason:             signal.EndReason,
	}

	var delta *model.MetricsDelta
	if signal.Metrics != nil && !signal.Metrics.IsEmpty() {
		delta = signal.Metrics
	}

	// Closing metrics belong to the caller that ends the session.
	ok, err := f.store.FinalizeSession(ctx, session.ID, params, delta)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if !ok {
		current, err := f.sessions.FindByID(ctx, session.ID)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if current == nil {
			return nil, apperrors.NotFound("Session")
		}
		if !current.Ended() {
			return nil, apperrors.InvalidState("Session is " + string(current.Status))
		}
		return alreadyEnded(current), nil
	}

	session.EndedAt = &endedAt
	session.DurationSeconds = duration
	session.BackgroundTimeSeconds = background
	session.Status = model.SessionStatusReady
	session.EndReason = signal.EndReason

	log.Info().
		Str("sessionId", session.ID).
		Int("durationSeconds", duration).
		Int("backgroundTimeSeconds", background).
		Msg("session finalized")

	return &FinalizeResult{
		Session:               session,
		DurationSeconds:       duration,
		BackgroundTimeSeconds: background,
	}, nil
}

// ExtendForSegment pushes endedAt forward when a segment recorded after the
// session ended reaches past it. Open sessions are left alone.
func (f *SessionFinalizer) ExtendForSegment(ctx context.Context, session *model.Session, endTimeMs int64) (bool, error) {
	if session == nil || !session.Ended() || endTimeMs <= 0 {
		return false, nil
	}
	end := time.UnixMilli(endTimeMs).UTC()
	if !end.After(*session.EndedAt) {
		return false, nil
	}

	ok, err := f.sessions.ExtendEnd(ctx, session.ID, end)
	if err != nil {
		return false, apperrors.Database(err)
	}
	if ok {
		log.Info().Str("sessionId", session.ID).Time("endedAt", end).Msg("session end extended by late segment")
	}
	return ok, nil
}

func alreadyEnded(session *model.Session) *FinalizeResult {
	return &FinalizeResult{
		Session:               session,
		DurationSeconds:       session.DurationSeconds,
		BackgroundTimeSeconds: session.BackgroundTimeSeconds,
		AlreadyEnded:          true,
	}
}
