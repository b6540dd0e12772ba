package service

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"

	"github.com/rejourney/ingest-server-go/internal/config"
	apperrors "github.com/rejourney/ingest-server-go/internal/errors"
	"github.com/rejourney/ingest-server-go/internal/metrics"
	"github.com/rejourney/ingest-server-go/internal/model"
	redisclient "github.com/rejourney/ingest-server-go/internal/redis"
	"github.com/rejourney/ingest-server-go/internal/repository"
)

const (
	ReasonAlreadyPromoted      = "already promoted"
	ReasonEvaluationInProgress = "evaluation in progress"
	ReasonFault                = "session contains a crash or ANR"
	ReasonScoreAboveThreshold  = "score above threshold"
	ReasonHealthySample        = "sampled healthy replay"
	ReasonBelowThreshold       = "score below threshold"
)

// PromotionWeights are the relative weights of the default policy's signals.
type PromotionWeights struct {
	UX          float64
	Errors      float64
	Interaction float64
	Duration    float64
}

func WeightsFromConfig(cfg *config.Config) PromotionWeights {
	return PromotionWeights{
		UX:          cfg.PromotionWeightUX,
		Errors:      cfg.PromotionWeightErrors,
		Interaction: cfg.PromotionWeightInteraction,
		Duration:    cfg.PromotionWeightDuration,
	}
}

type ScoreInput struct {
	Session         *model.Session
	Metrics         *model.SessionMetrics
	DurationSeconds int
}

// Score is an interest score in [0, 1]. Forced scores are promoted
// regardless of the project's rate.
type Score struct {
	Value  float64
	Forced bool
	Reason string
}

// ScoringPolicy rates how worth keeping a finished session is.
type ScoringPolicy interface {
	Score(in ScoreInput) Score
}

// DefaultPolicy weighs poor UX, error density, interaction density and
// playable duration. Sessions with crashes or ANRs are always kept.
type DefaultPolicy struct {
	Weights PromotionWeights
}

func (p DefaultPolicy) Score(in ScoreInput) Score {
	m := in.Metrics
	if m == nil {
		m = &model.SessionMetrics{}
	}
	if m.CrashCount > 0 || m.ANRCount > 0 {
		return Score{Value: 1, Forced: true, Reason: ReasonFault}
	}

	minutes := math.Max(float64(in.DurationSeconds)/60, 1.0/60)

	ux := 0.0
	if m.UXScore > 0 {
		ux = clamp01(1 - m.UXScore/100)
	}

	errorsPerMinute := float64(m.ErrorCount+m.APIErrorCount+m.RageTapCount) / minutes
	errorSignal := errorsPerMinute / (errorsPerMinute + 1)

	interaction := clamp01(m.InteractionScore / 100)
	if interaction == 0 {
		perMinute := float64(m.TouchCount+m.ScrollCount+m.GestureCount+m.InputCount) / minutes
		interaction = perMinute / (perMinute + 20)
	}

	duration := clamp01(float64(in.DurationSeconds) / 300)

	w := p.Weights
	total := w.UX + w.Errors + w.Interaction + w.Duration
	if total <= 0 {
		return Score{}
	}
	value := (w.UX*ux + w.Errors*errorSignal + w.Interaction*interaction + w.Duration*duration) / total
	return Score{Value: clamp01(value)}
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// JobWaiter blocks until a session's ingest jobs have settled.
type JobWaiter interface {
	Wait(ctx context.Context, sessionID string, timeout time.Duration) (bool, error)
}

type PromotionOutcome struct {
	Promoted bool     `json:"promoted"`
	Reason   string   `json:"reason"`
	Score    *float64 `json:"score,omitempty"`
	Degraded bool     `json:"degraded,omitempty"`
}

// PromotionEvaluator decides once per session whether its replay is kept.
type PromotionEvaluator struct {
	sessions repository.SessionRepository
	metrics  repository.MetricsRepository
	jobs     JobWaiter
	locker   *Locker
	policy   ScoringPolicy
	recorder *metrics.Recorder
	jobWait  time.Duration
}

func NewPromotionEvaluator(
	sessions repository.SessionRepository,
	metricsRepo repository.MetricsRepository,
	jobs JobWaiter,
	locker *Locker,
	policy ScoringPolicy,
	recorder *metrics.Recorder,
	jobWait time.Duration,
) *PromotionEvaluator {
	return &PromotionEvaluator{
		sessions: sessions,
		metrics:  metricsRepo,
		jobs:     jobs,
		locker:   locker,
		policy:   policy,
		recorder: recorder,
		jobWait:  jobWait,
	}
}

// EvaluateAndPromote scores the session and flips replay_promoted with a
// compare-and-set. A caller that loses the flip reports "already promoted".
func (e *PromotionEvaluator) EvaluateAndPromote(ctx context.Context, project *model.Project, sessionID string, durationSeconds int) (*PromotionOutcome, error) {
	start := time.Now()
	outcome, label, err := e.evaluate(ctx, project, sessionID, durationSeconds)
	if err != nil {
		e.recorder.Promotion(metrics.OutcomeError, time.Since(start))
		return nil, err
	}
	if label != "" {
		e.recorder.Promotion(label, time.Since(start))
	}
	return outcome, nil
}

func (e *PromotionEvaluator) evaluate(ctx context.Context, project *model.Project, sessionID string, durationSeconds int) (*PromotionOutcome, string, error) {
	session, err := e.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, "", apperrors.Database(err)
	}
	if session == nil || session.ProjectID != project.ID {
		return nil, "", apperrors.NotFound("Session")
	}
	if session.ReplayPromoted {
		return &PromotionOutcome{Promoted: true, Reason: ReasonAlreadyPromoted}, metrics.OutcomeAlreadyPromoted, nil
	}

	if e.locker != nil {
		key := redisclient.EvaluationLockKey(sessionID)
		lockCtx, cancel := context.WithTimeout(ctx, config.CacheOpTimeout)
		token, ok, err := e.locker.TryLock(lockCtx, key, config.EvaluationLockTTL)
		cancel()
		switch {
		case err != nil:
			log.Warn().Err(err).Str("sessionId", sessionID).Msg("evaluation lock unavailable, proceeding")
		case !ok:
			return &PromotionOutcome{Reason: ReasonEvaluationInProgress}, "", nil
		default:
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), config.CacheOpTimeout)
				defer cancel()
				if err := e.locker.Release(releaseCtx, key, token); err != nil {
					log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to release evaluation lock")
				}
			}()
		}
	}

	degraded := false
	if e.jobs != nil {
		settled, err := e.jobs.Wait(ctx, sessionID, e.jobWait)
		if err != nil || !settled {
			degraded = true
			log.Warn().Err(err).Str("sessionId", sessionID).Msg("ingest jobs still pending, evaluating with current metrics")
		}
	}

	sessionMetrics, err := e.metrics.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, "", apperrors.Database(err)
	}

	if durationSeconds <= 0 {
		durationSeconds = session.DurationSeconds
	}
	if durationSeconds <= 0 {
		durationSeconds, _ = model.PlayableDuration(session.StartedAt, time.Now(), 0)
	}
	score := e.policy.Score(ScoreInput{Session: session, Metrics: sessionMetrics, DurationSeconds: durationSeconds})
	promote, reason := decide(score, project.HealthyReplaysPromoted, sessionID)

	value := score.Value
	outcome := &PromotionOutcome{Reason: reason, Score: &value, Degraded: degraded}
	result := model.PromotionResult{Score: value, Reason: reason}

	if !promote {
		if err := e.sessions.RecordEvaluation(ctx, sessionID, result); err != nil {
			log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to record promotion evaluation")
		}
		return outcome, metrics.OutcomeRejected, nil
	}

	flipped, err := e.sessions.MarkPromoted(ctx, sessionID, result)
	if err != nil {
		return nil, "", apperrors.Database(err)
	}
	if !flipped {
		return &PromotionOutcome{Promoted: true, Reason: ReasonAlreadyPromoted}, metrics.OutcomeLostRace, nil
	}

	log.Info().
		Str("sessionId", sessionID).
		Float64("score", value).
		Str("reason", reason).
		Bool("degraded", degraded).
		Msg("replay promoted")

	outcome.Promoted = true
	return outcome, metrics.OutcomePromoted, nil
}

// decide compares the score against the project's promotion rate. Sessions
// scoring in the top rate fraction are kept, and the same fraction of the
// rest is kept by a stable hash of the session id.
func decide(score Score, rate float64, sessionID string) (bool, string) {
	if score.Forced {
		return true, score.Reason
	}
	rate = clamp01(rate)
	if rate == 0 {
		return false, ReasonBelowThreshold
	}
	if score.Value >= 1-rate {
		return true, ReasonScoreAboveThreshold
	}
	if sampleBucket(sessionID) < rate {
		return true, ReasonHealthySample
	}
	return false, ReasonBelowThreshold
}

// sampleBucket maps a session id to a stable value in [0, 1).
func sampleBucket(sessionID string) float64 {
	sum := blake3.Sum256([]byte(sessionID))
	return float64(binary.BigEndian.Uint64(sum[:8])>>11) / (1 << 53)
}
