package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rejourney/ingest-server-go/internal/jobwatch"
	"github.com/rejourney/ingest-server-go/internal/model"
	"github.com/rejourney/ingest-server-go/internal/service"
)

const idleEndReason = "idle_timeout"

type IdleSessionLister interface {
	ListIdle(ctx context.Context, before time.Time, limit int) ([]model.Session, error)
}

type ProjectFinder interface {
	FindByID(ctx context.Context, id string) (*model.Project, error)
}

type StaleJobFailer interface {
	FailStale(ctx context.Context, before time.Time, limit int) ([]model.IngestJob, error)
}

type SessionFinalizer interface {
	Finalize(ctx context.Context, projectID, sessionID string, signal service.EndSignal) (*service.FinalizeResult, error)
}

type ReplayEvaluator interface {
	EvaluateAndPromote(ctx context.Context, project *model.Project, sessionID string, durationSeconds int) (*service.PromotionOutcome, error)
}

type JobNotifier interface {
	Notify(ctx context.Context, event jobwatch.Event) error
}

type SweepConfig struct {
	Interval  time.Duration
	Timeout   time.Duration
	BatchSize int
	// IdleAfter is how long a session may go without activity before it is ended.
	IdleAfter time.Duration
	// StaleAfter is how long an ingest job may stay pending before it is failed.
	StaleAfter time.Duration
}

// SweepJob ends sessions whose SDK never sent an end signal and fails ingest
// jobs no worker picked up, waking any evaluation waiting on them.
type SweepJob struct {
	sessions  IdleSessionLister
	projects  ProjectFinder
	jobs      StaleJobFailer
	finalizer SessionFinalizer
	evaluator ReplayEvaluator
	notifier  JobNotifier
	cfg       SweepConfig
	now       func() time.Time
	done      chan struct{}
}

func NewSweepJob(
	sessions IdleSessionLister,
	projects ProjectFinder,
	jobs StaleJobFailer,
	finalizer SessionFinalizer,
	evaluator ReplayEvaluator,
	notifier JobNotifier,
	cfg SweepConfig,
) *SweepJob {
	return &SweepJob{
		sessions:  sessions,
		projects:  projects,
		jobs:      jobs,
		finalizer: finalizer,
		evaluator: evaluator,
		notifier:  notifier,
		cfg:       cfg,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

func (j *SweepJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.cfg.Interval).Msg("sweep job started")
}

func (j *SweepJob) Stop() {
	close(j.done)
	log.Info().Msg("sweep job stopped")
}

func (j *SweepJob) run() {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	j.sweep()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *SweepJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.Timeout)
	defer cancel()

	if count := j.failStaleJobs(ctx); count > 0 {
		log.Info().Int("count", count).Msg("failed stale ingest jobs")
	}
	if count := j.finalizeIdleSessions(ctx); count > 0 {
		log.Info().Int("count", count).Msg("finalized idle sessions")
	}
}

func (j *SweepJob) failStaleJobs(ctx context.Context) int {
	failed, err := j.jobs.FailStale(ctx, j.now().Add(-j.cfg.StaleAfter), j.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to sweep stale ingest jobs")
		return 0
	}

	notified := map[string]bool{}
	for _, job := range failed {
		if notified[job.SessionID] {
			continue
		}
		notified[job.SessionID] = true
		event := jobwatch.Event{SessionID: job.SessionID, JobID: job.ID, Status: string(model.JobStatusFailed)}
		if err := j.notifier.Notify(ctx, event); err != nil {
			log.Warn().Err(err).Str("sessionId", job.SessionID).Msg("failed to publish stale job event")
		}
	}
	return len(failed)
}

func (j *SweepJob) finalizeIdleSessions(ctx context.Context) int {
	idle, err := j.sessions.ListIdle(ctx, j.now().Add(-j.cfg.IdleAfter), j.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to list idle sessions")
		return 0
	}

	projects := map[string]*model.Project{}
	finalized := 0
	reason := idleEndReason
	for _, session := range idle {
		project, ok := projects[session.ProjectID]
		if !ok {
			project, err = j.projects.FindByID(ctx, session.ProjectID)
			if err != nil {
				log.Error().Err(err).Str("projectId", session.ProjectID).Msg("failed to load project for idle session")
				continue
			}
			projects[session.ProjectID] = project
		}
		if project == nil {
			continue
		}

		endedAt := session.LastActivityAt
		result, err := j.finalizer.Finalize(ctx, project.ID, session.ID, service.EndSignal{
			EndedAt:   &endedAt,
			EndReason: &reason,
		})
		if err != nil {
			log.Warn().Err(err).Str("sessionId", session.ID).Msg("failed to finalize idle session")
			continue
		}
		if result.AlreadyEnded {
			continue
		}
		finalized++

		if _, err := j.evaluator.EvaluateAndPromote(ctx, project, session.ID, result.DurationSeconds); err != nil {
			log.Warn().Err(err).Str("sessionId", session.ID).Msg("promotion evaluation failed for idle session")
		}
	}
	return finalized
}
