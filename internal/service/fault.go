package service

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"

	apperrors "github.com/rejourney/ingest-server-go/internal/errors"
	"github.com/rejourney/ingest-server-go/internal/model"
	"github.com/rejourney/ingest-server-go/internal/repository"
)

const (
	fingerprintFrames = 5
	// ANR reports of the same hang may differ in measured duration.
	anrDurationToleranceMs = 1000
)

type FaultReport struct {
	Kind       model.FaultKind
	OccurredAt time.Time
	DurationMs *int64
	Reason     string
	Stack      string
}

// FaultRecorder stores crash and ANR reports, collapsing retried reports of
// the same fault into one row.
type FaultRecorder struct {
	faults  repository.FaultRepository
	store   repository.IngestStore
	metrics repository.MetricsRepository
	window  time.Duration
}

func NewFaultRecorder(faults repository.FaultRepository, store repository.IngestStore, metricsRepo repository.MetricsRepository, window time.Duration) *FaultRecorder {
	return &FaultRecorder{faults: faults, store: store, metrics: metricsRepo, window: window}
}

// Fingerprint identifies a fault by kind, reason and its top stack frames.
func Fingerprint(kind model.FaultKind, reason, stack string) string {
	parts := append([]string{string(kind), strings.TrimSpace(reason)}, topFrames(stack, fingerprintFrames)...)
	h := blake3.New()
	h.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func topFrames(stack string, n int) []string {
	var frames []string
	for _, line := range strings.Split(stack, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		frames = append(frames, line)
		if len(frames) == n {
			break
		}
	}
	return frames
}

// Record stores the report unless a matching fault was already stored for the
// session near the same time. duplicate is true when the report was a retry.
func (r *FaultRecorder) Record(ctx context.Context, session *model.Session, report FaultReport) (fault *model.Fault, duplicate bool, err error) {
	if report.Kind != model.FaultKindCrash && report.Kind != model.FaultKindANR {
		return nil, false, apperrors.InvalidInput("kind", "must be crash or anr")
	}
	if report.OccurredAt.IsZero() {
		report.OccurredAt = time.Now()
	}

	fingerprint := Fingerprint(report.Kind, report.Reason, report.Stack)

	fault, created, err := r.store.RecordFault(ctx, model.Fault{
		SessionID:   session.ID,
		ProjectID:   session.ProjectID,
		Kind:        report.Kind,
		Fingerprint: fingerprint,
		OccurredAt:  report.OccurredAt,
		DurationMs:  report.DurationMs,
		Reason:      report.Reason,
		Stack:       report.Stack,
	}, r.window, func(existing *model.Fault) bool {
		return sameDuration(existing, report)
	})
	if err != nil {
		return nil, false, apperrors.Database(err)
	}
	if !created {
		log.Debug().
			Str("sessionId", session.ID).
			Str("fingerprint", fingerprint).
			Msg("duplicate fault report ignored")
		return fault, true, nil
	}

	count, err := r.faults.CountBySession(ctx, session.ID, report.Kind)
	if err != nil {
		return nil, false, apperrors.Database(err)
	}
	n := int64(count)
	delta := model.MetricsDelta{}
	if report.Kind == model.FaultKindCrash {
		delta.CrashCount = &n
	} else {
		delta.ANRCount = &n
	}
	if err := r.metrics.Merge(ctx, session.ID, delta); err != nil {
		return nil, false, apperrors.Database(err)
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("kind", string(report.Kind)).
		Str("fingerprint", fingerprint).
		Msg("fault recorded")

	return fault, false, nil
}

func sameDuration(existing *model.Fault, report FaultReport) bool {
	if report.Kind != model.FaultKindANR {
		return true
	}
	if existing.DurationMs == nil || report.DurationMs == nil {
		return existing.DurationMs == nil && report.DurationMs == nil
	}
	diff := *existing.DurationMs - *report.DurationMs
	if diff < 0 {
		diff = -diff
	}
	return diff <= anrDurationToleranceMs
}
