package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ingest"

// Admission decisions recorded per endpoint.
const (
	DecisionAllowed         = "allowed"
	DecisionDeduplicated    = "deduplicated"
	DecisionSampledOut      = "sampled_out"
	DecisionRecordingOff    = "recording_disabled"
	DecisionDurationLimit   = "duration_limit"
	DecisionPaymentRequired = "payment_required"
	DecisionQuotaExceeded   = "quota_exceeded"
	DecisionByteBudget      = "byte_budget"
)

// Promotion outcomes.
const (
	OutcomePromoted        = "promoted"
	OutcomeRejected        = "rejected"
	OutcomeAlreadyPromoted = "already_promoted"
	OutcomeLostRace        = "lost_race"
	OutcomeError           = "error"
)

// Recorder holds the ingest pipeline's instruments. A nil Recorder discards
// all observations.
type Recorder struct {
	admissions       *prometheus.CounterVec
	budgetBytes      prometheus.Counter
	promotions       *prometheus.CounterVec
	evaluationTime   prometheus.Histogram
	sideChannelFails *prometheus.CounterVec
}

// New registers the instruments on registerer, falling back to the default registry.
func New(registerer prometheus.Registerer) *Recorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Presign admission decisions by endpoint and outcome.",
		}, []string{"endpoint", "decision"}),
		budgetBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "byte_budget_bytes_total",
			Help:      "Declared bytes charged against the byte budget.",
		}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Replay promotion evaluations by outcome.",
		}, []string{"outcome"}),
		evaluationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "promotion_evaluation_seconds",
			Help:      "Time spent evaluating a session for promotion, including waiting on ingest jobs.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		sideChannelFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_channel_failures_total",
			Help:      "Best-effort side tasks that failed or were dropped.",
		}, []string{"task"}),
	}

	registerer.MustRegister(r.admissions, r.budgetBytes, r.promotions, r.evaluationTime, r.sideChannelFails)
	return r
}

func (r *Recorder) Admission(endpoint, decision string) {
	if r == nil {
		return
	}
	r.admissions.WithLabelValues(endpoint, decision).Inc()
}

func (r *Recorder) BudgetCharged(bytes int64) {
	if r == nil || bytes <= 0 {
		return
	}
	r.budgetBytes.Add(float64(bytes))
}

func (r *Recorder) Promotion(outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.promotions.WithLabelValues(outcome).Inc()
	r.evaluationTime.Observe(elapsed.Seconds())
}

func (r *Recorder) SideChannelFailure(task string) {
	if r == nil {
		return
	}
	r.sideChannelFails.WithLabelValues(task).Inc()
}
