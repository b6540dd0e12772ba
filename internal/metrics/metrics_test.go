package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	t.Run("counts admissions by endpoint and decision", func(t *testing.T) {
		r := New(prometheus.NewRegistry())
		r.Admission("presign", DecisionAllowed)
		r.Admission("presign", DecisionAllowed)
		r.Admission("segment_presign", DecisionSampledOut)

		assert.Equal(t, 2.0, testutil.ToFloat64(r.admissions.WithLabelValues("presign", DecisionAllowed)))
		assert.Equal(t, 1.0, testutil.ToFloat64(r.admissions.WithLabelValues("segment_presign", DecisionSampledOut)))
	})

	t.Run("accumulates budget bytes", func(t *testing.T) {
		r := New(prometheus.NewRegistry())
		r.BudgetCharged(1024)
		r.BudgetCharged(0)
		r.BudgetCharged(512)

		assert.Equal(t, 1536.0, testutil.ToFloat64(r.budgetBytes))
	})

	t.Run("records promotion outcome and latency", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		r := New(reg)
		r.Promotion(OutcomePromoted, 200*time.Millisecond)

		assert.Equal(t, 1.0, testutil.ToFloat64(r.promotions.WithLabelValues(OutcomePromoted)))
		assert.Equal(t, 1, testutil.CollectAndCount(r.evaluationTime))
	})

	t.Run("nil recorder is a no-op", func(t *testing.T) {
		var r *Recorder
		assert.NotPanics(t, func() {
			r.Admission("presign", DecisionAllowed)
			r.BudgetCharged(10)
			r.Promotion(OutcomeRejected, time.Second)
			r.SideChannelFailure("backfill_device")
		})
	})
}
