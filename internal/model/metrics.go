package model

import (
	"time"

	"github.com/lib/pq"
)

type SessionMetrics struct {
	SessionID                  string         `db:"session_id" json:"sessionId"`
	TouchCount                 int64          `db:"touch_count" json:"touchCount"`
	ScrollCount                int64          `db:"scroll_count" json:"scrollCount"`
	GestureCount               int64          `db:"gesture_count" json:"gestureCount"`
	InputCount                 int64          `db:"input_count" json:"inputCount"`
	ErrorCount                 int64          `db:"error_count" json:"errorCount"`
	RageTapCount               int64          `db:"rage_tap_count" json:"rageTapCount"`
	APISuccessCount            int64          `db:"api_success_count" json:"apiSuccessCount"`
	APIErrorCount              int64          `db:"api_error_count" json:"apiErrorCount"`
	APITotalCount              int64          `db:"api_total_count" json:"apiTotalCount"`
	CrashCount                 int64          `db:"crash_count" json:"crashCount"`
	ANRCount                   int64          `db:"anr_count" json:"anrCount"`
	EventsProcessed            int64          `db:"events_processed" json:"eventsProcessed"`
	InteractionScore           float64        `db:"interaction_score" json:"interactionScore"`
	ExplorationScore           float64        `db:"exploration_score" json:"explorationScore"`
	UXScore                    float64        `db:"ux_score" json:"uxScore"`
	ScreensVisited             pq.StringArray `db:"screens_visited" json:"screensVisited"`
	SDKUploadSuccessCount      int64          `db:"sdk_upload_success_count" json:"sdkUploadSuccessCount"`
	SDKUploadFailureCount      int64          `db:"sdk_upload_failure_count" json:"sdkUploadFailureCount"`
	SDKRetryAttemptCount       int64          `db:"sdk_retry_attempt_count" json:"sdkRetryAttemptCount"`
	SDKCircuitBreakerOpenCount int64          `db:"sdk_circuit_breaker_open_count" json:"sdkCircuitBreakerOpenCount"`
	SDKMemoryEvictionCount     int64          `db:"sdk_memory_eviction_count" json:"sdkMemoryEvictionCount"`
	SDKTotalBytesUploaded      int64          `db:"sdk_total_bytes_uploaded" json:"sdkTotalBytesUploaded"`
	SDKTotalBytesEvicted       int64          `db:"sdk_total_bytes_evicted" json:"sdkTotalBytesEvicted"`
	UpdatedAt                  time.Time      `db:"updated_at" json:"updatedAt"`
}

// MetricsDelta is a partial metrics report. Nil fields are left untouched.
type MetricsDelta struct {
	TouchCount       *int64   `json:"touchCount,omitempty"`
	ScrollCount      *int64   `json:"scrollCount,omitempty"`
	GestureCount     *int64   `json:"gestureCount,omitempty"`
	InputCount       *int64   `json:"inputCount,omitempty"`
	ErrorCount       *int64   `json:"errorCount,omitempty"`
	RageTapCount     *int64   `json:"rageTapCount,omitempty"`
	APISuccessCount  *int64   `json:"apiSuccessCount,omitempty"`
	APIErrorCount    *int64   `json:"apiErrorCount,omitempty"`
	APITotalCount    *int64   `json:"apiTotalCount,omitempty"`
	CrashCount       *int64   `json:"crashCount,omitempty"`
	ANRCount         *int64   `json:"anrCount,omitempty"`
	EventsProcessed  *int64   `json:"-"`
	InteractionScore *float64 `json:"interactionScore,omitempty"`
	ExplorationScore *float64 `json:"explorationScore,omitempty"`
	UXScore          *float64 `json:"uxScore,omitempty"`
	ScreensVisited   []string `json:"screensVisited,omitempty"`

	SDKUploadSuccessCount      *int64 `json:"-"`
	SDKUploadFailureCount      *int64 `json:"-"`
	SDKRetryAttemptCount       *int64 `json:"-"`
	SDKCircuitBreakerOpenCount *int64 `json:"-"`
	SDKMemoryEvictionCount     *int64 `json:"-"`
	SDKTotalBytesUploaded      *int64 `json:"-"`
	SDKTotalBytesEvicted       *int64 `json:"-"`
}

// SDKTelemetry is the self-reported upload health block sent by SDKs.
type SDKTelemetry struct {
	UploadSuccessCount      *int64 `json:"uploadSuccessCount,omitempty"`
	UploadFailureCount      *int64 `json:"uploadFailureCount,omitempty"`
	RetryAttemptCount       *int64 `json:"retryAttemptCount,omitempty"`
	CircuitBreakerOpenCount *int64 `json:"circuitBreakerOpenCount,omitempty"`
	MemoryEvictionCount     *int64 `json:"memoryEvictionCount,omitempty"`
	TotalBytesUploaded      *int64 `json:"totalBytesUploaded,omitempty"`
	TotalBytesEvicted       *int64 `json:"totalBytesEvicted,omitempty"`
}

// WithTelemetry copies the telemetry counters into the delta.
func (d MetricsDelta) WithTelemetry(t *SDKTelemetry) MetricsDelta {
	if t == nil {
		return d
	}
	d.SDKUploadSuccessCount = t.UploadSuccessCount
	d.SDKUploadFailureCount = t.UploadFailureCount
	d.SDKRetryAttemptCount = t.RetryAttemptCount
	d.SDKCircuitBreakerOpenCount = t.CircuitBreakerOpenCount
	d.SDKMemoryEvictionCount = t.MemoryEvictionCount
	d.SDKTotalBytesUploaded = t.TotalBytesUploaded
	d.SDKTotalBytesEvicted = t.TotalBytesEvicted
	return d
}

// IsEmpty reports whether no field is set.
func (d MetricsDelta) IsEmpty() bool {
	for _, f := range MetricFields {
		if _, ok := f.Value(&d); ok {
			return false
		}
	}
	return true
}

type MergePolicy string

const (
	MergeOverwrite MergePolicy = "overwrite"
	MergeMax       MergePolicy = "max"
	MergeAdd       MergePolicy = "add"
)

// MetricField binds one delta field to its column and merge policy.
type MetricField struct {
	Name   string
	Column string
	Policy MergePolicy

	value func(d *MetricsDelta) (any, bool)
	merge func(m *SessionMetrics, d *MetricsDelta, p MergePolicy)
}

// Value returns the SQL argument for the field and whether it is set.
func (f MetricField) Value(d *MetricsDelta) (any, bool) {
	return f.value(d)
}

// Merge applies the field of d onto m according to the field's policy.
func (f MetricField) Merge(m *SessionMetrics, d *MetricsDelta) {
	f.merge(m, d, f.Policy)
}

// MetricFields is the merge table for session metrics. Counters the SDK may
// report more than once use max, scores and screen lists overwrite, and the
// server-side event counter adds.
var MetricFields = []MetricField{
	intField("touchCount", "touch_count", MergeMax, func(d *MetricsDelta) *int64 { return d.TouchCount }, func(m *SessionMetrics) *int64 { return &m.TouchCount }),
	intField("scrollCount", "scroll_count", MergeMax, func(d *MetricsDelta) *int64 { return d.ScrollCount }, func(m *SessionMetrics) *int64 { return &m.ScrollCount }),
	intField("gestureCount", "gesture_count", MergeMax, func(d *MetricsDelta) *int64 { return d.GestureCount }, func(m *SessionMetrics) *int64 { return &m.GestureCount }),
	intField("inputCount", "input_count", MergeMax, func(d *MetricsDelta) *int64 { return d.InputCount }, func(m *SessionMetrics) *int64 { return &m.InputCount }),
	intField("errorCount", "error_count", MergeMax, func(d *MetricsDelta) *int64 { return d.ErrorCount }, func(m *SessionMetrics) *int64 { return &m.ErrorCount }),
	intField("rageTapCount", "rage_tap_count", MergeMax, func(d *MetricsDelta) *int64 { return d.RageTapCount }, func(m *SessionMetrics) *int64 { return &m.RageTapCount }),
	intField("apiSuccessCount", "api_success_count", MergeMax, func(d *MetricsDelta) *int64 { return d.APISuccessCount }, func(m *SessionMetrics) *int64 { return &m.APISuccessCount }),
	intField("apiErrorCount", "api_error_count", MergeMax, func(d *MetricsDelta) *int64 { return d.APIErrorCount }, func(m *SessionMetrics) *int64 { return &m.APIErrorCount }),
	intField("apiTotalCount", "api_total_count", MergeMax, func(d *MetricsDelta) *int64 { return d.APITotalCount }, func(m *SessionMetrics) *int64 { return &m.APITotalCount }),
	intField("crashCount", "crash_count", MergeMax, func(d *MetricsDelta) *int64 { return d.CrashCount }, func(m *SessionMetrics) *int64 { return &m.CrashCount }),
	intField("anrCount", "anr_count", MergeMax, func(d *MetricsDelta) *int64 { return d.ANRCount }, func(m *SessionMetrics) *int64 { return &m.ANRCount }),
	intField("eventsProcessed", "events_processed", MergeAdd, func(d *MetricsDelta) *int64 { return d.EventsProcessed }, func(m *SessionMetrics) *int64 { return &m.EventsProcessed }),
	floatField("interactionScore", "interaction_score", func(d *MetricsDelta) *float64 { return d.InteractionScore }, func(m *SessionMetrics) *float64 { return &m.InteractionScore }),
	floatField("explorationScore", "exploration_score", func(d *MetricsDelta) *float64 { return d.ExplorationScore }, func(m *SessionMetrics) *float64 { return &m.ExplorationScore }),
	floatField("uxScore", "ux_score", func(d *MetricsDelta) *float64 { return d.UXScore }, func(m *SessionMetrics) *float64 { return &m.UXScore }),
	{
		Name:   "screensVisited",
		Column: "screens_visited",
		Policy: MergeOverwrite,
		value: func(d *MetricsDelta) (any, bool) {
			if d.ScreensVisited == nil {
				return nil, false
			}
			return pq.StringArray(d.ScreensVisited), true
		},
		merge: func(m *SessionMetrics, d *MetricsDelta, _ MergePolicy) {
			if d.ScreensVisited != nil {
				m.ScreensVisited = append(pq.StringArray(nil), d.ScreensVisited...)
			}
		},
	},
	intField("sdkUploadSuccessCount", "sdk_upload_success_count", MergeMax, func(d *MetricsDelta) *int64 { return d.SDKUploadSuccessCount }, func(m *SessionMetrics) *int64 { return &m.SDKUploadSuccessCount }),
	intField("sdkUploadFailureCount", "sdk_upload_failure_count", MergeMax, func(d *MetricsDelta) *int64 { return d.SDKUploadFailureCount }, func(m *SessionMetrics) *int64 { return &m.SDKUploadFailureCount }),
	intField("sdkRetryAttemptCount", "sdk_retry_attempt_count", MergeMax, func(d *MetricsDelta) *int64 { return d.SDKRetryAttemptCount }, func(m *SessionMetrics) *int64 { return &m.SDKRetryAttemptCount }),
	intField("sdkCircuitBreakerOpenCount", "sdk_circuit_breaker_open_count", MergeMax, func(d *MetricsDelta) *int64 { return d.SDKCircuitBreakerOpenCount }, func(m *SessionMetrics) *int64 { return &m.SDKCircuitBreakerOpenCount }),
	intField("sdkMemoryEvictionCount", "sdk_memory_eviction_count", MergeMax, func(d *MetricsDelta) *int64 { return d.SDKMemoryEvictionCount }, func(m *SessionMetrics) *int64 { return &m.SDKMemoryEvictionCount }),
	intField("sdkTotalBytesUploaded", "sdk_total_bytes_uploaded", MergeMax, func(d *MetricsDelta) *int64 { return d.SDKTotalBytesUploaded }, func(m *SessionMetrics) *int64 { return &m.SDKTotalBytesUploaded }),
	intField("sdkTotalBytesEvicted", "sdk_total_bytes_evicted", MergeMax, func(d *MetricsDelta) *int64 { return d.SDKTotalBytesEvicted }, func(m *SessionMetrics) *int64 { return &m.SDKTotalBytesEvicted }),
}

// Apply merges d into m in memory using the same table the store uses.
func (m *SessionMetrics) Apply(d MetricsDelta) {
	for _, f := range MetricFields {
		f.Merge(m, &d)
	}
}

func intField(name, column string, policy MergePolicy, get func(*MetricsDelta) *int64, target func(*SessionMetrics) *int64) MetricField {
	return MetricField{
		Name:   name,
		Column: column,
		Policy: policy,
		value: func(d *MetricsDelta) (any, bool) {
			v := get(d)
			if v == nil {
				return nil, false
			}
			return *v, true
		},
		merge: func(m *SessionMetrics, d *MetricsDelta, p MergePolicy) {
			v := get(d)
			if v == nil {
				return
			}
			dst := target(m)
			switch p {
			case MergeMax:
				if *v > *dst {
					*dst = *v
				}
			case MergeAdd:
				*dst += *v
			default:
				*dst = *v
			}
		},
	}
}

func floatField(name, column string, get func(*MetricsDelta) *float64, target func(*SessionMetrics) *float64) MetricField {
	return MetricField{
		Name:   name,
		Column: column,
		Policy: MergeOverwrite,
		value: func(d *MetricsDelta) (any, bool) {
			v := get(d)
			if v == nil {
				return nil, false
			}
			return *v, true
		},
		merge: func(m *SessionMetrics, d *MetricsDelta, _ MergePolicy) {
			if v := get(d); v != nil {
				*target(m) = *v
			}
		},
	}
}
