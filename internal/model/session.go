package model

import "time"

type Session struct {
	ID                    string        `db:"id" json:"id"`
	ProjectID             string        `db:"project_id" json:"projectId"`
	DeviceID              *string       `db:"device_id" json:"deviceId,omitempty"`
	Status                SessionStatus `db:"status" json:"status"`
	StartedAt             time.Time     `db:"started_at" json:"startedAt"`
	EndedAt               *time.Time    `db:"ended_at" json:"endedAt,omitempty"`
	DurationSeconds       int           `db:"duration_seconds" json:"durationSeconds"`
	BackgroundTimeSeconds int           `db:"background_time_seconds" json:"backgroundTimeSeconds"`
	IsSampledIn           bool          `db:"is_sampled_in" json:"isSampledIn"`
	ReplayPromoted        bool          `db:"replay_promoted" json:"replayPromoted"`
	PromotedAt            *time.Time    `db:"promoted_at" json:"promotedAt,omitempty"`
	PromotionScore        *float64      `db:"promotion_score" json:"promotionScore,omitempty"`
	PromotionReason       *string       `db:"promotion_reason" json:"promotionReason,omitempty"`
	EvaluatedAt           *time.Time    `db:"evaluated_at" json:"evaluatedAt,omitempty"`
	ReplaySegmentCount    int           `db:"replay_segment_count" json:"replaySegmentCount"`
	ReplayStorageBytes    int64         `db:"replay_storage_bytes" json:"replayStorageBytes"`
	UserDisplayID         *string       `db:"user_display_id" json:"userDisplayId,omitempty"`
	Platform              *string       `db:"platform" json:"platform,omitempty"`
	DeviceModel           *string       `db:"device_model" json:"deviceModel,omitempty"`
	AppVersion            *string       `db:"app_version" json:"appVersion,omitempty"`
	EndReason             *string       `db:"end_reason" json:"endReason,omitempty"`
	LastActivityAt        time.Time     `db:"last_activity_at" json:"lastActivityAt"`
	CreatedAt             time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt             time.Time     `db:"updated_at" json:"updatedAt"`
}

// Ended reports whether the session has reached its terminal marker.
func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

type CreateSessionParams struct {
	ID          string
	ProjectID   string
	DeviceID    *string
	StartedAt   time.Time
	IsSampledIn bool
	Platform    *string
	DeviceModel *string
	AppVersion  *string
	// UserDisplayID is the anonymous name assigned to fresh sessions.
	UserDisplayID *string
}

// FinalizeParams carries the computed terminal values written by a finalize.
type FinalizeParams struct {
	EndedAt               time.Time
	DurationSeconds       int
	BackgroundTimeSeconds int
	EndReason             *string
}

type PromotionResult struct {
	Score  float64
	Reason string
}

// PlayableDuration returns wall-clock seconds minus backgrounded seconds,
// clamped to at least one second.
func PlayableDuration(startedAt, endedAt time.Time, backgroundMs int64) (durationSeconds, backgroundSeconds int) {
	wall := roundDiv(endedAt.Sub(startedAt).Milliseconds(), 1000)
	background := roundDiv(backgroundMs, 1000)
	if background < 0 {
		background = 0
	}
	duration := wall - background
	if duration <= 0 {
		duration = 1
	}
	return int(duration), int(background)
}

func roundDiv(n, d int64) int64 {
	if n < 0 {
		return -roundDiv(-n, d)
	}
	return (n + d/2) / d
}
