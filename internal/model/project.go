package model

import "time"

type Team struct {
	ID                 string        `db:"id" json:"id"`
	Name               string        `db:"name" json:"name"`
	SessionLimit       *int          `db:"session_limit" json:"sessionLimit,omitempty"`
	BillingStatus      BillingStatus `db:"billing_status" json:"billingStatus"`
	BillingCycleAnchor time.Time     `db:"billing_cycle_anchor" json:"billingCycleAnchor"`
	CreatedAt          time.Time     `db:"created_at" json:"createdAt"`
}

// Project is read per request; it is owned by the dashboard side of the product.
type Project struct {
	ID                     string     `db:"id" json:"id"`
	TeamID                 string     `db:"team_id" json:"teamId"`
	Name                   string     `db:"name" json:"name"`
	APIKeyHash             string     `db:"api_key_hash" json:"-"`
	RejourneyEnabled       bool       `db:"rejourney_enabled" json:"rejourneyEnabled"`
	RecordingEnabled       bool       `db:"recording_enabled" json:"recordingEnabled"`
	SampleRate             int        `db:"sample_rate" json:"sampleRate"`
	MaxRecordingMinutes    int        `db:"max_recording_minutes" json:"maxRecordingMinutes"`
	HealthyReplaysPromoted float64    `db:"healthy_replays_promoted" json:"healthyReplaysPromoted"`
	DeletedAt              *time.Time `db:"deleted_at" json:"deletedAt,omitempty"`
	CreatedAt              time.Time  `db:"created_at" json:"createdAt"`
}

// MaxRecordingDuration returns zero when the project has no limit.
func (p *Project) MaxRecordingDuration() time.Duration {
	if p.MaxRecordingMinutes <= 0 {
		return 0
	}
	return time.Duration(p.MaxRecordingMinutes) * time.Minute
}

type Device struct {
	ID              string    `db:"id" json:"id"`
	ProjectID       string    `db:"project_id" json:"projectId"`
	DeviceTokenHash string    `db:"device_token_hash" json:"-"`
	Platform        *string   `db:"platform" json:"platform,omitempty"`
	Model           *string   `db:"model" json:"model,omitempty"`
	AppVersion      *string   `db:"app_version" json:"appVersion,omitempty"`
	LastSeenAt      time.Time `db:"last_seen_at" json:"lastSeenAt"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}

type UpsertDeviceParams struct {
	ProjectID       string
	DeviceTokenHash string
	Platform        *string
	Model           *string
	AppVersion      *string
}
