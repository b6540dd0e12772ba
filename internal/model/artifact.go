package model

import "time"

type RecordingArtifact struct {
	ID                string         `db:"id" json:"id"`
	SessionID         string         `db:"session_id" json:"sessionId"`
	Kind              ArtifactKind   `db:"kind" json:"kind"`
	S3ObjectKey       string         `db:"s3_object_key" json:"s3Key"`
	DeclaredSizeBytes int64          `db:"declared_size_bytes" json:"declaredSizeBytes"`
	ActualSizeBytes   *int64         `db:"actual_size_bytes" json:"actualSizeBytes,omitempty"`
	Status            ArtifactStatus `db:"status" json:"status"`
	BatchNumber       *int           `db:"batch_number" json:"batchNumber,omitempty"`
	Timestamp         *time.Time     `db:"timestamp" json:"timestamp,omitempty"`
	StartTime         *int64         `db:"start_time" json:"startTime,omitempty"`
	EndTime           *int64         `db:"end_time" json:"endTime,omitempty"`
	FrameCount        *int           `db:"frame_count" json:"frameCount,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"createdAt"`
	CompletedAt       *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
}

type CreateArtifactParams struct {
	SessionID         string
	Kind              ArtifactKind
	S3ObjectKey       string
	DeclaredSizeBytes int64
	BatchNumber       *int
	Timestamp         *time.Time
	StartTime         *int64
	EndTime           *int64
	FrameCount        *int
}

// ArtifactMatch selects the pending artifact a completion call refers to.
// Batches match on BatchNumber, segments on StartTime.
type ArtifactMatch struct {
	SessionID   string
	Kind        ArtifactKind
	BatchNumber *int
	StartTime   *int64
}

type IngestJob struct {
	ID         string    `db:"id" json:"id"`
	SessionID  string    `db:"session_id" json:"sessionId"`
	ArtifactID string    `db:"artifact_id" json:"artifactId"`
	Kind       string    `db:"kind" json:"kind"`
	Status     JobStatus `db:"status" json:"status"`
	Attempts   int       `db:"attempts" json:"attempts"`
	Error      *string   `db:"error" json:"error,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

type Fault struct {
	ID          string    `db:"id" json:"id"`
	SessionID   string    `db:"session_id" json:"sessionId"`
	ProjectID   string    `db:"project_id" json:"projectId"`
	Kind        FaultKind `db:"kind" json:"kind"`
	Fingerprint string    `db:"fingerprint" json:"fingerprint"`
	OccurredAt  time.Time `db:"occurred_at" json:"occurredAt"`
	DurationMs  *int64    `db:"duration_ms" json:"durationMs,omitempty"`
	Reason      string    `db:"reason" json:"reason"`
	Stack       string    `db:"stack" json:"stack"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}
