package model

type SessionStatus string

const (
	SessionStatusProcessing SessionStatus = "processing"
	SessionStatusReady      SessionStatus = "ready"
	SessionStatusFailed     SessionStatus = "failed"
	SessionStatusDeleted    SessionStatus = "deleted"
)

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusProcessing: {SessionStatusReady, SessionStatusFailed, SessionStatusDeleted},
	SessionStatusReady:      {SessionStatusDeleted},
	SessionStatusFailed:     {SessionStatusDeleted},
	SessionStatusDeleted:    nil,
}

// CanTransitionTo reports whether a session may move from s to next.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AcceptsArtifacts reports whether uploads may still be attached to the session.
// Ready sessions accept late segments; failed and deleted sessions accept nothing.
func (s SessionStatus) AcceptsArtifacts() bool {
	return s == SessionStatusProcessing || s == SessionStatusReady
}

type ArtifactKind string

const (
	ArtifactKindEvents      ArtifactKind = "events"
	ArtifactKindCrashes     ArtifactKind = "crashes"
	ArtifactKindANRs        ArtifactKind = "anrs"
	ArtifactKindScreenshots ArtifactKind = "screenshots"
	ArtifactKindHierarchy   ArtifactKind = "hierarchy"
)

// IsBatch reports whether the kind is uploaded through the batch presign flow.
func (k ArtifactKind) IsBatch() bool {
	return k == ArtifactKindEvents || k == ArtifactKindCrashes || k == ArtifactKindANRs
}

// IsSegment reports whether the kind is a replay segment with a time range.
func (k ArtifactKind) IsSegment() bool {
	return k == ArtifactKindScreenshots || k == ArtifactKindHierarchy
}

func (k ArtifactKind) Valid() bool {
	return k.IsBatch() || k.IsSegment()
}

type ArtifactStatus string

const (
	ArtifactStatusPending ArtifactStatus = "pending"
	ArtifactStatusReady   ArtifactStatus = "ready"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

type FaultKind string

const (
	FaultKindCrash FaultKind = "crash"
	FaultKindANR   FaultKind = "anr"
)

type BillingStatus string

const (
	BillingStatusActive   BillingStatus = "active"
	BillingStatusPastDue  BillingStatus = "past_due"
	BillingStatusCanceled BillingStatus = "canceled"
)
