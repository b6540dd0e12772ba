package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rejourney/ingest-server-go/internal/batchid"
	apperrors "github.com/rejourney/ingest-server-go/internal/errors"
	"github.com/rejourney/ingest-server-go/internal/metrics"
	"github.com/rejourney/ingest-server-go/internal/model"
	"github.com/rejourney/ingest-server-go/internal/repository"
	"github.com/rejourney/ingest-server-go/internal/util"
)

const (
	EndpointPresign        = "presign"
	EndpointSegmentPresign = "segment_presign"
	EndpointFault          = "fault"
)

const (
	ReasonRecordingDisabled = "Recording disabled for project"
	ReasonSampledOut        = "Session sampled out by project sample rate"
	ReasonDurationLimit     = "Recording duration limit reached"
	ReasonAlreadyProcessed  = "Already processed"
)

// RequestMeta carries the request-scoped values the transport extracts.
type RequestMeta struct {
	DeviceToken    string
	ClientIP       string
	IdempotencyKey string
}

type SessionHints struct {
	SessionID   string  `json:"sessionId,omitempty"`
	Platform    *string `json:"platform,omitempty"`
	DeviceModel *string `json:"deviceModel,omitempty"`
	AppVersion  *string `json:"appVersion,omitempty"`
	IsSampledIn *bool   `json:"isSampledIn,omitempty"`
}

type PresignBatchRequest struct {
	SessionHints
	ContentType string `json:"contentType"`
	BatchNumber *int   `json:"batchNumber"`
	SizeBytes   int64  `json:"sizeBytes"`
}

type PresignSegmentRequest struct {
	SessionHints
	Kind       string `json:"kind"`
	StartTime  *int64 `json:"startTime"`
	EndTime    *int64 `json:"endTime,omitempty"`
	FrameCount *int   `json:"frameCount,omitempty"`
	SizeBytes  int64  `json:"sizeBytes"`
}

// PresignResponse is either an upload grant or a skipUpload decision.
type PresignResponse struct {
	PresignedURL string `json:"presignedUrl,omitempty"`
	BatchID      string `json:"batchId,omitempty"`
	SegmentID    string `json:"segmentId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	S3Key        string `json:"s3Key,omitempty"`
	IsSampledIn  *bool  `json:"isSampledIn,omitempty"`
	SkipUpload   bool   `json:"skipUpload,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Code         string `json:"code,omitempty"`
	RetryAfter   int    `json:"retryAfter,omitempty"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

type CompleteBatchRequest struct {
	BatchID         string              `json:"batchId"`
	ActualSizeBytes int64               `json:"actualSizeBytes"`
	EventCount      *int64              `json:"eventCount,omitempty"`
	SDKTelemetry    *model.SDKTelemetry `json:"sdkTelemetry,omitempty"`
	UserID          *string             `json:"userId,omitempty"`
}

type CompleteSegmentRequest struct {
	SegmentID       string              `json:"segmentId"`
	ActualSizeBytes int64               `json:"actualSizeBytes"`
	SDKTelemetry    *model.SDKTelemetry `json:"sdkTelemetry,omitempty"`
	UserID          *string             `json:"userId,omitempty"`
}

type CompleteResponse struct {
	Success      bool   `json:"success"`
	JobID        string `json:"jobId,omitempty"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

type EndSessionRequest struct {
	SessionID             string              `json:"sessionId"`
	EndedAt               *int64              `json:"endedAt,omitempty"`
	TotalBackgroundTimeMs int64               `json:"totalBackgroundTimeMs,omitempty"`
	Metrics               *model.MetricsDelta `json:"metrics,omitempty"`
	SDKTelemetry          *model.SDKTelemetry `json:"sdkTelemetry,omitempty"`
	EndReason             *string             `json:"endReason,omitempty"`
}

type EndSessionResponse struct {
	Success               bool              `json:"success"`
	AlreadyEnded          bool              `json:"alreadyEnded,omitempty"`
	DurationSeconds       int               `json:"durationSeconds"`
	BackgroundTimeSeconds int               `json:"backgroundTimeSeconds"`
	Promotion             *PromotionOutcome `json:"promotion,omitempty"`
}

type EvaluateRequest struct {
	SessionID string `json:"sessionId"`
}

type FaultRequest struct {
	SessionHints
	Kind       string `json:"kind"`
	Timestamp  *int64 `json:"timestamp,omitempty"`
	DurationMs *int64 `json:"durationMs,omitempty"`
	Reason     string `json:"reason"`
	Stack      string `json:"stack,omitempty"`
}

type FaultResponse struct {
	Success      bool   `json:"success"`
	FaultID      string `json:"faultId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
	SkipUpload   bool   `json:"skipUpload,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Code         string `json:"code,omitempty"`
}

type IngestDeps struct {
	Sessions    repository.SessionRepository
	Metrics     repository.MetricsRepository
	Gate        *QuotaGate
	Registrar   *SessionRegistrar
	Tracker     *ArtifactTracker
	Finalizer   *SessionFinalizer
	Evaluator   *PromotionEvaluator
	Faults      *FaultRecorder
	Devices     *DeviceResolver
	Ledger      *IdempotencyLedger
	Budget      *ByteBudget
	SideChannel *SideChannel
	Recorder    *metrics.Recorder
	// RetryAfterSeconds is sent to clients that hit an in-flight idempotency key.
	RetryAfterSeconds int
}

// IngestService runs the admission gates and lifecycle steps for every
// ingest endpoint in a fixed order: billing, quota, idempotency, session,
// per-session skip checks, byte budget, then the artifact itself.
type IngestService struct {
	IngestDeps
	now func() time.Time
}

func NewIngestService(deps IngestDeps) *IngestService {
	return &IngestService{IngestDeps: deps, now: time.Now}
}

// presignPlan describes one presign call after request validation.
type presignPlan struct {
	endpoint     string
	kind         model.ArtifactKind
	hints        SessionHints
	batchNumber  *int
	startTime    *int64
	endTime      *int64
	frameCount   *int
	declaredSize int64
}

func (s *IngestService) PresignBatch(ctx context.Context, project *model.Project, meta RequestMeta, req PresignBatchRequest) (*PresignResponse, error) {
	kind := model.ArtifactKind(req.ContentType)
	if req.ContentType == "" {
		kind = model.ArtifactKindEvents
	}
	if !kind.IsBatch() {
		return nil, apperrors.InvalidInput("contentType", "must be events, crashes or anrs")
	}
	if req.BatchNumber == nil {
		return nil, apperrors.MissingRequired("batchNumber")
	}
	if *req.BatchNumber < 0 || req.SizeBytes < 0 {
		return nil, apperrors.ValidationError("batchNumber and sizeBytes must not be negative")
	}

	return s.presign(ctx, project, meta, presignPlan{
		endpoint:     EndpointPresign,
		kind:         kind,
		hints:        req.SessionHints,
		batchNumber:  req.BatchNumber,
		declaredSize: req.SizeBytes,
	})
}

func (s *IngestService) PresignSegment(ctx context.Context, project *model.Project, meta RequestMeta, req PresignSegmentRequest) (*PresignResponse, error) {
	kind := model.ArtifactKind(req.Kind)
	if !kind.IsSegment() {
		return nil, apperrors.InvalidInput("kind", "must be screenshots or hierarchy")
	}
	if req.SessionID == "" {
		return nil, apperrors.MissingRequired("sessionId")
	}
	if req.StartTime == nil {
		return nil, apperrors.MissingRequired("startTime")
	}
	if req.EndTime != nil && *req.EndTime < *req.StartTime {
		return nil, apperrors.ValidationError("endTime must not be before startTime")
	}
	if req.SizeBytes < 0 {
		return nil, apperrors.ValidationError("sizeBytes must not be negative")
	}

	return s.presign(ctx, project, meta, presignPlan{
		endpoint:     EndpointSegmentPresign,
		kind:         kind,
		hints:        req.SessionHints,
		startTime:    req.StartTime,
		endTime:      req.EndTime,
		frameCount:   req.FrameCount,
		declaredSize: req.SizeBytes,
	})
}

func (s *IngestService) presign(ctx context.Context, project *model.Project, meta RequestMeta, plan presignPlan) (*PresignResponse, error) {
	if !project.RejourneyEnabled {
		return nil, apperrors.Forbidden("Ingestion is disabled for this project")
	}
	if plan.hints.SessionID != "" && !util.IsValidSessionID(plan.hints.SessionID) {
		return nil, apperrors.InvalidInput("sessionId", "must be 8-128 characters of [A-Za-z0-9_-]")
	}

	team, err := s.Gate.CheckBilling(ctx, project.TeamID)
	if err != nil {
		return s.admissionDenied(plan.endpoint, err)
	}

	var session *model.Session
	if plan.hints.SessionID != "" {
		session, err = s.Registrar.Lookup(ctx, project.ID, plan.hints.SessionID)
		if err != nil {
			return nil, err
		}
	}
	if session == nil {
		if err := s.Gate.CheckSessionLimit(ctx, team); err != nil {
			return s.admissionDenied(plan.endpoint, err)
		}
	}

	idemKey := scopedKey(plan.endpoint, meta.IdempotencyKey)
	entry, acquired := s.Ledger.Begin(ctx, project.ID, idemKey)
	if !acquired {
		return s.replayPresign(plan.endpoint, entry)
	}

	resp, cacheable, err := s.grant(ctx, project, team, session, meta, plan)
	if err != nil || !cacheable {
		s.Ledger.Release(ctx, project.ID, idemKey)
		if err != nil {
			return s.admissionDenied(plan.endpoint, err)
		}
		return resp, nil
	}

	s.Ledger.Complete(ctx, project.ID, idemKey, resp)
	return resp, nil
}

// grant runs the steps after the idempotency claim. cacheable is false for
// decisions a retry should re-evaluate later.
func (s *IngestService) grant(ctx context.Context, project *model.Project, team *model.Team, session *model.Session, meta RequestMeta, plan presignPlan) (*PresignResponse, bool, error) {
	deviceID := s.Devices.Resolve(ctx, project.ID, meta.DeviceToken, DeviceHints{
		Platform:   plan.hints.Platform,
		Model:      plan.hints.DeviceModel,
		AppVersion: plan.hints.AppVersion,
	})

	// Known sessions are checked for skips before any bytes are charged.
	if session != nil {
		if resp := s.segmentSkipped(project, session, plan); resp != nil {
			return resp, true, nil
		}
	}

	// The budget is charged before a new session exists so a refusal leaves
	// no session row and no quota charge behind.
	if err := s.Budget.Enforce(ctx, project.ID, deviceID, meta.ClientIP, plan.declaredSize, plan.endpoint); err != nil {
		return nil, false, err
	}

	if session == nil {
		var err error
		session, _, err = s.Registrar.Ensure(ctx, project, team, EnsureSessionRequest{
			SessionID:   plan.hints.SessionID,
			DeviceID:    deviceID,
			IsSampledIn: plan.hints.IsSampledIn,
			Platform:    plan.hints.Platform,
			DeviceModel: plan.hints.DeviceModel,
			AppVersion:  plan.hints.AppVersion,
		})
		if err != nil {
			return nil, false, err
		}
		if resp := s.segmentSkipped(project, session, plan); resp != nil {
			return resp, true, nil
		}
	}

	sampled := session.IsSampledIn
	presigned, err := s.Tracker.Presign(ctx, PresignArtifactRequest{
		Team:         team,
		Project:      project,
		Session:      session,
		Kind:         plan.kind,
		BatchNumber:  plan.batchNumber,
		StartTime:    plan.startTime,
		EndTime:      plan.endTime,
		FrameCount:   plan.frameCount,
		DeclaredSize: plan.declaredSize,
	})
	if err != nil {
		return nil, false, err
	}

	s.touch(session.ID, deviceID)
	s.Recorder.Admission(plan.endpoint, metrics.DecisionAllowed)

	resp := &PresignResponse{
		PresignedURL: presigned.URL,
		SessionID:    session.ID,
		S3Key:        presigned.ObjectKey,
		IsSampledIn:  &sampled,
	}
	if plan.kind.IsSegment() {
		resp.SegmentID = presigned.BatchID
	} else {
		resp.BatchID = presigned.BatchID
	}
	return resp, true, nil
}

// segmentSkipped returns the skip decision for a segment the session must
// not record, or nil when the upload may proceed.
func (s *IngestService) segmentSkipped(project *model.Project, session *model.Session, plan presignPlan) *PresignResponse {
	if !plan.kind.IsSegment() {
		return nil
	}
	reason, decision := segmentSkip(project, session, *plan.startTime)
	if reason == "" {
		return nil
	}
	s.Recorder.Admission(plan.endpoint, decision)
	log.Debug().
		Str("sessionId", session.ID).
		Str("kind", string(plan.kind)).
		Str("reason", reason).
		Msg("segment upload skipped")
	sampled := session.IsSampledIn
	return &PresignResponse{SessionID: session.ID, IsSampledIn: &sampled, SkipUpload: true, Reason: reason}
}

// segmentSkip returns the reason a replay segment must not be uploaded.
func segmentSkip(project *model.Project, session *model.Session, startTimeMs int64) (string, string) {
	if !project.RecordingEnabled {
		return ReasonRecordingDisabled, metrics.DecisionRecordingOff
	}
	if !session.IsSampledIn {
		return ReasonSampledOut, metrics.DecisionSampledOut
	}
	if limit := project.MaxRecordingDuration(); limit > 0 {
		if time.UnixMilli(startTimeMs).Sub(session.StartedAt) > limit {
			return ReasonDurationLimit, metrics.DecisionDurationLimit
		}
	}
	return "", ""
}

// admissionDenied turns billing, quota and byte-budget failures into a
// skipUpload decision. Other errors pass through.
func (s *IngestService) admissionDenied(endpoint string, err error) (*PresignResponse, error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok || !apperrors.IsAdmission(appErr.Code) {
		return nil, err
	}
	s.Recorder.Admission(endpoint, admissionDecision(appErr.Code))
	return &PresignResponse{
		SkipUpload: true,
		Reason:     appErr.Message,
		Code:       string(appErr.Code),
		RetryAfter: appErr.RetryAfterSeconds,
	}, nil
}

func admissionDecision(code apperrors.ErrorCode) string {
	switch code {
	case apperrors.ErrCodePaymentRequired:
		return metrics.DecisionPaymentRequired
	case apperrors.ErrCodeQuotaExceeded:
		return metrics.DecisionQuotaExceeded
	default:
		return metrics.DecisionByteBudget
	}
}

func (s *IngestService) replayPresign(endpoint string, entry IdempotencyEntry) (*PresignResponse, error) {
	if entry.State == IdempotencyProcessing {
		return nil, apperrors.Conflict("Request is already being processed").WithRetryAfter(s.RetryAfterSeconds)
	}

	var cached PresignResponse
	if len(entry.Result) > 0 {
		if err := json.Unmarshal(entry.Result, &cached); err != nil {
			log.Warn().Err(err).Msg("unreadable cached presign result")
		}
	}
	cached.PresignedURL = ""
	cached.SkipUpload = true
	cached.Deduplicated = true
	if cached.Reason == "" {
		cached.Reason = ReasonAlreadyProcessed
	}
	s.Recorder.Admission(endpoint, metrics.DecisionDeduplicated)
	return &cached, nil
}

func (s *IngestService) CompleteBatch(ctx context.Context, project *model.Project, meta RequestMeta, req CompleteBatchRequest) (*CompleteResponse, error) {
	id, err := ParseBatchID(req.BatchID)
	if err != nil {
		return nil, err
	}
	if !id.Kind.IsBatch() {
		return nil, apperrors.InvalidInput("batchId", "does not name a batch")
	}

	delta := model.MetricsDelta{EventsProcessed: req.EventCount}.WithTelemetry(req.SDKTelemetry)
	return s.complete(ctx, project, meta, id, req.BatchID, req.ActualSizeBytes, delta, req.UserID, func(context.Context, *model.Session, *CompletedArtifact) {})
}

func (s *IngestService) CompleteSegment(ctx context.Context, project *model.Project, meta RequestMeta, req CompleteSegmentRequest) (*CompleteResponse, error) {
	id, err := ParseBatchID(req.SegmentID)
	if err != nil {
		return nil, err
	}
	if !id.Kind.IsSegment() {
		return nil, apperrors.InvalidInput("segmentId", "does not name a segment")
	}

	delta := model.MetricsDelta{}.WithTelemetry(req.SDKTelemetry)
	return s.complete(ctx, project, meta, id, req.SegmentID, req.ActualSizeBytes, delta, req.UserID, func(ctx context.Context, session *model.Session, done *CompletedArtifact) {
		if err := s.Sessions.RecordSegment(ctx, session.ID, req.ActualSizeBytes); err != nil {
			log.Warn().Err(err).Str("sessionId", session.ID).Msg("failed to update replay totals")
		}
		if done.Artifact.EndTime != nil {
			if _, err := s.Finalizer.ExtendForSegment(ctx, session, *done.Artifact.EndTime); err != nil {
				log.Warn().Err(err).Str("sessionId", session.ID).Msg("failed to extend session end")
			}
		}
	})
}

func (s *IngestService) complete(
	ctx context.Context,
	project *model.Project,
	meta RequestMeta,
	id batchid.ID,
	rawID string,
	actualSize int64,
	delta model.MetricsDelta,
	userID *string,
	after func(ctx context.Context, session *model.Session, done *CompletedArtifact),
) (*CompleteResponse, error) {
	if actualSize < 0 {
		return nil, apperrors.ValidationError("actualSizeBytes must not be negative")
	}

	key := meta.IdempotencyKey
	if key == "" {
		key = rawID
	}
	key = scopedKey("complete", key)

	entry, acquired := s.Ledger.Begin(ctx, project.ID, key)
	if !acquired {
		if entry.State == IdempotencyProcessing {
			return nil, apperrors.Conflict("Completion is already being processed").WithRetryAfter(s.RetryAfterSeconds)
		}
		var cached CompleteResponse
		if len(entry.Result) > 0 {
			_ = json.Unmarshal(entry.Result, &cached)
		}
		cached.Success = true
		cached.Deduplicated = true
		return &cached, nil
	}

	resp, err := s.completeArtifact(ctx, project, meta, id, actualSize, delta, userID, after)
	if err != nil {
		s.Ledger.Release(ctx, project.ID, key)
		return nil, err
	}
	s.Ledger.Complete(ctx, project.ID, key, resp)
	return resp, nil
}

func (s *IngestService) completeArtifact(
	ctx context.Context,
	project *model.Project,
	meta RequestMeta,
	id batchid.ID,
	actualSize int64,
	delta model.MetricsDelta,
	userID *string,
	after func(ctx context.Context, session *model.Session, done *CompletedArtifact),
) (*CompleteResponse, error) {
	session, err := s.Registrar.Lookup(ctx, project.ID, id.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}

	done, err := s.Tracker.Complete(ctx, id, actualSize)
	if err != nil {
		return nil, err
	}

	if !delta.IsEmpty() {
		if err := s.Metrics.Merge(ctx, session.ID, delta); err != nil {
			log.Warn().Err(err).Str("sessionId", session.ID).Msg("failed to merge completion metrics")
		}
	}
	after(ctx, session, done)

	s.enrich(project.ID, session, meta.DeviceToken, userID)

	return &CompleteResponse{Success: true, JobID: done.Job.ID}, nil
}

// enrich backfills the session's device and display name off the request path.
func (s *IngestService) enrich(projectID string, session *model.Session, deviceToken string, userID *string) {
	sessionID := session.ID
	if session.DeviceID == nil && deviceToken != "" {
		s.SideChannel.Submit("backfill_device", func(ctx context.Context) error {
			deviceID := s.Devices.Resolve(ctx, projectID, deviceToken, DeviceHints{})
			if deviceID == nil {
				return nil
			}
			_, err := s.Sessions.BackfillDevice(ctx, sessionID, *deviceID)
			return err
		})
	}
	if userID != nil && *userID != "" && !util.IsAnonymousIdentity(*userID) {
		displayID := *userID
		s.SideChannel.Submit("set_user_display_id", func(ctx context.Context) error {
			_, err := s.Sessions.SetUserDisplayID(ctx, sessionID, displayID)
			return err
		})
	}
	s.touch(sessionID, session.DeviceID)
}

func (s *IngestService) touch(sessionID string, deviceID *string) {
	s.SideChannel.Submit("touch_session", func(ctx context.Context) error {
		return s.Sessions.TouchActivity(ctx, sessionID)
	})
	if deviceID != nil {
		id := *deviceID
		s.SideChannel.Submit("touch_device", func(ctx context.Context) error {
			return s.Devices.Touch(ctx, id)
		})
	}
}

// EndSession finalizes the session and evaluates it for promotion. Promotion
// failures are logged; the session stays ended either way.
func (s *IngestService) EndSession(ctx context.Context, project *model.Project, req EndSessionRequest) (*EndSessionResponse, error) {
	if req.SessionID == "" {
		return nil, apperrors.MissingRequired("sessionId")
	}
	if req.TotalBackgroundTimeMs < 0 {
		return nil, apperrors.ValidationError("totalBackgroundTimeMs must not be negative")
	}

	signal := EndSignal{
		BackgroundTimeMs: req.TotalBackgroundTimeMs,
		EndReason:        req.EndReason,
	}
	if req.EndedAt != nil {
		t := time.UnixMilli(*req.EndedAt).UTC()
		signal.EndedAt = &t
	}
	if req.Metrics != nil || req.SDKTelemetry != nil {
		var delta model.MetricsDelta
		if req.Metrics != nil {
			delta = *req.Metrics
		}
		delta.EventsProcessed = nil
		delta = delta.WithTelemetry(req.SDKTelemetry)
		signal.Metrics = &delta
	}

	result, err := s.Finalizer.Finalize(ctx, project.ID, req.SessionID, signal)
	if err != nil {
		return nil, err
	}

	resp := &EndSessionResponse{
		Success:               true,
		AlreadyEnded:          result.AlreadyEnded,
		DurationSeconds:       result.DurationSeconds,
		BackgroundTimeSeconds: result.BackgroundTimeSeconds,
	}
	if result.AlreadyEnded {
		return resp, nil
	}

	outcome, err := s.Evaluator.EvaluateAndPromote(ctx, project, req.SessionID, result.DurationSeconds)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", req.SessionID).Msg("promotion evaluation failed after session end")
		return resp, nil
	}
	resp.Promotion = outcome
	return resp, nil
}

func (s *IngestService) EvaluateReplay(ctx context.Context, project *model.Project, req EvaluateRequest) (*PromotionOutcome, error) {
	if req.SessionID == "" {
		return nil, apperrors.MissingRequired("sessionId")
	}
	return s.Evaluator.EvaluateAndPromote(ctx, project, req.SessionID, 0)
}

// ReportFault stores a crash or ANR sent outside the presign flow, typically
// on the relaunch after the crash.
func (s *IngestService) ReportFault(ctx context.Context, project *model.Project, meta RequestMeta, req FaultRequest) (*FaultResponse, error) {
	kind := model.FaultKind(req.Kind)
	if kind != model.FaultKindCrash && kind != model.FaultKindANR {
		return nil, apperrors.InvalidInput("kind", "must be crash or anr")
	}
	if req.SessionID == "" {
		return nil, apperrors.MissingRequired("sessionId")
	}
	if !util.IsValidSessionID(req.SessionID) {
		return nil, apperrors.InvalidInput("sessionId", "must be 8-128 characters of [A-Za-z0-9_-]")
	}
	if !project.RejourneyEnabled {
		return nil, apperrors.Forbidden("Ingestion is disabled for this project")
	}

	team, err := s.Gate.CheckBilling(ctx, project.TeamID)
	if err != nil {
		return s.faultDenied(err)
	}

	session, err := s.Registrar.Lookup(ctx, project.ID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		if err := s.Gate.CheckSessionLimit(ctx, team); err != nil {
			return s.faultDenied(err)
		}
		deviceID := s.Devices.Resolve(ctx, project.ID, meta.DeviceToken, DeviceHints{
			Platform:   req.Platform,
			Model:      req.DeviceModel,
			AppVersion: req.AppVersion,
		})
		session, _, err = s.Registrar.Ensure(ctx, project, team, EnsureSessionRequest{
			SessionID:   req.SessionID,
			DeviceID:    deviceID,
			IsSampledIn: req.IsSampledIn,
			Platform:    req.Platform,
			DeviceModel: req.DeviceModel,
			AppVersion:  req.AppVersion,
		})
		if err != nil {
			return s.faultDenied(err)
		}
	}

	occurredAt := s.now()
	if req.Timestamp != nil {
		occurredAt = time.UnixMilli(*req.Timestamp).UTC()
	}

	fault, duplicate, err := s.Faults.Record(ctx, session, FaultReport{
		Kind:       kind,
		OccurredAt: occurredAt,
		DurationMs: req.DurationMs,
		Reason:     req.Reason,
		Stack:      req.Stack,
	})
	if err != nil {
		return nil, err
	}

	s.touch(session.ID, session.DeviceID)
	if duplicate {
		s.Recorder.Admission(EndpointFault, metrics.DecisionDeduplicated)
	} else {
		s.Recorder.Admission(EndpointFault, metrics.DecisionAllowed)
	}

	return &FaultResponse{
		Success:      true,
		FaultID:      fault.ID,
		SessionID:    session.ID,
		Deduplicated: duplicate,
	}, nil
}

func (s *IngestService) faultDenied(err error) (*FaultResponse, error) {
	denied, err := s.admissionDenied(EndpointFault, err)
	if err != nil {
		return nil, err
	}
	return &FaultResponse{SkipUpload: true, Reason: denied.Reason, Code: denied.Code}, nil
}

func scopedKey(scope, key string) string {
	if key == "" {
		return ""
	}
	return scope + ":" + key
}
