package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/rejourney/ingest-server-go/internal/metrics"
	"github.com/rejourney/ingest-server-go/internal/model"
	"github.com/rejourney/ingest-server-go/internal/repository"
)

// memDB is an in-memory stand-in for Postgres. Every method holds the mutex
// for its whole body, giving the same atomicity the SQL statements have.
type memDB struct {
	mu sync.Mutex

	teams        map[string]*model.Team
	projects     map[string]*model.Project
	teamUsage    map[string]int
	projectUsage map[string]int
	sessions     map[string]*model.Session
	metrics      map[string]*model.SessionMetrics
	artifacts    []*model.RecordingArtifact
	jobs         map[string]*model.IngestJob
	faults       []*model.Fault
	devices      map[string]*model.Device

	seq      int
	mergeErr error
	touchErr error
}

func newMemDB() *memDB {
	return &memDB{
		teams:        map[string]*model.Team{},
		projects:     map[string]*model.Project{},
		teamUsage:    map[string]int{},
		projectUsage: map[string]int{},
		sessions:     map[string]*model.Session{},
		metrics:      map[string]*model.SessionMetrics{},
		jobs:         map[string]*model.IngestJob{},
		devices:      map[string]*model.Device{},
	}
}

func (db *memDB) nextID(prefix string) string {
	db.seq++
	return fmt.Sprintf("%s-%d", prefix, db.seq)
}

func (db *memDB) session(id string) *model.Session {
	db.mu.Lock()
	defer db.mu.Unlock()
	if s, ok := db.sessions[id]; ok {
		c := *s
		return &c
	}
	return nil
}

func (db *memDB) artifactsFor(sessionID string) []model.RecordingArtifact {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []model.RecordingArtifact
	for _, a := range db.artifacts {
		if a.SessionID == sessionID {
			out = append(out, *a)
		}
	}
	return out
}

func (db *memDB) jobCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.jobs)
}

func (db *memDB) usage(teamID string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.teamUsage[teamID]
}

func (db *memDB) sessionMetrics(id string) model.SessionMetrics {
	db.mu.Lock()
	defer db.mu.Unlock()
	if m, ok := db.metrics[id]; ok {
		return *m
	}
	return model.SessionMetrics{}
}

type memSessions struct{ db *memDB }

func (r memSessions) WithTx(*sqlx.Tx) repository.SessionRepository { return r }

func (r memSessions) FindByID(_ context.Context, id string) (*model.Session, error) {
	return r.db.session(id), nil
}

func (r memSessions) InsertIfAbsent(_ context.Context, p model.CreateSessionParams) (*model.Session, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.db.insertSession(p)
}

func (db *memDB) insertSession(p model.CreateSessionParams) (*model.Session, bool, error) {
	if s, ok := db.sessions[p.ID]; ok {
		c := *s
		return &c, false, nil
	}
	s := &model.Session{
		ID:             p.ID,
		ProjectID:      p.ProjectID,
		DeviceID:       p.DeviceID,
		Status:         model.SessionStatusProcessing,
		StartedAt:      p.StartedAt,
		IsSampledIn:    p.IsSampledIn,
		Platform:       p.Platform,
		DeviceModel:    p.DeviceModel,
		AppVersion:     p.AppVersion,
		UserDisplayID:  p.UserDisplayID,
		LastActivityAt: p.StartedAt,
	}
	db.sessions[p.ID] = s
	db.metrics[p.ID] = &model.SessionMetrics{SessionID: p.ID}
	c := *s
	return &c, true, nil
}

func (r memSessions) Finalize(_ context.Context, id string, p model.FinalizeParams) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.db.finalizeSession(id, p), nil
}

func (db *memDB) finalizeSession(id string, p model.FinalizeParams) bool {
	s, ok := db.sessions[id]
	if !ok || s.EndedAt != nil || s.Status != model.SessionStatusProcessing {
		return false
	}
	end := p.EndedAt
	s.EndedAt = &end
	s.DurationSeconds = p.DurationSeconds
	s.BackgroundTimeSeconds = p.BackgroundTimeSeconds
	s.EndReason = p.EndReason
	s.Status = model.SessionStatusReady
	return true
}

func (r memSessions) ExtendEnd(_ context.Context, id string, endedAt time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.sessions[id]
	if !ok || s.Status != model.SessionStatusReady || s.EndedAt == nil || !s.EndedAt.Before(endedAt) {
		return false, nil
	}
	end := endedAt
	s.EndedAt = &end
	d := int(end.Sub(s.StartedAt).Round(time.Second).Seconds()) - s.BackgroundTimeSeconds
	if d < 1 {
		d = 1
	}
	s.DurationSeconds = d
	return true, nil
}

func (r memSessions) MarkPromoted(_ context.Context, id string, result model.PromotionResult) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.sessions[id]
	if !ok || s.ReplayPromoted {
		return false, nil
	}
	now := time.Now()
	s.ReplayPromoted = true
	s.PromotedAt = &now
	s.PromotionScore = &result.Score
	s.PromotionReason = &result.Reason
	return true, nil
}

func (r memSessions) RecordEvaluation(_ context.Context, id string, result model.PromotionResult) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if s, ok := r.db.sessions[id]; ok {
		now := time.Now()
		s.EvaluatedAt = &now
		s.PromotionScore = &result.Score
		s.PromotionReason = &result.Reason
	}
	return nil
}

func (r memSessions) BackfillDevice(_ context.Context, id, deviceID string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.sessions[id]
	if !ok || s.DeviceID != nil {
		return false, nil
	}
	s.DeviceID = &deviceID
	return true, nil
}

func (r memSessions) SetUserDisplayID(_ context.Context, id, displayID string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.sessions[id]
	if !ok {
		return false, nil
	}
	s.UserDisplayID = &displayID
	return true, nil
}

func (r memSessions) RecordSegment(_ context.Context, id string, bytes int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if s, ok := r.db.sessions[id]; ok {
		s.ReplaySegmentCount++
		s.ReplayStorageBytes += bytes
	}
	return nil
}

func (r memSessions) TouchActivity(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.touchErr != nil {
		return r.db.touchErr
	}
	if s, ok := r.db.sessions[id]; ok {
		s.LastActivityAt = time.Now()
	}
	return nil
}

func (r memSessions) ListIdle(_ context.Context, before time.Time, limit int) ([]model.Session, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []model.Session
	for _, s := range r.db.sessions {
		if s.EndedAt == nil && s.Status == model.SessionStatusProcessing && s.LastActivityAt.Before(before) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memMetrics struct{ db *memDB }

func (r memMetrics) WithTx(*sqlx.Tx) repository.MetricsRepository { return r }

func (r memMetrics) FindBySessionID(_ context.Context, id string) (*model.SessionMetrics, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if m, ok := r.db.metrics[id]; ok {
		c := *m
		return &c, nil
	}
	return nil, nil
}

func (r memMetrics) Merge(_ context.Context, id string, delta model.MetricsDelta) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.mergeErr != nil {
		return r.db.mergeErr
	}
	r.db.mergeMetrics(id, delta)
	return nil
}

func (db *memDB) mergeMetrics(id string, delta model.MetricsDelta) {
	m, ok := db.metrics[id]
	if !ok {
		m = &model.SessionMetrics{SessionID: id}
		db.metrics[id] = m
	}
	m.Apply(delta)
}

type memTeams struct{ db *memDB }

func (r memTeams) WithTx(*sqlx.Tx) repository.TeamRepository { return r }

func (r memTeams) FindByID(_ context.Context, id string) (*model.Team, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if t, ok := r.db.teams[id]; ok {
		c := *t
		return &c, nil
	}
	return nil, nil
}

func (r memTeams) LockForQuota(context.Context, string) error { return nil }

func (r memTeams) CountSessions(_ context.Context, teamID string, _ time.Time) (int, error) {
	return r.db.usage(teamID), nil
}

func (r memTeams) IncrementSessions(_ context.Context, teamID, projectID string, _ time.Time, delta int) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.teamUsage[teamID] += delta
	r.db.projectUsage[projectID] += delta
	return nil
}

type memArtifacts struct{ db *memDB }

func (r memArtifacts) WithTx(*sqlx.Tx) repository.ArtifactRepository { return r }

func (r memArtifacts) Create(_ context.Context, p model.CreateArtifactParams) (*model.RecordingArtifact, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	a := &model.RecordingArtifact{
		ID:                r.db.nextID("artifact"),
		SessionID:         p.SessionID,
		Kind:              p.Kind,
		S3ObjectKey:       p.S3ObjectKey,
		DeclaredSizeBytes: p.DeclaredSizeBytes,
		Status:            model.ArtifactStatusPending,
		BatchNumber:       p.BatchNumber,
		Timestamp:         p.Timestamp,
		StartTime:         p.StartTime,
		EndTime:           p.EndTime,
		FrameCount:        p.FrameCount,
		CreatedAt:         time.Now(),
	}
	r.db.artifacts = append(r.db.artifacts, a)
	c := *a
	return &c, nil
}

func (r memArtifacts) FindPending(_ context.Context, m model.ArtifactMatch) (*model.RecordingArtifact, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for i := len(r.db.artifacts) - 1; i >= 0; i-- {
		a := r.db.artifacts[i]
		if a.SessionID != m.SessionID || a.Kind != m.Kind || a.Status != model.ArtifactStatusPending {
			continue
		}
		if m.BatchNumber != nil && (a.BatchNumber == nil || *a.BatchNumber != *m.BatchNumber) {
			continue
		}
		if m.StartTime != nil && (a.StartTime == nil || *a.StartTime != *m.StartTime) {
			continue
		}
		c := *a
		return &c, nil
	}
	return nil, nil
}

func (r memArtifacts) MarkReady(_ context.Context, id string, actual int64) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.db.markReady(id, actual), nil
}

func (db *memDB) markReady(id string, actual int64) bool {
	for _, a := range db.artifacts {
		if a.ID == id && a.Status == model.ArtifactStatusPending {
			a.Status = model.ArtifactStatusReady
			a.ActualSizeBytes = &actual
			return true
		}
	}
	return false
}

func (db *memDB) createJob(sessionID, artifactID string, kind model.ArtifactKind) (*model.IngestJob, bool) {
	if j, ok := db.jobs[artifactID]; ok {
		c := *j
		return &c, false
	}
	j := &model.IngestJob{
		ID:         db.nextID("job"),
		SessionID:  sessionID,
		ArtifactID: artifactID,
		Kind:       string(kind),
		Status:     model.JobStatusPending,
	}
	db.jobs[artifactID] = j
	c := *j
	return &c, true
}

type memFaults struct{ db *memDB }

func (r memFaults) FindNear(_ context.Context, sessionID string, kind model.FaultKind, fp string, at time.Time, window time.Duration) (*model.Fault, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.db.findFault(sessionID, kind, fp, at, window), nil
}

func (r memFaults) Create(_ context.Context, f model.Fault) (*model.Fault, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.db.createFault(f), nil
}

func (r memFaults) LockFingerprint(context.Context, string, string) error { return nil }

func (r memFaults) WithTx(*sqlx.Tx) repository.FaultRepository { return r }

func (db *memDB) findFault(sessionID string, kind model.FaultKind, fp string, at time.Time, window time.Duration) *model.Fault {
	for i := len(db.faults) - 1; i >= 0; i-- {
		f := db.faults[i]
		if f.SessionID == sessionID && f.Kind == kind && f.Fingerprint == fp &&
			!f.OccurredAt.Before(at.Add(-window)) && !f.OccurredAt.After(at.Add(window)) {
			c := *f
			return &c
		}
	}
	return nil
}

func (db *memDB) createFault(f model.Fault) *model.Fault {
	f.ID = db.nextID("fault")
	db.faults = append(db.faults, &f)
	c := f
	return &c
}

func (r memFaults) CountBySession(_ context.Context, sessionID string, kind model.FaultKind) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	n := 0
	for _, f := range r.db.faults {
		if f.SessionID == sessionID && f.Kind == kind {
			n++
		}
	}
	return n, nil
}

type memDevices struct{ db *memDB }

func (r memDevices) FindByTokenHash(_ context.Context, projectID, hash string) (*model.Device, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if d, ok := r.db.devices[projectID+"/"+hash]; ok {
		c := *d
		return &c, nil
	}
	return nil, nil
}

func (r memDevices) Upsert(_ context.Context, p model.UpsertDeviceParams) (*model.Device, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	key := p.ProjectID + "/" + p.DeviceTokenHash
	d, ok := r.db.devices[key]
	if !ok {
		d = &model.Device{ID: r.db.nextID("device"), ProjectID: p.ProjectID, DeviceTokenHash: p.DeviceTokenHash}
		r.db.devices[key] = d
	}
	c := *d
	return &c, nil
}

func (r memDevices) TouchLastSeen(context.Context, string) error { return nil }

// memStore gives the multi-statement writes their transactional behavior.
type memStore struct{ db *memDB }

func (s memStore) CreateSessionWithinQuota(_ context.Context, p model.CreateSessionParams, q repository.QuotaScope) (*model.Session, bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if existing, ok := s.db.sessions[p.ID]; ok {
		c := *existing
		return &c, false, nil
	}
	if q.Limit != nil && s.db.teamUsage[q.TeamID] >= *q.Limit {
		return nil, false, repository.ErrQuotaExceeded
	}
	session, created, err := s.db.insertSession(p)
	if created {
		s.db.teamUsage[q.TeamID]++
		s.db.projectUsage[p.ProjectID]++
	}
	return session, created, err
}

func (s memStore) CompleteArtifact(_ context.Context, a *model.RecordingArtifact, actual int64) (*model.IngestJob, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if !s.db.markReady(a.ID, actual) {
		return nil, repository.ErrArtifactNotPending
	}
	job, _ := s.db.createJob(a.SessionID, a.ID, a.Kind)
	return job, nil
}

func (s memStore) FinalizeSession(_ context.Context, id string, p model.FinalizeParams, delta *model.MetricsDelta) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if delta != nil && s.db.mergeErr != nil {
		return false, s.db.mergeErr
	}
	if !s.db.finalizeSession(id, p) {
		return false, nil
	}
	if delta != nil {
		s.db.mergeMetrics(id, *delta)
	}
	return true, nil
}

func (s memStore) RecordFault(_ context.Context, f model.Fault, window time.Duration, isDuplicate func(*model.Fault) bool) (*model.Fault, bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if existing := s.db.findFault(f.SessionID, f.Kind, f.Fingerprint, f.OccurredAt, window); existing != nil && isDuplicate(existing) {
		return existing, false, nil
	}
	return s.db.createFault(f), true, nil
}

type stubPresigner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *stubPresigner) PresignPut(_ context.Context, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.calls++
	return "https://storage.test/" + key + "?sig=1", nil
}

func (p *stubPresigner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type stubWaiter struct {
	settled bool
	err     error
}

func (w stubWaiter) Wait(context.Context, string, time.Duration) (bool, error) {
	return w.settled, w.err
}

var errStore = errors.New("store unavailable")

// harness wires an IngestService over memDB and a miniredis instance.
type harness struct {
	db        *memDB
	redis     *miniredis.Miniredis
	client    *redis.Client
	presigner *stubPresigner
	reg       *prometheus.Registry
	side      *SideChannel
	svc       *IngestService
	team      *model.Team
	project   *model.Project
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	db := newMemDB()
	team := &model.Team{ID: "team-1", BillingStatus: model.BillingStatusActive}
	project := &model.Project{
		ID:                     "project-1",
		TeamID:                 team.ID,
		RejourneyEnabled:       true,
		RecordingEnabled:       true,
		SampleRate:             100,
		HealthyReplaysPromoted: 0.05,
	}
	db.teams[team.ID] = team
	db.projects[project.ID] = project

	reg := prometheus.NewRegistry()
	recorder := metrics.New(reg)
	side := NewSideChannel(2, 64, time.Second, recorder)
	t.Cleanup(side.Close)

	sessions := memSessions{db}
	metricsRepo := memMetrics{db}
	teams := memTeams{db}
	store := memStore{db}
	presigner := &stubPresigner{}

	gate := NewQuotaGate(NewTeamBillingChecker(teams), teams)
	registrar := NewSessionRegistrar(sessions, store, gate)
	finalizer := NewSessionFinalizer(sessions, memStore{db})
	evaluator := NewPromotionEvaluator(sessions, metricsRepo, stubWaiter{settled: true}, NewLocker(client),
		DefaultPolicy{Weights: PromotionWeights{UX: 0.4, Errors: 0.3, Interaction: 0.2, Duration: 0.1}}, recorder, time.Second)

	svc := NewIngestService(IngestDeps{
		Sessions:          sessions,
		Metrics:           metricsRepo,
		Gate:              gate,
		Registrar:         registrar,
		Tracker:           NewArtifactTracker(memArtifacts{db}, store, presigner),
		Finalizer:         finalizer,
		Evaluator:         evaluator,
		Faults:            NewFaultRecorder(memFaults{db}, memStore{db}, metricsRepo, 5*time.Second),
		Devices:           NewDeviceResolver(memDevices{db}),
		Ledger:            NewIdempotencyLedger(client, time.Hour),
		Budget:            NewByteBudget(client, time.Hour, 10<<20, recorder),
		SideChannel:       side,
		Recorder:          recorder,
		RetryAfterSeconds: 2,
	})

	return &harness{
		db:        db,
		redis:     mr,
		client:    client,
		presigner: presigner,
		reg:       reg,
		side:      side,
		svc:       svc,
		team:      team,
		project:   project,
	}
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }
