package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/rejourney/ingest-server-go/internal/errors"
	"github.com/rejourney/ingest-server-go/internal/model"
)

func seedSession(h *harness, id string, startedAt time.Time) *model.Session {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	s, _, _ := h.db.insertSession(model.CreateSessionParams{
		ID:          id,
		ProjectID:   h.project.ID,
		StartedAt:   startedAt,
		IsSampledIn: true,
	})
	return s
}

func TestSessionFinalizer_Finalize(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("playable duration subtracts background time", func(t *testing.T) {
		h := newHarness(t)
		seedSession(h, "session_fin_0001", start)
		end := start.Add(125 * time.Second)

		res, err := h.svc.Finalizer.Finalize(ctx, h.project.ID, "session_fin_0001", EndSignal{EndedAt: &end, BackgroundTimeMs: 20000})
		require.NoError(t, err)
		assert.False(t, res.AlreadyEnded)
		assert.Equal(t, 105, res.DurationSeconds)
		assert.Equal(t, 20, res.BackgroundTimeSeconds)

		stored := h.db.session("session_fin_0001")
		assert.Equal(t, model.SessionStatusReady, stored.Status)
		assert.Equal(t, 105, stored.DurationSeconds)
	})

	t.Run("sub-second sessions clamp to one second", func(t *testing.T) {
		h := newHarness(t)
		seedSession(h, "session_fin_0002", start)
		end := start.Add(300 * time.Millisecond)

		res, err := h.svc.Finalizer.Finalize(ctx, h.project.ID, "session_fin_0002", EndSignal{EndedAt: &end})
		require.NoError(t, err)
		assert.Equal(t, 1, res.DurationSeconds)
	})

	t.Run("second finalize is a no-op", func(t *testing.T) {
		h := newHarness(t)
		seedSession(h, "session_fin_0003", start)
		first := start.Add(60 * time.Second)
		second := start.Add(600 * time.Second)

		_, err := h.svc.Finalizer.Finalize(ctx, h.project.ID, "session_fin_0003", EndSignal{EndedAt: &first})
		require.NoError(t, err)

		res, err := h.svc.Finalizer.Finalize(ctx, h.project.ID, "session_fin_0003", EndSignal{EndedAt: &second, BackgroundTimeMs: 5000})
		require.NoError(t, err)
		assert.True(t, res.AlreadyEnded)
		assert.Equal(t, 60, res.DurationSeconds)

		stored := h.db.session("session_fin_0003")
		assert.True(t, first.Equal(*stored.EndedAt))
		assert.Equal(t, 60, stored.DurationSeconds)
	})

	t.Run("concurrent finalizes write once", func(t *testing.T) {
		h := newHarness(t)
		seedSession(h, "session_fin_0004", start)

		var (
			wg      sync.WaitGroup
			winners int32
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				end := start.Add(time.Duration(30+i) * time.Second)
				res, err := h.svc.Finalizer.Finalize(ctx, h.project.ID, "session_fin_0004", EndSignal{EndedAt: &end})
				if assert.NoError(t, err) && !res.AlreadyEnded {
					atomic.AddInt32(&winners, 1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), winners)
	})

	t.Run("metrics merge keeps the maximum crash count", func(t *testing.T) {
		h := newHarness(t)
		seedSession(h, "session_fin_0005", start)

		require.NoError(t, h.svc.Metrics.Merge(ctx, "session_fin_0005", model.MetricsDelta{CrashCount: int64Ptr(3)}))
		end := start.Add(time.Minute)
		_, err := h.svc.Finalizer.Finalize(ctx, h.project.ID, "session_fin_0005", EndSignal{
			EndedAt: &end,
			Metrics: &model.MetricsDelta{CrashCount: int64Ptr(2), UXScore: floatPtr(80)},
		})
		require.NoError(t, err)

		m := h.db.sessionMetrics("session_fin_0005")
		assert.Equal(t, int64(3), m.CrashCount)
		assert.Equal(t, 80.0, m.UXScore)
	})

	t.Run("a caller that loses the end race leaves metrics alone", func(t *testing.T) {
		h := newHarness(t)
		stale := *seedSession(h, "session_fin_0008", start)
		end := start.Add(time.Minute)

		_, err := h.svc.Finalizer.Finalize(ctx, h.project.ID, "session_fin_0008", EndSignal{
			EndedAt: &end,
			Metrics: &model.MetricsDelta{UXScore: floatPtr(80), InteractionScore: floatPtr(70), ScreensVisited: []string{"Home"}},
		})
		require.NoError(t, err)

		loser := NewSessionFinalizer(staleSessions{memSessions{h.db}, stale}, memStore{h.db})
		later := start.Add(time.Hour)
		res, err := loser.Finalize(ctx, h.project.ID, "session_fin_0008", EndSignal{
			EndedAt: &later,
			Metrics: &model.MetricsDelta{UXScore: floatPtr(10), InteractionScore: floatPtr(5), ScreensVisited: []string{"Settings"}},
		})
		require.NoError(t, err)
		assert.True(t, res.AlreadyEnded)

		m := h.db.sessionMetrics("session_fin_0008")
		assert.Equal(t, 80.0, m.UXScore)
		assert.Equal(t, 70.0, m.InteractionScore)
		assert.Equal(t, []string{"Home"}, []string(m.ScreensVisited))
		assert.True(t, end.Equal(*h.db.session("session_fin_0008").EndedAt))
	})

	t.Run("end before start clamps", func(t *testing.T) {
		h := newHarness(t)
		seedSession(h, "session_fin_0006", start)
		end := start.Add(-time.Hour)

		res, err := h.svc.Finalizer.Finalize(ctx, h.project.ID, "session_fin_0006", EndSignal{EndedAt: &end})
		require.NoError(t, err)
		assert.Equal(t, 1, res.DurationSeconds)
	})

	t.Run("unknown and failed sessions", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Finalizer.Finalize(ctx, h.project.ID, "session_missing", EndSignal{})
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))

		h.db.sessions["session_failed_1"] = &model.Session{ID: "session_failed_1", ProjectID: h.project.ID, Status: model.SessionStatusFailed}
		_, err = h.svc.Finalizer.Finalize(ctx, h.project.ID, "session_failed_1", EndSignal{})
		assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.GetCode(err))
	})

	t.Run("store failure during merge propagates", func(t *testing.T) {
		h := newHarness(t)
		seedSession(h, "session_fin_0007", start)
		h.db.mergeErr = errStore

		_, err := h.svc.Finalizer.Finalize(ctx, h.project.ID, "session_fin_0007", EndSignal{Metrics: &model.MetricsDelta{TouchCount: int64Ptr(1)}})
		assert.Equal(t, apperrors.ErrCodeDatabase, apperrors.GetCode(err))
		assert.Nil(t, h.db.session("session_fin_0007").EndedAt)
	})
}

func TestSessionFinalizer_ExtendForSegment(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	h := newHarness(t)
	seedSession(h, "session_ext_0001", start)
	end := start.Add(time.Minute)
	_, err := h.svc.Finalizer.Finalize(ctx, h.project.ID, "session_ext_0001", EndSignal{EndedAt: &end})
	require.NoError(t, err)

	t.Run("earlier segment leaves the end alone", func(t *testing.T) {
		ok, err := h.svc.Finalizer.ExtendForSegment(ctx, h.db.session("session_ext_0001"), start.Add(30*time.Second).UnixMilli())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("later segment extends the end", func(t *testing.T) {
		ok, err := h.svc.Finalizer.ExtendForSegment(ctx, h.db.session("session_ext_0001"), start.Add(90*time.Second).UnixMilli())
		require.NoError(t, err)
		assert.True(t, ok)

		stored := h.db.session("session_ext_0001")
		assert.Equal(t, 90, stored.DurationSeconds)
		assert.Equal(t, model.SessionStatusReady, stored.Status)
	})

	t.Run("open sessions are not extended", func(t *testing.T) {
		open := seedSession(h, "session_ext_0002", start)
		ok, err := h.svc.Finalizer.ExtendForSegment(ctx, open, start.Add(time.Hour).UnixMilli())
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// staleSessions serves a snapshot taken before another caller ended the session.
type staleSessions struct {
	memSessions
	snapshot model.Session
}

func (r staleSessions) FindByID(_ context.Context, id string) (*model.Session, error) {
	if id != r.snapshot.ID {
		return nil, nil
	}
	s := r.snapshot
	return &s, nil
}

func floatPtr(v float64) *float64 { return &v }
