package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/rejourney/ingest-server-go/internal/errors"
	"github.com/rejourney/ingest-server-go/internal/model"
)

func TestSessionRegistrar_Ensure(t *testing.T) {
	ctx := context.Background()

	t.Run("exactly one concurrent caller creates the session", func(t *testing.T) {
		h := newHarness(t)
		const callers = 32

		var (
			created int32
			wg      sync.WaitGroup
			ids     = make([]string, callers)
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, isNew, err := h.svc.Registrar.Ensure(ctx, h.project, h.team, EnsureSessionRequest{SessionID: "session_race_0001"})
				if !assert.NoError(t, err) {
					return
				}
				if isNew {
					atomic.AddInt32(&created, 1)
				}
				ids[i] = s.ID
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), created)
		for _, id := range ids {
			assert.Equal(t, "session_race_0001", id)
		}
		assert.Equal(t, 1, h.db.usage(h.team.ID))
	})

	t.Run("quota counter grows once per distinct new session", func(t *testing.T) {
		h := newHarness(t)
		const distinct = 5

		var wg sync.WaitGroup
		for m := 0; m < 40; m++ {
			wg.Add(1)
			go func(m int) {
				defer wg.Done()
				id := fmt.Sprintf("session_quota_%04d", m%distinct)
				_, _, err := h.svc.Registrar.Ensure(ctx, h.project, h.team, EnsureSessionRequest{SessionID: id})
				assert.NoError(t, err)
			}(m)
		}
		wg.Wait()

		assert.Equal(t, distinct, h.db.usage(h.team.ID))
	})

	t.Run("concurrent creations never overshoot the session limit", func(t *testing.T) {
		h := newHarness(t)
		h.team.SessionLimit = intPtr(3)

		var (
			wg       sync.WaitGroup
			rejected int32
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _, err := h.svc.Registrar.Ensure(ctx, h.project, h.team, EnsureSessionRequest{SessionID: fmt.Sprintf("session_limit_%04d", i)})
				if err != nil {
					assert.Equal(t, apperrors.ErrCodeQuotaExceeded, apperrors.GetCode(err))
					atomic.AddInt32(&rejected, 1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 3, h.db.usage(h.team.ID))
		assert.Equal(t, int32(7), rejected)
	})

	t.Run("sampling decision is frozen at creation", func(t *testing.T) {
		h := newHarness(t)

		s, created, err := h.svc.Registrar.Ensure(ctx, h.project, h.team, EnsureSessionRequest{SessionID: "session_sampled_1", IsSampledIn: boolPtr(false)})
		require.NoError(t, err)
		assert.True(t, created)
		assert.False(t, s.IsSampledIn)

		s, created, err = h.svc.Registrar.Ensure(ctx, h.project, h.team, EnsureSessionRequest{SessionID: "session_sampled_1", IsSampledIn: boolPtr(true)})
		require.NoError(t, err)
		assert.False(t, created)
		assert.False(t, s.IsSampledIn)
	})

	t.Run("defaults to sampled in", func(t *testing.T) {
		h := newHarness(t)
		s, _, err := h.svc.Registrar.Ensure(ctx, h.project, h.team, EnsureSessionRequest{SessionID: "session_default_1"})
		require.NoError(t, err)
		assert.True(t, s.IsSampledIn)
	})

	t.Run("fresh sessions with a device get an anonymous name", func(t *testing.T) {
		h := newHarness(t)
		s, _, err := h.svc.Registrar.Ensure(ctx, h.project, h.team, EnsureSessionRequest{SessionID: "session_anon_0001", DeviceID: strPtr("device-9")})
		require.NoError(t, err)
		require.NotNil(t, s.UserDisplayID)
		assert.Regexp(t, `^anon_[0-9a-f]{8}$`, *s.UserDisplayID)
		assert.Equal(t, "device-9", *s.DeviceID)
	})

	t.Run("generates an id when none is given", func(t *testing.T) {
		h := newHarness(t)
		s, created, err := h.svc.Registrar.Ensure(ctx, h.project, h.team, EnsureSessionRequest{})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Regexp(t, `^session_\d+_[0-9a-f]{32}$`, s.ID)
	})

	t.Run("takes the start time from a recent session id", func(t *testing.T) {
		h := newHarness(t)
		start := time.Now().Add(-2 * time.Minute).Truncate(time.Millisecond)
		id := fmt.Sprintf("session_%d_abc123", start.UnixMilli())

		s, _, err := h.svc.Registrar.Ensure(ctx, h.project, h.team, EnsureSessionRequest{SessionID: id})
		require.NoError(t, err)
		assert.True(t, start.Equal(s.StartedAt))
	})

	t.Run("rejects failed and deleted sessions", func(t *testing.T) {
		h := newHarness(t)
		for _, status := range []model.SessionStatus{model.SessionStatusFailed, model.SessionStatusDeleted} {
			id := "session_state_" + string(status)
			h.db.sessions[id] = &model.Session{ID: id, ProjectID: h.project.ID, Status: status}

			_, _, err := h.svc.Registrar.Ensure(ctx, h.project, h.team, EnsureSessionRequest{SessionID: id})
			assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.GetCode(err), status)
		}
	})

	t.Run("hides sessions of other projects", func(t *testing.T) {
		h := newHarness(t)
		h.db.sessions["session_other_1"] = &model.Session{ID: "session_other_1", ProjectID: "project-2", Status: model.SessionStatusProcessing}

		_, _, err := h.svc.Registrar.Ensure(ctx, h.project, h.team, EnsureSessionRequest{SessionID: "session_other_1"})
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})

	t.Run("rejects malformed ids", func(t *testing.T) {
		h := newHarness(t)
		_, _, err := h.svc.Registrar.Ensure(ctx, h.project, h.team, EnsureSessionRequest{SessionID: "bad id!"})
		assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
	})
}

func TestQuotaGate(t *testing.T) {
	ctx := context.Background()

	t.Run("past due teams may still record", func(t *testing.T) {
		h := newHarness(t)
		h.team.BillingStatus = model.BillingStatusPastDue

		team, err := h.svc.Gate.CheckBilling(ctx, h.team.ID)
		require.NoError(t, err)
		assert.Equal(t, h.team.ID, team.ID)
	})

	t.Run("canceled teams get payment required", func(t *testing.T) {
		h := newHarness(t)
		h.team.BillingStatus = model.BillingStatusCanceled

		_, err := h.svc.Gate.CheckBilling(ctx, h.team.ID)
		assert.Equal(t, apperrors.ErrCodePaymentRequired, apperrors.GetCode(err))
	})

	t.Run("session limit pre-check", func(t *testing.T) {
		h := newHarness(t)
		h.team.SessionLimit = intPtr(1)
		assert.NoError(t, h.svc.Gate.CheckSessionLimit(ctx, h.team))

		h.db.teamUsage[h.team.ID] = 1
		err := h.svc.Gate.CheckSessionLimit(ctx, h.team)
		assert.Equal(t, apperrors.ErrCodeQuotaExceeded, apperrors.GetCode(err))
	})

	t.Run("unlimited teams skip the count", func(t *testing.T) {
		h := newHarness(t)
		h.db.teamUsage[h.team.ID] = 1_000_000
		assert.NoError(t, h.svc.Gate.CheckSessionLimit(ctx, h.team))
	})
}
