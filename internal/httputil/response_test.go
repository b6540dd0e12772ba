package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/rejourney/ingest-server-go/internal/errors"
)

func TestWriteError(t *testing.T) {
	t.Run("maps app error to status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, apperrors.NotFound("Artifact"))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, apperrors.ErrCodeNotFound, body.Code)
		assert.Equal(t, "Artifact not found", body.Error)
	})

	t.Run("unknown errors become internal", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, errors.New("boom"))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "boom")
	})

	t.Run("conflict is reported as processing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, apperrors.Conflict("in flight").WithRetryAfter(3))

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "3", rec.Header().Get("Retry-After"))
		var body ProcessingResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "processing", body.Status)
		assert.Equal(t, 3, body.RetryAfter)
	})

	t.Run("payment and quota are distinguishable", func(t *testing.T) {
		payment := httptest.NewRecorder()
		WriteError(payment, apperrors.PaymentRequired("past due"))
		quota := httptest.NewRecorder()
		WriteError(quota, apperrors.QuotaExceeded("limit reached"))

		assert.Equal(t, http.StatusPaymentRequired, payment.Code)
		assert.Equal(t, http.StatusTooManyRequests, quota.Code)
	})
}

func TestStatusFromCode(t *testing.T) {
	cases := map[apperrors.ErrorCode]int{
		apperrors.ErrCodeValidation:   http.StatusBadRequest,
		apperrors.ErrCodeUnauthorized: http.StatusUnauthorized,
		apperrors.ErrCodeForbidden:    http.StatusForbidden,
		apperrors.ErrCodeInvalidState: http.StatusForbidden,
		apperrors.ErrCodeRateLimited:  http.StatusTooManyRequests,
		apperrors.ErrCodeStorage:      http.StatusInternalServerError,
		apperrors.ErrorCode("WHAT"):   http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, StatusFromCode(code), string(code))
	}
}
