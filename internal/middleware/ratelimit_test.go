package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/rejourney/ingest-server-go/internal/model"
	"github.com/rejourney/ingest-server-go/internal/service"
)

func TestDeviceRateLimitMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	handler := NewDeviceRateLimitMiddleware(service.NewRateLimiter(client), 2).Handler(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	request := func(projectID, deviceToken, remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/ingest/presign", nil)
		req.RemoteAddr = remoteAddr
		ctx := context.WithValue(req.Context(), ProjectContextKey, &model.Project{ID: projectID})
		if deviceToken != "" {
			ctx = context.WithValue(ctx, DeviceTokenContextKey, deviceToken)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req.WithContext(ctx))
		return rec
	}

	t.Run("limits per device", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, request("project-1", "device-a", "10.0.0.1:1234").Code)
		rec := request("project-1", "device-a", "10.0.0.2:1234")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))

		rec = request("project-1", "device-a", "10.0.0.3:1234")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), "RATE_LIMITED")

		assert.Equal(t, http.StatusOK, request("project-1", "device-b", "10.0.0.1:1234").Code)
		assert.Equal(t, http.StatusOK, request("project-2", "device-a", "10.0.0.1:1234").Code)
	})

	t.Run("falls back to the client ip", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, request("project-3", "", "10.0.0.9:1111").Code)
		assert.Equal(t, http.StatusOK, request("project-3", "", "10.0.0.9:2222").Code)
		assert.Equal(t, http.StatusTooManyRequests, request("project-3", "", "10.0.0.9:3333").Code)
	})

	t.Run("unauthenticated requests pass through", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		}
	})

	t.Run("fails open when redis is down", func(t *testing.T) {
		mr.Close()
		assert.Equal(t, http.StatusOK, request("project-1", "device-a", "10.0.0.1:1234").Code)
	})
}
