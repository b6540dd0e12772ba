package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rejourney/ingest-server-go/internal/audit"
	apperrors "github.com/rejourney/ingest-server-go/internal/errors"
	redisclient "github.com/rejourney/ingest-server-go/internal/redis"
	"github.com/rejourney/ingest-server-go/internal/util"
)

const deviceRateLimitWindow = time.Minute

type Limiter interface {
	CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, resetAt time.Time)
}

// DeviceRateLimitMiddleware limits requests per project and device, falling
// back to the client IP for SDKs that send no device token. It must run
// after AuthMiddleware.
type DeviceRateLimitMiddleware struct {
	limiter Limiter
	limit   int
}

func NewDeviceRateLimitMiddleware(limiter Limiter, limitPerMin int) *DeviceRateLimitMiddleware {
	return &DeviceRateLimitMiddleware{limiter: limiter, limit: limitPerMin}
}

func (m *DeviceRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		project := GetProject(r.Context())
		if project == nil || m.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		subject := "ip:" + util.ClientIP(r)
		if token := GetDeviceToken(r.Context()); token != "" {
			subject = "device:" + util.HashToken(token)
		}

		key := redisclient.DeviceRateLimitKey(project.ID, subject)
		allowed, resetAt := m.limiter.CheckLimit(r.Context(), key, m.limit, deviceRateLimitWindow)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			retryAfter := int(time.Until(resetAt).Seconds()) + 1
			if retryAfter < 1 {
				retryAfter = 1
			}
			audit.LogFromRequest(r, audit.Event{
				Type:      audit.EventRateLimitExceed,
				ProjectID: project.ID,
				Subject:   subject,
				Details:   map[string]any{"limit": m.limit, "retryAfter": retryAfter},
			})
			writeError(w, apperrors.RateLimited("Too many requests").WithRetryAfter(retryAfter))
			return
		}

		next.ServeHTTP(w, r)
	})
}
