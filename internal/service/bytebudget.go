package service

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/rejourney/ingest-server-go/internal/config"
	apperrors "github.com/rejourney/ingest-server-go/internal/errors"
	"github.com/rejourney/ingest-server-go/internal/metrics"
	redisclient "github.com/rejourney/ingest-server-go/internal/redis"
)

// byteBudgetScript keeps a ZSET of charges scored by time. Members are
// "<nonce>:<bytes>"; the nonce comes from the caller so equal charges in the
// same millisecond stay distinct.
var byteBudgetScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local bytes = tonumber(ARGV[4])
local nonce = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local used = 0
local members = redis.call('ZRANGE', key, 0, -1)
for _, m in ipairs(members) do
    local n = tonumber(string.match(m, ':(%d+)$'))
    if n then
        used = used + n
    end
end

if used + bytes > limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = now + window
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    end
    return {0, used, resetAt}
end

redis.call('ZADD', key, now, nonce .. ':' .. bytes)
redis.call('PEXPIRE', key, window + 10000)

return {1, used + bytes, now + window}
`)

// ByteBudget limits cumulative declared upload bytes per project and device
// (or client IP when the device is unknown) over a sliding window.
type ByteBudget struct {
	client   *redis.Client
	window   time.Duration
	maxBytes int64
	metrics  *metrics.Recorder
	now      func() time.Time
}

func NewByteBudget(client *redis.Client, window time.Duration, maxBytes int64, recorder *metrics.Recorder) *ByteBudget {
	return &ByteBudget{
		client:   client,
		window:   window,
		maxBytes: maxBytes,
		metrics:  recorder,
		now:      time.Now,
	}
}

// Enforce charges declaredBytes to the window, returning RATE_LIMITED when
// the window would overflow. Cache failures allow the request.
func (b *ByteBudget) Enforce(ctx context.Context, projectID string, deviceID *string, clientIP string, declaredBytes int64, endpoint string) error {
	if declaredBytes <= 0 {
		return nil
	}
	if declaredBytes > b.maxBytes {
		return apperrors.RateLimited(fmt.Sprintf("declared size %d exceeds byte budget", declaredBytes)).
			WithRetryAfter(int(b.window.Seconds()))
	}
	if b.client == nil {
		return nil
	}

	subject := "ip:" + clientIP
	if deviceID != nil && *deviceID != "" {
		subject = "device:" + *deviceID
	}

	ctx, cancel := context.WithTimeout(ctx, config.CacheOpTimeout)
	defer cancel()

	now := b.now().UnixMilli()
	result, err := byteBudgetScript.Run(
		ctx,
		b.client,
		[]string{redisclient.ByteBudgetKey(projectID, subject)},
		now,
		b.window.Milliseconds(),
		b.maxBytes,
		declaredBytes,
		ulid.Make().String(),
	).Int64Slice()

	if err != nil || len(result) != 3 {
		log.Warn().
			Err(err).
			Str("projectId", projectID).
			Str("endpoint", endpoint).
			Msg("byte budget check failed, allowing request")
		return nil
	}

	if result[0] != 1 {
		retryAfter := int((result[2] - now + 999) / 1000)
		log.Info().
			Str("projectId", projectID).
			Str("subject", subject).
			Str("endpoint", endpoint).
			Int64("usedBytes", result[1]).
			Int64("declaredBytes", declaredBytes).
			Msg("byte budget exceeded")
		return apperrors.RateLimited("upload byte budget exceeded").WithRetryAfter(retryAfter)
	}

	b.metrics.BudgetCharged(declaredBytes)
	return nil
}

// ReconcileActual logs uploads whose actual size differs from the declared
// size by more than 10%. The budget is not adjusted.
func ReconcileActual(sessionID, artifactID string, declared, actual int64) {
	if declared <= 0 {
		return
	}
	diff := actual - declared
	if diff < 0 {
		diff = -diff
	}
	if diff*10 > declared {
		log.Warn().
			Str("sessionId", sessionID).
			Str("artifactId", artifactID).
			Int64("declaredBytes", declared).
			Int64("actualBytes", actual).
			Msg("declared and actual upload size differ")
	}
}
