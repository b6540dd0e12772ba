package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/rejourney/ingest-server-go/internal/config"
	redisclient "github.com/rejourney/ingest-server-go/internal/redis"
)

type IdempotencyState string

const (
	IdempotencyAbsent     IdempotencyState = "absent"
	IdempotencyProcessing IdempotencyState = "processing"
	IdempotencyDone       IdempotencyState = "done"
)

type IdempotencyEntry struct {
	State  IdempotencyState `json:"status"`
	Result json.RawMessage  `json:"result,omitempty"`
}

// IdempotencyLedger remembers in-flight and finished requests per project
// and client key. It is an accelerator: when Redis is unreachable every
// lookup reports absent and writes are dropped.
type IdempotencyLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewIdempotencyLedger(client *redis.Client, ttl time.Duration) *IdempotencyLedger {
	return &IdempotencyLedger{client: client, ttl: ttl}
}

// Status returns the current entry for key.
func (l *IdempotencyLedger) Status(ctx context.Context, projectID, key string) IdempotencyEntry {
	if l.client == nil || key == "" {
		return IdempotencyEntry{State: IdempotencyAbsent}
	}

	ctx, cancel := context.WithTimeout(ctx, config.CacheOpTimeout)
	defer cancel()

	raw, err := l.client.Get(ctx, redisclient.IdempotencyKey(projectID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return IdempotencyEntry{State: IdempotencyAbsent}
	}
	if err != nil {
		log.Warn().Err(err).Str("projectId", projectID).Msg("idempotency lookup failed, treating as absent")
		return IdempotencyEntry{State: IdempotencyAbsent}
	}

	var entry IdempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		log.Warn().Err(err).Str("projectId", projectID).Msg("corrupt idempotency entry, treating as absent")
		return IdempotencyEntry{State: IdempotencyAbsent}
	}
	return entry
}

// Begin claims key as processing. When another request already holds or
// finished it, acquired is false and the existing entry is returned.
func (l *IdempotencyLedger) Begin(ctx context.Context, projectID, key string) (entry IdempotencyEntry, acquired bool) {
	if l.client == nil || key == "" {
		return IdempotencyEntry{State: IdempotencyAbsent}, true
	}

	data, _ := json.Marshal(IdempotencyEntry{State: IdempotencyProcessing})

	opCtx, cancel := context.WithTimeout(ctx, config.CacheOpTimeout)
	ok, err := l.client.SetNX(opCtx, redisclient.IdempotencyKey(projectID, key), data, l.ttl).Result()
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("projectId", projectID).Msg("idempotency claim failed, proceeding")
		return IdempotencyEntry{State: IdempotencyAbsent}, true
	}
	if ok {
		return IdempotencyEntry{State: IdempotencyProcessing}, true
	}

	existing := l.Status(ctx, projectID, key)
	if existing.State == IdempotencyAbsent {
		// Expired or unreadable between SETNX and GET.
		return existing, true
	}
	return existing, false
}

// Complete stores the final result for key.
func (l *IdempotencyLedger) Complete(ctx context.Context, projectID, key string, result any) {
	if l.client == nil || key == "" {
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode idempotency result")
		return
	}
	data, _ := json.Marshal(IdempotencyEntry{State: IdempotencyDone, Result: payload})

	ctx, cancel := context.WithTimeout(ctx, config.CacheOpTimeout)
	defer cancel()

	if err := l.client.Set(ctx, redisclient.IdempotencyKey(projectID, key), data, l.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("projectId", projectID).Msg("failed to record idempotency result")
	}
}

// Release forgets key so a retry after a failed request can proceed.
func (l *IdempotencyLedger) Release(ctx context.Context, projectID, key string) {
	if l.client == nil || key == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, config.CacheOpTimeout)
	defer cancel()

	if err := l.client.Del(ctx, redisclient.IdempotencyKey(projectID, key)).Err(); err != nil {
		log.Warn().Err(err).Str("projectId", projectID).Msg("failed to release idempotency key")
	}
}
