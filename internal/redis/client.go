package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

// Wrap adapts an existing go-redis client, e.g. one pointed at a test server.
func Wrap(client *redis.Client) *Client {
	return &Client{client}
}

func (c *Client) Close() error {
	return c.Client.Close()
}

func IdempotencyKey(projectID, key string) string {
	return fmt.Sprintf("idem:%s:%s", projectID, key)
}

func ByteBudgetKey(projectID, subject string) string {
	return fmt.Sprintf("bytebudget:%s:%s", projectID, subject)
}

func ProjectCacheKey(apiKeyHash string) string {
	return fmt.Sprintf("project:key:%s", apiKeyHash)
}

func DeviceRateLimitKey(projectID, subject string) string {
	return fmt.Sprintf("ratelimit:device:%s:%s", projectID, subject)
}

func EvaluationLockKey(sessionID string) string {
	return fmt.Sprintf("lock:evaluate:%s", sessionID)
}

// JobChannel is the pub/sub channel notified when a session's ingest jobs settle.
func JobChannel(sessionID string) string {
	return fmt.Sprintf("ingest:jobs:%s", sessionID)
}
