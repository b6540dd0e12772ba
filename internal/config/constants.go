package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerWriteTimeout    = 75 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Cache operations degrade to "absent" after this long.
const CacheOpTimeout = 250 * time.Millisecond

// Project lookups by API key are cached this long.
const ProjectCacheTTL = 60 * time.Second

// Background job intervals
const (
	SweepJobInterval = time.Minute
	SweepJobTimeout  = 30 * time.Second
	SweepBatchSize   = 100
)

// Promotion evaluation
const (
	PromotionPollInterval = 500 * time.Millisecond
	EvaluationLockTTL     = 30 * time.Second
)

// Side-channel dispatch
const (
	SideChannelWorkers   = 4
	SideChannelQueueSize = 1024
	SideChannelTimeout   = 5 * time.Second
)

// Maximum decompressed request body accepted from SDKs.
const MaxDecodedBodySize = 4 << 20
