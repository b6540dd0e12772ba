package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rejourney/ingest-server-go/internal/config"
	"github.com/rejourney/ingest-server-go/internal/database"
	"github.com/rejourney/ingest-server-go/internal/handler"
	"github.com/rejourney/ingest-server-go/internal/jobs"
	"github.com/rejourney/ingest-server-go/internal/jobwatch"
	"github.com/rejourney/ingest-server-go/internal/metrics"
	"github.com/rejourney/ingest-server-go/internal/middleware"
	"github.com/rejourney/ingest-server-go/internal/redis"
	"github.com/rejourney/ingest-server-go/internal/repository"
	"github.com/rejourney/ingest-server-go/internal/service"
	"github.com/rejourney/ingest-server-go/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("APP_ENV") == "production"
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	if cfg.RunMigrations {
		if err := database.Migrate(db.DB.DB); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations applied")
	}

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	presigner, err := storage.NewGateway(storage.Options{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		UseSSL:    cfg.S3UseSSL,
		TTL:       cfg.PresignTTL(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create storage gateway")
	}

	var recorder *metrics.Recorder
	registry := prometheus.NewRegistry()
	if cfg.MetricsEnabled {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		recorder = metrics.New(registry)
	}

	projectRepo := repository.NewProjectRepository(db.DB)
	teamRepo := repository.NewTeamRepository(db.DB)
	sessionRepo := repository.NewSessionRepository(db.DB)
	metricsRepo := repository.NewMetricsRepository(db.DB)
	deviceRepo := repository.NewDeviceRepository(db.DB)
	artifactRepo := repository.NewArtifactRepository(db.DB)
	jobRepo := repository.NewJobRepository(db.DB)
	faultRepo := repository.NewFaultRepository(db.DB)
	store := repository.NewIngestStore(db.DB)

	sideChannel := service.NewSideChannel(config.SideChannelWorkers, config.SideChannelQueueSize, config.SideChannelTimeout, recorder)
	defer sideChannel.Close()

	watcher := jobwatch.NewWatcher(redisClient, jobRepo, config.PromotionPollInterval)
	defer watcher.Close()

	locker := service.NewLocker(redisClient.Client)
	projectResolver := service.NewProjectResolver(projectRepo, redisClient.Client, config.ProjectCacheTTL)
	rateLimiter := service.NewRateLimiter(redisClient.Client)

	gate := service.NewQuotaGate(service.NewTeamBillingChecker(teamRepo), teamRepo)
	finalizer := service.NewSessionFinalizer(sessionRepo, store)
	evaluator := service.NewPromotionEvaluator(
		sessionRepo, metricsRepo, watcher, locker,
		service.DefaultPolicy{Weights: service.WeightsFromConfig(cfg)},
		recorder, cfg.PromotionJobWait(),
	)

	ingestService := service.NewIngestService(service.IngestDeps{
		Sessions:          sessionRepo,
		Metrics:           metricsRepo,
		Gate:              gate,
		Registrar:         service.NewSessionRegistrar(sessionRepo, store, gate),
		Tracker:           service.NewArtifactTracker(artifactRepo, store, presigner),
		Finalizer:         finalizer,
		Evaluator:         evaluator,
		Faults:            service.NewFaultRecorder(faultRepo, store, metricsRepo, cfg.FaultDedupeWindow()),
		Devices:           service.NewDeviceResolver(deviceRepo),
		Ledger:            service.NewIdempotencyLedger(redisClient.Client, cfg.IdempotencyTTL()),
		Budget:            service.NewByteBudget(redisClient.Client, cfg.ByteBudgetWindow(), cfg.ByteBudgetMaxBytes, recorder),
		SideChannel:       sideChannel,
		Recorder:          recorder,
		RetryAfterSeconds: cfg.IdempotencyRetryAfterSeconds,
	})

	authMiddleware := middleware.NewAuthMiddleware(projectResolver)
	rateLimitMiddleware := middleware.NewDeviceRateLimitMiddleware(rateLimiter, cfg.DeviceRateLimitPerMin)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	decompressMiddleware := middleware.NewDecompressMiddleware(config.MaxDecodedBodySize)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	ingestHandler := handler.NewIngestHandler(ingestService)
	healthHandler := handler.NewHealthHandler(map[string]handler.Pinger{
		"database": db,
		"redis": handler.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}),
	})

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(securityHeadersMiddleware.Handler)

	r.Method(http.MethodGet, "/health", healthHandler)

	if cfg.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	r.Route("/ingest", func(r chi.Router) {
		r.Use(bodyLimitMiddleware.Handler)
		r.Use(decompressMiddleware.Handler)
		r.Use(authMiddleware.Handler)
		r.Use(rateLimitMiddleware.Handler)
		r.Mount("/", ingestHandler.Routes())
	})

	sweepJob := jobs.NewSweepJob(
		sessionRepo, projectRepo, jobRepo, finalizer, evaluator, watcher,
		jobs.SweepConfig{
			Interval:   config.SweepJobInterval,
			Timeout:    config.SweepJobTimeout,
			BatchSize:  config.SweepBatchSize,
			IdleAfter:  cfg.SessionIdleFinalizeAfter(),
			StaleAfter: cfg.StaleJobAfter(),
		},
	)
	sweepJob.Start()
	defer sweepJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
