package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/api"
	"github.com/Harvey-AU/seo-pagegen/internal/auth"
	"github.com/Harvey-AU/seo-pagegen/internal/cache"
	"github.com/Harvey-AU/seo-pagegen/internal/config"
	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/Harvey-AU/seo-pagegen/internal/docstore"
	"github.com/Harvey-AU/seo-pagegen/internal/events"
	"github.com/Harvey-AU/seo-pagegen/internal/jobs"
	"github.com/Harvey-AU/seo-pagegen/internal/llm"
	"github.com/Harvey-AU/seo-pagegen/internal/notifications"
	"github.com/Harvey-AU/seo-pagegen/internal/observability"
	"github.com/Harvey-AU/seo-pagegen/internal/queue"
	"github.com/Harvey-AU/seo-pagegen/internal/webhooks"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

const serviceName = "seo-pagegen"

// staleRecoveryInterval is how often stale pages are released when no
// in-process pool runs its own recovery monitor
const staleRecoveryInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogging(cfg.Server.Env, cfg.Server.LogLevel, serviceName)
	flush := observability.InitSentry(cfg.Server.SentryDSN, cfg.Server.Env, api.Version)
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Server exited with error")
		flush()
		os.Exit(1)
	}
	log.Info().Msg("Server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	obsProviders, err := observability.Init(ctx, observability.Config{
		Enabled:        cfg.Observability.Enabled,
		ServiceName:    serviceName,
		Environment:    cfg.Server.Env,
		OTLPEndpoint:   strings.TrimSpace(cfg.Observability.OTLPEndpoint),
		OTLPInsecure:   cfg.Observability.OTLPInsecure,
		MetricsAddress: cfg.Observability.MetricsAddr,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialise observability providers")
	}
	if obsProviders != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := obsProviders.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
			}
		}()
		if obsProviders.MetricsHandler != nil && cfg.Observability.MetricsAddr != "" {
			metricsSrv := &http.Server{
				Addr:              cfg.Observability.MetricsAddr,
				Handler:           obsProviders.MetricsHandler,
				ReadHeaderTimeout: 5 * time.Second,
			}
			go serve(metricsSrv, "Metrics server")
			defer shutdownServer(metricsSrv, 5*time.Second)
		}
	}

	sqlDB, err := db.WaitForDatabase(ctx, dbConfig(cfg), 2*time.Minute)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer sqlDB.Close()

	jobStore, closeStore, err := openJobStore(ctx, cfg, sqlDB)
	if err != nil {
		return err
	}
	defer closeStore()

	contentCache, closeCache := openCache(ctx, cfg)
	defer closeCache()

	eventPub := openEvents(cfg)
	defer eventPub.Close()

	pageQueue, err := openQueue(cfg)
	if err != nil {
		return err
	}
	if pageQueue != nil {
		defer pageQueue.Close()
	}

	generator, err := newGenerator(ctx, cfg)
	if err != nil {
		return err
	}

	notifier := webhooks.Multi{
		webhooks.NewDispatcher(sqlDB),
		webhooks.NewSlackNotifier(cfg.Notifications.SlackBotToken, cfg.Notifications.SlackChannelID, cfg.Server.APIBaseURL),
	}

	// The pool is created after the manager but must be woken by it
	var pool *jobs.WorkerPool
	opts := []jobs.Option{
		jobs.WithNotifier(notifier),
		jobs.WithEvents(eventPub),
		jobs.WithWakeup(func() {
			if pool != nil {
				pool.Notify()
			}
		}),
	}
	if pageQueue != nil {
		opts = append(opts, jobs.WithPublisher(pageQueue))
	}

	jm := jobs.NewJobManager(jobStore, sqlDB, opts...)
	proc := jobs.NewProcessor(jm, generator, contentCache)
	proc.SetContextTTL(cfg.Cache.TTL)

	workerName := hostname()
	switch {
	case pageQueue != nil:
		for i := 0; i < max(cfg.Worker.Count, 1); i++ {
			consumer := jobs.NewConsumer(jm, proc, fmt.Sprintf("%s-consumer-%d", workerName, i))
			go func() {
				if err := consumer.Run(ctx, pageQueue); err != nil && !errors.Is(err, context.Canceled) {
					sentry.CaptureException(err)
					log.Error().Err(err).Msg("Queue consumer stopped")
				}
			}()
		}
		go runStaleRecovery(ctx, jm)
	case cfg.Worker.Count > 0:
		pool = jobs.NewWorkerPool(jm, proc, cfg.Worker.Count, workerName)
		pool.Start(ctx)
		defer pool.Stop()

		if sqlDB.Driver() == db.DriverPostgres && cfg.Database.JobStore == "sql" {
			notifications.StartWithFallback(ctx, cfg.Database.DatabaseURL, db.PagesQueuedChannel, pool.NotifyJob)
		}
	default:
		log.Info().Msg("No in-process workers, pages are generated by remote workers")
		go runStaleRecovery(ctx, jm)
	}

	authClient, err := auth.NewJWTAuthClient(ctx, &auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		JWKSURL:     cfg.Auth.JWKSURL,
		Issuer:      cfg.Auth.Issuer,
		Audience:    cfg.Auth.Audience,
		WorkerToken: cfg.Worker.Token,
	})
	if err != nil {
		return fmt.Errorf("failed to initialise authentication: %w", err)
	}

	handler := api.NewHandler(sqlDB, jm, authClient)
	handler.Prompts = proc
	handler.Cache = contentCache
	handler.WorkerToken = cfg.Worker.Token
	handler.Limiter = api.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	go runLimiterCleanup(ctx, handler.Limiter)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           observability.WrapHandler(handler.Routes(), obsProviders),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("port", cfg.Server.Port).
		Str("db_driver", string(sqlDB.Driver())).
		Str("job_store", cfg.Database.JobStore).
		Str("queue", cfg.Queue.Backend).
		Str("generator", generator.Name()).
		Msg("Starting server")

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownServer(server, 30*time.Second)

	// Finish pages in flight, then let their notifications go out before
	// the stores close
	if pool != nil {
		pool.Stop()
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := jm.WaitNotifications(waitCtx); err != nil {
		log.Warn().Err(err).Msg("Shutdown before every job notification was delivered")
	}
	return nil
}

func dbConfig(cfg *config.Config) *db.Config {
	return &db.Config{
		Driver:      db.Driver(cfg.Database.Driver),
		DatabaseURL: cfg.Database.DatabaseURL,
		SQLitePath:  cfg.Database.SQLitePath,
	}
}

// openJobStore returns the store jobs and pages live in. The relational
// database always holds tenant data; JOB_STORE=mongo moves jobs out of it.
func openJobStore(ctx context.Context, cfg *config.Config, sqlDB *db.DB) (jobs.JobStore, func(), error) {
	if cfg.Database.JobStore != "mongo" {
		return sqlDB, func() {}, nil
	}

	store, err := docstore.Connect(ctx, cfg.Database.MongoURI, cfg.Database.MongoDatabase, 10*time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to job store: %w", err)
	}
	return store, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to close MongoDB client")
		}
	}, nil
}

// openCache prefers Redis and falls back to a per-process cache when Redis
// is not configured or unreachable
func openCache(ctx context.Context, cfg *config.Config) (cache.Cache, func()) {
	if cfg.Cache.RedisURL == "" {
		return cache.NewInMemoryCache(), func() {}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rc, err := cache.NewRedisCache(pingCtx, cfg.Cache.RedisURL, serviceName+":")
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, using in-process cache")
		return cache.NewInMemoryCache(), func() {}
	}
	log.Info().Msg("Using Redis context cache")
	return rc, func() { _ = rc.Close() }
}

func openEvents(cfg *config.Config) events.Publisher {
	brokers := cfg.KafkaBrokerList()
	if len(brokers) == 0 {
		return events.Noop{}
	}
	log.Info().Strs("brokers", brokers).Str("topic", cfg.Events.KafkaTopic).Msg("Publishing job events to Kafka")
	return events.NewKafkaPublisher(brokers, cfg.Events.KafkaTopic)
}

func openQueue(cfg *config.Config) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "memory":
		return queue.NewMemoryQueue(), nil
	case "rabbitmq":
		q, err := queue.NewRabbitMQ(cfg.Queue.RabbitMQURL, cfg.Queue.RabbitMQQueue, cfg.Queue.Prefetch)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to queue: %w", err)
		}
		return q, nil
	default:
		return nil, nil
	}
}

func newGenerator(ctx context.Context, cfg *config.Config) (llm.Generator, error) {
	if cfg.LLM.Provider != "gemini" {
		return llm.StubGenerator{}, nil
	}
	g, err := llm.NewGeminiGenerator(ctx, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise generator: %w", err)
	}
	return g, nil
}

// runStaleRecovery returns pages abandoned by crashed workers to the queue.
// In queue mode it also resends pages whose message never reached a consumer.
func runStaleRecovery(ctx context.Context, jm *jobs.JobManager) {
	ticker := time.NewTicker(staleRecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-jobs.PageStaleTimeout)
			if _, _, err := jm.ReleaseStalePages(ctx, cutoff, jobs.MaxPageAttempts); err != nil {
				sentry.CaptureException(err)
				log.Error().Err(err).Msg("Failed to recover stale pages")
			}
			queuedCutoff := time.Now().UTC().Add(-jobs.QueuedRepublishAge)
			if _, err := jm.RepublishStaleQueued(ctx, queuedCutoff); err != nil {
				sentry.CaptureException(err)
				log.Error().Err(err).Msg("Failed to republish queued pages")
			}
		}
	}
}

func runLimiterCleanup(ctx context.Context, rl *api.RateLimiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rl.Cleanup(); n > 0 {
				log.Debug().Int("removed", n).Msg("Dropped idle rate limiters")
			}
		}
	}
}

func serve(srv *http.Server, name string) {
	log.Info().Str("addr", srv.Addr).Msgf("%s listening", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sentry.CaptureException(err)
		log.Error().Err(err).Msgf("%s failed", name)
	}
}

func shutdownServer(srv *http.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Str("addr", srv.Addr).Msg("Server forced to shutdown")
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "seo-pagegen"
	}
	return name
}
