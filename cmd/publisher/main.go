package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/publicboost/boost-publisher/internal/api"
	"github.com/publicboost/boost-publisher/internal/config"
	"github.com/publicboost/boost-publisher/internal/crypto"
	"github.com/publicboost/boost-publisher/internal/dispatcher"
	"github.com/publicboost/boost-publisher/internal/domain"
	"github.com/publicboost/boost-publisher/internal/events"
	"github.com/publicboost/boost-publisher/internal/jobs"
	"github.com/publicboost/boost-publisher/internal/log"
	"github.com/publicboost/boost-publisher/internal/metrics"
	"github.com/publicboost/boost-publisher/internal/platform"
	"github.com/publicboost/boost-publisher/internal/platform/telegram"
	"github.com/publicboost/boost-publisher/internal/platform/vk"
	"github.com/publicboost/boost-publisher/internal/publisher"
	"github.com/publicboost/boost-publisher/internal/retry"
	"github.com/publicboost/boost-publisher/internal/store"
	"github.com/publicboost/boost-publisher/internal/store/memory"
	"github.com/publicboost/boost-publisher/internal/store/postgres"
	"github.com/publicboost/boost-publisher/internal/token"
	"github.com/publicboost/boost-publisher/pkg/kv"
	_ "github.com/publicboost/boost-publisher/pkg/kv/memory"
	kvredis "github.com/publicboost/boost-publisher/pkg/kv/redis"
)

const devCredentialKey = "boost-publisher-dev-only-credential-key"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env, cfg.WorkerID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting publication engine",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"store", cfg.Database.Backend,
		"kv", cfg.Cache.Backend,
	)

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("boost-publisher")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := openStore(ctx, cfg, logger)
	defer st.Close()

	kvStore, err := kv.NewStoreFromConfig(kv.Config{
		Backend:         kv.Backend(cfg.Cache.Backend),
		RedisURL:        cfg.Cache.RedisURL,
		FailoverEnabled: true,
		Logger:          log.Component(logger, "kv").Infow,
	})
	if err != nil {
		logger.Fatalw("Failed to setup kv store", "error", err)
	}
	defer kvStore.Close()

	key := cfg.Tokens.CredentialKey
	if key == "" {
		logger.Warnw("BOOST_CREDENTIAL_KEY is empty, using the development key")
		key = devCredentialKey
	}
	codec, err := crypto.NewCodec([]byte(key), "community-credentials")
	if err != nil {
		logger.Fatalw("Failed to setup credential codec", "error", err)
	}

	registry := newRegistry(cfg, metricsObj, logger)

	tokens := token.NewManager(st, codec, registry, token.Config{
		SafetyMargin: cfg.Tokens.SafetyMargin,
		CallTimeout:  cfg.Dispatch.CallTimeout,
	}, log.Component(logger, "token"),
		token.WithLocker(kv.NewLocker(kvStore, "boost:lock:")),
		token.WithMetrics(metricsObj),
	)

	publisherEvents, closeEvents := newEventPublisher(cfg, logger)
	defer closeEvents()

	driver := publisher.NewDriver(st, tokens, registry, publisher.Config{
		CallTimeout: cfg.Dispatch.CallTimeout,
		Retry: retry.Policy{
			Base:       cfg.Retry.Base,
			MaxDelay:   cfg.Retry.MaxDelay,
			MaxRetries: cfg.Retry.MaxRetries,
		},
	}, log.Component(logger, "driver"),
		publisher.WithEvents(publisherEvents),
		publisher.WithMetrics(metricsObj),
	)

	poolCfg := make(map[domain.Platform]dispatcher.PoolConfig)
	rates := cfg.Rates()
	for p, n := range cfg.Concurrency() {
		poolCfg[p] = dispatcher.PoolConfig{Concurrency: n, Rate: rates[p], Burst: 1}
	}

	disp := dispatcher.New(dispatcher.Config{
		WorkerID:       cfg.WorkerID,
		PollInterval:   cfg.Dispatch.PollInterval,
		Lease:          cfg.Dispatch.ClaimLease,
		Batch:          cfg.Dispatch.ClaimBatch,
		CallTimeout:    cfg.Dispatch.CallTimeout,
		RefreshHorizon: cfg.Tokens.RefreshHorizon,
	}, st, driver, tokens, registry, dispatcher.NewPools(poolCfg), log.Component(logger, "dispatcher"),
		dispatcher.WithMetrics(metricsObj),
	)

	sweeper := jobs.NewSweeper(st, log.Component(logger, "jobs"), jobs.Config{
		PublishBackfillSpec: cfg.Jobs.PublishBackfillSpec,
		RefreshSweepSpec:    cfg.Jobs.RefreshSweepSpec,
		AnalyticsSpec:       cfg.Jobs.AnalyticsSpec,
		Timezone:            cfg.Jobs.Timezone,
		ScheduleHorizon:     cfg.Jobs.ScheduleHorizon,
		RefreshHorizon:      cfg.Tokens.RefreshHorizon,
	}, jobs.WithLocker(kv.NewLocker(kvStore, "boost:lock:")))

	go func() {
		if err := disp.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorw("Dispatcher error", "error", err)
		}
	}()
	go func() {
		if err := sweeper.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorw("Sweeper error", "error", err)
		}
	}()

	// Setup ops API
	handler := api.NewHandler(st, disp, map[string]api.Pinger{
		"store": st,
		"kv":    kvStore,
	}, metricsHandler, logger)
	middleware := api.NewMiddleware(logger, metricsObj)
	router := handler.Routes(middleware, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("Ops server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("Ops server failed", "error", err)
		}
		stop()
	case <-ctx.Done():
		logger.Infow("Shutdown signal received")
	}

	// In-flight tasks finish or are left to lease expiry.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.ClaimLease)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("Graceful shutdown failed", "error", err)
		server.Close()
	}
	sweeper.Stop()
	disp.Stop()

	logger.Infow("Publication engine stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) store.Store {
	if cfg.Database.Backend == "memory" {
		logger.Warnw("Using the in-memory store, state is lost on restart")
		return memory.New()
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	st, err := postgres.Open(connectCtx, cfg.Database.PostgresDSN, log.Component(logger, "store"))
	if err != nil {
		logger.Fatalw("Failed to connect to database", "error", err)
	}
	logger.Infow("Database connection established")
	return st
}

func newRegistry(cfg *config.Config, m *metrics.Metrics, logger *zap.SugaredLogger) *platform.Registry {
	breakerCfg := platform.BreakerConfig{
		FailureRatio: cfg.Breaker.FailureRatio,
		MinRequests:  uint(max(cfg.Breaker.MinRequests, 0)),
		OpenFor:      cfg.Breaker.OpenFor,
		OnStateChange: func(p domain.Platform, to string) {
			m.RecordBreakerChange(context.Background(), string(p), to)
		},
	}
	httpClient := &http.Client{Timeout: cfg.Dispatch.CallTimeout}
	breakerLog := log.Component(logger, "breaker")

	return platform.NewRegistry(
		platform.NewBreaker(vk.New(vk.Config{
			APIURL:       cfg.VK.APIURL,
			OAuthURL:     cfg.VK.OAuthURL,
			Version:      cfg.VK.APIVersion,
			ClientID:     cfg.VK.ClientID,
			ClientSecret: cfg.VK.ClientSecret,
			HTTPClient:   httpClient,
		}), breakerCfg, breakerLog),
		platform.NewBreaker(telegram.New(telegram.Config{
			APIURL:     cfg.Telegram.APIURL,
			HTTPClient: httpClient,
		}), breakerCfg, breakerLog),
	)
}

// newEventPublisher publishes over Redis when redis is configured and keeps
// events in process otherwise.
func newEventPublisher(cfg *config.Config, logger *zap.SugaredLogger) (events.Publisher, func()) {
	if cfg.Cache.Backend != string(kv.BackendRedis) {
		return events.NewHub(cfg.Events.Channel), func() {}
	}
	rs, err := kvredis.New(cfg.Cache.RedisURL)
	if err != nil {
		logger.Fatalw("Failed to setup redis events", "error", err)
	}
	return events.NewRedisPublisher(rs.Client(), cfg.Events.Channel, log.Component(logger, "events")), func() { rs.Close() }
}
