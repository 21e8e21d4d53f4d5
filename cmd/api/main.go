package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"payverify/internal/api"
	"payverify/internal/auth"
	"payverify/internal/buildinfo"
	"payverify/internal/config"
	"payverify/internal/logging"
	"payverify/internal/metrics"
	"payverify/internal/store"
	"payverify/internal/supervisor"
	"payverify/internal/webhooks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Caller: cfg.Logging.Caller})
	metrics.RegisterDefault()

	bi := buildinfo.Get()
	logging.Info().Str("version", bi.Version).Str("commit", bi.Commit).Str("go", bi.GoVersion).Msg("starting payverify")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open store")
	}
	defer closeStore()

	lock, closeLock, err := sweepLock(ctx, cfg.Redis)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer closeLock()

	wh := cfg.Webhooks
	registry := webhooks.NewRegistry(st)
	dispatcher := webhooks.NewDispatcher(webhooks.NewHTTPTransport(), webhooks.DispatcherConfig{
		Timeout:   wh.Timeout,
		RateLimit: wh.RateLimit,
		RateBurst: wh.RateBurst,
		Breaker: webhooks.BreakerConfig{
			Enabled:             wh.Breaker.Enabled,
			ConsecutiveFailures: wh.Breaker.ConsecutiveFailures,
			OpenTimeout:         wh.Breaker.OpenTimeout,
		},
	})
	ledger := webhooks.NewLedger(st, webhooks.LedgerConfig{
		Policy: webhooks.RetryPolicy{MaxAttempts: webhooks.AttemptCeiling, BaseDelay: wh.BaseDelay},
		Lease:  wh.ClaimLease,
		Batch:  wh.SweepBatch,
	})
	publisher := webhooks.NewPublisher(registry, dispatcher, ledger, wh.Concurrency)
	worker := webhooks.NewWorker(registry, dispatcher, ledger, webhooks.WorkerConfig{
		Interval:    wh.SweepInterval,
		Concurrency: wh.Concurrency,
		Lock:        lock,
	})

	verifier := auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.HMACSecret, cfg.Auth.MerchantClaim)
	verifier.AdminRole = cfg.Auth.AdminRole
	verifier.JWKSURL = cfg.Auth.JWKSURL

	srv := &api.Server{
		Store:      st,
		Registry:   registry,
		Ledger:     ledger,
		Pub:        publisher,
		Dispatcher: dispatcher,
		Worker:     worker,
		Auth:       verifier,
		RateRPS:    cfg.RateLimit.RPS,
		RateBurst:  cfg.RateLimit.Burst,
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	tree := supervisor.NewTree(supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	tree.AddDeliveryService(worker)
	tree.AddAPIService(supervisor.NewHTTPServerService(httpServer, cfg.Server.ShutdownTimeout))

	logging.Info().Str("addr", httpServer.Addr).Str("store", cfg.Database.Driver).Msg("API listening")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor exited")
	}

	// Let in-flight fan-outs record their outcomes before the store closes.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := publisher.Wait(drainCtx); err != nil {
		logging.Warn().Err(err).Msg("background deliveries still running at shutdown")
	}
	logging.Info().Msg("shutdown complete")
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, func(), error) {
	var (
		db  *store.SQL
		err error
	)
	switch cfg.Driver {
	case "postgres":
		db, err = store.NewPostgres(cfg.URL)
	case "sqlite":
		db, err = store.NewSQLite(cfg.SQLitePath())
	default:
		logging.Warn().Msg("no database configured; using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if cfg.Migrate {
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logging.Info().Msg("database migrations applied")
	}
	return db, func() { _ = db.Close() }, nil
}

// sweepLock returns a Redis lock when REDIS_URL is set so only one replica
// sweeps at a time; otherwise a process-local lock.
func sweepLock(ctx context.Context, cfg config.RedisConfig) (webhooks.SweepLock, func(), error) {
	if cfg.URL == "" {
		return &webhooks.LocalLock{}, func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return webhooks.NewRedisLock(client, cfg.LockKey, cfg.LockTTL), func() { _ = client.Close() }, nil
}
