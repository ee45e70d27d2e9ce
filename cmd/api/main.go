package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/bryanwahyu/scanvault/internal/application"
	"github.com/bryanwahyu/scanvault/internal/application/evidence"
	"github.com/bryanwahyu/scanvault/internal/application/promotion"
	appscans "github.com/bryanwahyu/scanvault/internal/application/scans"
	"github.com/bryanwahyu/scanvault/internal/application/uploads"
	"github.com/bryanwahyu/scanvault/internal/application/verification"
	"github.com/bryanwahyu/scanvault/internal/config"
	"github.com/bryanwahyu/scanvault/internal/domain/artifacts"
	domevidence "github.com/bryanwahyu/scanvault/internal/domain/evidence"
	"github.com/bryanwahyu/scanvault/internal/domain/privacy"
	"github.com/bryanwahyu/scanvault/internal/domain/scans"
	domsigning "github.com/bryanwahyu/scanvault/internal/domain/signing"
	"github.com/bryanwahyu/scanvault/internal/domain/tlog"
	"github.com/bryanwahyu/scanvault/internal/infra/db/memory"
	mysqlp "github.com/bryanwahyu/scanvault/internal/infra/db/mysql"
	"github.com/bryanwahyu/scanvault/internal/infra/db/postgres"
	"github.com/bryanwahyu/scanvault/internal/infra/httpserver"
	"github.com/bryanwahyu/scanvault/internal/infra/policy"
	privacyinfra "github.com/bryanwahyu/scanvault/internal/infra/privacy"
	privacyai "github.com/bryanwahyu/scanvault/internal/infra/privacy/openai"
	"github.com/bryanwahyu/scanvault/internal/infra/retry"
	"github.com/bryanwahyu/scanvault/internal/infra/signing"
	"github.com/bryanwahyu/scanvault/internal/infra/storage"
	"github.com/bryanwahyu/scanvault/internal/infra/tlog/memlog"
	"github.com/bryanwahyu/scanvault/internal/infra/tlog/rekor"
	"github.com/bryanwahyu/scanvault/internal/infra/workers"
	"github.com/bryanwahyu/scanvault/internal/middleware"
)

func main() {
	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("scanvault stopped", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

type stores struct {
	scans    scans.Repository
	evidence domevidence.Repository
	db       *sql.DB
}

func openStores(ctx context.Context, cfg *config.Config) (stores, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Database.Driver {
	case "memory":
		return stores{scans: memory.NewScanRepository(), evidence: memory.NewEvidenceRepository()}, nil
	case "postgres":
		if db, err = postgres.Connect(ctx, cfg.PostgresDSN()); err != nil {
			return stores{}, fmt.Errorf("postgres connect: %w", err)
		}
		if cfg.Database.Migrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				return stores{}, fmt.Errorf("postgres migrate: %w", err)
			}
		}
		return stores{scans: postgres.NewScanRepository(db), evidence: postgres.NewEvidenceRepository(db), db: db}, nil
	default:
		if db, err = mysqlp.Connect(ctx, cfg.MySQLDSN()); err != nil {
			return stores{}, fmt.Errorf("mysql connect: %w", err)
		}
		if cfg.Database.Migrate {
			if err := mysqlp.Migrate(ctx, db); err != nil {
				return stores{}, fmt.Errorf("mysql migrate: %w", err)
			}
		}
		return stores{scans: mysqlp.NewScanRepository(db), evidence: mysqlp.NewEvidenceRepository(db), db: db}, nil
	}
}

func openObjectStore(ctx context.Context, cfg *config.Config, checks map[string]middleware.HealthChecker) (artifacts.ObjectStore, error) {
	if cfg.Minio.Endpoint == "" {
		return storage.NewMemory(), nil
	}
	store, err := storage.NewMinio(ctx,
		cfg.Minio.Endpoint,
		cfg.Minio.Region,
		cfg.Minio.AccessKey,
		cfg.Minio.SecretKey,
		cfg.Minio.UseSSL,
		cfg.Minio.RawBucket,
		cfg.Minio.GoldenBucket,
	)
	if err != nil {
		return nil, err
	}
	checks["object_store"] = middleware.CheckFunc(func(ctx context.Context) error {
		return store.Ping(ctx, cfg.Minio.RawBucket)
	})
	return store, nil
}

// innerVerifier returns the signing client that checks producer signatures.
func innerVerifier(cfg *config.Config, rp retry.Policy) (domsigning.Client, error) {
	if cfg.Signing.RemoteURL != "" {
		remote, err := signing.NewRemote(cfg.Signing.RemoteURL, cfg.Signing.RemoteToken, nil)
		if err != nil {
			return nil, err
		}
		return signing.Retrying{Client: remote, Policy: rp}, nil
	}
	ring := signing.NewKeyring()
	if err := ring.ImportKeyFile(cfg.Signing.PublicKeyring); err != nil {
		return nil, fmt.Errorf("load signer keyring: %w", err)
	}
	return ring, nil
}

func transparencyLog(cfg *config.Config, keys *signing.KeySet, rp retry.Policy, clock application.Clock) (tlog.Client, error) {
	switch cfg.TransparencyLog.Mode {
	case "rekor":
		c, err := rekor.NewClient(cfg.TransparencyLog.URL, cfg.TransparencyLog.Identity, keys, nil, rp)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "memory":
		return memlog.New(keys, cfg.TransparencyLog.Identity, clock.Now), nil
	default:
		// verified tier answers Unavailable
		return nil, nil
	}
}

func privacyGate(cfg *config.Config, rp retry.Policy) (privacy.Gate, error) {
	chain := privacyinfra.Chain{privacyinfra.PatternGate{AllowDomains: cfg.Privacy.AllowDomains}}
	if cfg.Privacy.EngineURL != "" {
		g, err := privacyinfra.NewHTTPGate(cfg.Privacy.EngineURL, cfg.Privacy.EngineToken, nil, rp)
		if err != nil {
			return nil, err
		}
		chain = append(chain, g)
	}
	if cfg.Privacy.OpenAI.APIKey != "" {
		chain = append(chain, privacyai.NewGate(cfg.Privacy.OpenAI.APIKey, cfg.Privacy.OpenAI.BaseURL, cfg.Privacy.OpenAI.Model, rp))
	}
	return chain, nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := application.SystemClock{}

	checks := map[string]middleware.HealthChecker{}
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
		checks["database"] = &middleware.DatabaseHealthChecker{DB: st.db}
	}

	objects, err := openObjectStore(ctx, cfg, checks)
	if err != nil {
		return fmt.Errorf("object store init: %w", err)
	}
	gateway := storage.NewGateway(objects, artifacts.Layout{
		RawBucket:    cfg.Minio.RawBucket,
		GoldenBucket: cfg.Minio.GoldenBucket,
	}, cfg.Minio.OpTimeout, logger.Named("storage"))

	retryPolicy := retry.Policy{
		MaxAttempts:    uint(cfg.Verification.MaxAttempts),
		InitialBackoff: cfg.Verification.BaseBackoff,
		MaxBackoff:     cfg.Verification.MaxBackoff,
		Logger:         logger.Named("retry"),
	}

	keys := signing.NewKeySet()
	if err := keys.AddSeed(cfg.Signing.ServiceIdentity, signing.SeedFromSecret(cfg.Signing.ServiceKeySeed)); err != nil {
		return fmt.Errorf("service key: %w", err)
	}
	if cfg.TransparencyLog.KeySeed != "" {
		if err := keys.AddSeed(cfg.TransparencyLog.Identity, signing.SeedFromSecret(cfg.TransparencyLog.KeySeed)); err != nil {
			return fmt.Errorf("log key: %w", err)
		}
	}
	inner, err := innerVerifier(cfg, retryPolicy)
	if err != nil {
		return err
	}
	logClient, err := transparencyLog(cfg, keys, retryPolicy, clock)
	if err != nil {
		return fmt.Errorf("transparency log init: %w", err)
	}
	signerPolicy, err := policy.NewEngine(ctx, cfg.Policy.Trusted, cfg.Policy.BundlePath)
	if err != nil {
		return fmt.Errorf("signer policy: %w", err)
	}
	gate, err := privacyGate(cfg, retryPolicy)
	if err != nil {
		return fmt.Errorf("privacy gate: %w", err)
	}

	emitter, err := evidence.NewEmitter(evidence.Config{
		Repo:      st.evidence,
		Archive:   gateway,
		Signer:    keys,
		Identity:  cfg.Signing.ServiceIdentity,
		Clock:     clock,
		Logger:    logger.Named("evidence"),
		QueueSize: cfg.Workers.EvidenceQueue,
	})
	if err != nil {
		return fmt.Errorf("evidence emitter: %w", err)
	}
	defer emitter.Close()

	engine := &verification.Engine{
		Gateway:       gateway,
		Proofs:        gateway,
		Inner:         inner,
		Policy:        signerPolicy,
		OuterVerifier: keys,
		Clock:         clock,
		Timeout:       cfg.Verification.Timeout,
		Logger:        logger.Named("verification"),
	}
	if logClient != nil {
		engine.Log = logClient
	}

	orchestrator := &promotion.Orchestrator{
		Repo:        st.scans,
		Gateway:     gateway,
		Gate:        gate,
		Evidence:    emitter,
		Clock:       clock,
		Logger:      logger.Named("promotion"),
		Concurrency: cfg.Promotion.Concurrency,
		CopyTimeout: cfg.Promotion.CopyTimeout,
	}
	pool := workers.NewPool(cfg.Workers.Concurrency, cfg.Workers.QueueSize, logger.Named("workers"))
	broker := &uploads.Broker{
		Repo:     st.scans,
		Engine:   engine,
		Proofs:   gateway,
		Evidence: emitter,
		Clock:    clock,
		Logger:   logger.Named("uploads"),
	}
	if cfg.Promotion.AutoPromote {
		broker.OnDecided = func(_ context.Context, id scans.ScanID) {
			err := pool.Submit(workers.Task{Name: "auto-promote", ScanID: id, Run: func(ctx context.Context) error {
				_, err := orchestrator.Promote(ctx, id)
				return err
			}})
			if err != nil {
				logger.Warn("auto-promotion not queued", zap.String("scan_id", string(id)), zap.Error(err))
			}
		}
	}
	reaper := &uploads.Reaper{
		Repo:      st.scans,
		Evidence:  emitter,
		Screening: orchestrator,
		LockTTL:   cfg.Workers.LockTTL,
		Interval:  cfg.Workers.ReapInterval,
		BatchSize: cfg.Workers.ReapBatchSize,
		Clock:     clock,
		Logger:    logger.Named("reaper"),
	}
	intake := &appscans.Service{
		Repo:      st.scans,
		Artifacts: gateway,
		Evidence:  st.evidence,
		Clock:     clock,
		Logger:    logger.Named("intake"),
	}

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(ctx)
	}()
	go reaper.Run(ctx)

	// init router
	mux := chi.NewRouter()
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Reviewer"},
		MaxAge:         300,
	}))
	mux.Use(middleware.LoggingMiddleware(logger.Named("http")))
	mux.Use(middleware.MetricsMiddleware)
	mux.Use(middleware.APIKeyAuth(cfg.Server.APIKeys))
	if cfg.RateLimit.Enabled {
		limiter, err := newLimiter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		mux.Use(middleware.RateLimitMiddleware(limiter, cfg.RateLimit.Window, logger.Named("ratelimit")))
	}
	mux.Mount("/", httpserver.NewRouter(httpserver.Services{
		Intake:   intake,
		Uploads:  broker,
		Promoter: orchestrator,
		Queue:    pool,
		Health:   checks,
		Gauges: func() map[string]any {
			queued, running := pool.Stats()
			return map[string]any{"queue_depth": queued, "tasks_running": running}
		},
		Logger:       logger.Named("api"),
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", addr),
			zap.String("database", cfg.Database.Driver),
			zap.String("transparency_log", cfg.TransparencyLog.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-serveErr:
		cancel()
		<-poolDone
		return err
	}
	logger.Info("shutting down server...")

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	// pool menjalankan sisa antrian dengan ctx yang sudah cancel
	cancel()
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		logger.Warn("worker pool did not drain before shutdown deadline")
	}
	return nil
}

func newLimiter(ctx context.Context, cfg *config.Config) (middleware.Limiter, error) {
	if cfg.RateLimit.RedisAddr != "" {
		client, err := middleware.NewRedisClient(cfg.RateLimit.RedisAddr, cfg.RateLimit.RedisPassword, cfg.RateLimit.RedisDB)
		if err != nil {
			return nil, err
		}
		return middleware.NewRedisLimiter(client, "", cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}
	rl := middleware.NewRateLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond)
	go rl.Cleanup(ctx, 5*time.Minute, 10*time.Minute)
	return rl, nil
}
