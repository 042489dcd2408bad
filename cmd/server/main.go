package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/openctemio/scanworker/internal/app"
	"github.com/openctemio/scanworker/internal/config"
	"github.com/openctemio/scanworker/internal/infra/http"
	"github.com/openctemio/scanworker/internal/infra/http/handler"
	"github.com/openctemio/scanworker/internal/infra/http/routes"
	"github.com/openctemio/scanworker/internal/infra/jobs"
	"github.com/openctemio/scanworker/internal/infra/notification"
	"github.com/openctemio/scanworker/internal/infra/postgres"
	"github.com/openctemio/scanworker/internal/infra/redis"
	"github.com/openctemio/scanworker/internal/infra/scanner"
	"github.com/openctemio/scanworker/internal/infra/storage"
	"github.com/openctemio/scanworker/pkg/jwt"
	"github.com/openctemio/scanworker/pkg/logger"
	"github.com/openctemio/scanworker/pkg/validator"
)

// Command line flags.
var (
	workerOnly = flag.Bool("worker-only", false, "Run the queue worker without the HTTP server")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	ctx := context.Background()

	// ==========================================================================
	// Configuration & Logger
	// ==========================================================================
	cfg, err := config.Load()
	if err != nil {
		log := logger.NewDefault()
		log.Error("failed to load configuration", "error", err)
		return 1
	}

	log := initLogger(cfg)
	log.Info("starting application", "app", cfg.App.Name, "env", cfg.App.Env)

	// ==========================================================================
	// Infrastructure
	// ==========================================================================
	db, err := postgres.New(&cfg.Database)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		return 1
	}
	defer closeWithLog(db, "database", log)
	log.Info("database connected")

	redisClient, err := redis.New(&cfg.Redis, log)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		return 1
	}
	defer closeWithLog(redisClient, "redis", log)
	prometheus.MustRegister(redis.NewPoolCollector(redisClient))
	log.Info("redis connected")

	store, err := storage.NewS3Store(ctx, cfg.Storage, log)
	if err != nil {
		log.Error("failed to initialize result store", "error", err)
		return 1
	}
	log.Info("result store initialized", "bucket", cfg.Storage.Bucket, "auth_type", cfg.Storage.AuthType)

	// ==========================================================================
	// Repositories
	// ==========================================================================
	scanJobs := postgres.NewScanJobRepository(db)
	quotas := postgres.NewQuotaRepository(db)

	// ==========================================================================
	// Services
	// ==========================================================================
	deduper, err := redis.NewReconcileDeduper(redisClient, redis.DefaultReconcileTTL, log)
	if err != nil {
		log.Error("failed to initialize reconcile deduper", "error", err)
		return 1
	}
	reconciler := app.NewQuotaReconciler(quotas, deduper, log)

	targets := validator.NewTargetValidator(
		validator.WithAllowInternalIPs(cfg.Scanner.AllowInternalTargets),
		validator.WithAllowLocalhost(cfg.Scanner.AllowInternalTargets),
	)

	notifier := notification.NewDeliveryClient(cfg.Webhook, log)
	dispatcher := app.NewDispatcher(scanJobs, scanner.NewDefaultRegistry(cfg.Scanner), store, notifier, log).
		WithTargetValidator(targets)
	if !cfg.Webhook.Enabled() {
		// Nobody receives the completion webhook, so quota is settled here.
		dispatcher.WithReconciler(reconciler)
		log.Warn("webhook URL not configured, reconciling quota in-process")
	}

	jobClient, err := jobs.NewClient(jobs.ClientConfig{
		RedisAddr:     cfg.Redis.Addr(),
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
		Queue:         cfg.Worker.Queue,
		Timeouts:      jobs.ScannerTimeouts(cfg.Scanner),
	}, log)
	if err != nil {
		log.Error("failed to initialize job client", "error", err)
		return 1
	}
	defer closeWithLog(jobClient, "job client", log)

	var limiter app.SubmitLimiter
	if cfg.RateLimit.SubmitLimit > 0 {
		rl, err := redis.NewRateLimiter(redisClient, "scan_submit", cfg.RateLimit.SubmitLimit, cfg.RateLimit.SubmitWindow, log)
		if err != nil {
			log.Error("failed to initialize submit limiter", "error", err)
			return 1
		}
		limiter = rl
	}

	submissions := app.NewSubmissionService(scanJobs, quotas, jobClient, limiter, targets, log)
	callbacks := app.NewCallbackService(scanJobs, reconciler, cfg.Webhook.Secret, log)

	retention := app.NewRetentionService(scanJobs, app.NewArtifactStore(store), cfg.Retention.BatchSize, log)
	retentionScheduler, err := app.NewRetentionScheduler(retention, app.RetentionSchedulerConfig{
		Schedule:   cfg.Retention.Schedule,
		CutoffDays: cfg.Retention.CutoffDays,
		DeleteAll:  cfg.Retention.DeleteAll,
		DryRun:     cfg.Retention.DryRun,
		Enabled:    cfg.Retention.Enabled,
	}, log)
	if err != nil {
		log.Error("failed to initialize retention scheduler", "error", err)
		return 1
	}
	recovery, err := app.NewJobRecoveryController(scanJobs, jobClient, store, notifier, reconciler, app.JobRecoveryConfig{
		Schedule:    cfg.Recovery.Schedule,
		Timeouts:    jobs.ScannerTimeouts(cfg.Scanner),
		Grace:       cfg.Recovery.Grace,
		QueuedAfter: cfg.Recovery.QueuedAfter,
		BatchSize:   cfg.Recovery.BatchSize,
		Enabled:     cfg.Recovery.Enabled,
	}, log)
	if err != nil {
		log.Error("failed to initialize job recovery", "error", err)
		return 1
	}
	log.Info("services initialized")

	// ==========================================================================
	// Workers
	// ==========================================================================
	var worker *jobs.Worker
	if cfg.Worker.Enabled || *workerOnly {
		worker, err = jobs.NewWorker(jobs.WorkerConfig{
			RedisAddr:       cfg.Redis.Addr(),
			RedisPassword:   cfg.Redis.Password,
			RedisDB:         cfg.Redis.DB,
			Concurrency:     cfg.Worker.Concurrency,
			Queue:           cfg.Worker.Queue,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, dispatcher, log)
		if err != nil {
			log.Error("failed to initialize job worker", "error", err)
			return 1
		}
	}

	retentionScheduler.Start()
	defer retentionScheduler.Stop()
	recovery.Start()
	defer recovery.Stop()

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	if worker != nil {
		g.Go(func() error {
			return ignoreCanceled(worker.Run(gctx))
		})
	}

	// ==========================================================================
	// HTTP Server
	// ==========================================================================
	if !*workerOnly {
		v := validator.New()
		tokens := jwt.NewGenerator(jwt.TokenConfig{
			Secret:              cfg.Auth.JWTSecret,
			Issuer:              cfg.Auth.JWTIssuer,
			AccessTokenDuration: cfg.Auth.TokenDuration,
		})

		handlers := routes.Handlers{
			Health: handler.NewHealthHandler(
				handler.WithDatabase(db),
				handler.WithRedis(redisClient),
				handler.WithStorage(store),
			),
			Scan:     handler.NewScanHandler(submissions, v, log),
			Process:  handler.NewProcessHandler(dispatcher, jobClient, cfg.Worker.ProcessInline, v, log),
			Callback: handler.NewCallbackHandler(callbacks, log),
		}

		server := http.NewServer(cfg, log)
		routes.Register(server.Router(), handlers, tokens, cfg, log)
		log.Debug("routes registered", "count", len(server.Router().Routes()))

		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		log.Info("application started", "http_addr", cfg.Server.Addr(), "worker", worker != nil)
	} else {
		log.Info("application started in worker-only mode")
	}

	// ==========================================================================
	// Graceful Shutdown
	// ==========================================================================
	if err := g.Wait(); err != nil {
		log.Error("shutdown error", "error", err)
		return 1
	}

	log.Info("application stopped")
	return 0
}

// =============================================================================
// Helper Functions
// =============================================================================

func initLogger(cfg *config.Config) *logger.Logger {
	var log *logger.Logger
	if cfg.IsProduction() {
		//nolint:gosec // G115: value validated non-negative in config.Validate()
		threshold := uint64(cfg.Log.SamplingThreshold)
		log = logger.NewProductionWithConfig(logger.SamplingConfig{
			Enabled:   cfg.Log.SamplingEnabled,
			Tick:      time.Second,
			Threshold: threshold,
			Rate:      cfg.Log.SamplingRate,
			ErrorRate: cfg.Log.ErrorSamplingRate,
		})
	} else {
		log = logger.New(logger.Config{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			Output: os.Stdout,
		})
	}
	log.SetDefault()
	return log
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type closer interface {
	Close() error
}

func closeWithLog(c closer, name string, log *logger.Logger) {
	if err := c.Close(); err != nil {
		log.Error("failed to close "+name, "error", err)
	}
}
