// Package arclight is the public API for embedding the Arclight control plane.
//
// Operators who need to extend the server without forking it construct an App:
//
//	app, err := arclight.New(
//	    arclight.WithVersion(version),
//	    arclight.WithLogger(logger),
//	    arclight.WithRuntimeProvider(myProvider),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: arclight (root) imports
// internal/*, but internal/* never imports arclight (root).
package arclight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/arclight-dev/arclight/api"
	"github.com/arclight-dev/arclight/internal/artifact"
	"github.com/arclight-dev/arclight/internal/auth"
	"github.com/arclight-dev/arclight/internal/config"
	"github.com/arclight-dev/arclight/internal/cryptoutil"
	"github.com/arclight-dev/arclight/internal/gateway"
	"github.com/arclight-dev/arclight/internal/ingest"
	"github.com/arclight-dev/arclight/internal/manifest"
	"github.com/arclight-dev/arclight/internal/orchestrator"
	"github.com/arclight-dev/arclight/internal/provider"
	"github.com/arclight-dev/arclight/internal/provider/edgeworker"
	"github.com/arclight-dev/arclight/internal/ratelimit"
	"github.com/arclight-dev/arclight/internal/server"
	"github.com/arclight-dev/arclight/internal/storage"
	"github.com/arclight-dev/arclight/internal/telemetry"
	"github.com/arclight-dev/arclight/migrations"
)

// App is the Arclight server lifecycle. Construct with New(), run with Run().
// App has no public fields. Use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	worker       *orchestrator.Worker
	sweeper      *orchestrator.Sweeper
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Arclight control plane. It connects to the database,
// runs migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections. Call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("arclight starting", "version", version, "port", cfg.Port)

	encryptionKey, err := cryptoutil.ParseKey(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Runtime providers. External overrides are registered alongside the
	// built-in edge worker adapter and selected per agent by name.
	registered := []provider.RuntimeProvider{
		edgeworker.New(edgeworker.Options{
			BaseURL:       cfg.EdgeWorkerBaseURL,
			InvokeBaseURL: cfg.EdgeWorkerInvokeBaseURL,
			AccountID:     cfg.EdgeWorkerAccountID,
			APIToken:      cfg.EdgeWorkerAPIToken,
			Logger:        logger,
		}),
	}
	registered = append(registered, o.providers...)
	providers := provider.NewRegistry(registered...)

	artifacts, err := newArtifactStore(cfg, o, logger)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("artifact store: %w", err)
	}

	validator, err := manifest.NewValidator()
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("manifest: %w", err)
	}

	orchSvc := orchestrator.New(db, providers, artifacts, validator, logger)
	worker := orchestrator.NewWorker(db, providers, artifacts, encryptionKey,
		cfg.TelemetryReportURL, logger, cfg.TaskPollInterval, cfg.TaskBatchSize)
	sweeper := orchestrator.NewSweeper(db, logger, cfg.RetentionSweep)

	gatewaySvc := gateway.New(db, providers, cfg.DefaultInvokeTimeout, cfg.MaxInvokeTimeout, logger)
	ingestSvc := ingest.New(db, encryptionKey, logger)

	limiter := newLimiter(cfg, logger)

	srv := server.New(server.Config{
		DB:                  db,
		JWTMgr:              jwtMgr,
		OrchSvc:             orchSvc,
		GatewaySvc:          gatewaySvc,
		IngestSvc:           ingestSvc,
		Providers:           providers,
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		worker:       worker,
		sweeper:      sweeper,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the HTTP server, the deployment worker, and the retention
// sweeper, then blocks until ctx is cancelled or a component fails. On
// cancellation it performs a graceful shutdown and returns.
func (a *App) Run(ctx context.Context) error {
	a.worker.Start(ctx)
	a.sweeper.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})
	return g.Wait()
}

// Handler exposes the root HTTP handler for embedding and tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// shutdown drains components in dependency order: stop accepting HTTP
// requests first (in-flight deploys may still enqueue tasks), then drain the
// task worker, then close shared resources.
func (a *App) shutdown() {
	a.logger.Info("arclight shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	workerCtx, workerCancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.worker.Drain(workerCtx)
	workerCancel()

	a.sweeper.Stop()

	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	a.db.Close()
	if err := a.otelShutdown(context.Background()); err != nil {
		a.logger.Error("otel shutdown error", "error", err)
	}

	a.logger.Info("arclight stopped")
}

// newArtifactStore selects the artifact backend: an external override first,
// S3 when a bucket is configured, local directory otherwise.
func newArtifactStore(cfg config.Config, o resolvedOptions, logger *slog.Logger) (artifact.Store, error) {
	if o.artifactStore != nil {
		return o.artifactStore, nil
	}
	if cfg.ArtifactS3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.ArtifactS3Region))
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		logger.Info("artifact store: s3", "bucket", cfg.ArtifactS3Bucket, "prefix", cfg.ArtifactS3Prefix)
		return artifact.NewS3Store(s3.NewFromConfig(awsCfg), cfg.ArtifactS3Bucket, cfg.ArtifactS3Prefix), nil
	}
	logger.Info("artifact store: local directory", "dir", cfg.ArtifactDir)
	return artifact.NewDirStore(cfg.ArtifactDir), nil
}

// newLimiter selects the rate limit backend: Redis when REDIS_URL is set,
// in-process sliding windows otherwise.
func newLimiter(cfg config.Config, logger *slog.Logger) ratelimit.Limiter {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL, falling back to memory rate limiter", "error", err)
			return ratelimit.NewMemoryLimiter()
		}
		logger.Info("rate limiting: redis", "addr", opts.Addr)
		return ratelimit.NewRedisLimiter(redis.NewClient(opts), logger)
	}
	logger.Info("rate limiting: memory (in-process sliding window)")
	return ratelimit.NewMemoryLimiter()
}
