package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/docflow/internal/async"
	"github.com/joseph-ayodele/docflow/internal/cache"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/core"
	"github.com/joseph-ayodele/docflow/internal/export"
	"github.com/joseph-ayodele/docflow/internal/llm/openai"
	"github.com/joseph-ayodele/docflow/internal/metrics"
	"github.com/joseph-ayodele/docflow/internal/ocr"
	"github.com/joseph-ayodele/docflow/internal/pipeline"
	"github.com/joseph-ayodele/docflow/internal/repository"
	pipelinesvc "github.com/joseph-ayodele/docflow/internal/services/pipeline"
)

const (
	maxSourceBytes  = 50 << 20
	reviewThreshold = 0.60
)

// app holds every long-lived component of the process.
type app struct {
	cfg       *common.Config
	logger    *slog.Logger
	logCloser io.Closer

	drv  *entsql.Driver
	pool *pgxpool.Pool
	rdb  redis.UniversalClient

	ledger   repository.LedgerRepository
	batches  repository.BatchRepository
	attempts repository.AttemptRepository
	store    cache.Store

	recorder    *metrics.PrometheusRecorder
	workers     *async.WorkerPool
	orch        *core.Orchestrator
	coordinator *core.BatchCoordinator
	svc         *pipelinesvc.Service
	exporter    *export.Service
}

// newLedgerApp loads config and opens only the ledger.
func newLedgerApp(ctx context.Context) (*app, error) {
	cfg := common.LoadConfig()
	if err := cfg.Validate(inmem); err != nil {
		return nil, err
	}
	logger, closer, err := common.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, logCloser: closer}
	if err := a.openLedger(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	a.ledger = repository.NewLedgerRepository(a.drv, logger)
	a.batches = repository.NewBatchRepository(a.drv, logger)
	a.attempts = repository.NewAttemptRepository(a.drv, logger)
	a.exporter = export.NewService(a.ledger, a.batches, logger)
	return a, nil
}

// newApp wires the full pipeline on top of the ledger. Workers are not started.
func newApp(ctx context.Context) (*app, error) {
	a, err := newLedgerApp(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.wire(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) openLedger(ctx context.Context) error {
	dsn := a.cfg.Database.DSN
	switch {
	case inmem:
		drv, err := repository.OpenSQLite(ctx, repository.MemoryDSN, a.logger)
		if err != nil {
			return err
		}
		a.drv = drv
	case strings.HasPrefix(dsn, "file:"):
		drv, err := repository.OpenSQLite(ctx, dsn, a.logger)
		if err != nil {
			return err
		}
		a.drv = drv
	default:
		drv, pool, err := repository.Open(ctx, repository.Config{
			DSN:              dsn,
			MaxConns:         a.cfg.Database.MaxConns,
			MinConns:         a.cfg.Database.MinConns,
			MaxConnLifetime:  a.cfg.Database.MaxConnLifetime,
			MaxConnIdleTime:  a.cfg.Database.MaxConnIdleTime,
			DialTimeout:      a.cfg.Database.DialTimeout,
			StatementTimeout: a.cfg.Database.StatementTimeout,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		a.drv, a.pool = drv, pool
	}
	if err := repository.Migrate(ctx, a.drv); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Redis.URL == "" {
		a.logger.Info("REDIS_URL not set, using in-process cache store")
		a.store = cache.NewMemoryStore(cfg.Redis.TTL)
	} else {
		rdb, err := cache.NewRedisClient(cfg.Redis.URL, cfg.Redis.MaxRetries)
		if err != nil {
			return fmt.Errorf("redis client: %w", err)
		}
		a.rdb = rdb
		rs := cache.NewRedisStore(rdb, cfg.Redis.TTL, a.logger)
		if err := rs.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		a.store = rs
	}

	extractor := ocr.NewExtractor(ocr.Config{
		HeicConverter:    cfg.OCR.HeicConverter,
		TessdataDir:      cfg.OCR.TessdataDir,
		ArtifactCacheDir: cfg.OCR.ArtifactCacheDir,
	}, a.logger)
	client := openai.NewClient(openai.Config{
		APIKey:          cfg.LLM.APIKey,
		BaseURL:         cfg.LLM.BaseURL,
		Model:           cfg.LLM.Model,
		Temperature:     cfg.LLM.Temperature,
		Timeout:         cfg.LLM.Timeout,
		LenientOptional: true,
	}, a.logger)
	pl, err := pipeline.NewDocumentPipeline(pipeline.DocumentConfig{
		OCR:    extractor,
		Fields: client,
		Inference: pipeline.InferenceConfig{
			Model:            client.Model(),
			DefaultCurrency:  "USD",
			Timezone:         "UTC",
			ArtifactCacheDir: cfg.OCR.ArtifactCacheDir,
		},
		MaxSourceBytes:  maxSourceBytes,
		ReviewThreshold: reviewThreshold,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	a.recorder = metrics.NewPrometheusRecorder()
	a.workers = async.NewWorkerPool(a.logger,
		async.WithWorkers(cfg.Pipeline.Workers),
		async.WithQueueSize(cfg.Pipeline.QueueSize),
		async.WithProcessTimeout(cfg.Pipeline.StageTimeout),
	)
	a.orch, err = core.NewOrchestrator(core.Deps{
		Pipeline: pl,
		Ledger:   a.ledger,
		Attempts: a.attempts,
		Cache:    a.store,
		Queue:    a.workers,
		Policy:   core.NewRetryPolicy(cfg.Pipeline),
		Metrics:  a.recorder,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	a.coordinator = core.NewBatchCoordinator(a.orch, a.batches, a.logger)
	a.svc = pipelinesvc.NewService(a.orch, a.coordinator, a.ledger, a.batches, a.attempts, a.store, a.logger)
	return nil
}

// startWorkers hands the orchestrator to the worker pool.
func (a *app) startWorkers() {
	a.workers.Start(a.orch.Handle)
	a.logger.Info("workers started",
		"workers", a.cfg.Pipeline.Workers,
		"queue_size", a.cfg.Pipeline.QueueSize,
		"stage_timeout", a.cfg.Pipeline.StageTimeout)
}

func (a *app) close(ctx context.Context) {
	if a.workers != nil {
		a.workers.Shutdown(ctx)
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn("redis close failed", "error", err)
		}
	}
	if a.drv != nil {
		repository.Close(a.drv, a.pool, a.logger)
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}
