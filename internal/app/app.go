// Package app wires the engine's components from configuration. Every binary
// builds one App and takes the parts it needs.
package app

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/lexbatch/internal/batch"
	"github.com/you/lexbatch/internal/config"
	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/intake"
	"github.com/you/lexbatch/internal/kv"
	"github.com/you/lexbatch/internal/llm"
	"github.com/you/lexbatch/internal/metrics"
	"github.com/you/lexbatch/internal/objectstore"
	"github.com/you/lexbatch/internal/ocr"
	"github.com/you/lexbatch/internal/pipeline"
	"github.com/you/lexbatch/internal/queue"
	"github.com/you/lexbatch/internal/recovery"
	"github.com/you/lexbatch/internal/status"
	"github.com/you/lexbatch/internal/storage"
	"github.com/you/lexbatch/internal/worker"
)

type App struct {
	Config config.Config
	Log    *zap.Logger

	Redis   *r.Client
	DB      *pgxpool.Pool
	Store   *kv.Store
	Queue   *queue.RedisQ
	Records *storage.Store

	Manifests  *batch.Manifests
	Dispatcher *batch.Dispatcher
	Tracker    *status.Tracker
	Metrics    *metrics.Collector
	Recovery   *recovery.Manager
}

// New connects to Redis and Postgres, applies migrations and builds the
// engine core.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := storage.Migrate(ctx, pool); err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, err
	}

	store := kv.New(rdb)
	q := queue.New(rdb)
	records := storage.New(pool)
	manifests := batch.NewManifests(store, cfg.ManifestTTL)
	collector := metrics.NewCollector(store, cfg.MetricsTTL, log.Named("metrics"))
	tracker := status.NewTracker(store, cfg.StatusTTL, log.Named("status"))
	dispatcher := batch.NewDispatcher(manifests, q, records, collector, log.Named("batch"))
	manager := recovery.NewManager(dispatcher, tracker, recovery.NewErrorLog(store, cfg.ErrorTTL), q, collector, store,
		recovery.Options{MaxRetries: cfg.MaxRetries, WaitTimeout: cfg.GroupWaitTimeout}, log.Named("recovery"))

	return &App{
		Config:     cfg,
		Log:        log,
		Redis:      rdb,
		DB:         pool,
		Store:      store,
		Queue:      q,
		Records:    records,
		Manifests:  manifests,
		Dispatcher: dispatcher,
		Tracker:    tracker,
		Metrics:    collector,
		Recovery:   manager,
	}, nil
}

// Pipeline builds the stage handlers with their AWS and Anthropic clients.
func (a *App) Pipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.Config.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	if a.Config.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required to run the pipeline")
	}
	textOCR := ocr.New(textract.NewFromConfig(awsCfg), a.Config.OCRPollInterval, a.Config.OCRTimeout, a.Log.Named("ocr"))
	extractor := llm.NewClaudeExtractor(a.Config.AnthropicAPIKey, a.Config.AnthropicModel, a.Log.Named("llm"))
	return pipeline.New(a.Records, textOCR, extractor, a.Tracker, a.Metrics, a.Recovery, pipeline.Options{}, a.Log.Named("pipeline")), nil
}

// Workers builds a pool with every chain task and both group callbacks registered.
func (a *App) Workers(p *pipeline.Pipeline) *worker.Pool {
	pool := worker.NewPool(a.Queue, a.Dispatcher, a.Tracker, worker.Options{
		Concurrency: a.Config.WorkerConcurrency,
		Lease:       a.Config.VisibilityTimeout(),
	}, a.Log.Named("worker"))
	for _, name := range domain.DocumentChain {
		pool.Handle(name, p.Run)
	}
	pool.Handle(domain.TaskFinalizeBatch, func(ctx context.Context, t *domain.Task) error {
		_, err := a.Dispatcher.Finalize(ctx, t.BatchID, t.GroupID)
		return err
	})
	pool.Handle(domain.TaskFinalizeRecovery, a.Recovery.FinalizeRecovery)
	return pool
}

// Intake builds the ingest service uploading to the configured bucket.
func (a *App) Intake(ctx context.Context) (*intake.Service, error) {
	if a.Config.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required for intake")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.Config.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	objects := objectstore.New(s3.NewFromConfig(awsCfg), a.Config.S3Bucket, a.Log.Named("objectstore"))
	return intake.NewService(intake.NewPlanner(a.Log.Named("intake")), objects, a.Tracker, a.Log.Named("intake")), nil
}

func (a *App) Close() error {
	a.DB.Close()
	return a.Redis.Close()
}
