package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/chispa/internal/artifacts"
	"github.com/rendis/chispa/internal/broker"
	"github.com/rendis/chispa/internal/engine"
	"github.com/rendis/chispa/internal/logging"
	"github.com/rendis/chispa/internal/metrics"
	"github.com/rendis/chispa/internal/sandbox"
	"github.com/rendis/chispa/internal/store"
	"github.com/rendis/chispa/internal/streaming"
	"github.com/rendis/chispa/internal/submission"
	"github.com/rendis/chispa/internal/worker"
)

// app holds the wired runtime components shared by the subcommands. Without
// REDIS_URL the broker, counters and hub fall back to in-process
// implementations, which is enough for single-binary development.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	broker    broker.Broker
	counters  metrics.Counters
	hub       streaming.EventHub
	uploader  artifacts.Uploader
	submitter *submission.Service

	redisClient *redis.Client
}

func buildApp(ctx context.Context, cfg Config) (*app, error) {
	logger := logging.New(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: st}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.redisClient = redis.NewClient(opts)
		if err := a.redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.broker = broker.NewRedisBroker(a.redisClient)
		a.counters = metrics.NewRedisCounters(a.redisClient)
		a.hub = streaming.NewRedisHub(a.redisClient)
	} else {
		logger.Warn("REDIS_URL not set, using in-process broker and hub")
		a.broker = broker.NewMemoryBroker()
		a.counters = metrics.NewMemoryCounters()
		a.hub = streaming.NewMemoryHub()
	}

	if cfg.S3Bucket != "" {
		uploader, err := artifacts.NewS3Uploader(ctx, artifacts.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init artifact store: %w", err)
		}
		a.uploader = uploader
	} else {
		logger.Warn("S3_BUCKET not set, artifacts stay in process memory")
		a.uploader = artifacts.NewMemoryUploader()
	}

	a.submitter = submission.New(st, a.broker, a.counters, nil, logger)
	return a, nil
}

// buildWorker wires a worker over a shared Docker engine. Each run gets its
// own workspace and sandbox runtime.
func (a *app) buildWorker() (*worker.Worker, error) {
	dockerEngine, err := sandbox.NewDockerEngine(a.logger)
	if err != nil {
		return nil, fmt.Errorf("init docker engine: %w", err)
	}

	image := a.cfg.ExecImage
	if image == "" {
		image = sandbox.DefaultImage
	}
	newRunner := func(ws *sandbox.Workspace) engine.CommandRunner {
		return sandbox.NewRuntime(dockerEngine, image, ws)
	}

	executor := engine.NewExecutor(a.store, a.hub, a.cfg.TaskParallelism, a.logger)
	return worker.New(worker.Config{
		PoolSize:      a.cfg.PoolSize,
		WorkspaceBase: a.cfg.WorkspaceBase,
	}, a.broker, a.store, a.counters, a.hub, a.uploader, executor, newRunner, a.logger), nil
}

func (a *app) close() {
	if a.redisClient != nil {
		a.redisClient.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}
