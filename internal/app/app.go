// Package app は設定からストア・キュー・ワーカー・クリーンアップを組み立てます。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/vidfetch/internal/cleanup"
	"github.com/yourusername/vidfetch/internal/config"
	"github.com/yourusername/vidfetch/internal/downloads"
	"github.com/yourusername/vidfetch/internal/jobs"
	"github.com/yourusername/vidfetch/internal/storage"
	"github.com/yourusername/vidfetch/internal/ytdlp"
)

// Options はプロセスごとに起動するコンポーネントを指定します。
type Options struct {
	Workers bool // ジョブを実行するワーカーを起動する
	Cleanup bool // 定期クリーンアップを起動する
}

// App は組み立て済みのコンポーネントです。
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     jobs.Store
	Artifacts *storage.Local
	Manager   *jobs.Manager
	Scheduler *cleanup.Scheduler
	Service   *downloads.Service

	opts Options
}

// New は設定からコンポーネントを組み立てます。まだ何も起動しません。
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	artifacts, err := storage.NewLocal(cfg.DownloadDir, logger.With("component", "storage"))
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	backoff := jobs.DefaultBackoff(cfg.RetryBackoff)
	execCfg := jobs.ExecutorConfig{
		MaxRetries:    cfg.MaxRetries,
		Timeout:       cfg.JobTimeout,
		Extensions:    cfg.ArtifactExtensions,
		ResultBaseURL: cfg.JobResultBaseURL,
	}

	broker, err := newBroker(cfg, jobs.ExecutionBudget(execCfg, backoff), logger.With("component", "broker"))
	if err != nil {
		store.Close()
		return nil, err
	}

	var executor *jobs.Executor
	if opts.Workers {
		downloader := ytdlp.NewDownloader(cfg.YtDlpPath, cfg.FFmpegPath, logger.With("component", "ytdlp"))
		executor, err = jobs.NewExecutor(store, artifacts, downloader.Download, backoff, execCfg, logger.With("component", "executor"))
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	manager, err := jobs.NewManager(store, broker, executor, logger.With("component", "jobs"))
	if err != nil {
		store.Close()
		return nil, err
	}

	scheduler := cleanup.NewScheduler(artifacts, manager, config.RetentionWindow, cfg.EffectiveCleanupInterval(), logger.With("component", "cleanup"))

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Artifacts: artifacts,
		Manager:   manager,
		Scheduler: scheduler,
		Service:   downloads.NewService(manager, artifacts, scheduler),
		opts:      opts,
	}, nil
}

// Start はワーカーと定期クリーンアップを起動します。
func (a *App) Start() error {
	if a.opts.Workers {
		if err := a.Manager.StartWorkers(); err != nil {
			return err
		}
	}
	if a.opts.Cleanup {
		if err := a.Scheduler.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown はワーカー、クリーンアップ、ストアの順に停止します。
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.Manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop workers: %w", err))
	}
	if err := a.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop cleanup: %w", err))
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

func openStore(cfg *config.Config) (jobs.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendRedis:
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, err
		}
		return jobs.NewRedisStore(redis.NewClient(opt), cfg.JobRecordTTL), nil
	case config.StoreBackendSQLite:
		return jobs.OpenSQLiteStore(cfg.SQLitePath, cfg.JobRecordTTL)
	default:
		return jobs.NewMemoryStore(cfg.JobRecordTTL), nil
	}
}

func newBroker(cfg *config.Config, taskTimeout time.Duration, logger *slog.Logger) (jobs.Broker, error) {
	if cfg.QueueBackend == config.QueueBackendRedis {
		return jobs.NewAsynqBroker(cfg.QueueRedisURL, cfg.WorkerConcurrency, cfg.MaxRetries, taskTimeout, logger)
	}
	return jobs.NewMemoryBroker(cfg.WorkerConcurrency, 0, logger), nil
}
