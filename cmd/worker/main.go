// Package main は Redis キューからダウンロードジョブを取り出して実行するワーカーです。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yourusername/vidfetch/internal/app"
	"github.com/yourusername/vidfetch/internal/config"
	"github.com/yourusername/vidfetch/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.QueueBackend != config.QueueBackendRedis {
		log.Fatalf("worker requires QUEUE_BACKEND=redis (got %q)", cfg.QueueBackend)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	// クリーンアップは API プロセスが担当する
	application, err := app.New(cfg, logger, app.Options{Workers: true})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	if err := application.Start(); err != nil {
		log.Fatalf("Failed to start workers: %v", err)
	}
	logger.Info("worker started", "concurrency", cfg.WorkerConcurrency, "store", cfg.StoreBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
