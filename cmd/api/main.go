// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/vidfetch/internal/app"
	"github.com/yourusername/vidfetch/internal/auth"
	"github.com/yourusername/vidfetch/internal/config"
	"github.com/yourusername/vidfetch/internal/downloads"
	"github.com/yourusername/vidfetch/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	// メモリキューの場合はこのプロセスでジョブを実行する
	application, err := app.New(cfg, logger, app.Options{
		Workers: cfg.QueueBackend == config.QueueBackendMemory,
		Cleanup: true,
	})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	if err := application.Start(); err != nil {
		log.Fatalf("Failed to start workers: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.GinMode != gin.ReleaseMode {
		router.Use(gin.Logger())
	}

	// CORSミドルウェアの設定（カンマ区切りの文字列を配列に変換）
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Disposition", "X-Job-Id"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, cfg, application)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting API server", "addr", server.Addr, "mode", cfg.GinMode, "queue", cfg.QueueBackend, "store", cfg.StoreBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(server.Shutdown(shutdownCtx), application.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "vidfetch-api",
		"version": "0.1.0",
	})
}

// setupRoutes はダウンロード API と管理用エンドポイントの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, application *app.App) {
	router.GET("/health", handleHealth)

	authManager := auth.NewManager(cfg.AdminTokenHash)
	if !authManager.Enabled() {
		application.Logger.Warn("ADMIN_TOKEN_HASH is not set, /cleanup is unauthenticated")
	}
	downloads.RegisterRoutes(router, application.Service, application.Logger, authManager.RequireAdmin())
}
