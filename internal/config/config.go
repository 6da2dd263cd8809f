// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	QueueBackendMemory = "memory"
	QueueBackendRedis  = "redis"

	StoreBackendMemory = "memory"
	StoreBackendRedis  = "redis"
	StoreBackendSQLite = "sqlite"

	defaultRetention = time.Hour
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 管理者設定
	AdminTokenHash string // /cleanup 用トークンのbcryptハッシュ（空なら認証なし）

	// 成果物ストレージ設定
	DownloadDir        string        // ジョブごとのディレクトリを作るルート
	CleanupInterval    time.Duration // 定期クリーンアップの間隔（0なら保持期間の半分）
	ArtifactExtensions []string      // 成果物として認識する拡張子

	// ジョブ/キュー設定
	QueueBackend      string        // memory または redis
	StoreBackend      string        // memory, redis, sqlite
	QueueRedisURL     string        // Asynq/ジョブ状態用Redis接続URL
	SQLitePath        string        // SQLiteストアのファイルパス
	WorkerConcurrency int           // 同時実行ワーカー数
	MaxRetries        int           // 初回実行後の再試行回数
	RetryBackoff      time.Duration // 再試行までの初期待機時間
	JobTimeout        time.Duration // 1回の試行あたりの上限時間
	JobRecordTTL      time.Duration // ジョブ状態レコードの保持期間
	JobResultBaseURL  string        // 結果ファイル取得用のベースURL

	// ダウンロード処理設定
	YtDlpPath  string // yt-dlp 実行ファイルのパス
	FFmpegPath string // ffmpeg 実行ファイルのパス

	// ログ設定
	LogLevel  string
	LogFormat string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		AdminTokenHash: getEnv("ADMIN_TOKEN_HASH", ""),

		DownloadDir:        getEnv("DOWNLOAD_DIR", "/downloads"),
		CleanupInterval:    getEnvAsDuration("CLEANUP_INTERVAL", 0),
		ArtifactExtensions: getEnvAsList("ARTIFACT_EXTENSIONS", []string{".mp4"}),

		QueueBackend:      strings.ToLower(getEnv("QUEUE_BACKEND", QueueBackendMemory)),
		StoreBackend:      strings.ToLower(getEnv("STORE_BACKEND", StoreBackendMemory)),
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		SQLitePath:        getEnv("SQLITE_PATH", "jobs.db"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		MaxRetries:        getEnvAsInt("MAX_RETRIES", 3),
		RetryBackoff:      getEnvAsDuration("RETRY_BACKOFF", 2*time.Second),
		JobTimeout:        getEnvAsDuration("JOB_TIMEOUT", 30*time.Minute),
		JobRecordTTL:      getEnvAsDuration("JOB_RECORD_TTL", 24*time.Hour),
		JobResultBaseURL:  getEnv("JOB_RESULT_BASE_URL", ""),

		YtDlpPath:  getEnv("YTDLP_PATH", "yt-dlp"),
		FFmpegPath: getEnv("FFMPEG_PATH", "/usr/bin/ffmpeg"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.QueueBackend {
	case QueueBackendMemory, QueueBackendRedis:
	default:
		return fmt.Errorf("QUEUE_BACKEND must be memory or redis (got %q)", c.QueueBackend)
	}
	switch c.StoreBackend {
	case StoreBackendMemory, StoreBackendRedis, StoreBackendSQLite:
	default:
		return fmt.Errorf("STORE_BACKEND must be memory, redis or sqlite (got %q)", c.StoreBackend)
	}

	// 別プロセスのワーカーと状態を共有できないため
	if c.QueueBackend == QueueBackendRedis && c.StoreBackend == StoreBackendMemory {
		return fmt.Errorf("QUEUE_BACKEND=redis requires STORE_BACKEND=redis or sqlite")
	}
	if c.DownloadDir == "" {
		return fmt.Errorf("DOWNLOAD_DIR is required")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	if len(c.ArtifactExtensions) == 0 {
		return fmt.Errorf("ARTIFACT_EXTENSIONS must list at least one extension")
	}

	if c.GinMode == "release" {
		if c.AdminTokenHash == "" {
			return fmt.Errorf("ADMIN_TOKEN_HASH is required in release mode")
		}
		if c.YtDlpPath == "" {
			return fmt.Errorf("YTDLP_PATH is required in release mode")
		}
	}

	return nil
}

// RetentionWindow は成果物ディレクトリの保持期間を返します。
// クリーンアップのたびに環境変数を読み直すため、変更は次回の実行から反映されます。
func RetentionWindow() time.Duration {
	d := getEnvAsDuration("DOWNLOAD_RETENTION", defaultRetention)
	if d <= 0 {
		return defaultRetention
	}
	return d
}

// EffectiveCleanupInterval は定期クリーンアップの実行間隔を返します。
func (c *Config) EffectiveCleanupInterval() time.Duration {
	if c.CleanupInterval > 0 {
		return c.CleanupInterval
	}
	return RetentionWindow() / 2
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します（例: "90s", "1h"）。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList はカンマ区切りの環境変数を小文字のスライスとして取得します。
func getEnvAsList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.ToLower(strings.TrimSpace(part))
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, ".") {
			trimmed = "." + trimmed
		}
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
