package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/yourusername/vidfetch/internal/config"
	"github.com/yourusername/vidfetch/internal/jobs"
)

func testConfig(t *testing.T, storeBackend string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		GinMode:            "test",
		DownloadDir:        filepath.Join(dir, "downloads"),
		ArtifactExtensions: []string{".mp4"},
		QueueBackend:       config.QueueBackendMemory,
		StoreBackend:       storeBackend,
		SQLitePath:         filepath.Join(dir, "jobs.db"),
		WorkerConcurrency:  2,
		MaxRetries:         2,
		JobTimeout:         10 * time.Second,
		JobRecordTTL:       time.Hour,
		YtDlpPath:          filepath.Join(dir, "missing-yt-dlp"),
		CleanupInterval:    time.Hour,
	}
}

func TestAppRunsSubmittedJob(t *testing.T) {
	for _, backend := range []string{config.StoreBackendMemory, config.StoreBackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			a, err := New(testConfig(t, backend), logger, Options{Workers: true, Cleanup: true})
			if err != nil {
				t.Fatalf("New returned error: %v", err)
			}
			if err := a.Start(); err != nil {
				t.Fatalf("Start returned error: %v", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := a.Shutdown(ctx); err != nil {
					t.Errorf("Shutdown returned error: %v", err)
				}
			}()

			jobID, err := a.Service.SubmitDownload(context.Background(), "https://example.com/watch?v=1")
			if err != nil {
				t.Fatalf("SubmitDownload returned error: %v", err)
			}

			// yt-dlp が無いので1回目で恒久的な失敗になる
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				status, err := a.Service.GetStatus(context.Background(), jobID)
				if err == nil && status.State == jobs.StatusFailure {
					if status.Attempts != 1 {
						t.Fatalf("attempts = %d, want 1 for a permanent failure", status.Attempts)
					}
					return
				}
				time.Sleep(20 * time.Millisecond)
			}
			t.Fatalf("job %s did not fail in time", jobID)
		})
	}
}

func TestNewWithoutWorkersCannotStartThem(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(testConfig(t, config.StoreBackendMemory), logger, Options{})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start without workers should succeed: %v", err)
	}
	if err := a.Manager.StartWorkers(); err == nil {
		t.Fatal("StartWorkers should fail without an executor")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
}
