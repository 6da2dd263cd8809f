// Package cleanup は保持期間を過ぎた成果物ディレクトリを定期的に削除します。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/yourusername/vidfetch/internal/jobs"
	"github.com/yourusername/vidfetch/internal/storage"
)

// Report は1回のクリーンアップ結果です。
type Report struct {
	Window         time.Duration
	Removed        []string
	Skipped        []string
	Failed         int
	ExpiredRecords int
	StaleJobs      []string
}

// Scheduler は手動トリガーとタイマーの両方からクリーンアップを実行します。
// 同時に実行されるパスは常に1つです。
type Scheduler struct {
	artifacts *storage.Local
	manager   *jobs.Manager
	retention func() time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	cron    *cronlib.Cron
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewScheduler は Scheduler を作成します。retention はパスごとに呼ばれます。
func NewScheduler(artifacts *storage.Local, manager *jobs.Manager, retention func() time.Duration, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		artifacts: artifacts,
		manager:   manager,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start は "@every <interval>" のタイマーを登録して起動します。
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}
	c := cronlib.New()
	if _, err := c.AddFunc("@every "+s.interval.String(), func() { s.Trigger() }); err != nil {
		return fmt.Errorf("register cleanup timer: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("cleanup scheduler started", "interval", s.interval)
	return nil
}

// Stop はタイマーを止め、実行中のパスの終了を ctx の期限まで待ちます。
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger はクリーンアップをバックグラウンドで開始し、すぐに戻ります。
// 既に実行中の場合は何もせず false を返します。
func (s *Scheduler) Trigger() bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("cleanup already running, trigger ignored")
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.RunOnce(context.Background())
	}()
	return true
}

// RunOnce はクリーンアップを1回同期的に実行します。エラーはログに記録するだけで返しません。
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	window := s.retention()
	now := s.now()
	report := Report{Window: window}

	reclaim := s.artifacts.Reclaim(window, now, func(jobID string) bool {
		return s.isActive(ctx, jobID, window, now)
	})
	report.Removed = reclaim.Removed
	report.Skipped = reclaim.Skipped
	report.Failed = reclaim.Failed

	if s.manager != nil {
		expired, err := s.manager.Store().DeleteExpired(ctx, now)
		if err != nil {
			s.logger.Error("failed to delete expired job records", "error", err)
		}
		report.ExpiredRecords = expired

		stale, err := s.manager.Stale(ctx, window)
		if err != nil {
			s.logger.Error("failed to list stale jobs", "error", err)
		}
		for _, record := range stale {
			report.StaleJobs = append(report.StaleJobs, record.JobID)
			s.logger.Warn("job has not progressed within retention window",
				"job_id", record.JobID,
				"attempts", record.Attempts,
				"updated_at", record.UpdatedAt,
			)
		}
	}

	s.logger.Info("cleanup finished",
		"window", window,
		"scanned", reclaim.Scanned,
		"removed", len(report.Removed),
		"skipped", len(report.Skipped),
		"failed", report.Failed,
		"expired_records", report.ExpiredRecords,
	)
	return report
}

// isActive は最近更新された RUNNING ジョブのディレクトリを削除対象から外すために使います。
func (s *Scheduler) isActive(ctx context.Context, jobID string, window time.Duration, now time.Time) bool {
	if s.manager == nil {
		return false
	}
	record, err := s.manager.Status(ctx, jobID)
	if err != nil {
		return false
	}
	return record.Status == jobs.StatusRunning && now.Sub(record.UpdatedAt) < window
}
