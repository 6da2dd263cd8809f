package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound は指定されたジョブが存在しない（または期限切れの）場合に返されます。
	ErrNotFound = errors.New("job not found")
	// ErrTerminal は完了済みジョブを更新しようとした場合に返されます。
	ErrTerminal = errors.New("job already finished")
)

// Store はジョブ状態の保存先です。
// 状態遷移は PENDING → RUNNING → SUCCESS/FAILURE の一方向のみ許可されます。
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, jobID string) (*Record, error)
	MarkRunning(ctx context.Context, jobID string, attempt int) error
	MarkSucceeded(ctx context.Context, jobID string, result Result) error
	MarkFailed(ctx context.Context, jobID string, errInfo ErrorInfo) error
	ListByStatus(ctx context.Context, status Status) ([]*Record, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// mutation はレコードへの状態遷移です。各ストアは読み出し→適用→書き込みを不可分に行います。
type mutation func(record *Record, now time.Time) error

func markRunning(attempt int) mutation {
	return func(record *Record, now time.Time) error {
		if record.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, record.JobID, record.Status)
		}
		record.Status = StatusRunning
		if attempt > record.Attempts {
			record.Attempts = attempt
		}
		if record.StartedAt.IsZero() {
			record.StartedAt = now
		}
		record.UpdatedAt = now
		return nil
	}
}

func markSucceeded(result Result) mutation {
	return func(record *Record, now time.Time) error {
		if record.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, record.JobID, record.Status)
		}
		record.Status = StatusSuccess
		record.Result = &result
		record.Error = nil
		record.FinishedAt = now
		record.UpdatedAt = now
		return nil
	}
}

func markFailed(errInfo ErrorInfo) mutation {
	return func(record *Record, now time.Time) error {
		if record.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, record.JobID, record.Status)
		}
		record.Status = StatusFailure
		record.Error = &errInfo
		record.Result = nil
		record.FinishedAt = now
		record.UpdatedAt = now
		return nil
	}
}

// prepareRecord は新規レコードのタイムスタンプを埋めます。
func prepareRecord(record *Record, ttl time.Duration, now time.Time) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.JobID == "" {
		return fmt.Errorf("record.JobID is required")
	}
	if record.Status == "" {
		record.Status = StatusPending
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() && ttl > 0 {
		record.ExpiresAt = record.CreatedAt.Add(ttl)
	}
	return nil
}
