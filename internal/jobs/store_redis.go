package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"
	maxTxRetries = 10
)

// RedisStore はジョブ状態を Redis に JSON で保存します。
// レコードの保持期間はキーの TTL で管理されます。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// Create はジョブ情報を新規保存します。
func (s *RedisStore) Create(ctx context.Context, record *Record) error {
	if err := prepareRecord(record, s.ttl, time.Now().UTC()); err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(record.JobID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job already exists: %s", record.JobID)
	}
	return nil
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, ErrNotFound
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *RedisStore) MarkRunning(ctx context.Context, jobID string, attempt int) error {
	return s.update(ctx, jobID, markRunning(attempt))
}

func (s *RedisStore) MarkSucceeded(ctx context.Context, jobID string, result Result) error {
	return s.update(ctx, jobID, markSucceeded(result))
}

func (s *RedisStore) MarkFailed(ctx context.Context, jobID string, errInfo ErrorInfo) error {
	return s.update(ctx, jobID, markFailed(errInfo))
}

// ListByStatus は SCAN でジョブキーを走査し、指定状態のレコードを返します。
func (s *RedisStore) ListByStatus(ctx context.Context, status Status) ([]*Record, error) {
	var out []*Record
	iter := s.rdb.Scan(ctx, 0, jobKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		if record.Status == status {
			out = append(out, &record)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteExpired は何もしません。期限切れのキーは Redis が削除します。
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Close は Redis クライアントを閉じます。
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) update(ctx context.Context, jobID string, mutate mutation) error {
	key := jobKey(jobID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := mutate(&record, now); err != nil {
			return err
		}
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.remainingTTL(&record, now))
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update job %s: too many concurrent writers", jobID)
}

// remainingTTL は作成時に決めた有効期限を更新後も維持するための TTL を返します。
func (s *RedisStore) remainingTTL(record *Record, now time.Time) time.Duration {
	if s.ttl <= 0 || record.ExpiresAt.IsZero() {
		return 0
	}
	remaining := record.ExpiresAt.Sub(now)
	if remaining < time.Second {
		return time.Second
	}
	return remaining
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
