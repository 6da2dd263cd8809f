package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore はプロセス内でジョブ状態を保持します。再起動で状態は失われます。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create はレコードを新規作成します。
func (s *MemoryStore) Create(_ context.Context, record *Record) error {
	if err := prepareRecord(record, s.ttl, s.now()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.JobID]; exists {
		return fmt.Errorf("job already exists: %s", record.JobID)
	}
	s.records[record.JobID] = record.clone()
	return nil
}

// Get はレコードのコピーを返します。
func (s *MemoryStore) Get(_ context.Context, jobID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[jobID]
	if !ok || record.expired(s.now()) {
		return nil, ErrNotFound
	}
	return record.clone(), nil
}

func (s *MemoryStore) MarkRunning(_ context.Context, jobID string, attempt int) error {
	return s.update(jobID, markRunning(attempt))
}

func (s *MemoryStore) MarkSucceeded(_ context.Context, jobID string, result Result) error {
	return s.update(jobID, markSucceeded(result))
}

func (s *MemoryStore) MarkFailed(_ context.Context, jobID string, errInfo ErrorInfo) error {
	return s.update(jobID, markFailed(errInfo))
}

// ListByStatus は指定状態のレコードを作成順に返します。
func (s *MemoryStore) ListByStatus(_ context.Context, status Status) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []*Record
	for _, record := range s.records {
		if record.Status == status && !record.expired(now) {
			out = append(out, record.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteExpired は期限切れのレコードを削除し、件数を返します。
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, record := range s.records {
		if record.expired(now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) update(jobID string, mutate mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	record, ok := s.records[jobID]
	if !ok || record.expired(now) {
		return ErrNotFound
	}
	next := record.clone()
	if err := mutate(next, now); err != nil {
		return err
	}
	s.records[jobID] = next
	return nil
}
