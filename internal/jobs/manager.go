// Package jobs は非同期ダウンロードジョブの投入・実行・状態管理を提供します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const errorCodeEnqueueFailed = "ENQUEUE_FAILED"

var errDeliveryTimeout = errors.New("download timed out")

// Handler はキューから取り出したジョブIDを処理します。
type Handler func(ctx context.Context, jobID string) error

type finalDeliveryKey struct{}

// WithFinalDelivery はこの配送の後に再配送がないことを ctx に記録します。
// 最終配送が期限切れで終わったジョブは RUNNING のまま残さず FAILURE にします。
func WithFinalDelivery(ctx context.Context) context.Context {
	return context.WithValue(ctx, finalDeliveryKey{}, true)
}

func isFinalDelivery(ctx context.Context) bool {
	final, _ := ctx.Value(finalDeliveryKey{}).(bool)
	return final
}

// Broker はジョブIDを配送するキューです。1つのIDは1つのワーカーにだけ渡されます。
type Broker interface {
	Enqueue(ctx context.Context, jobID string) error
	Start(handler Handler) error
	Shutdown(ctx context.Context) error
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	store    Store
	broker   Broker
	executor *Executor
	logger   *slog.Logger
}

// NewManager は Manager を初期化します。
// executor が nil の場合は投入と参照のみを行い、ワーカーは起動できません。
func NewManager(store Store, broker Broker, executor *Executor, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if broker == nil {
		return nil, errors.New("broker is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		broker:   broker,
		executor: executor,
		logger:   logger,
	}, nil
}

// StartWorkers はブローカーからの配送を受け付け始めます。
func (m *Manager) StartWorkers() error {
	if m.executor == nil {
		return errors.New("executor is not configured")
	}
	return m.broker.Start(m.handle)
}

// Shutdown はブローカーを停止します。実行中のジョブは ctx の期限まで待ちます。
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.broker.Shutdown(ctx)
}

// Submit はジョブを PENDING で登録してキューに投入し、ジョブIDを返します。
func (m *Manager) Submit(ctx context.Context, sourceURL string) (string, error) {
	if sourceURL == "" {
		return "", fmt.Errorf("url is required")
	}

	jobID := uuid.NewString()
	if err := m.store.Create(ctx, &Record{
		JobID:  jobID,
		URL:    sourceURL,
		Status: StatusPending,
	}); err != nil {
		return "", fmt.Errorf("create job record: %w", err)
	}

	if err := m.broker.Enqueue(ctx, jobID); err != nil {
		m.logger.Error("failed to enqueue job", "job_id", jobID, "error", err)
		if markErr := m.store.MarkFailed(ctx, jobID, ErrorInfo{
			Code:    errorCodeEnqueueFailed,
			Message: "job could not be queued",
		}); markErr != nil {
			m.logger.Error("failed to mark job as failed", "job_id", jobID, "error", markErr)
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	m.logger.Info("job submitted", "job_id", jobID)
	return jobID, nil
}

// Status はジョブ情報のスナップショットを返します。
func (m *Manager) Status(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

// Stale は threshold 以上更新のない RUNNING ジョブを返します。
func (m *Manager) Stale(ctx context.Context, threshold time.Duration) ([]*Record, error) {
	running, err := m.store.ListByStatus(ctx, StatusRunning)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-threshold)
	var out []*Record
	for _, record := range running {
		if record.UpdatedAt.Before(cutoff) {
			out = append(out, record)
		}
	}
	return out, nil
}

// Store はジョブ状態の保存先を返します。
func (m *Manager) Store() Store {
	return m.store
}

func (m *Manager) handle(ctx context.Context, jobID string) error {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.logger.Warn("dropping delivery for unknown job", "job_id", jobID)
			return nil
		}
		return err
	}
	if record.Status.Terminal() {
		m.logger.Debug("skipping redelivered job", "job_id", jobID, "status", record.Status)
		return nil
	}
	err = m.executor.Execute(ctx, record)
	if errors.Is(err, context.DeadlineExceeded) && isFinalDelivery(ctx) {
		m.logger.Warn("final delivery ran out of time", "job_id", jobID)
		return m.executor.handleFailure(context.WithoutCancel(ctx), jobID, errDeliveryTimeout)
	}
	return err
}
