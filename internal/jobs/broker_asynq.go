package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	taskTypeDownload = "download:fetch"
	queueDownloads   = "downloads"
)

// TaskPayload はダウンロードジョブのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// AsynqBroker は Redis 上の Asynq キューでジョブを配送します。
// タスクIDにジョブIDを使うため、同じジョブが二重に投入されることはありません。
type AsynqBroker struct {
	client      *asynq.Client
	server      *asynq.Server
	mux         *asynq.ServeMux
	maxRetry    int
	taskTimeout time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewAsynqBroker は Redis URL から AsynqBroker を作成します。
// taskTimeout は1回の配送に許す時間で、0 の場合は Asynq の既定値になります。
func NewAsynqBroker(redisURL string, concurrency, maxRetry int, taskTimeout time.Duration, logger *slog.Logger) (*AsynqBroker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsynqBroker{
		client:      asynq.NewClient(opt),
		server:      newAsynqServer(opt, concurrency),
		mux:         asynq.NewServeMux(),
		maxRetry:    maxRetry,
		taskTimeout: taskTimeout,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

func newAsynqServer(opt asynq.RedisConnOpt, concurrency int) *asynq.Server {
	return asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueDownloads: 1,
			},
		},
	)
}

// Enqueue はジョブをキューに投入します。
func (b *AsynqBroker) Enqueue(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	body, err := json.Marshal(&TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypeDownload, body)
	// Executor が試行回数を管理するので、Asynq の再試行はワーカー停止時の再配送に使われる
	opts := []asynq.Option{
		asynq.Queue(queueDownloads),
		asynq.TaskID(jobID),
		asynq.MaxRetry(b.maxRetry),
	}
	if b.taskTimeout > 0 {
		opts = append(opts, asynq.Timeout(b.taskTimeout))
	}
	_, err = b.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// Start は Asynq サーバーをバックグラウンドで起動します。
func (b *AsynqBroker) Start(handler Handler) error {
	if handler == nil {
		return errors.New("handler is nil")
	}
	b.mux.HandleFunc(taskTypeDownload, func(ctx context.Context, task *asynq.Task) error {
		var payload TaskPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
		if payload.JobID == "" {
			return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
		}
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		return handler(deliveryContext(ctx, retried, maxRetry), payload.JobID)
	})
	if err := b.server.Start(b.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	b.logger.Info("asynq worker started", "concurrency", b.concurrency, "queue", queueDownloads)
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。
func (b *AsynqBroker) Shutdown(ctx context.Context) error {
	b.server.Shutdown()
	return b.client.Close()
}

// deliveryContext は Asynq の再試行回数を使い切った配送に最終配送の印を付けます。
func deliveryContext(ctx context.Context, retried, maxRetry int) context.Context {
	if retried >= maxRetry {
		return WithFinalDelivery(ctx)
	}
	return ctx
}
