package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrBrokerClosed は停止済みのブローカーに投入した場合に返されます。
var ErrBrokerClosed = errors.New("broker is closed")

// MemoryBroker はチャネルと固定数のワーカー goroutine でジョブを配送します。
// キューはプロセス内にのみ存在し、再起動で失われます。
type MemoryBroker struct {
	queue       chan string
	concurrency int
	logger      *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	closed  bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewMemoryBroker は MemoryBroker を作成します。
func NewMemoryBroker(concurrency, capacity int, logger *slog.Logger) *MemoryBroker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBroker{
		queue:       make(chan string, capacity),
		concurrency: concurrency,
		logger:      logger,
		stopCh:      make(chan struct{}),
		baseCtx:     ctx,
		cancelBase:  cancel,
	}
}

// Enqueue はジョブIDをキューに入れます。キューが満杯の場合は空くか ctx が終わるまで待ちます。
func (b *MemoryBroker) Enqueue(ctx context.Context, jobID string) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBrokerClosed
	}

	select {
	case b.queue <- jobID:
		return nil
	case <-b.stopCh:
		return ErrBrokerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start はワーカー goroutine を起動します。2回目以降の呼び出しは何もしません。
func (b *MemoryBroker) Start(handler Handler) error {
	if handler == nil {
		return errors.New("handler is nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if b.running {
		return nil
	}
	b.running = true

	b.logger.Info("worker pool starting", "concurrency", b.concurrency)
	for i := 0; i < b.concurrency; i++ {
		b.wg.Add(1)
		go b.loop(handler)
	}
	return nil
}

// Shutdown はワーカーを停止し、実行中のジョブの終了を待ちます。
// ctx の期限を過ぎた場合は実行中のジョブをキャンセルします。
func (b *MemoryBroker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stopCh)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		b.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		b.cancelBase()
		<-done
	}
	b.cancelBase()

	if pending := len(b.queue); pending > 0 {
		b.logger.Warn("jobs left in memory queue", "count", pending)
	}
	return nil
}

func (b *MemoryBroker) loop(handler Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case jobID := <-b.queue:
			if err := b.dispatch(handler, jobID); err != nil {
				b.logger.Error("job handler returned error", "job_id", jobID, "error", err)
			}
		}
	}
}

func (b *MemoryBroker) dispatch(handler Handler, jobID string) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("job handler panicked",
				"job_id", jobID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			retErr = fmt.Errorf("panic in job %s: %v", jobID, r)
		}
	}()
	return handler(b.baseCtx, jobID)
}
