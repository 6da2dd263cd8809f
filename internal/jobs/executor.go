package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/yourusername/vidfetch/internal/storage"
)

const (
	errorCodeDownloadFailed = "DOWNLOAD_FAILED"
	completedMessage        = "Download completed"
)

// ErrNoArtifact は処理が成功しても成果物ファイルが見つからない場合のエラーです。
var ErrNoArtifact = errors.New("no downloaded file found")

// WorkFunc は url の内容を dir に書き出す処理です。
// 再試行しても結果が変わらない失敗は Permanent で包んで返してください。
type WorkFunc func(ctx context.Context, url, dir string) error

// OutcomeKind は1回の試行結果の種別です。
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome は1回の試行結果です。Success のときだけ Artifact が入ります。
type Outcome struct {
	Kind     OutcomeKind
	Artifact *storage.Candidate
	Err      error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent は再試行しても回復しないエラーとして err を包みます。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent は err が Permanent で包まれているかを返します。
func IsPermanent(err error) bool {
	var perr *permanentError
	return errors.As(err, &perr)
}

// ExecutorConfig は Executor の動作設定です。
type ExecutorConfig struct {
	MaxRetries    int
	Timeout       time.Duration
	Extensions    []string
	ResultBaseURL string
}

// ExecutionBudget は1ジョブの Execute が取りうる最長時間を返します。
// 全試行のタイムアウトと試行間の待ち時間の合計に1分の余裕を足したものです。
// Timeout が無制限の場合は 0 を返します。
func ExecutionBudget(cfg ExecutorConfig, bo Backoff) time.Duration {
	if cfg.Timeout <= 0 {
		return 0
	}
	if bo == nil {
		bo = ConstantBackoff{}
	}
	attempts := cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	budget := time.Duration(attempts) * cfg.Timeout
	for retry := 1; retry < attempts; retry++ {
		budget += bo.Delay(retry)
	}
	return budget + time.Minute
}

// Executor はジョブを実行し、再試行と状態更新を行います。
type Executor struct {
	store     Store
	artifacts *storage.Local
	work      WorkFunc
	backoff   Backoff
	cfg       ExecutorConfig
	logger    *slog.Logger
}

// NewExecutor は Executor を作成します。
func NewExecutor(store Store, artifacts *storage.Local, work WorkFunc, bo Backoff, cfg ExecutorConfig, logger *slog.Logger) (*Executor, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if artifacts == nil {
		return nil, errors.New("artifact store is nil")
	}
	if work == nil {
		return nil, errors.New("work function is nil")
	}
	if bo == nil {
		bo = ConstantBackoff{}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".mp4"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:     store,
		artifacts: artifacts,
		work:      work,
		backoff:   bo,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Execute はジョブを最大 MaxRetries+1 回まで実行し、最終結果を保存します。
// 途中で再配送された場合は記録済みの試行回数から続きを実行します。
func (e *Executor) Execute(ctx context.Context, record *Record) error {
	if record == nil {
		return errors.New("record is nil")
	}
	if record.Status.Terminal() {
		return nil
	}

	maxAttempts := e.cfg.MaxRetries + 1
	first := record.Attempts + 1
	last := Outcome{Kind: OutcomeRetryable}

	for attempt := first; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := e.wait(ctx, e.backoff.Delay(attempt-1)); err != nil {
				return err
			}
		}

		if err := e.store.MarkRunning(ctx, record.JobID, attempt); err != nil {
			if errors.Is(err, ErrTerminal) {
				return nil
			}
			return err
		}

		last = e.Run(ctx, record.JobID, record.URL)
		if ctx.Err() != nil {
			// シャットダウン中は RUNNING のまま残し、再配送に任せる
			return ctx.Err()
		}

		switch last.Kind {
		case OutcomeSuccess:
			return e.handleSuccess(ctx, record.JobID, last.Artifact)
		case OutcomeFatal:
			e.logger.Warn("job failed permanently",
				"job_id", record.JobID,
				"attempt", attempt,
				"error", last.Err,
			)
			return e.handleFailure(ctx, record.JobID, last.Err)
		default:
			e.logger.Info("job attempt failed",
				"job_id", record.JobID,
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"error", last.Err,
			)
		}
	}

	err := last.Err
	if err == nil {
		err = fmt.Errorf("retry budget exhausted after %d attempts", maxAttempts)
	}
	return e.handleFailure(ctx, record.JobID, err)
}

// Run は1回分の試行を行い、その結果を Outcome として返します。
func (e *Executor) Run(ctx context.Context, jobID, sourceURL string) Outcome {
	dir, err := e.artifacts.Allocate(jobID)
	if err != nil {
		return Outcome{Kind: OutcomeRetryable, Err: err}
	}
	// 毎回空のディレクトリから始める
	if err := e.artifacts.Reset(jobID); err != nil {
		return Outcome{Kind: OutcomeRetryable, Err: err}
	}

	attemptCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	if err := e.call(attemptCtx, jobID, sourceURL, dir); err != nil {
		if IsPermanent(err) {
			return Outcome{Kind: OutcomeFatal, Err: err}
		}
		return Outcome{Kind: OutcomeRetryable, Err: err}
	}

	candidates, err := e.artifacts.Candidates(dir, e.cfg.Extensions)
	if err != nil {
		return Outcome{Kind: OutcomeRetryable, Err: err}
	}
	if len(candidates) == 0 {
		return Outcome{Kind: OutcomeRetryable, Err: ErrNoArtifact}
	}

	winner := candidates[0]
	size, err := e.artifacts.Finalize(winner.Path)
	if err != nil {
		return Outcome{Kind: OutcomeRetryable, Err: err}
	}
	winner.Size = size
	return Outcome{Kind: OutcomeSuccess, Artifact: &winner}
}

// call は処理中の panic をエラーに変換します。
func (e *Executor) call(ctx context.Context, jobID, sourceURL, dir string) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("work function panicked",
				"job_id", jobID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			retErr = fmt.Errorf("panic while downloading: %v", r)
		}
	}()
	return e.work(ctx, sourceURL, dir)
}

func (e *Executor) handleSuccess(ctx context.Context, jobID string, artifact *storage.Candidate) error {
	result := Result{
		Message:     completedMessage,
		Filename:    artifact.Name,
		DownloadURL: e.buildDownloadURL(jobID, artifact.Name),
		Size:        artifact.Size,
		ContentType: storage.ContentType(artifact.Path),
	}
	if err := e.store.MarkSucceeded(ctx, jobID, result); err != nil {
		if errors.Is(err, ErrTerminal) {
			e.logger.Warn("job already finished, result discarded", "job_id", jobID)
			return nil
		}
		e.logger.Error("failed to update job after success", "job_id", jobID, "error", err)
		return err
	}
	e.logger.Info("job completed", "job_id", jobID, "filename", artifact.Name, "size", artifact.Size)
	return nil
}

func (e *Executor) handleFailure(ctx context.Context, jobID string, cause error) error {
	info := ErrorInfo{
		Code:    errorCodeDownloadFailed,
		Message: SanitizeError(cause, e.artifacts.Root()),
	}
	if err := e.store.MarkFailed(ctx, jobID, info); err != nil {
		if errors.Is(err, ErrTerminal) {
			return nil
		}
		e.logger.Error("failed to update job as failed", "job_id", jobID, "error", err)
		return err
	}
	e.logger.Warn("job failed", "job_id", jobID, "error", cause)
	return nil
}

func (e *Executor) buildDownloadURL(jobID, filename string) string {
	base := e.cfg.ResultBaseURL
	if base == "" {
		return fmt.Sprintf("/files/%s/%s", jobID, url.PathEscape(filename))
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(base, "/"), jobID, url.PathEscape(filename))
}

func (e *Executor) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
