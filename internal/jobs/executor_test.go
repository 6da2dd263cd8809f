package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/vidfetch/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor(t *testing.T, store Store, work WorkFunc, maxRetries int) (*Executor, *storage.Local) {
	t.Helper()
	artifacts, err := storage.NewLocal(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	executor, err := NewExecutor(store, artifacts, work, ConstantBackoff{}, ExecutorConfig{
		MaxRetries: maxRetries,
		Timeout:    5 * time.Second,
		Extensions: []string{".mp4"},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewExecutor returned error: %v", err)
	}
	return executor, artifacts
}

func createPending(t *testing.T, store Store) *Record {
	t.Helper()
	record := &Record{JobID: uuid.NewString(), URL: "https://example.com/watch?v=1"}
	if err := store.Create(context.Background(), record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	return record
}

func writeVideo(dir, name string, mod time.Time) error {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("\x00\x00\x00\x18ftypmp42"), 0o600); err != nil {
		return err
	}
	return os.Chtimes(path, mod, mod)
}

func TestExecuteSuccess(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	var seenDir string
	executor, artifacts := newTestExecutor(t, store, func(ctx context.Context, url, dir string) error {
		seenDir = dir
		return writeVideo(dir, "clip.mp4", time.Now())
	}, 3)
	record := createPending(t, store)

	if err := executor.Execute(context.Background(), record); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	got, _ := store.Get(context.Background(), record.JobID)
	if got.Status != StatusSuccess {
		t.Fatalf("status = %s, want SUCCESS", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	if got.Result.Filename != "clip.mp4" || got.Result.Message != "Download completed" {
		t.Fatalf("unexpected result: %+v", got.Result)
	}
	if want := "/files/" + record.JobID + "/clip.mp4"; got.Result.DownloadURL != want {
		t.Fatalf("download url = %s, want %s", got.Result.DownloadURL, want)
	}
	if seenDir != filepath.Join(artifacts.Root(), record.JobID) {
		t.Fatalf("work ran in %s, want the job namespace", seenDir)
	}

	artifact, err := artifacts.Resolve(record.JobID, got.Result.Filename)
	if err != nil {
		t.Fatalf("artifact should be resolvable: %v", err)
	}
	artifact.Close()
}

func TestExecuteRetriesUpToBudget(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	var calls atomic.Int32
	executor, _ := newTestExecutor(t, store, func(ctx context.Context, url, dir string) error {
		calls.Add(1)
		return errors.New("ERROR: unable to download\nTraceback: secret")
	}, 2)
	record := createPending(t, store)

	if err := executor.Execute(context.Background(), record); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	if got := calls.Load(); got != 3 {
		t.Fatalf("work called %d times, want 3", got)
	}
	got, _ := store.Get(context.Background(), record.JobID)
	if got.Status != StatusFailure {
		t.Fatalf("status = %s, want FAILURE", got.Status)
	}
	if got.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", got.Attempts)
	}
	if got.Error == nil || got.Error.Code != "DOWNLOAD_FAILED" {
		t.Fatalf("unexpected error info: %+v", got.Error)
	}
	if strings.Contains(got.Error.Message, "Traceback") {
		t.Fatalf("error message should only keep the first line: %q", got.Error.Message)
	}
}

func TestExecuteSucceedsAfterTransientFailure(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	var calls atomic.Int32
	var dirs []string
	executor, _ := newTestExecutor(t, store, func(ctx context.Context, url, dir string) error {
		dirs = append(dirs, dir)
		if calls.Add(1) == 1 {
			return errors.New("network hiccup")
		}
		return writeVideo(dir, "clip.mp4", time.Now())
	}, 3)
	record := createPending(t, store)

	if err := executor.Execute(context.Background(), record); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	got, _ := store.Get(context.Background(), record.JobID)
	if got.Status != StatusSuccess || got.Attempts != 2 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if len(dirs) != 2 || dirs[0] != dirs[1] {
		t.Fatalf("retries must reuse the namespace: %#v", dirs)
	}
}

func TestExecuteDiscardsLeftoversFromFailedAttempt(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	var calls atomic.Int32
	var leftovers []string
	executor, _ := newTestExecutor(t, store, func(ctx context.Context, url, dir string) error {
		if calls.Add(1) == 1 {
			if err := os.WriteFile(filepath.Join(dir, "partial.mp4"), []byte("trunc"), 0o600); err != nil {
				return err
			}
			return errors.New("connection reset")
		}
		entries, _ := os.ReadDir(dir)
		for _, entry := range entries {
			if !strings.HasPrefix(entry.Name(), ".") {
				leftovers = append(leftovers, entry.Name())
			}
		}
		// 「ダウンロード済み」と判断して何も書かずに成功したケース
		return nil
	}, 1)
	record := createPending(t, store)

	if err := executor.Execute(context.Background(), record); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("second attempt saw files from the first: %v", leftovers)
	}
	got, _ := store.Get(context.Background(), record.JobID)
	if got.Status != StatusFailure {
		t.Fatalf("status = %s, want FAILURE (result=%+v)", got.Status, got.Result)
	}
	if got.Error.Message != ErrNoArtifact.Error() {
		t.Fatalf("error message = %q, want %q", got.Error.Message, ErrNoArtifact.Error())
	}
}

func TestExecutionBudget(t *testing.T) {
	cfg := ExecutorConfig{MaxRetries: 2, Timeout: 10 * time.Minute}
	got := ExecutionBudget(cfg, ConstantBackoff{Interval: 5 * time.Second})
	want := 30*time.Minute + 10*time.Second + time.Minute
	if got != want {
		t.Fatalf("budget = %v, want %v", got, want)
	}
	if got := ExecutionBudget(ExecutorConfig{MaxRetries: 3}, nil); got != 0 {
		t.Fatalf("budget without timeout = %v, want 0", got)
	}
}

func TestExecutePermanentFailureIsNotRetried(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	var calls atomic.Int32
	executor, _ := newTestExecutor(t, store, func(ctx context.Context, url, dir string) error {
		calls.Add(1)
		return Permanent(errors.New("unsupported URL"))
	}, 3)
	record := createPending(t, store)

	if err := executor.Execute(context.Background(), record); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("work called %d times, want 1", got)
	}
	got, _ := store.Get(context.Background(), record.JobID)
	if got.Status != StatusFailure || got.Error.Message != "unsupported URL" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestExecuteMissingOutputIsRetryable(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	var calls atomic.Int32
	executor, _ := newTestExecutor(t, store, func(ctx context.Context, url, dir string) error {
		calls.Add(1)
		return os.WriteFile(filepath.Join(dir, "video.webm"), []byte("x"), 0o600)
	}, 1)
	record := createPending(t, store)

	if err := executor.Execute(context.Background(), record); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("work called %d times, want 2", got)
	}
	got, _ := store.Get(context.Background(), record.JobID)
	if got.Status != StatusFailure || got.Error.Message != ErrNoArtifact.Error() {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	executor, _ := newTestExecutor(t, store, func(ctx context.Context, url, dir string) error {
		panic("boom")
	}, 0)
	record := createPending(t, store)

	if err := executor.Execute(context.Background(), record); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	got, _ := store.Get(context.Background(), record.JobID)
	if got.Status != StatusFailure {
		t.Fatalf("status = %s, want FAILURE", got.Status)
	}
}

func TestRunPicksNewestArtifact(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	now := time.Now()
	executor, _ := newTestExecutor(t, store, func(ctx context.Context, url, dir string) error {
		if err := writeVideo(dir, "old.mp4", now.Add(-time.Minute)); err != nil {
			return err
		}
		return writeVideo(dir, "new.mp4", now)
	}, 0)

	outcome := executor.Run(context.Background(), uuid.NewString(), "https://example.com")
	if outcome.Kind != OutcomeSuccess {
		t.Fatalf("outcome = %s (%v), want success", outcome.Kind, outcome.Err)
	}
	if outcome.Artifact.Name != "new.mp4" {
		t.Fatalf("winner = %s, want new.mp4", outcome.Artifact.Name)
	}
	if outcome.Artifact.Size == 0 {
		t.Fatal("winner size should be recorded")
	}
}

func TestExecuteResumesFromRecordedAttempts(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	var calls atomic.Int32
	executor, _ := newTestExecutor(t, store, func(ctx context.Context, url, dir string) error {
		calls.Add(1)
		return errors.New("still failing")
	}, 2)
	record := createPending(t, store)
	if err := store.MarkRunning(context.Background(), record.JobID, 2); err != nil {
		t.Fatalf("MarkRunning returned error: %v", err)
	}
	record, _ = store.Get(context.Background(), record.JobID)

	if err := executor.Execute(context.Background(), record); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("work called %d times after redelivery, want 1", got)
	}
}

func TestExecuteSkipsTerminalRecord(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	executor, _ := newTestExecutor(t, store, func(ctx context.Context, url, dir string) error {
		t.Fatal("work must not run for a finished job")
		return nil
	}, 0)
	record := createPending(t, store)
	if err := store.MarkFailed(context.Background(), record.JobID, ErrorInfo{Code: "X", Message: "y"}); err != nil {
		t.Fatalf("MarkFailed returned error: %v", err)
	}
	record, _ = store.Get(context.Background(), record.JobID)

	if err := executor.Execute(context.Background(), record); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
}

func TestSanitizeError(t *testing.T) {
	root := "/downloads"
	err := errors.New("open /downloads/abc/clip.mp4: permission denied\nstack trace here")
	got := SanitizeError(err, root)
	if got != "open abc/clip.mp4: permission denied" {
		t.Fatalf("unexpected message: %q", got)
	}

	long := errors.New(strings.Repeat("あ", 300))
	if n := len([]rune(SanitizeError(long, root))); n != 200 {
		t.Fatalf("message length = %d runes, want 200", n)
	}

	if SanitizeError(nil, root) == "" {
		t.Fatal("nil error should still produce a message")
	}
}
