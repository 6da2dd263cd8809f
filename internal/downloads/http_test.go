package downloads

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/vidfetch/internal/jobs"
	"github.com/yourusername/vidfetch/internal/storage"
)

type stubCleaner struct {
	calls atomic.Int32
}

func (s *stubCleaner) Trigger() bool {
	s.calls.Add(1)
	return true
}

type testEnv struct {
	router    *gin.Engine
	store     *jobs.MemoryStore
	artifacts *storage.Local
	cleaner   *stubCleaner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	artifacts, err := storage.NewLocal(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	store := jobs.NewMemoryStore(time.Hour)
	manager, err := jobs.NewManager(store, jobs.NewMemoryBroker(1, 16, logger), nil, logger)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	cleaner := &stubCleaner{}
	svc := NewService(manager, artifacts, cleaner)

	router := gin.New()
	RegisterRoutes(router, svc, logger)
	return &testEnv{router: router, store: store, artifacts: artifacts, cleaner: cleaner}
}

func (e *testEnv) do(method, path string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return payload
}

func TestSubmitReturnsTaskID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/download", bytes.NewBufferString(`{"url":"https://example.com/watch?v=1"}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	taskID, _ := decode(t, rec)["task_id"].(string)
	if _, err := uuid.Parse(taskID); err != nil {
		t.Fatalf("task_id is not a uuid: %q", taskID)
	}

	statusRec := env.do(http.MethodGet, "/task_status/"+taskID, nil)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", statusRec.Code)
	}
	if state := decode(t, statusRec)["state"]; state != "PENDING" {
		t.Fatalf("state = %v, want PENDING", state)
	}
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	bodies := []string{
		`{}`,
		`{"url":"   "}`,
		`{"url":"ftp://example.com/file"}`,
		`{"url":"not a url"}`,
		`not json`,
	}
	for _, body := range bodies {
		rec := env.do(http.MethodPost, "/download", bytes.NewBufferString(body))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400", body, rec.Code)
		}
		if code := decode(t, rec)["code"]; code != CodeInvalidInput {
			t.Fatalf("body %q: code = %v", body, code)
		}
	}

	pending, _ := env.store.ListByStatus(context.Background(), jobs.StatusPending)
	if len(pending) != 0 {
		t.Fatalf("invalid submissions must not create records: %d", len(pending))
	}
	entries, _ := os.ReadDir(env.artifacts.Root())
	if len(entries) != 0 {
		t.Fatalf("invalid submissions must not create namespaces: %d", len(entries))
	}
}

func TestStatusUnknownTask(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/task_status/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := decode(t, rec)["code"]; code != CodeJobNotFound {
		t.Fatalf("code = %v", code)
	}
}

func TestStatusIncludesResultAndError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	okID := uuid.NewString()
	failID := uuid.NewString()
	for _, id := range []string{okID, failID} {
		if err := env.store.Create(ctx, &jobs.Record{JobID: id, URL: "https://example.com"}); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}
	if err := env.store.MarkSucceeded(ctx, okID, jobs.Result{
		Message:     "Download completed",
		Filename:    "clip.mp4",
		DownloadURL: "/files/" + okID + "/clip.mp4",
		Size:        42,
	}); err != nil {
		t.Fatalf("MarkSucceeded returned error: %v", err)
	}
	if err := env.store.MarkFailed(ctx, failID, jobs.ErrorInfo{Code: "DOWNLOAD_FAILED", Message: "yt-dlp failed: timed out"}); err != nil {
		t.Fatalf("MarkFailed returned error: %v", err)
	}

	okPayload := decode(t, env.do(http.MethodGet, "/task_status/"+okID, nil))
	if okPayload["state"] != "SUCCESS" || okPayload["status"] != "Download completed" {
		t.Fatalf("unexpected success payload: %#v", okPayload)
	}
	result, _ := okPayload["result"].(map[string]any)
	if result["download_url"] != "/files/"+okID+"/clip.mp4" || result["filename"] != "clip.mp4" {
		t.Fatalf("unexpected result: %#v", result)
	}

	failPayload := decode(t, env.do(http.MethodGet, "/task_status/"+failID, nil))
	if failPayload["state"] != "FAILURE" || failPayload["error"] != "yt-dlp failed: timed out" {
		t.Fatalf("unexpected failure payload: %#v", failPayload)
	}
	if _, ok := failPayload["result"]; ok {
		t.Fatal("failed job must not expose a result")
	}
}

func TestFileDownload(t *testing.T) {
	env := newTestEnv(t)
	jobID := uuid.NewString()
	dir, err := env.artifacts.Allocate(jobID)
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	content := []byte("\x00\x00\x00\x18ftypmp42video-bytes")
	if err := os.WriteFile(filepath.Join(dir, "My_Clip.mp4"), content, 0o600); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	rec := env.do(http.MethodGet, "/files/"+jobID+"/My_Clip.mp4", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if !bytes.Equal(rec.Body.Bytes(), content) {
		t.Fatal("downloaded bytes differ from the artifact")
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") || !strings.Contains(cd, "My_Clip.mp4") {
		t.Fatalf("unexpected Content-Disposition: %q", cd)
	}
	if rec.Header().Get("X-Job-Id") != jobID {
		t.Fatalf("unexpected X-Job-Id: %q", rec.Header().Get("X-Job-Id"))
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("Cache-Control should be no-store")
	}
}

func TestFileDownloadNotFound(t *testing.T) {
	env := newTestEnv(t)
	jobID := uuid.NewString()
	if _, err := env.artifacts.Allocate(jobID); err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}

	paths := []string{
		"/files/" + jobID + "/missing.mp4",
		"/files/" + jobID + "/.created",
		"/files/not-a-uuid/clip.mp4",
		"/files/" + uuid.NewString() + "/clip.mp4",
	}
	for _, path := range paths {
		rec := env.do(http.MethodGet, path, nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404", path, rec.Code)
		}
		if code := decode(t, rec)["code"]; code != CodeFileNotFound {
			t.Fatalf("%s: code = %v", path, code)
		}
	}
}

func TestServiceRejectsTraversalFilename(t *testing.T) {
	env := newTestEnv(t)
	svc := NewService(nil, env.artifacts, nil)
	jobID := uuid.NewString()
	if _, err := env.artifacts.Allocate(jobID); err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	for _, name := range []string{"..", "../x.mp4", "/etc/passwd", ""} {
		_, err := svc.GetArtifact(jobID, name)
		apiErr, ok := err.(*Error)
		if !ok || apiErr.Code != CodeFileNotFound {
			t.Fatalf("GetArtifact(%q) error = %v, want FILE_NOT_FOUND", name, err)
		}
	}
}

func TestCleanupAcknowledgesImmediately(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/cleanup", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if msg := decode(t, rec)["message"]; msg != "Cleanup task started." {
		t.Fatalf("unexpected message: %v", msg)
	}
	if env.cleaner.calls.Load() != 1 {
		t.Fatalf("cleaner triggered %d times, want 1", env.cleaner.calls.Load())
	}
}

func TestContentDispositionEscapesFilename(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"My_Clip.mp4", `attachment; filename="My_Clip.mp4"; filename*=UTF-8''My_Clip.mp4`},
		{`clip "final".mp4`, `attachment; filename="clip \"final\".mp4"; filename*=UTF-8''clip%20%22final%22.mp4`},
		{`a\b;c.mp4`, `attachment; filename="a\\b;c.mp4"; filename*=UTF-8''a%5Cb%3Bc.mp4`},
		{"動画.mp4", `attachment; filename="動画.mp4"; filename*=UTF-8''%E5%8B%95%E7%94%BB.mp4`},
	}
	for _, tc := range cases {
		if got := contentDisposition(tc.name); got != tc.want {
			t.Fatalf("contentDisposition(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}
