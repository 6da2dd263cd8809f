// Package downloads はダウンロードジョブの受付・状態参照・成果物取得・クリーンアップ要求をまとめた窓口です。
package downloads

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/yourusername/vidfetch/internal/jobs"
	"github.com/yourusername/vidfetch/internal/storage"
)

// Error はクライアントに返すエラーコードとメッセージです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

const (
	CodeInvalidInput  = "INVALID_INPUT"
	CodeJobNotFound   = "JOB_NOT_FOUND"
	CodeFileNotFound  = "FILE_NOT_FOUND"
	CodeInternalError = "INTERNAL_ERROR"
)

// Status はクライアントに返すジョブ状態です。
type Status struct {
	JobID     string
	State     jobs.Status
	Attempts  int
	Result    *jobs.Result
	Error     *jobs.ErrorInfo
	UpdatedAt time.Time
}

// Ack はクリーンアップ要求の受付結果です。
type Ack struct {
	Message string
	Started bool
}

// Cleaner はクリーンアップを非同期に開始します。
type Cleaner interface {
	Trigger() bool
}

// Service は HTTP ハンドラーから使われる操作をまとめます。
type Service struct {
	manager   *jobs.Manager
	artifacts *storage.Local
	cleaner   Cleaner
}

// NewService は Service を作成します。
func NewService(manager *jobs.Manager, artifacts *storage.Local, cleaner Cleaner) *Service {
	return &Service{
		manager:   manager,
		artifacts: artifacts,
		cleaner:   cleaner,
	}
}

// SubmitDownload は URL を検証してジョブを投入し、ジョブIDを返します。
func (s *Service) SubmitDownload(ctx context.Context, rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", newError(CodeInvalidInput, "URLを指定してください。", nil)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", newError(CodeInvalidInput, "http または https のURLを指定してください。", err)
	}

	jobID, err := s.manager.Submit(ctx, trimmed)
	if err != nil {
		return "", newError(CodeInternalError, "ジョブの登録に失敗しました。", err)
	}
	return jobID, nil
}

// GetStatus はジョブ状態を返します。
func (s *Service) GetStatus(ctx context.Context, jobID string) (*Status, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, newError(CodeInvalidInput, "task_id を指定してください。", nil)
	}
	record, err := s.manager.Status(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return nil, newError(CodeJobNotFound, "指定されたジョブは存在しません。", err)
		}
		return nil, newError(CodeInternalError, "ジョブ情報の取得に失敗しました。", err)
	}
	return &Status{
		JobID:     record.JobID,
		State:     record.Status,
		Attempts:  record.Attempts,
		Result:    record.Result,
		Error:     record.Error,
		UpdatedAt: record.UpdatedAt,
	}, nil
}

// GetArtifact は成果物ファイルを開いて返します。呼び出し側で Close してください。
func (s *Service) GetArtifact(jobID, filename string) (*storage.Artifact, error) {
	artifact, err := s.artifacts.Resolve(jobID, filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newError(CodeFileNotFound, "ファイルが見つかりません。", err)
		}
		return nil, newError(CodeInternalError, "ファイルの取得に失敗しました。", err)
	}
	return artifact, nil
}

// RequestCleanup はクリーンアップを開始して即座に応答を返します。
func (s *Service) RequestCleanup() Ack {
	started := false
	if s.cleaner != nil {
		started = s.cleaner.Trigger()
	}
	return Ack{Message: "Cleanup task started.", Started: started}
}
