package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Terminal は SUCCESS / FAILURE のいずれかであれば true を返します。
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Result はダウンロード完了時の成果物情報です。
type Result struct {
	Message     string `json:"message"`
	Filename    string `json:"filename"`
	DownloadURL string `json:"downloadUrl"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID      string     `json:"jobId"`
	URL        string     `json:"url"`
	Status     Status     `json:"status"`
	Attempts   int        `json:"attempts"`
	Result     *Result    `json:"result,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Result != nil {
		result := *r.Result
		out.Result = &result
	}
	if r.Error != nil {
		errInfo := *r.Error
		out.Error = &errInfo
	}
	return &out
}

func (r *Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}
