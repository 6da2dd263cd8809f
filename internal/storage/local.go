// Package storage はジョブごとの成果物ディレクトリを管理します。
//
// 保存先は <root>/<jobID>/ で、ディレクトリ名は常にサーバーが採番した UUID です。
// 作成時刻はディレクトリ内のマーカーファイルに記録し、保持期間を過ぎたものは Reclaim で削除します。
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const markerFilename = ".created"

var (
	// ErrNotFound はジョブディレクトリまたはファイルが存在しない場合に返されます。
	ErrNotFound = errors.New("artifact not found")
	// ErrStorage はファイルシステム操作の失敗を表します。
	ErrStorage = errors.New("storage failure")
)

// Local はローカルファイルシステム上の成果物ストアです。
type Local struct {
	root   string
	logger *slog.Logger
}

// Artifact は開かれた成果物ファイルです。呼び出し側で Close してください。
type Artifact struct {
	JobID       string
	Filename    string
	Path        string
	Size        int64
	ModTime     time.Time
	ContentType string
	File        *os.File
}

// Close はファイルハンドルを閉じます。
func (a *Artifact) Close() error {
	if a == nil || a.File == nil {
		return nil
	}
	return a.File.Close()
}

// Candidate は成果物候補のファイル情報です。
type Candidate struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// ReclaimReport は Reclaim 1回分の結果です。
type ReclaimReport struct {
	Scanned int
	Removed []string
	Skipped []string
	Failed  int
}

type marker struct {
	JobID     string    `json:"jobId"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewLocal はルートディレクトリを作成して Local を返します。
func NewLocal(root string, logger *slog.Logger) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: root directory is required", ErrStorage)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve root: %v", ErrStorage, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create root: %v", ErrStorage, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{root: abs, logger: logger}, nil
}

// Root はルートディレクトリの絶対パスを返します。
func (l *Local) Root() string {
	return l.root
}

// Allocate はジョブ用ディレクトリを作成します。既に存在する場合は同じパスを返します。
func (l *Local) Allocate(jobID string) (string, error) {
	if !validJobID(jobID) {
		return "", fmt.Errorf("%w: invalid job id %q", ErrStorage, jobID)
	}
	dir := filepath.Join(l.root, jobID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("%w: create job dir: %v", ErrStorage, err)
	}
	if err := writeMarker(dir, jobID, time.Now().UTC()); err != nil {
		return "", err
	}
	return dir, nil
}

// Reset はジョブディレクトリからマーカー以外をすべて削除します。
// 再試行の前に呼び、前回の試行が残した途中のファイルを消します。
func (l *Local) Reset(jobID string) error {
	if !validJobID(jobID) {
		return fmt.Errorf("%w: invalid job id %q", ErrStorage, jobID)
	}
	dir := filepath.Join(l.root, jobID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: read job dir: %v", ErrStorage, err)
	}
	for _, entry := range entries {
		if entry.Name() == markerFilename {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("%w: remove leftover %s: %v", ErrStorage, entry.Name(), err)
		}
	}
	return nil
}

// Resolve はジョブディレクトリ内のファイルを開きます。
// ディレクトリ外を指す名前や隠しファイルは存在しないものとして扱います。
func (l *Local) Resolve(jobID, filename string) (*Artifact, error) {
	if !validJobID(jobID) || !validFilename(filename) {
		return nil, ErrNotFound
	}
	path := filepath.Join(l.root, jobID, filename)

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: stat artifact: %v", ErrStorage, err)
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotFound
	}

	contentType := ContentType(path)

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: open artifact: %v", ErrStorage, err)
	}

	return &Artifact{
		JobID:       jobID,
		Filename:    filename,
		Path:        path,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		ContentType: contentType,
		File:        file,
	}, nil
}

// Candidates は dir 直下で拡張子が exts に含まれる空でないファイルを返します。
// 更新時刻の新しい順、同時刻なら名前の降順に並びます。
func (l *Local) Candidates(dir string, exts []string) ([]Candidate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read job dir: %v", ErrStorage, err)
	}

	var out []Candidate
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !hasExtension(name, exts) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
			continue
		}
		out = append(out, Candidate{
			Name:    name,
			Path:    filepath.Join(dir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

// Finalize はファイルを fsync し、確定したサイズを返します。
func (l *Local) Finalize(path string) (int64, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: open for sync: %v", ErrStorage, err)
	}
	defer file.Close()

	if err := file.Sync(); err != nil {
		return 0, fmt.Errorf("%w: sync artifact: %v", ErrStorage, err)
	}
	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat artifact: %v", ErrStorage, err)
	}
	if info.Size() == 0 {
		return 0, fmt.Errorf("%w: artifact is empty", ErrStorage)
	}
	return info.Size(), nil
}

// ContentType はファイル先頭を読んで MIME タイプを判定します。判定できない場合は application/octet-stream です。
func ContentType(path string) string {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return mtype.String()
}

// Reclaim は作成から window 以上経過したジョブディレクトリを削除します。
// skip が true を返したジョブは残します。個別の失敗はログに記録して次へ進みます。
func (l *Local) Reclaim(window time.Duration, now time.Time, skip func(jobID string) bool) ReclaimReport {
	var report ReclaimReport

	entries, err := os.ReadDir(l.root)
	if err != nil {
		l.logger.Error("failed to scan download root", "dir", l.root, "error", err)
		report.Failed++
		return report
	}

	cutoff := now.Add(-window)
	for _, entry := range entries {
		jobID := entry.Name()
		if !entry.IsDir() || !validJobID(jobID) {
			continue
		}
		report.Scanned++

		dir := filepath.Join(l.root, jobID)
		created, err := createdAt(dir)
		if err != nil {
			l.logger.Warn("failed to read job dir timestamp", "job_id", jobID, "error", err)
			report.Failed++
			continue
		}
		if !created.Before(cutoff) {
			continue
		}
		if skip != nil && skip(jobID) {
			report.Skipped = append(report.Skipped, jobID)
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			l.logger.Warn("failed to remove job dir", "job_id", jobID, "dir", dir, "error", err)
			report.Failed++
			continue
		}
		report.Removed = append(report.Removed, jobID)
	}
	return report
}

func writeMarker(dir, jobID string, created time.Time) error {
	path := filepath.Join(dir, markerFilename)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("%w: create marker: %v", ErrStorage, err)
	}
	defer file.Close()
	if err := json.NewEncoder(file).Encode(marker{JobID: jobID, CreatedAt: created}); err != nil {
		return fmt.Errorf("%w: write marker: %v", ErrStorage, err)
	}
	return nil
}

func createdAt(dir string) (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(dir, markerFilename))
	if err == nil {
		var m marker
		if json.Unmarshal(data, &m) == nil && !m.CreatedAt.IsZero() {
			return m.CreatedAt, nil
		}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func validJobID(jobID string) bool {
	parsed, err := uuid.Parse(jobID)
	if err != nil {
		return false
	}
	return parsed.String() == jobID
}

func validFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.HasPrefix(name, ".") || filepath.IsAbs(name) {
		return false
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	return true
}

func hasExtension(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range exts {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}
