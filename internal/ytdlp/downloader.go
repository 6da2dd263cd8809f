// Package ytdlp は yt-dlp を使って動画をダウンロードします。
package ytdlp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/yourusername/vidfetch/internal/jobs"
)

const (
	outputTemplate = "%(title).50s.%(ext)s"
	maxStderrBytes = 64 * 1024
)

// 再試行しても成功しない yt-dlp のエラーメッセージ
var permanentMarkers = []string{
	"Unsupported URL",
	"is not a valid URL",
	"Video unavailable",
	"Private video",
	"This video has been removed",
}

// Downloader は yt-dlp プロセスを起動してダウンロードを行います。
type Downloader struct {
	binaryPath string
	ffmpegPath string
	logger     *slog.Logger
}

// NewDownloader は Downloader を作成します。
func NewDownloader(binaryPath, ffmpegPath string, logger *slog.Logger) *Downloader {
	if binaryPath == "" {
		binaryPath = "yt-dlp"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{
		binaryPath: binaryPath,
		ffmpegPath: ffmpegPath,
		logger:     logger,
	}
}

// Download は url の動画を dir に mp4 として保存します。jobs.WorkFunc として使えます。
func (d *Downloader) Download(ctx context.Context, url, dir string) error {
	cmd := exec.CommandContext(ctx, d.binaryPath, d.Args(url, dir)...)
	cmd.Dir = dir

	var stdout bytes.Buffer
	stderr := &limitedBuffer{limit: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	d.logger.Debug("starting yt-dlp", "dir", dir)
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return jobs.Permanent(fmt.Errorf("yt-dlp binary not found: %s", d.binaryPath))
		}
		if ctx.Err() != nil {
			return fmt.Errorf("yt-dlp interrupted: %w", ctx.Err())
		}
		d.logger.Warn("yt-dlp failed", "dir", dir, "error", err, "stderr", stderr.String())
		reason := errorLine(stderr.String())
		if reason == "" {
			reason = err.Error()
		}
		downloadErr := fmt.Errorf("yt-dlp failed: %s", reason)
		if isPermanent(reason) {
			return jobs.Permanent(downloadErr)
		}
		return downloadErr
	}
	return nil
}

// Args は yt-dlp に渡す引数を返します。
func (d *Downloader) Args(url, dir string) []string {
	args := []string{
		"--format", "bestvideo+bestaudio",
		"--output", filepath.Join(dir, outputTemplate),
		"--merge-output-format", "mp4",
		"--restrict-filenames",
		"--no-part",
		"--no-continue",
		"--force-overwrites",
		"--no-progress",
		"--postprocessor-args", "ffmpeg:-c:v libx264 -preset medium -crf 23 -c:a aac -b:a 192k -movflags +faststart",
	}
	if d.ffmpegPath != "" {
		args = append(args, "--ffmpeg-location", d.ffmpegPath)
	}
	// URL がオプションとして解釈されないように区切る
	return append(args, "--", url)
}

// errorLine は stderr から最後の "ERROR:" 行を取り出します。無ければ最後の空でない行を返します。
func errorLine(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	last := ""
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "ERROR:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		}
		if last == "" {
			last = line
		}
	}
	return last
}

func isPermanent(reason string) bool {
	for _, marker := range permanentMarkers {
		if strings.Contains(reason, marker) {
			return true
		}
	}
	return false
}

// limitedBuffer は先頭から limit バイトまでを保持し、残りは捨てます。
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
