package downloads

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type downloadRequest struct {
	URL string `json:"url"`
}

// RegisterRoutes はダウンロード API のルートを登録します。
// cleanupMiddleware は POST /cleanup の前に実行されます（認証など）。
func RegisterRoutes(router gin.IRouter, svc *Service, logger *slog.Logger, cleanupMiddleware ...gin.HandlerFunc) {
	router.POST("/download", SubmitHandler(svc, logger))
	router.GET("/task_status/:task_id", StatusHandler(svc, logger))
	router.GET("/files/:task_id/:filename", FileHandler(svc, logger))

	cleanup := append(append([]gin.HandlerFunc{}, cleanupMiddleware...), CleanupHandler(svc))
	router.POST("/cleanup", cleanup...)
}

// SubmitHandler は POST /download のハンドラーを返します。
func SubmitHandler(svc *Service, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req downloadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, logger, newError(CodeInvalidInput, "JSON で url を送ってください。", err))
			return
		}

		jobID, err := svc.SubmitDownload(c.Request.Context(), req.URL)
		if err != nil {
			respondWithError(c, logger, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"task_id": jobID})
	}
}

// StatusHandler は GET /task_status/:task_id のハンドラーを返します。
func StatusHandler(svc *Service, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := svc.GetStatus(c.Request.Context(), c.Param("task_id"))
		if err != nil {
			respondWithError(c, logger, err)
			return
		}

		payload := gin.H{
			"task_id":    status.JobID,
			"state":      status.State,
			"attempts":   status.Attempts,
			"updated_at": status.UpdatedAt,
		}
		if status.Result != nil {
			payload["status"] = status.Result.Message
			payload["result"] = gin.H{
				"message":      status.Result.Message,
				"filename":     status.Result.Filename,
				"download_url": status.Result.DownloadURL,
				"size":         status.Result.Size,
				"content_type": status.Result.ContentType,
			}
		}
		if status.Error != nil {
			payload["error"] = status.Error.Message
			payload["error_code"] = status.Error.Code
		}
		c.JSON(http.StatusOK, payload)
	}
}

// FileHandler は GET /files/:task_id/:filename のハンドラーを返します。
func FileHandler(svc *Service, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("task_id")
		artifact, err := svc.GetArtifact(jobID, c.Param("filename"))
		if err != nil {
			respondWithError(c, logger, err)
			return
		}
		defer artifact.Close()

		c.Header("Content-Disposition", contentDisposition(artifact.Filename))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", artifact.JobID)
		c.DataFromReader(http.StatusOK, artifact.Size, artifact.ContentType, artifact.File, nil)
	}
}

var quotedNameEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// contentDisposition は filename の quoted-string と RFC 5987 の filename* を両方含むヘッダー値を返します。
func contentDisposition(filename string) string {
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`,
		quotedNameEscaper.Replace(filename), encodeExtValue(filename))
}

// encodeExtValue は RFC 5987 の attr-char 以外をパーセントエンコードします。
func encodeExtValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if isAttrChar(ch) {
			b.WriteByte(ch)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", ch)
	}
	return b.String()
}

func isAttrChar(ch byte) bool {
	switch {
	case 'a' <= ch && ch <= 'z', 'A' <= ch && ch <= 'Z', '0' <= ch && ch <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", ch) >= 0
}

// CleanupHandler は POST /cleanup のハンドラーを返します。
func CleanupHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ack := svc.RequestCleanup()
		c.JSON(http.StatusOK, gin.H{"message": ack.Message})
	}
}

func respondWithError(c *gin.Context, logger *slog.Logger, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = newError(CodeInternalError, "サーバー内部でエラーが発生しました。", err)
	}

	status := http.StatusInternalServerError
	switch apiErr.Code {
	case CodeInvalidInput:
		status = http.StatusBadRequest
	case CodeJobNotFound, CodeFileNotFound:
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", "path", c.FullPath(), "error", err)
	}

	c.JSON(status, gin.H{
		"code":    apiErr.Code,
		"message": apiErr.Message,
		"error":   apiErr.Message,
	})
}
