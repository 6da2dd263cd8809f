package jobs

import (
	"strings"
	"unicode/utf8"
)

const maxErrorMessageRunes = 200

// SanitizeError はクライアントに返すエラーメッセージを作ります。
// 1行目だけを使い、ダウンロード先のパスを取り除いて 200 文字に切り詰めます。
func SanitizeError(err error, root string) string {
	if err == nil {
		return "download failed"
	}
	msg := err.Error()
	if i := strings.IndexAny(msg, "\r\n"); i >= 0 {
		msg = msg[:i]
	}
	if root != "" {
		root = strings.TrimRight(root, "/")
		msg = strings.ReplaceAll(msg, root+"/", "")
		msg = strings.ReplaceAll(msg, root, "")
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "download failed"
	}
	if utf8.RuneCountInString(msg) > maxErrorMessageRunes {
		runes := []rune(msg)
		msg = string(runes[:maxErrorMessageRunes])
	}
	return msg
}
