// Package auth は管理用エンドポイントの認証を提供します。
package auth

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

var (
	attemptWindow    = 15 * time.Minute
	lockDuration     = 10 * time.Minute
	maxTokenAttempts = 5
)

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は管理トークンの検証と失敗回数の記録を行います。
// tokenHash が空の場合は認証を行いません。
type Manager struct {
	tokenHash string
	lock      sync.Mutex
	attempts  map[string]*attemptState
	now       func() time.Time
}

// NewManager は bcrypt ハッシュ化されたトークンで Manager を作成します。
func NewManager(tokenHash string) *Manager {
	return &Manager{
		tokenHash: strings.TrimSpace(tokenHash),
		attempts:  make(map[string]*attemptState),
		now:       time.Now,
	}
}

// Enabled はトークン認証が有効かどうかを返します。
func (m *Manager) Enabled() bool {
	return m.tokenHash != ""
}

// RequireAdmin は Authorization: Bearer <token> を検証するミドルウェアを返します。
func (m *Manager) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		ip := c.ClientIP()
		if retryAfter := m.checkLock(ip); retryAfter > 0 {
			c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_ATTEMPTS",
				"message": "一定時間後に再度お試しください",
			})
			return
		}

		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok || !m.verifyToken(token) {
			m.recordFailure(ip)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "管理トークンが正しくありません",
			})
			return
		}

		m.resetAttempts(ip)
		c.Next()
	}
}

func (m *Manager) verifyToken(token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(m.tokenHash), []byte(token)) == nil
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := m.now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

func (m *Manager) recordFailure(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > attemptWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxTokenAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxTokenAttempts
	}
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
