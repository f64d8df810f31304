package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-gateway/internal/config"
	"github.com/stemsi/exstem-gateway/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuth() *service.AuthService {
	return service.NewAuthService(&config.Config{JWTSecret: "test-secret"})
}

func mustToken(t *testing.T, auth *service.AuthService, subject string, typ service.TokenType, ttl time.Duration) string {
	t.Helper()
	tok, err := auth.GenerateToken(subject, typ, ttl)
	require.NoError(t, err)
	return tok
}

func TestRequireStudentJWT(t *testing.T) {
	auth := newAuth()
	r := gin.New()
	r.GET("/me", RequireStudentJWT(auth), func(c *gin.Context) {
		creds := GetCredentials(c)
		c.String(http.StatusOK, creds.Subject+"|"+creds.Token)
	})

	student := mustToken(t, auth, "s-1", service.TokenTypeStudent, time.Hour)
	proctor := mustToken(t, auth, "p-1", service.TokenTypeProctor, time.Hour)
	expired := mustToken(t, auth, "s-1", service.TokenTypeStudent, -time.Minute)

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"missing", "", http.StatusUnauthorized, "TOKEN_REQUIRED"},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized, "TOKEN_INVALID"},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, "TOKEN_EXPIRED"},
		{"wrong type", "Bearer " + proctor, http.StatusForbidden, "STUDENT_ACCESS_ONLY"},
		{"ok", "bearer " + student, http.StatusOK, "s-1|" + student},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.body)
		})
	}
}

func TestWSAuthReadsQueryToken(t *testing.T) {
	auth := newAuth()
	r := gin.New()
	r.GET("/ws", RequireProctorWSAuth(auth), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	tok := mustToken(t, auth, "p-1", service.TokenTypeProctor, time.Hour)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	// The header is not consulted on upgrade routes.
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

type ownerMap map[string]string

func (m ownerMap) Authorize(subject, attemptID string) error {
	if m[attemptID] != subject {
		return errors.New("not found")
	}
	return nil
}

func TestRequireAttemptOwner(t *testing.T) {
	auth := newAuth()
	r := gin.New()
	r.GET("/attempts/:attempt_id", RequireStudentJWT(auth), RequireAttemptOwner(ownerMap{"a1": "s-1"}), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	do := func(subject, attempt string) int {
		req := httptest.NewRequest(http.MethodGet, "/attempts/"+attempt, nil)
		req.Header.Set("Authorization", "Bearer "+mustToken(t, auth, subject, service.TokenTypeStudent, time.Hour))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("s-1", "a1"))
	assert.Equal(t, http.StatusNotFound, do("s-2", "a1"))
	assert.Equal(t, http.StatusNotFound, do("s-1", "a2"))
}

func TestRateLimiterRefills(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("ip:1"))
	assert.True(t, rl.allow("ip:1"))
	assert.False(t, rl.allow("ip:1"))
	assert.True(t, rl.allow("ip:2"))

	now = now.Add(time.Minute)
	assert.True(t, rl.allow("ip:1"))

	now = now.Add(10 * time.Minute)
	rl.cleanup()
	assert.Empty(t, rl.visitors)
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour)
	r := gin.New()
	r.POST("/feedback", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/feedback", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/feedback", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
}

func TestBrotliCompressesLargeBodies(t *testing.T) {
	r := gin.New()
	r.Use(Brotli())
	large := strings.Repeat("attempt ", 600)
	r.GET("/large", func(c *gin.Context) { c.String(http.StatusOK, large) })
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/large", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, "br", w.Header().Get("Content-Encoding"))
	plain, err := io.ReadAll(brotli.NewReader(bytes.NewReader(w.Body.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, large, string(plain))

	req = httptest.NewRequest(http.MethodGet, "/small", nil)
	req.Header.Set("Accept-Encoding", "br")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, "ok", w.Body.String())
}

func TestBrotliSkipsWithoutAcceptEncoding(t *testing.T) {
	r := gin.New()
	r.Use(Brotli())
	r.GET("/large", func(c *gin.Context) { c.String(http.StatusOK, strings.Repeat("x", 4096)) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/large", nil))
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Len(t, w.Body.String(), 4096)
}

func TestNoStore(t *testing.T) {
	r := gin.New()
	r.GET("/view", NoStore(), func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/view", nil))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestCacheControlOnlyForReads(t *testing.T) {
	r := gin.New()
	r.Use(CacheControl(600))
	r.GET("/f", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/f", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/f", nil))
	assert.Equal(t, "public, max-age=600, immutable", w.Header().Get("Cache-Control"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/f", nil))
	assert.Empty(t, w.Header().Get("Cache-Control"))
}
