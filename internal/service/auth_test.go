package service

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAuthLogin(t *testing.T) {
	secret, url, err := GenerateSecret("Crosspost", "admin")
	require.NoError(t, err)
	assert.Contains(t, url, "otpauth://totp/")

	a := NewAuthService(zap.NewNop(), secret, time.Hour)

	_, _, err = a.Login("000000x")
	assert.Error(t, err)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	token, expires, err := a.Login(code)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expires.After(time.Now()))
	assert.True(t, a.isValidSession(token))
}

func TestSessionExpiry(t *testing.T) {
	a := NewAuthService(zap.NewNop(), "", time.Minute)
	now := time.Now()
	a.now = func() time.Time { return now }

	token, _, err := a.CreateSession()
	require.NoError(t, err)
	assert.True(t, a.isValidSession(token))

	now = now.Add(2 * time.Minute)
	assert.False(t, a.isValidSession(token))
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := NewAuthService(zap.NewNop(), "", time.Hour)
	token, _, err := a.CreateSession()
	require.NoError(t, err)

	r := gin.New()
	r.Use(a.AuthMiddleware())
	r.GET("/api/v1/queue", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/v1/auth/login", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, tc := range []struct {
		name   string
		req    func() *http.Request
		status int
	}{
		{"no token", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil) }, http.StatusUnauthorized},
		{"bearer", func() *http.Request {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			return req
		}, http.StatusOK},
		{"cookie", func() *http.Request {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil)
			req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})
			return req
		}, http.StatusOK},
		{"bogus", func() *http.Request {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil)
			req.Header.Set("Authorization", "Bearer nope")
			return req
		}, http.StatusUnauthorized},
		{"login is open", func() *http.Request { return httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil) }, http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, tc.req())
			assert.Equal(t, tc.status, w.Code)
		})
	}
}
