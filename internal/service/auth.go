package service

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

const sessionCookie = "auth_token"

type AuthService struct {
	logger     *zap.Logger
	totpSecret string
	ttl        time.Duration
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]time.Time
}

func NewAuthService(logger *zap.Logger, totpSecret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthService{
		logger:     logger,
		totpSecret: totpSecret,
		ttl:        ttl,
		now:        time.Now,
		sessions:   make(map[string]time.Time),
	}
}

// GenerateSecret returns a fresh TOTP secret and its otpauth:// URL.
func GenerateSecret(issuer, accountName string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to generate TOTP key: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

func (a *AuthService) ValidateToken(token string) bool {
	valid := totp.Validate(token, a.totpSecret)
	if valid {
		a.logger.Info("TOTP token validation successful")
	} else {
		a.logger.Warn("TOTP token validation failed")
	}
	return valid
}

// Login exchanges a valid TOTP code for a session token.
func (a *AuthService) Login(code string) (string, time.Time, error) {
	if !a.ValidateToken(code) {
		return "", time.Time{}, fmt.Errorf("invalid code")
	}
	return a.CreateSession()
}

func (a *AuthService) CreateSession() (string, time.Time, error) {
	token := uuid.NewString()
	expires := a.now().Add(a.ttl)

	a.mu.Lock()
	defer a.mu.Unlock()
	for t, exp := range a.sessions {
		if a.now().After(exp) {
			delete(a.sessions, t)
		}
	}
	a.sessions[token] = expires
	return token, expires, nil
}

func (a *AuthService) isValidSession(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	exp, ok := a.sessions[token]
	if !ok {
		return false
	}
	if a.now().After(exp) {
		delete(a.sessions, token)
		return false
	}
	return true
}

func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/api/v1/auth/login" {
			c.Next()
			return
		}

		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token, _ = c.Cookie(sessionCookie)
		}

		if token == "" || !a.isValidSession(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		c.Next()
	}
}
