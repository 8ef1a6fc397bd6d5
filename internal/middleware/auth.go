package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/mir00r/orchestrator/pkg/logger"
)

// AuthConfig contains JWT authentication configuration for the admin API
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	SecretKey string `yaml:"secret_key"`
}

// AdminClaims are the JWT claims the admin API expects
type AdminClaims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// AuthMiddleware validates bearer tokens on admin routes
type AuthMiddleware struct {
	config AuthConfig
	logger *logger.Logger
}

// NewAuthMiddleware creates a JWT auth middleware. HMAC only; a missing
// secret disables enforcement so local development works without tokens.
func NewAuthMiddleware(config AuthConfig, log *logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		config: config,
		logger: log.MiddlewareLogger("auth"),
	}
}

// Handler returns the middleware function
func (am *AuthMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !am.config.Enabled || am.config.SecretKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				am.logger.WithField("path", r.URL.Path).Warn("Missing bearer token")
				writeAuthError(w, "authentication required")
				return
			}

			claims := &AdminClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return []byte(am.config.SecretKey), nil
			})
			if err != nil || !parsed.Valid {
				am.logger.WithField("path", r.URL.Path).Warn("Invalid bearer token")
				writeAuthError(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IssueToken mints a token for a user, mainly for tests and bootstrap
// tooling
func (am *AuthMiddleware) IssueToken(username string, roles []string, ttl time.Duration) (string, error) {
	claims := AdminClaims{
		Username: username,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(am.config.SecretKey))
}

// extractToken pulls the bearer token from the Authorization header
func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// writeAuthError writes a JSON 401 response
func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
