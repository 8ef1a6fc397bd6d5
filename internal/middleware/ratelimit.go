package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mir00r/orchestrator/pkg/logger"
)

// RateLimitConfig contains admin API rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// RateLimiter enforces a per-client token bucket keyed by remote IP
type RateLimiter struct {
	config RateLimitConfig
	logger *logger.Logger

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// clientLimiter pairs a limiter with its last-seen time for eviction
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-client rate limiter
func NewRateLimiter(config RateLimitConfig, log *logger.Logger) *RateLimiter {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 50
	}
	if config.Burst < 1 {
		config.Burst = int(config.RequestsPerSecond)
	}

	rl := &RateLimiter{
		config:  config,
		logger:  log.MiddlewareLogger("rate_limit"),
		clients: make(map[string]*clientLimiter),
	}
	go rl.evictLoop()
	return rl
}

// Handler returns the middleware function
func (rl *RateLimiter) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			client := clientIP(r)
			if !rl.limiterFor(client).Allow() {
				rl.logger.WithField("client", client).
					WithField("path", r.URL.Path).
					Warn("Request rate limited")

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// limiterFor returns (creating if needed) the limiter for a client
func (rl *RateLimiter) limiterFor(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.clients[client]
	if !exists {
		entry = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst),
		}
		rl.clients[client] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// evictLoop drops limiters for clients idle longer than three minutes
func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-3 * time.Minute)

		rl.mu.Lock()
		for client, entry := range rl.clients {
			if entry.lastSeen.Before(cutoff) {
				delete(rl.clients, client)
			}
		}
		rl.mu.Unlock()
	}
}

// clientIP extracts the client address, ignoring the port
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
