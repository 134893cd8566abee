package api

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"handoff/internal/server/broker"

	"github.com/labstack/echo/v4"
)

// transferTokenHeader carries the short-lived receiver credential.
const transferTokenHeader = "X-Transfer-Token"

// sessionToken extracts the bearer token from the Authorization header.
func sessionToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}

// credential collects both credential kinds from the request. The broker
// decides which one wins.
func credential(c echo.Context) broker.Credential {
	return broker.Credential{
		SessionToken:  sessionToken(c),
		TransferToken: c.Request().Header.Get(transferTokenHeader),
	}
}

// credentialKind names the credential a request presented, for log lines.
func credentialKind(c echo.Context) string {
	switch {
	case c.Request().Header.Get(transferTokenHeader) != "":
		return "transfer-token"
	case sessionToken(c) != "":
		return "session"
	default:
		return "none"
	}
}

// bucket tracks the token-bucket state for one rate limit key.
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// RateLimiter is a keyed token-bucket rate limiter. Each distinct key gets
// its own bucket: client IP for account endpoints, transfer id for code
// verification.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   int     // max tokens
}

// NewRateLimiter creates a rate limiter with the given rate (requests/sec) and burst size.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rps,
		burst:   burst,
	}

	// Clean up stale entries every 5 minutes
	go func() {
		for {
			time.Sleep(5 * time.Minute)
			rl.cleanup()
		}
	}()

	return rl
}

// ByIP limits requests per client IP.
func (rl *RateLimiter) ByIP() echo.MiddlewareFunc {
	return rl.middleware(func(c echo.Context) string {
		return "ip:" + c.RealIP()
	})
}

// ByTransfer limits requests per transfer id, regardless of where they
// come from.
func (rl *RateLimiter) ByTransfer() echo.MiddlewareFunc {
	return rl.middleware(func(c echo.Context) string {
		return "transfer:" + c.Param("id")
	})
}

func (rl *RateLimiter) middleware(key func(echo.Context) string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			k := key(c)
			if !rl.allow(k) {
				slog.Warn("rate limit exceeded", "key", k, "ip", c.RealIP())
				return c.JSON(http.StatusTooManyRequests, echo.Map{
					"error": "rate limit exceeded, try again later",
				})
			}
			return next(c)
		}
	}
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[key]
	now := time.Now()

	if !exists {
		rl.buckets[key] = &bucket{
			tokens:   float64(rl.burst) - 1,
			lastSeen: now,
		}
		return true
	}

	// Add tokens based on elapsed time
	elapsed := now.Sub(b.lastSeen).Seconds()
	b.tokens += elapsed * rl.rate
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}

	b.tokens--
	return true
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// RequestLogger returns an echo middleware that logs requests using slog.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			slog.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"ip", c.RealIP(),
				"credential", credentialKind(c),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
