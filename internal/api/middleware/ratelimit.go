package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/kalenda/internal/metrics"
)

// Counter counts hits per subject in fixed windows. RedisStore implements it.
type Counter interface {
	IncrementRateLimit(ctx context.Context, subject string, window time.Duration) (int64, error)
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Requests  int           // per client IP and window
	Window    time.Duration // at least one second
	Whitelist []string      // IPs or CIDRs exempt from rate limiting
}

// RateLimiter implements fixed window rate limiting per client IP.
type RateLimiter struct {
	counter      Counter
	requests     int
	window       time.Duration
	logger       zerolog.Logger
	whitelist    []*net.IPNet
	whitelistIPs map[string]bool
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(counter Counter, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	if cfg.Window < time.Second {
		cfg.Window = time.Second
	}
	rl := &RateLimiter{
		counter:      counter,
		requests:     cfg.Requests,
		window:       cfg.Window,
		logger:       logger,
		whitelistIPs: make(map[string]bool),
	}

	// Parse whitelist entries
	for _, entry := range cfg.Whitelist {
		if strings.Contains(entry, "/") {
			// CIDR notation
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			rl.whitelist = append(rl.whitelist, ipNet)
		} else {
			// Single IP
			rl.whitelistIPs[entry] = true
		}
	}

	if len(cfg.Whitelist) > 0 {
		logger.Info().
			Int("ips", len(rl.whitelistIPs)).
			Int("cidrs", len(rl.whitelist)).
			Msg("rate limit whitelist configured")
	}

	return rl
}

// isWhitelisted checks if an IP is in the whitelist.
func (rl *RateLimiter) isWhitelisted(ipStr string) bool {
	// Check exact IP match
	if rl.whitelistIPs[ipStr] {
		return true
	}

	// Check CIDR ranges
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range rl.whitelist {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// RealIP extracts the real client IP from headers or connection.
func RealIP(r *http.Request) string {
	// Check Fly.io header first
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	// Then X-Forwarded-For
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	// Then X-Real-IP
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	// Fallback to RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Middleware returns the rate limiting middleware. Requests pass when the
// counter is unavailable.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)

		// Skip rate limiting for whitelisted IPs
		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		count, err := rl.counter.IncrementRateLimit(r.Context(), "ip:"+ip, rl.window)
		if err != nil {
			rl.logger.Debug().Err(err).Msg("rate limit counter unavailable")
			next.ServeHTTP(w, r)
			return
		}

		now := time.Now()
		windowSecs := int64(rl.window / time.Second)
		resetAt := time.Unix((now.Unix()/windowSecs+1)*windowSecs, 0)

		remaining := rl.requests - int(count)
		if remaining < 0 {
			remaining = 0
		}

		// Set rate limit headers
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if count > int64(rl.requests) {
			w.Header().Set("Retry-After", strconv.Itoa(int(resetAt.Sub(now).Seconds())+1))
			metrics.RateLimitHits.WithLabelValues(normalizePath(r.URL.Path)).Inc()

			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Int64("count", count).
				Msg("rate limit exceeded")

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
