// SPDX-License-Identifier: MIT

package middleware

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/brwyatt/dffmpeg/internal/auth"
	"github.com/brwyatt/dffmpeg/internal/cache"
)

// RateLimitConfig holds configuration for rate limiting middleware.
type RateLimitConfig struct {
	// RequestLimit is the maximum number of requests allowed in the window
	RequestLimit int
	// WindowSize is the time window for rate limiting
	WindowSize time.Duration
	// KeyFunc extracts the rate limit key from the request (e.g., IP address)
	// If nil, defaults to IP-based rate limiting
	KeyFunc func(r *http.Request) (string, error)
	// Whitelist exempts source IPs within any of these CIDRs from the limit
	// entirely (used for trusted internal callers).
	Whitelist []string
}

// RateLimit creates a rate limiting middleware using the httprate library.
// It uses a sliding window counter algorithm for accurate rate limiting.
//
// Example usage:
//
//	// Limit to 10 requests per minute per IP
//	r.Use(middleware.RateLimit(middleware.RateLimitConfig{
//	    RequestLimit: 10,
//	    WindowSize:   time.Minute,
//	}))
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	// Default to IP-based rate limiting if no key function provided
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = httprate.KeyByIP
	}

	whitelist, _ := auth.ParseCIDRSet(cfg.Whitelist)

	// Create httprate limiter with sliding window
	limited := httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowSize,
		httprate.WithKeyFuncs(keyFunc),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			// Custom 429 response with Retry-After header
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(cfg.WindowSize.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)

			// Write JSON error response
			resp := `{"error":"rate_limit_exceeded","detail":"Too many requests. Please try again later."}`
			_, _ = w.Write([]byte(resp))
		}),
	)

	if len(whitelist) == 0 {
		return limited
	}
	return func(next http.Handler) http.Handler {
		wrapped := limited(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ip := sourceIP(r); ip != nil && auth.ContainsIP(whitelist, ip) {
				next.ServeHTTP(w, r)
				return
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}

func sourceIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// RefreshRateLimit returns a rate limiter configured for expensive
// janitor/admin-triggered operations.
// Default: 10 requests per minute per IP to prevent abuse of expensive operations.
func RefreshRateLimit() func(http.Handler) http.Handler {
	return RateLimit(RateLimitConfig{
		RequestLimit: 10,
		WindowSize:   time.Minute,
	})
}

// APIRateLimit returns a rate limiter guarding the Coordinator's signed API
// surface (C6), applied ahead of HMAC verification (§4.2). enabled lets
// callers no-op the middleware entirely (e.g. dev mode); rps is the
// requests-per-second ceiling per source IP, translated to an equivalent
// per-minute httprate window; whitelist exempts trusted CIDRs (e.g.
// internal health probes) from the limit.
func APIRateLimit(enabled bool, rps, burst int, whitelist []string) func(http.Handler) http.Handler {
	if !enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	limit := rps * 60
	if burst > limit {
		limit = burst
	}
	return RateLimit(RateLimitConfig{
		RequestLimit: limit,
		WindowSize:   time.Minute,
		Whitelist:    whitelist,
	})
}

// DistributedRateLimit is a per-IP fixed-window limiter backed by a shared
// cache.Cache, for Coordinator deployments running multiple replicas behind
// a load balancer. httprate.Limit's counters are process-local, so a peer
// hammering the API can exhaust its budget against one replica and start
// over against the next; routing the window counter through a Redis-backed
// cache.Cache makes the budget shared. Counting is read-then-write, not an
// atomic INCR, so it is best-effort under concurrent replicas — acceptable
// for a throttle, not for billing.
func DistributedRateLimit(c cache.Cache, requestLimit int, windowSize time.Duration, whitelist []string) func(http.Handler) http.Handler {
	allowedNets, _ := auth.ParseCIDRSet(whitelist)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := sourceIP(r)
			if ip != nil && auth.ContainsIP(allowedNets, ip) {
				next.ServeHTTP(w, r)
				return
			}

			key := fmt.Sprintf("ratelimit:%s:%d", ip, time.Now().Truncate(windowSize).Unix())
			count := 0
			if v, ok := c.Get(key); ok {
				if n, ok := v.(int); ok {
					count = n
				}
			}
			count++
			c.Set(key, count, windowSize)

			if count > requestLimit {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(windowSize.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded","detail":"Too many requests. Please try again later."}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
