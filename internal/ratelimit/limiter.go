// SPDX-License-Identifier: MIT

// Package ratelimit implements the Coordinator's token-bucket throttling
// (ahead of HMAC verification, per SPEC_FULL.md §A.3/§B): a global limiter,
// a per-source-IP limiter, and a per-transport send-pacing limiter guarding
// downlink fan-out.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	rateLimitExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dffmpeg_coordinator",
			Name:      "ratelimit_exceeded_total",
			Help:      "Total rate limit rejections",
		},
		[]string{"limit_type", "transport"},
	)
)

// Config holds rate limiting configuration
type Config struct {
	// Global limits
	GlobalRate  rate.Limit // requests per second
	GlobalBurst int        // max burst size

	// Per-IP limits
	PerIPRate  rate.Limit
	PerIPBurst int

	// Per-transport send-pacing limits (http_polling, mqtt, amqp)
	TransportRates map[string]rate.Limit
	TransportBurst map[string]int

	// Cleanup interval for per-IP limiters
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		GlobalRate:  100, // 100 req/s globally
		GlobalBurst: 200, // burst up to 200

		PerIPRate:  10, // 10 req/s per IP
		PerIPBurst: 20, // burst up to 20

		TransportRates: map[string]rate.Limit{
			"http_polling": 50,
			"mqtt":         30,
			"amqp":         30,
		},
		TransportBurst: map[string]int{
			"http_polling": 100,
			"mqtt":         60,
			"amqp":         60,
		},

		CleanupInterval: 5 * time.Minute,
	}
}

// Limiter manages rate limiting for inbound API requests and outbound
// downlink sends.
type Limiter struct {
	config Config

	global    *rate.Limiter
	perIP     map[string]*rate.Limiter
	transport map[string]*rate.Limiter
	mu        sync.RWMutex

	lastCleanup time.Time
}

// New creates a new rate limiter with the given config
func New(config Config) *Limiter {
	l := &Limiter{
		config:      config,
		global:      rate.NewLimiter(config.GlobalRate, config.GlobalBurst),
		perIP:       make(map[string]*rate.Limiter),
		transport:   make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}

	for name, r := range config.TransportRates {
		burst := config.TransportBurst[name]
		l.transport[name] = rate.NewLimiter(r, burst)
	}

	return l
}

// Allow checks if an inbound request from clientIP addressed at the named
// transport is permitted under the global, per-transport and per-IP limits.
func (l *Limiter) Allow(clientIP, transport string) bool {
	if !l.global.Allow() {
		rateLimitExceeded.WithLabelValues("global", transport).Inc()
		return false
	}

	l.mu.RLock()
	transportLimiter, exists := l.transport[transport]
	l.mu.RUnlock()

	if exists && !transportLimiter.Allow() {
		rateLimitExceeded.WithLabelValues("per_transport", transport).Inc()
		return false
	}

	l.maybeCleanup()

	ipLimiter := l.getIPLimiter(clientIP)
	if !ipLimiter.Allow() {
		rateLimitExceeded.WithLabelValues("per_ip", transport).Inc()
		return false
	}

	return true
}

// getIPLimiter returns the rate limiter for a specific IP
func (l *Limiter) getIPLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.perIP[ip]
	if !exists {
		limiter = rate.NewLimiter(l.config.PerIPRate, l.config.PerIPBurst)
		l.perIP[ip] = limiter
	}

	return limiter
}

// maybeCleanup removes stale IP limiters if cleanup interval has passed
func (l *Limiter) maybeCleanup() {
	if time.Since(l.lastCleanup) < l.config.CleanupInterval {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.perIP = make(map[string]*rate.Limiter)
	l.lastCleanup = time.Now()
}

// GetClientIP extracts the real client IP from the request
func GetClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		if idx := findComma(xff); idx > 0 {
			xff = xff[:idx]
		}
		xff = trimSpace(xff)
		if xff != "" {
			return xff
		}
	}

	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func findComma(s string) int {
	for i, c := range s {
		if c == ',' {
			return i
		}
	}
	return -1
}

func trimSpace(s string) string {
	start := 0
	end := len(s)
	for start < end && s[start] == ' ' {
		start++
	}
	for end > start && s[end-1] == ' ' {
		end--
	}
	return s[start:end]
}
