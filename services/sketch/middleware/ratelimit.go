// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the sketch service:
// sliding-window rate limiting and websocket token verification.
package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianSketch/services/sketch/observability"
)

// LimiterConfig holds the sliding-window parameters.
//
// # Fields
//
//   - Limit: Maximum admitted requests per key per window. Default: 10.
//   - Window: Trailing interval the count slides over. Default: 60s.
type LimiterConfig struct {
	Limit  int
	Window time.Duration
}

// DefaultLimiterConfig returns the production defaults (10 requests per
// 60 second window).
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Limit:  10,
		Window: 60 * time.Second,
	}
}

// Decision is the outcome of one rate limit check.
//
//   - Limited: the request must be rejected.
//   - Remaining: admitted quota left in the current window.
//   - ResetIn: time until the oldest recorded request exits the window.
type Decision struct {
	Limited   bool
	Remaining int
	ResetIn   time.Duration
}

// Limiter is a sliding-window request counter keyed by caller identity.
//
// # Thread Safety
//
// Shared read/write across every connection; all state is guarded by its
// own mutex, independent of any registry or session lock. It is the first
// gate in the request path.
type Limiter struct {
	config LimiterConfig

	mu       sync.Mutex
	requests map[string][]time.Time

	// now is injectable so tests can drive the window deterministically.
	now func() time.Time
}

// NewLimiter creates a limiter with the given configuration.
func NewLimiter(config LimiterConfig) *Limiter {
	if config.Limit <= 0 {
		config.Limit = DefaultLimiterConfig().Limit
	}
	if config.Window <= 0 {
		config.Window = DefaultLimiterConfig().Window
	}
	return &Limiter{
		config:   config,
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Check records one request for key and decides whether it is admitted.
// Timestamps older than the window are discarded, the current request is
// appended, and the call is limited when the resulting count exceeds the
// configured limit.
func (l *Limiter) Check(key string) Decision {
	now := l.now()
	windowStart := now.Add(-l.config.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.requests[key][:0]
	for _, ts := range l.requests[key] {
		if ts.After(windowStart) {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)
	l.requests[key] = recent

	count := len(recent)
	remaining := l.config.Limit - count
	if remaining < 0 {
		remaining = 0
	}

	resetIn := recent[0].Add(l.config.Window).Sub(now)
	if resetIn < 0 {
		resetIn = 0
	}

	return Decision{
		Limited:   count > l.config.Limit,
		Remaining: remaining,
		ResetIn:   resetIn,
	}
}

// Sweep drops keys whose recorded timestamps are all outside the window,
// bounding memory independent of traffic-driven cleanup. Returns the number
// of keys removed. Intended to run on a periodic background cadence.
func (l *Limiter) Sweep() int {
	now := l.now()
	windowStart := now.Add(-l.config.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, timestamps := range l.requests {
		stale := true
		for _, ts := range timestamps {
			if ts.After(windowStart) {
				stale = false
				break
			}
		}
		if stale {
			delete(l.requests, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("rate limiter sweep removed stale keys", "count", removed)
	}
	return removed
}

// Limit returns the configured per-window limit.
func (l *Limiter) Limit() int { return l.config.Limit }

// KeyCount returns the number of tracked keys. Used by readiness reporting
// and tests.
func (l *Limiter) KeyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

// unlimitedPaths bypass the limiter entirely: probes and scrapes must not
// consume user quota.
var unlimitedPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// RateLimit returns a Gin middleware enforcing the sliding window per
// caller. Rejections are 429s with a machine-readable retry_after hint and
// no state is mutated downstream; admitted calls advertise quota via
// X-RateLimit-* headers. metrics may be nil (tests).
func RateLimit(limiter *Limiter, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if unlimitedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		key := clientKey(c)
		decision := limiter.Check(key)

		if decision.Limited {
			if metrics != nil {
				metrics.RateLimitedTotal.Inc()
			}
			retryAfter := int(decision.ResetIn.Seconds())
			slog.Warn("rate limit exceeded", "key", key, "retry_after", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"message":     fmt.Sprintf("Too many requests. Try again in %d seconds.", retryAfter),
				"retry_after": retryAfter,
			})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(decision.ResetIn).Unix(), 10))

		c.Next()
	}
}

// clientKey identifies the caller: authenticated identity when available,
// else the first forwarded hop, else the direct peer address.
func clientKey(c *gin.Context) string {
	if userID := GetUserID(c); userID != "" {
		return "user:" + userID
	}
	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
		if first != "" {
			return "ip:" + first
		}
	}
	return "ip:" + c.ClientIP()
}
