// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl runs the background expiry sweep for the sketch service.
package ttl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSketch/services/sketch/middleware"
	"github.com/AleutianAI/AleutianSketch/services/sketch/observability"
	"github.com/AleutianAI/AleutianSketch/services/sketch/state"
)

// =============================================================================
// Expiry Sweep Scheduler
// =============================================================================

// SchedulerConfig holds configuration for the expiry sweep scheduler.
//
// # Fields
//
//   - Interval: How often to run sweep cycles. Default: 5 minutes.
//   - SessionTimeout: Idle time after which a session is removed.
//     Default: 60 minutes.
type SchedulerConfig struct {
	Interval       time.Duration
	SessionTimeout time.Duration
}

// DefaultSchedulerConfig returns production defaults: a five-minute sweep
// interval and a one-hour session idle timeout.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:       5 * time.Minute,
		SessionTimeout: 60 * time.Minute,
	}
}

// CleanupResult summarizes one sweep cycle.
type CleanupResult struct {
	SessionsExpired  int
	LimiterKeysSwept int
	Duration         time.Duration
}

// Scheduler periodically removes idle sessions from the registry and stale
// keys from the rate limiter.
//
// # Description
//
// Manages the lifecycle of a background goroutine using the ticker + done
// channel pattern for graceful shutdown. Both sweep targets hold only their
// own top-level locks, so a cycle can never block an in-flight websocket
// frame for longer than a map scan.
//
// # Thread Safety
//
// All public methods are thread-safe. The scheduler uses a mutex to protect
// state transitions.
type Scheduler struct {
	sessions state.SessionStore
	limiter  *middleware.Limiter
	metrics  *observability.Metrics
	config   SchedulerConfig
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewScheduler creates an expiry sweep scheduler. metrics may be nil for
// slog-only operation (tests).
func NewScheduler(sessions state.SessionStore, limiter *middleware.Limiter,
	metrics *observability.Metrics, config SchedulerConfig) *Scheduler {

	if config.Interval <= 0 {
		config.Interval = DefaultSchedulerConfig().Interval
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = DefaultSchedulerConfig().SessionTimeout
	}
	return &Scheduler{
		sessions: sessions,
		limiter:  limiter,
		metrics:  metrics,
		config:   config,
		done:     make(chan struct{}),
	}
}

// Start begins the background sweep goroutine. It returns an error if the
// scheduler is already running. The goroutine stops when Stop() is called
// or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{}) // Reset done channel for potential restart
	s.mu.Unlock()

	slog.Info("expiry sweep scheduler starting",
		"interval", s.config.Interval.String(),
		"session_timeout", s.config.SessionTimeout.String(),
	)

	go s.runLoop(ctx)
	return nil
}

// Stop gracefully stops the scheduler. Safe to call multiple times. It does
// not interrupt an in-progress sweep cycle.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil // Already stopped
	}

	slog.Info("expiry sweep scheduler stopping")
	close(s.done)
	s.running = false
	return nil
}

// RunNow triggers an immediate sweep cycle without waiting for the next
// scheduled tick. Useful for manual invocation or testing.
func (s *Scheduler) RunNow() CleanupResult {
	return s.runSweepCycle()
}

// =============================================================================
// Internal Methods
// =============================================================================

// runLoop is the main scheduler goroutine.
func (s *Scheduler) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("expiry sweep scheduler stopped (context cancelled)")
			return
		case <-s.done:
			slog.Info("expiry sweep scheduler stopped (stop requested)")
			return
		case <-ticker.C:
			s.runSweepCycle()
		}
	}
}

// runSweepCycle performs a single sweep over sessions and limiter keys.
func (s *Scheduler) runSweepCycle() CleanupResult {
	start := time.Now()

	expired := s.sessions.CleanupExpired(s.config.SessionTimeout)
	swept := 0
	if s.limiter != nil {
		swept = s.limiter.Sweep()
	}

	result := CleanupResult{
		SessionsExpired:  expired,
		LimiterKeysSwept: swept,
		Duration:         time.Since(start),
	}

	if s.metrics != nil {
		s.metrics.SessionsExpiredTotal.Add(float64(expired))
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	}

	// Only log if something was removed
	if expired > 0 || swept > 0 {
		slog.Info("expiry sweep cycle completed",
			"sessions_expired", expired,
			"limiter_keys_swept", swept,
			"duration_ms", result.Duration.Milliseconds(),
		)
	} else {
		slog.Debug("expiry sweep cycle completed (nothing expired)")
	}
	return result
}
