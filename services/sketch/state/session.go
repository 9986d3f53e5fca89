// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state owns the per-user session container, the concurrency-safe
// session registry, and the action applier that mutates graph state.
//
// # Locking Discipline
//
// Two tiers: the registry lock guards only the session map (insert, lookup,
// remove) and is held for short critical sections. Each Session carries its
// own mutex guarding graph reads and writes; it may be held across an entire
// action batch but never across a network call. Callers must never hold the
// registry lock while acquiring a session lock.
package state

import (
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSketch/services/sketch/datatypes"
)

// Session is the per-user container for graph state, the last client canvas
// snapshot, and activity tracking.
//
// # Thread Safety
//
// All access to Graph and CanvasSnapshot must happen while holding Mu.
// LastActivity is guarded by the owning registry's lock (it is only read
// and written through registry methods).
type Session struct {
	UserID         string
	Graph          *datatypes.GraphState
	CanvasSnapshot string
	LastActivity   time.Time

	// Mu serializes all graph mutation and summary reads for this session.
	Mu sync.Mutex
}

// NewSession creates a session with an empty graph and current activity.
func NewSession(userID string) *Session {
	return &Session{
		UserID:       userID,
		Graph:        datatypes.NewGraphState(),
		LastActivity: time.Now(),
	}
}

// expired reports whether the session has been idle longer than timeout.
// Caller holds the registry lock.
func (s *Session) expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActivity) > timeout
}
