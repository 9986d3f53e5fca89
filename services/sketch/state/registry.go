// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"log/slog"
	"sync"
	"time"
)

// SessionStore is the directory of live sessions keyed by user identity.
//
// # Description
//
// Defined as an interface so the in-memory registry can be swapped for a
// distributed backing store without changing the applier or the websocket
// handler. The in-memory Registry is the only implementation today; the
// service is explicitly single-instance.
type SessionStore interface {
	// GetOrCreate returns the existing session for userID or atomically
	// creates one, refreshing the activity timestamp either way.
	GetOrCreate(userID string) *Session

	// Get returns the session and true when present, refreshing the
	// activity timestamp. Returns nil, false when absent.
	Get(userID string) (*Session, bool)

	// Remove deletes the session unconditionally if present.
	Remove(userID string)

	// CleanupExpired removes every session idle longer than timeout and
	// returns the count removed. It never acquires individual session
	// locks, so it cannot deadlock against in-flight action application.
	CleanupExpired(timeout time.Duration) int

	// ActiveCount returns the number of live sessions.
	ActiveCount() int
}

// Registry is the in-memory SessionStore.
//
// # Thread Safety
//
// The internal mutex guards only the map; it is never held while a session
// lock is taken, and session work never re-enters the registry.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	slog.Info("session registry initialized (in-memory mode)")
	return &Registry{sessions: make(map[string]*Session)}
}

// GetOrCreate implements SessionStore.
func (r *Registry) GetOrCreate(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[userID]
	if !ok {
		session = NewSession(userID)
		r.sessions[userID] = session
		slog.Info("created new session", "user_id", userID)
	}
	session.LastActivity = time.Now()
	return session
}

// Get implements SessionStore.
func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[userID]
	if !ok {
		return nil, false
	}
	session.LastActivity = time.Now()
	return session, true
}

// Remove implements SessionStore.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[userID]; ok {
		delete(r.sessions, userID)
		slog.Info("removed session", "user_id", userID)
	}
}

// CleanupExpired implements SessionStore.
func (r *Registry) CleanupExpired(timeout time.Duration) int {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for userID, session := range r.sessions {
		if session.expired(now, timeout) {
			delete(r.sessions, userID)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("cleaned up expired sessions", "count", removed)
	}
	return removed
}

// ActiveCount implements SessionStore.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
