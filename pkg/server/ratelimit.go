// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Credential-submitting endpoints share one token bucket per client
// address: a burst of attempts, then one token per refill interval.
const (
	credentialAttemptBurst  = 30
	credentialAttemptRefill = 2 * time.Second
	throttleIdleAfter       = time.Hour
)

// throttle is a per-key token bucket set. Idle entries are dropped on the
// next allow call after throttleIdleAfter.
type throttle struct {
	mu        sync.Mutex
	entries   map[string]*throttleEntry
	rate      rate.Limit
	burst     int
	lastSweep time.Time
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newThrottle(refill time.Duration, burst int) *throttle {
	return &throttle{
		entries: make(map[string]*throttleEntry),
		rate:    rate.Every(refill),
		burst:   burst,
	}
}

func (t *throttle) allow(key string) bool {
	now := time.Now()

	t.mu.Lock()
	if now.Sub(t.lastSweep) > throttleIdleAfter {
		for k, e := range t.entries {
			if now.Sub(e.lastSeen) > throttleIdleAfter {
				delete(t.entries, k)
			}
		}
		t.lastSweep = now
	}
	e, ok := t.entries[key]
	if !ok {
		e = &throttleEntry{limiter: rate.NewLimiter(t.rate, t.burst)}
		t.entries[key] = e
	}
	e.lastSeen = now
	limiter := e.limiter
	t.mu.Unlock()

	return limiter.Allow()
}

// limitCredentialAttempts rejects bursts of credential submissions from one
// client address before the handlers touch the user store.
func (s *Server) limitCredentialAttempts(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.loginThrottle.allow(clientAddr(r)) {
			w.Header().Set("Retry-After", "2")
			http.Error(w, "Too many attempts. Try again shortly.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr strips the port; middleware.RealIP has already rewritten
// RemoteAddr for proxied requests.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
