// Package quota meters free-tier usage with dual per-identity and
// per-peer-address daily counters that reset at UTC midnight.
package quota

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Scope keys the two counter families. The values double as the persisted
// file layout keys.
type Scope string

const (
	ScopeIdentity Scope = "did"
	ScopePeer     Scope = "ip"
)

const (
	DefaultIdentityLimit = 10
	DefaultPeerLimit     = 20
)

// ErrExceeded is wrapped by LimitError.
var ErrExceeded = errors.New("daily quota exceeded")

// LimitError reports which scope ran out.
type LimitError struct {
	Scope   Scope
	Limit   int
	ResetAt time.Time
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("daily quota exceeded for %s scope (limit %d, resets %s)", e.Scope, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *LimitError) Unwrap() error { return ErrExceeded }

// Counter is a single usage counter valid until the next UTC midnight.
type Counter struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"resetAt"`
}

// Limiter holds both counter families under one lock so that recording a use
// against identity and peer is a single atomic step.
type Limiter struct {
	mu       sync.Mutex
	counters map[Scope]map[string]*Counter

	identityLimit int
	peerLimit     int
	dirty         bool

	now func() time.Time
}

// NewLimiter creates a limiter with the given defaults; zero values take the
// documented defaults.
func NewLimiter(identityLimit, peerLimit int) *Limiter {
	if identityLimit <= 0 {
		identityLimit = DefaultIdentityLimit
	}
	if peerLimit <= 0 {
		peerLimit = DefaultPeerLimit
	}
	return &Limiter{
		counters: map[Scope]map[string]*Counter{
			ScopeIdentity: {},
			ScopePeer:     {},
		},
		identityLimit: identityLimit,
		peerLimit:     peerLimit,
		now:           time.Now,
	}
}

// NextUTCMidnight returns the first UTC midnight strictly after t.
func NextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// counterLocked fetches a live counter, lazily resetting it when its boundary
// has passed.
func (l *Limiter) counterLocked(scope Scope, key string) *Counter {
	c, ok := l.counters[scope][key]
	now := l.now()
	if !ok || !now.Before(c.ResetAt) {
		c = &Counter{ResetAt: NextUTCMidnight(now)}
		l.counters[scope][key] = c
	}
	return c
}

// Allow checks both counters and, when both pass, increments both in the same
// critical section. identityLimit overrides the default per-identity cap
// (trust-tier promotion); zero keeps the default. The per-peer cap is never
// overridden.
func (l *Limiter) Allow(identity, peer string, identityLimit int) error {
	if identityLimit <= 0 {
		identityLimit = l.identityLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	idCounter := l.counterLocked(ScopeIdentity, identity)
	if idCounter.Count >= identityLimit {
		return &LimitError{Scope: ScopeIdentity, Limit: identityLimit, ResetAt: idCounter.ResetAt}
	}
	peerCounter := l.counterLocked(ScopePeer, peer)
	if peerCounter.Count >= l.peerLimit {
		return &LimitError{Scope: ScopePeer, Limit: l.peerLimit, ResetAt: peerCounter.ResetAt}
	}

	idCounter.Count++
	peerCounter.Count++
	l.dirty = true
	return nil
}

// Remaining reports how many uses the identity has left today under limit.
func (l *Limiter) Remaining(identity string, identityLimit int) int {
	if identityLimit <= 0 {
		identityLimit = l.identityLimit
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	left := identityLimit - l.counterLocked(ScopeIdentity, identity).Count
	if left < 0 {
		return 0
	}
	return left
}

// Cleanup drops counters whose reset boundary has passed.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for _, byKey := range l.counters {
		for key, c := range byKey {
			if !now.Before(c.ResetAt) {
				delete(byKey, key)
				l.dirty = true
			}
		}
	}
}

// Snapshot copies the live counters for persistence and clears the dirty
// flag. Returns nil when nothing changed since the last snapshot.
func (l *Limiter) Snapshot() map[Scope]map[string]Counter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty {
		return nil
	}
	out := make(map[Scope]map[string]Counter, len(l.counters))
	for scope, byKey := range l.counters {
		out[scope] = make(map[string]Counter, len(byKey))
		for key, c := range byKey {
			out[scope][key] = *c
		}
	}
	l.dirty = false
	return out
}

// Restore loads persisted counters, dropping any that have already expired.
func (l *Limiter) Restore(snapshot map[Scope]map[string]Counter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for scope, byKey := range snapshot {
		if _, ok := l.counters[scope]; !ok {
			continue
		}
		for key, c := range byKey {
			if now.Before(c.ResetAt) {
				counter := c
				l.counters[scope][key] = &counter
			}
		}
	}
}
