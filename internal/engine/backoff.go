package engine

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultBackoffBase is the first retry window after one failure.
	DefaultBackoffBase = 5 * time.Minute

	// MaxBackoff caps the retry window.
	MaxBackoff = 24 * time.Hour
)

// RateLimiter is the backoff registry for events that failed to fetch or
// validate. An id that failed n times is not retried until base*n² has
// elapsed since its last failure, capped at MaxBackoff.
//
// The registry also owns the handle-time table so one injected object
// carries all process-wide ingestion bookkeeping.
type RateLimiter interface {
	Allowed(ctx context.Context, id string, now time.Time) bool
	Failure(ctx context.Context, id string, now time.Time)
	Success(ctx context.Context, id string)
	Handling() *HandleTimes
}

// backoffWindow returns how long to wait after tries failures.
func backoffWindow(base time.Duration, tries int64) time.Duration {
	if tries <= 0 {
		return 0
	}
	// Compare before multiplying so large try counts cannot overflow.
	if tries > int64(MaxBackoff/base) {
		return MaxBackoff
	}
	w := base * time.Duration(tries) * time.Duration(tries)
	if w > MaxBackoff || w <= 0 {
		return MaxBackoff
	}
	return w
}

type backoffEntry struct {
	last  time.Time
	tries int64
}

// MemoryBackoff is an in-process RateLimiter.
//
// Thread-safety: All methods are safe for concurrent use.
type MemoryBackoff struct {
	mu       sync.RWMutex
	base     time.Duration
	entries  map[string]backoffEntry
	handling *HandleTimes
}

// NewMemoryBackoff creates a registry with the given base window.
// base <= 0 selects DefaultBackoffBase.
func NewMemoryBackoff(base time.Duration) *MemoryBackoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	return &MemoryBackoff{
		base:     base,
		entries:  make(map[string]backoffEntry),
		handling: NewHandleTimes(),
	}
}

// Allowed reports whether id may be tried at now.
func (b *MemoryBackoff) Allowed(_ context.Context, id string, now time.Time) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[id]
	if !ok {
		return true
	}
	return now.Sub(e.last) >= backoffWindow(b.base, e.tries)
}

// Failure records a failed attempt at now.
func (b *MemoryBackoff) Failure(_ context.Context, id string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entries[id]
	b.entries[id] = backoffEntry{last: now, tries: e.tries + 1}
}

// Success forgets id.
func (b *MemoryBackoff) Success(_ context.Context, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, id)
}

// Tries returns the failure count of id.
func (b *MemoryBackoff) Tries(id string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entries[id].tries
}

// Handling returns the handle-time table.
func (b *MemoryBackoff) Handling() *HandleTimes {
	return b.handling
}
