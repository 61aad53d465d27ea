package engine

import "sync"

// SeqAllocator hands out server-local sequence numbers (SNs).
//
// SNs are strictly increasing and never reused; they order events by the
// time this server first persisted them, independent of DAG depth.
//
// Every ingestion or authoring attempt for an event id holds a SeqGuard.
// Concurrent attempts on the same id share one guard and are serialised by
// it, so an event is never persisted twice with different SNs. Stable
// reports the highest SN below which no guard is still pending, which is
// what readers use as a safe "read up to" watermark.
//
// Thread-safety: All methods are safe for concurrent use.
type SeqAllocator struct {
	mu      sync.Mutex
	last    int64
	guards  map[string]*SeqGuard
	pending map[int64]struct{}
}

// SeqGuard is the ref-counted, per-event handle returned by Acquire.
// The holder has exclusive access to the event id until Release.
type SeqGuard struct {
	alloc   *SeqAllocator
	eventID string
	attempt sync.Mutex // serialises attempts on eventID

	// protected by alloc.mu
	refs int
	sn   int64
}

// NewSeqAllocator creates an allocator whose first SN is start+1. Seed it
// with the store's maximum SN.
func NewSeqAllocator(start int64) *SeqAllocator {
	return &SeqAllocator{
		last:    start,
		guards:  make(map[string]*SeqGuard),
		pending: make(map[int64]struct{}),
	}
}

// Acquire returns the guard for eventID, blocking while another attempt on
// the same id holds it. Callers must Release the guard, typically via defer.
func (a *SeqAllocator) Acquire(eventID string) *SeqGuard {
	a.mu.Lock()
	g, ok := a.guards[eventID]
	if !ok {
		g = &SeqGuard{alloc: a, eventID: eventID}
		a.guards[eventID] = g
	}
	g.refs++
	a.mu.Unlock()

	g.attempt.Lock()
	return g
}

// SN returns the sequence number reserved for the guarded event,
// allocating it on first call.
func (g *SeqGuard) SN() int64 {
	a := g.alloc
	a.mu.Lock()
	defer a.mu.Unlock()
	if g.sn == 0 {
		a.last++
		g.sn = a.last
		a.pending[g.sn] = struct{}{}
	}
	return g.sn
}

// EventID returns the guarded event id.
func (g *SeqGuard) EventID() string {
	return g.eventID
}

// Release ends this attempt. The guard is dropped once the last sharer
// releases it.
func (g *SeqGuard) Release() {
	g.attempt.Unlock()

	a := g.alloc
	a.mu.Lock()
	defer a.mu.Unlock()
	g.refs--
	if g.refs == 0 {
		delete(a.guards, g.eventID)
		delete(a.pending, g.sn)
	}
}

// Current returns the last allocated SN.
func (a *SeqAllocator) Current() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Stable returns the highest SN such that no guard holding that SN or a
// lower one is still pending.
func (a *SeqAllocator) Stable() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	stable := a.last
	for sn := range a.pending {
		if sn-1 < stable {
			stable = sn - 1
		}
	}
	return stable
}

// Pending returns the number of live guards.
func (a *SeqAllocator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.guards)
}
