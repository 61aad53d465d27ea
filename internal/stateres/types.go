package stateres

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/fedroom/internal/ir"
)

// StateMap maps a state slot to the id of the event occupying it.
type StateMap map[ir.StateField]string

// Clone returns a copy of the map.
func (m StateMap) Clone() StateMap {
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Fields returns the slots in (type, state key) order.
func (m StateMap) Fields() []ir.StateField {
	out := make([]ir.StateField, 0, len(m))
	for f := range m {
		out = append(out, f)
	}
	slices.SortFunc(out, ir.StateField.Compare)
	return out
}

// EventIDs returns the distinct event ids in the map, sorted.
func (m StateMap) EventIDs() []string {
	set := make(EventIDSet, len(m))
	for _, id := range m {
		set.Add(id)
	}
	return set.Sorted()
}

// EventIDSet is a set of event ids.
type EventIDSet map[string]struct{}

// NewEventIDSet builds a set from ids.
func NewEventIDSet(ids ...string) EventIDSet {
	s := make(EventIDSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id.
func (s EventIDSet) Add(id string) {
	s[id] = struct{}{}
}

// Has reports membership.
func (s EventIDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in lexicographic order.
func (s EventIDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ErrNotFound is returned by fetchers for unknown events.
var ErrNotFound = errors.New("event not found")

// EventFetcher loads events by id.
type EventFetcher interface {
	FetchEvent(ctx context.Context, eventID string) (*ir.Event, error)
}

// FetcherFunc adapts a function to EventFetcher.
type FetcherFunc func(ctx context.Context, eventID string) (*ir.Event, error)

// FetchEvent implements EventFetcher.
func (f FetcherFunc) FetchEvent(ctx context.Context, eventID string) (*ir.Event, error) {
	return f(ctx, eventID)
}

// MapFetcher serves events from memory.
type MapFetcher map[string]*ir.Event

// FetchEvent implements EventFetcher.
func (m MapFetcher) FetchEvent(_ context.Context, eventID string) (*ir.Event, error) {
	ev, ok := m[eventID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", eventID, ErrNotFound)
	}
	return ev, nil
}

// cachingFetcher memoizes lookups for the duration of one resolution.
type cachingFetcher struct {
	inner EventFetcher
	cache map[string]*ir.Event
}

func newCachingFetcher(inner EventFetcher) *cachingFetcher {
	return &cachingFetcher{inner: inner, cache: make(map[string]*ir.Event)}
}

func (c *cachingFetcher) FetchEvent(ctx context.Context, eventID string) (*ir.Event, error) {
	if ev, ok := c.cache[eventID]; ok {
		return ev, nil
	}
	ev, err := c.inner.FetchEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	c.cache[eventID] = ev
	return ev, nil
}

// AuthChain returns every event reachable from ids through auth_events,
// excluding the starting ids themselves unless they are reached again.
func AuthChain(ctx context.Context, fetch EventFetcher, ids []string) (EventIDSet, error) {
	chain := make(EventIDSet)
	stack := slices.Clone(ids)
	visited := make(EventIDSet, len(ids))
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited.Has(id) {
			continue
		}
		visited.Add(id)
		ev, err := fetch.FetchEvent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("auth chain: %w", err)
		}
		for _, aid := range ev.AuthEvents {
			chain.Add(aid)
			if !visited.Has(aid) {
				stack = append(stack, aid)
			}
		}
	}
	return chain, nil
}
