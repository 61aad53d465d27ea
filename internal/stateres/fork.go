package stateres

import (
	"context"
	"log/slog"

	"github.com/roach88/fedroom/internal/auth"
	"github.com/roach88/fedroom/internal/ir"
)

// ForkState exposes a StateMap as an auth.StateProvider, loading events
// through a fetcher on demand.
type ForkState struct {
	ctx   context.Context
	state StateMap
	fetch EventFetcher
}

var _ auth.StateProvider = (*ForkState)(nil)

// NewForkState wraps state for authorization checks.
func NewForkState(ctx context.Context, state StateMap, fetch EventFetcher) *ForkState {
	return &ForkState{ctx: ctx, state: state, fetch: fetch}
}

// Get implements auth.StateProvider. Unfetchable events read as absent.
func (s *ForkState) Get(eventType, stateKey string) (*ir.Event, bool) {
	id, ok := s.state[ir.StateField{Type: eventType, StateKey: stateKey}]
	if !ok {
		return nil, false
	}
	ev, err := s.fetch.FetchEvent(s.ctx, id)
	if err != nil {
		slog.Warn("state event unavailable", "event_id", id, "type", eventType, "error", err)
		return nil, false
	}
	return ev, true
}
