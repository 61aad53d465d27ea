package engine

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/fedroom/internal/federation"
	"github.com/roach88/fedroom/internal/ir"
	"github.com/roach88/fedroom/internal/stateres"
	"github.com/roach88/fedroom/internal/store"
)

// Responder answers other servers' requests from the local store.
// Rejected events are never served.
type Responder struct {
	db Persistence
}

var _ federation.Handler = (*Responder)(nil)

// NewResponder creates a responder over db.
func NewResponder(db Persistence) *Responder {
	return &Responder{db: db}
}

// event loads a servable event.
func (r *Responder) event(ctx context.Context, eventID string) (*ir.Event, error) {
	ev, err := r.db.Event(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", eventID, federation.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if ev.RejectionReason != "" {
		return nil, fmt.Errorf("%s: %w", eventID, federation.ErrNotFound)
	}
	return ev, nil
}

// GetEvent implements federation.Handler.
func (r *Responder) GetEvent(ctx context.Context, eventID string) (json.RawMessage, error) {
	ev, err := r.event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return ev.JSON()
}

// GetMissingEvents walks back from req.Latest through prev events, stopping
// at req.Earliest and below req.MinDepth, and returns at most req.Limit
// events in depth order.
func (r *Responder) GetMissingEvents(ctx context.Context, req federation.MissingEventsRequest) ([]json.RawMessage, error) {
	stop := stateres.NewEventIDSet(req.Earliest...)
	seen := stateres.NewEventIDSet(req.Latest...)
	var (
		queue []string
		found []*ir.Event
	)
	for _, id := range req.Latest {
		ev, err := r.event(ctx, id)
		if err != nil {
			continue
		}
		if ev.RoomID != req.RoomID {
			return nil, fmt.Errorf("event %s is not in room %s: %w", id, req.RoomID, federation.ErrNotFound)
		}
		queue = append(queue, ev.PrevEvents...)
	}
	for len(queue) > 0 && (req.Limit <= 0 || len(found) < req.Limit) {
		id := queue[0]
		queue = queue[1:]
		if seen.Has(id) || stop.Has(id) {
			continue
		}
		seen.Add(id)
		ev, err := r.event(ctx, id)
		if err != nil || ev.RoomID != req.RoomID || ev.Depth < req.MinDepth {
			continue
		}
		found = append(found, ev)
		queue = append(queue, ev.PrevEvents...)
	}
	return encodeByDepth(found)
}

// GetAuthChain returns the full auth chain of an event.
func (r *Responder) GetAuthChain(ctx context.Context, roomID, eventID string) ([]json.RawMessage, error) {
	ev, err := r.event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.RoomID != roomID {
		return nil, fmt.Errorf("event %s is not in room %s: %w", eventID, roomID, federation.ErrNotFound)
	}
	return r.authChain(ctx, ev.AuthEvents)
}

// GetStateAt returns the state before a timeline event and its auth chain.
func (r *Responder) GetStateAt(ctx context.Context, roomID, eventID string) (federation.StateResponse, error) {
	state, ok, err := r.db.StateBefore(ctx, eventID)
	if err != nil {
		return federation.StateResponse{}, err
	}
	if !ok {
		return federation.StateResponse{}, fmt.Errorf("no state at %s: %w", eventID, federation.ErrNotFound)
	}
	ids := stateres.StateMap(state).EventIDs()
	events := make([]*ir.Event, 0, len(ids))
	for _, id := range ids {
		ev, err := r.event(ctx, id)
		if err != nil {
			return federation.StateResponse{}, err
		}
		if ev.RoomID != roomID {
			return federation.StateResponse{}, fmt.Errorf("event %s is not in room %s: %w", eventID, roomID, federation.ErrNotFound)
		}
		events = append(events, ev)
	}
	pdus, err := encodeByDepth(events)
	if err != nil {
		return federation.StateResponse{}, err
	}
	chain, err := r.authChain(ctx, ids)
	if err != nil {
		return federation.StateResponse{}, err
	}
	return federation.StateResponse{State: pdus, AuthChain: chain}, nil
}

// Backfill returns up to limit events reachable backwards from from,
// including from itself.
func (r *Responder) Backfill(ctx context.Context, roomID string, from []string, limit int) ([]json.RawMessage, error) {
	seen := stateres.NewEventIDSet()
	queue := slices.Clone(from)
	var found []*ir.Event
	for len(queue) > 0 && (limit <= 0 || len(found) < limit) {
		id := queue[0]
		queue = queue[1:]
		if seen.Has(id) {
			continue
		}
		seen.Add(id)
		ev, err := r.event(ctx, id)
		if err != nil || ev.RoomID != roomID {
			continue
		}
		found = append(found, ev)
		queue = append(queue, ev.PrevEvents...)
	}
	return encodeByDepth(found)
}

func (r *Responder) authChain(ctx context.Context, ids []string) ([]json.RawMessage, error) {
	chain, err := stateres.AuthChain(ctx, storeFetcher{db: r.db}, ids)
	if err != nil {
		return nil, fmt.Errorf("auth chain: %w", err)
	}
	events := make([]*ir.Event, 0, len(chain))
	for _, id := range chain.Sorted() {
		ev, err := r.event(ctx, id)
		if errors.Is(err, federation.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return encodeByDepth(events)
}

// encodeByDepth returns the federation encoding of events ordered by depth
// then id.
func encodeByDepth(events []*ir.Event) ([]json.RawMessage, error) {
	slices.SortFunc(events, func(a, b *ir.Event) int {
		return cmp.Or(cmp.Compare(a.Depth, b.Depth), cmp.Compare(a.EventID, b.EventID))
	})
	out := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		data, err := ev.JSON()
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", ev.EventID, err)
		}
		out = append(out, data)
	}
	return out, nil
}
