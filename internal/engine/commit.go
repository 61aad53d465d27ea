package engine

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/roach88/fedroom/internal/ir"
	"github.com/roach88/fedroom/internal/stateres"
	"github.com/roach88/fedroom/internal/store"
)

// commit appends ev to its room's timeline under the room lock.
//
// A soft-failed event is only flagged; extremities and current state stay
// as they were. Otherwise the event replaces its prev events in the
// extremities, the state before it is recorded, and for state events the
// current state becomes the resolution of the old current state with the
// state after ev.
func (e *Engine) commit(ctx context.Context, rules ir.RoomRules, ev *ir.Event, before stateres.StateMap, softFail bool) error {
	guard, err := e.locks.Lock(ctx, ev.RoomID)
	if err != nil {
		return newIngestError(ErrCodeTransient, ev.RoomID, ev.EventID, "acquire room lock", err)
	}
	defer guard.Unlock()

	if softFail {
		if err := e.db.MarkSoftFailed(ctx, ev.EventID); err != nil {
			return newIngestError(ErrCodeTransient, ev.RoomID, ev.EventID, "mark soft-failed", err)
		}
		slog.Info("event soft-failed", "room_id", ev.RoomID, "event_id", ev.EventID, "type", ev.Type)
		return newIngestError(ErrCodeSoftFailed, ev.RoomID, ev.EventID, "not allowed by current state", nil)
	}

	current, err := e.db.Extremities(ctx, ev.RoomID)
	if err != nil {
		return newIngestError(ErrCodeTransient, ev.RoomID, ev.EventID, "load extremities", err)
	}
	extremities := slices.DeleteFunc(current, func(id string) bool {
		return slices.Contains(ev.PrevEvents, id) || id == ev.EventID
	})
	extremities = append(extremities, ev.EventID)
	slices.Sort(extremities)

	beforeID, err := e.db.SaveStateFrame(ctx, ev.RoomID, before)
	if err != nil {
		return newIngestError(ErrCodeTransient, ev.RoomID, ev.EventID, "save state before", err)
	}

	var afterID int64
	if ev.IsState() {
		after, err := e.stateAfterCommit(ctx, rules, ev, before)
		if err != nil {
			return err
		}
		if afterID, err = e.db.SaveStateFrame(ctx, ev.RoomID, after); err != nil {
			return newIngestError(ErrCodeTransient, ev.RoomID, ev.EventID, "save current state", err)
		}
	}

	if err := e.db.Commit(ctx, store.Commit{
		RoomID:      ev.RoomID,
		EventID:     ev.EventID,
		StateBefore: beforeID,
		StateAfter:  afterID,
		Extremities: extremities,
	}); err != nil {
		return newIngestError(ErrCodeTransient, ev.RoomID, ev.EventID, "commit", err)
	}
	if err := e.db.SetMinDepth(ctx, ev.RoomID, ev.Depth); err != nil {
		return newIngestError(ErrCodeTransient, ev.RoomID, ev.EventID, "record min depth", err)
	}

	slog.Debug("event committed",
		"room_id", ev.RoomID,
		"event_id", ev.EventID,
		"sn", ev.SN,
		"depth", ev.Depth,
		"extremities", len(extremities),
	)
	for _, hook := range e.hooks {
		hook(ctx, ev)
	}
	return nil
}

// stateAfterCommit computes the new current state after committing the
// state event ev on top of before.
func (e *Engine) stateAfterCommit(ctx context.Context, rules ir.RoomRules, ev *ir.Event, before stateres.StateMap) (stateres.StateMap, error) {
	withEvent := before.Clone()
	withEvent[ev.Field()] = ev.EventID

	current, _, err := e.db.CurrentState(ctx, ev.RoomID)
	if err != nil {
		return nil, newIngestError(ErrCodeTransient, ev.RoomID, ev.EventID, "load current state", err)
	}
	if len(current) == 0 || maps.Equal(current, before) {
		return withEvent, nil
	}
	return e.resolve(ctx, ev.RoomID, rules, []stateres.StateMap{current, withEvent})
}

// ResolveState resolves forks of a room's state, computing each fork's auth
// chain from the store.
func (e *Engine) ResolveState(ctx context.Context, roomID string, forks []stateres.StateMap) (stateres.StateMap, error) {
	room, err := e.db.Room(ctx, roomID)
	if err != nil {
		return nil, newIngestError(ErrCodeUnknownRoom, roomID, "", "load room", err)
	}
	rules, ok := ir.Rules(room.Version)
	if !ok {
		return nil, newIngestError(ErrCodeStructural, roomID, "", "unsupported room version "+room.Version, nil)
	}
	return e.resolve(ctx, roomID, rules, forks)
}

// resolve runs state resolution over stored events.
func (e *Engine) resolve(ctx context.Context, roomID string, rules ir.RoomRules, forks []stateres.StateMap) (stateres.StateMap, error) {
	start := time.Now()
	defer func() { e.metrics.recordResolve(ctx, time.Since(start)) }()

	fetch := e.fetcher()
	chains := make([]stateres.EventIDSet, len(forks))
	for i, fork := range forks {
		chain, err := stateres.AuthChain(ctx, fetch, fork.EventIDs())
		if err != nil {
			return nil, newIngestError(ErrCodeResolutionFailed, roomID, "", "auth chain", err)
		}
		chains[i] = chain
	}
	resolved, err := stateres.Resolve(ctx, rules, forks, chains, fetch)
	if err != nil {
		return nil, newIngestError(ErrCodeResolutionFailed, roomID, "", "resolve", err)
	}
	return resolved, nil
}
