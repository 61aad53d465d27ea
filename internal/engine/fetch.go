package engine

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"

	"github.com/roach88/fedroom/internal/federation"
	"github.com/roach88/fedroom/internal/ir"
	"github.com/roach88/fedroom/internal/stateres"
)

// missingEventsLimit is the page size of missing-events requests.
const missingEventsLimit = 10

// pulled is an event fetched from a peer, not yet verified.
type pulled struct {
	id  string
	ev  *ir.Event
	raw json.RawMessage
}

// parsePulled decodes fetched events, derives their ids and sorts them by
// depth then id. Undecodable events are dropped.
func (e *Engine) parsePulled(in *attempt, raws []json.RawMessage) []pulled {
	out := make([]pulled, 0, len(raws))
	for _, raw := range raws {
		ev, err := ir.ParseEvent(raw)
		if err != nil {
			in.log.Warn("dropping undecodable pulled event", "error", err)
			continue
		}
		id, err := e.crypto.DeriveEventID(in.rules, ev)
		if err != nil {
			in.log.Warn("dropping pulled event without id", "error", err)
			continue
		}
		out = append(out, pulled{id: id, ev: ev, raw: raw})
	}
	slices.SortFunc(out, func(a, b pulled) int {
		return cmp.Or(cmp.Compare(a.ev.Depth, b.ev.Depth), cmp.Compare(a.id, b.id))
	})
	return slices.CompactFunc(out, func(a, b pulled) bool { return a.id == b.id })
}

// fetchMissingPrev pulls the unknown ancestry of ev from the origin, down
// to the room's min depth, and ingests it oldest first. Failures leave gaps
// that later promotion resolves by asking for state instead.
func (e *Engine) fetchMissingPrev(ctx context.Context, in *attempt, ev *ir.Event) error {
	known, missing, err := e.splitKnown(ctx, ev.PrevEvents)
	if err != nil {
		return newIngestError(ErrCodeTransient, in.roomID, ev.EventID, "check prev events", err)
	}
	if len(missing) == 0 {
		return nil
	}
	room, err := e.db.Room(ctx, in.roomID)
	if err != nil {
		return newIngestError(ErrCodeTransient, in.roomID, ev.EventID, "load room", err)
	}
	extremities, err := e.db.Extremities(ctx, in.roomID)
	if err != nil {
		return newIngestError(ErrCodeTransient, in.roomID, ev.EventID, "load extremities", err)
	}
	earliest := slices.Concat(extremities, known)
	slices.Sort(earliest)
	earliest = slices.Compact(earliest)

	seen := stateres.NewEventIDSet(ev.EventID)
	var collected []pulled
	for latest := []string{ev.EventID}; len(latest) > 0; {
		e.metrics.recordFetch(ctx, "missing_events")
		page, err := e.transport.FetchMissingEvents(ctx, in.origin, federation.MissingEventsRequest{
			RoomID:   in.roomID,
			Earliest: earliest,
			Latest:   latest,
			Limit:    missingEventsLimit,
			MinDepth: room.MinDepth,
		})
		if err != nil {
			in.log.Warn("missing events request failed", "error", err)
			break
		}
		if err := in.budget.Take(len(page)); err != nil {
			return err
		}

		var next []string
		for _, p := range e.parsePulled(in, page) {
			if seen.Has(p.id) {
				continue
			}
			seen.Add(p.id)
			collected = append(collected, p)
			for _, prev := range p.ev.PrevEvents {
				if seen.Has(prev) || slices.Contains(earliest, prev) {
					continue
				}
				if has, _ := e.db.HasEvent(ctx, prev); !has {
					next = append(next, prev)
				}
			}
		}
		slices.Sort(next)
		latest = slices.Compact(next)
		// Ids found in this page are ingested below; only ask for the rest.
		latest = slices.DeleteFunc(latest, seen.Has)
	}

	slices.SortStableFunc(collected, func(a, b pulled) int { return cmp.Compare(a.ev.Depth, b.ev.Depth) })
	for _, p := range collected {
		if err := e.ingestPulled(ctx, in, p, true); err != nil && CodeOf(err) == ErrCodeFetchBudget {
			return err
		}
	}
	return nil
}

// fetchAuthEvents fetches unknown auth events one by one, walking their
// own auth events breadth first, then ingests them in reverse discovery
// order so ancestors land first. Events in backoff are skipped.
func (e *Engine) fetchAuthEvents(ctx context.Context, in *attempt, ids []string) error {
	var (
		order []pulled
		seen  = stateres.NewEventIDSet()
		queue = slices.Clone(ids)
	)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen.Has(id) || in.active[id] {
			continue
		}
		seen.Add(id)
		has, err := e.db.HasEvent(ctx, id)
		if err != nil {
			return newIngestError(ErrCodeTransient, in.roomID, id, "check auth event", err)
		}
		if has {
			continue
		}
		if !e.backoff.Allowed(ctx, id, e.now()) {
			in.log.Debug("skipping auth event in backoff", "auth_event_id", id)
			continue
		}
		if err := in.budget.Take(1); err != nil {
			return err
		}

		e.metrics.recordFetch(ctx, "event")
		raw, err := e.transport.FetchEvent(ctx, in.origin, id)
		if err != nil {
			in.log.Warn("auth event fetch failed", "auth_event_id", id, "error", err)
			e.backoff.Failure(ctx, id, e.now())
			continue
		}
		ev, err := ir.ParseEvent(raw)
		if err != nil {
			in.log.Warn("fetched auth event is malformed", "auth_event_id", id, "error", err)
			e.backoff.Failure(ctx, id, e.now())
			continue
		}
		order = append(order, pulled{id: id, ev: ev, raw: raw})
		queue = append(queue, ev.AuthEvents...)
	}

	for _, p := range slices.Backward(order) {
		if err := e.ingestPulled(ctx, in, p, false); err != nil {
			if CodeOf(err) == ErrCodeFetchBudget {
				return err
			}
			e.backoff.Failure(ctx, p.id, e.now())
			continue
		}
		e.backoff.Success(ctx, p.id)
	}
	return nil
}

// fetchAuthChain asks the origin for the full auth chain of eventID and
// ingests it as outliers. An unreachable origin is a transient error and
// leaves eventID unjudged.
func (e *Engine) fetchAuthChain(ctx context.Context, in *attempt, eventID string) error {
	e.metrics.recordFetch(ctx, "auth_chain")
	raws, err := e.transport.FetchAuthChain(ctx, in.origin, in.roomID, eventID)
	if err != nil {
		return newIngestError(ErrCodeTransient, in.roomID, eventID, "fetch auth chain from "+in.origin, err)
	}
	if err := in.budget.Take(len(raws)); err != nil {
		return err
	}
	for _, p := range e.parsePulled(in, raws) {
		if in.active[p.id] {
			continue
		}
		if err := e.ingestPulled(ctx, in, p, false); err != nil && CodeOf(err) == ErrCodeFetchBudget {
			return err
		}
	}
	return nil
}

// fetchState asks the origin for the state before ev, ingesting the state
// and its auth chain as outliers.
func (e *Engine) fetchState(ctx context.Context, in *attempt, ev *ir.Event) (stateres.StateMap, error) {
	e.metrics.recordFetch(ctx, "state")
	resp, err := e.transport.FetchStateAtEvent(ctx, in.origin, in.roomID, ev.EventID)
	if err != nil {
		return nil, newIngestError(ErrCodeTransient, in.roomID, ev.EventID, "fetch state from "+in.origin, err)
	}
	if err := in.budget.Take(len(resp.State) + len(resp.AuthChain)); err != nil {
		return nil, err
	}

	for _, p := range e.parsePulled(in, resp.AuthChain) {
		if err := e.ingestPulled(ctx, in, p, false); err != nil && CodeOf(err) == ErrCodeFetchBudget {
			return nil, err
		}
	}

	state := stateres.StateMap{}
	for _, p := range e.parsePulled(in, resp.State) {
		if err := e.ingestPulled(ctx, in, p, false); err != nil {
			return nil, err
		}
		stored, err := e.db.Event(ctx, p.id)
		if err != nil {
			return nil, newIngestError(ErrCodeTransient, in.roomID, ev.EventID, "load fetched state event", err)
		}
		if !stored.IsState() {
			return nil, newIngestError(ErrCodeStructural, in.roomID, ev.EventID, "fetched state contains non-state event "+p.id, nil)
		}
		if stored.RejectionReason != "" {
			in.log.Warn("ignoring rejected state event from origin", "state_event_id", p.id)
			continue
		}
		state[stored.Field()] = p.id
	}
	return state, nil
}

// splitKnown partitions ids into stored and unknown.
func (e *Engine) splitKnown(ctx context.Context, ids []string) (known, missing []string, err error) {
	for _, id := range ids {
		has, err := e.db.HasEvent(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if has {
			known = append(known, id)
		} else {
			missing = append(missing, id)
		}
	}
	return known, missing, nil
}
