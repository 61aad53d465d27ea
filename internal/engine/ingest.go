package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/fedroom/internal/auth"
	"github.com/roach88/fedroom/internal/crypto"
	"github.com/roach88/fedroom/internal/ir"
	"github.com/roach88/fedroom/internal/stateres"
	"github.com/roach88/fedroom/internal/store"
)

// attempt is the per-call context of one ingestion, shared by every event
// pulled while handling it.
type attempt struct {
	origin string
	roomID string
	rules  ir.RoomRules
	budget *FetchBudget
	log    *slog.Logger

	// active holds event ids whose guard this attempt already holds, so a
	// cyclic auth graph cannot make the attempt wait on itself.
	active map[string]bool

	// importing skips the missing-prev walk for the join event of an
	// imported room; its state comes from the peer instead.
	importing bool
}

func (e *Engine) newAttempt(origin, roomID string, rules ir.RoomRules, log *slog.Logger) *attempt {
	return &attempt{
		origin: origin,
		roomID: roomID,
		rules:  rules,
		budget: NewFetchBudget(e.budget),
		log:    log,
		active: make(map[string]bool),
	}
}

// IngestRemote processes an event pushed by origin. Events with isTimeline
// false are only stored as outliers.
//
// Returns nil when the event was committed, was already committed, or was
// stored but skipped; an *IngestError otherwise.
func (e *Engine) IngestRemote(ctx context.Context, origin, eventID, roomID, roomVersion string, raw json.RawMessage, isTimeline bool) (err error) {
	ctx, span := e.tracer.Start(ctx, "fedroom.ingest", trace.WithAttributes(
		attribute.String("room_id", roomID),
		attribute.String("event_id", eventID),
		attribute.String("origin", origin),
	))
	defer func() {
		e.metrics.recordOutcome(ctx, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(CodeOf(err)))
		}
		span.End()
	}()

	log := slog.With("ingest_id", e.ids.Generate(), "room_id", roomID, "event_id", eventID, "origin", origin)

	_, rules, err := e.roomRules(ctx, roomID)
	if err != nil {
		return err
	}
	if roomVersion != "" && roomVersion != rules.Version {
		return newIngestError(ErrCodeStructural, roomID, eventID,
			fmt.Sprintf("room version %s does not match %s", roomVersion, rules.Version), nil)
	}

	done, err := e.db.IsTimeline(ctx, eventID)
	if err != nil {
		return newIngestError(ErrCodeTransient, roomID, eventID, "check timeline", err)
	}
	if done {
		stored, err := e.db.Event(ctx, eventID)
		if err != nil {
			return newIngestError(ErrCodeTransient, roomID, eventID, "load event", err)
		}
		if err := e.checkKnownContent(roomID, stored, raw); err != nil {
			return err
		}
		log.Debug("event already in timeline")
		return nil
	}

	ev, err := ir.ParseEvent(raw)
	if err != nil {
		return newIngestError(ErrCodeStructural, roomID, eventID, "malformed event", err)
	}
	if err := e.checkACL(ctx, roomID, origin, ev.Sender); err != nil {
		return err
	}

	in := e.newAttempt(origin, roomID, rules, log)
	err = e.ingest(ctx, in, eventID, raw, isTimeline)
	switch {
	case err == nil:
		log.Info("event ingested", "timeline", isTimeline, "fetched", in.budget.Used())
	case IsAuthRejected(err), IsSoftFailed(err):
		log.Info("event not accepted", "error", err)
	default:
		log.Warn("event ingestion failed", "error", err)
	}
	return err
}

// checkACL refuses origins and sender servers denied by the room's
// current m.room.server_acl.
func (e *Engine) checkACL(ctx context.Context, roomID, origin, sender string) error {
	current, _, err := e.db.CurrentState(ctx, roomID)
	if err != nil {
		return newIngestError(ErrCodeTransient, roomID, "", "load current state", err)
	}
	id, ok := current[ir.StateField{Type: ir.TypeServerACL}]
	if !ok {
		return nil
	}
	acl, err := e.db.Event(ctx, id)
	if err != nil {
		return newIngestError(ErrCodeTransient, roomID, "", "load server acl", err)
	}
	servers := []string{origin}
	if senderServer, err := ir.ServerName(sender); err == nil && senderServer != origin {
		servers = append(servers, senderServer)
	}
	for _, server := range servers {
		if !aclAllows(acl, server) {
			return newIngestError(ErrCodeACLDenied, roomID, "", fmt.Sprintf("server %s denied by room acl", server), nil)
		}
	}
	return nil
}

// ingest runs both stages for one event under its sequence guard.
func (e *Engine) ingest(ctx context.Context, in *attempt, eventID string, raw json.RawMessage, timeline bool) error {
	if in.active[eventID] {
		return newIngestError(ErrCodeStructural, in.roomID, eventID, "event depends on itself", nil)
	}
	g := e.seq.Acquire(eventID)
	defer g.Release()
	in.active[eventID] = true
	defer delete(in.active, eventID)

	ev, err := e.toOutlier(ctx, in, g, eventID, raw, timeline && !in.importing)
	if err != nil {
		return err
	}
	if !timeline {
		return nil
	}
	return e.toTimeline(ctx, in, ev)
}

// ingestPulled ingests an event fetched while handling another one.
// Rejections and soft-fails of pulled events are expected and only logged.
func (e *Engine) ingestPulled(ctx context.Context, in *attempt, p pulled, timeline bool) error {
	err := e.ingest(ctx, in, p.id, p.raw, timeline)
	switch {
	case err == nil:
		return nil
	case IsAuthRejected(err), IsSoftFailed(err):
		in.log.Debug("pulled event not accepted", "pulled_event_id", p.id, "error", err)
		return nil
	case CodeOf(err) == ErrCodeFetchBudget:
		return err
	}
	in.log.Warn("pulled event failed", "pulled_event_id", p.id, "error", err)
	return err
}

// toOutlier verifies an event, makes sure its auth events are known, runs
// the auth-event checks and persists it as an outlier. Rejected events are
// persisted too, with their reason.
func (e *Engine) toOutlier(ctx context.Context, in *attempt, g *SeqGuard, eventID string, raw json.RawMessage, fetchPrev bool) (*ir.Event, error) {
	stored, err := e.db.Event(ctx, eventID)
	if err == nil {
		if err := e.checkKnownContent(in.roomID, stored, raw); err != nil {
			return nil, err
		}
		return stored, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, newIngestError(ErrCodeTransient, in.roomID, eventID, "load event", err)
	}

	ev, err := ir.ParseEvent(raw)
	if err != nil {
		return nil, newIngestError(ErrCodeStructural, in.roomID, eventID, "malformed event", err)
	}
	ev.Unsigned = nil

	switch res := e.crypto.Verify(in.rules, ev); res {
	case crypto.AllValid:
	case crypto.HashMismatch:
		redacted, err := ir.Redact(in.rules, ev)
		if err != nil {
			return nil, newIngestError(ErrCodeStructural, in.roomID, eventID, "redact", err)
		}
		in.log.Warn("content hash mismatch, storing redacted", "pulled_event_id", eventID)
		ev = redacted
	default:
		return nil, newIngestError(ErrCodeStructural, in.roomID, eventID, "signature check failed: "+res.String(), nil)
	}

	derived, err := e.crypto.DeriveEventID(in.rules, ev)
	if err != nil {
		return nil, newIngestError(ErrCodeStructural, in.roomID, eventID, "derive event id", err)
	}
	if derived != eventID {
		return nil, newIngestError(ErrCodeStructural, in.roomID, eventID, "event id does not match content, derived "+derived, nil)
	}
	ev.EventID = eventID
	if ev.RoomID != in.roomID {
		return nil, newIngestError(ErrCodeStructural, in.roomID, eventID, "event belongs to room "+ev.RoomID, nil)
	}

	if fetchPrev {
		if err := e.fetchMissingPrev(ctx, in, ev); err != nil {
			return nil, err
		}
	}
	if err := e.checkDepth(ctx, in, ev); err != nil {
		return nil, err
	}

	reason, err := e.checkAuthEvents(ctx, in, ev)
	if err != nil {
		return nil, err
	}
	ev.RejectionReason = reason
	ev.SN = g.SN()
	if _, err := e.db.PutEvent(ctx, ev); err != nil {
		return nil, newIngestError(ErrCodeTransient, in.roomID, eventID, "persist outlier", err)
	}
	if reason != "" {
		in.log.Info("stored rejected outlier", "pulled_event_id", eventID, "reason", reason)
	} else {
		in.log.Debug("stored outlier", "pulled_event_id", eventID, "sn", ev.SN)
	}
	return ev, nil
}

// checkKnownContent hard-rejects a redelivered copy of a stored event
// whose content does not hash to the stored content hash.
func (e *Engine) checkKnownContent(roomID string, stored *ir.Event, raw json.RawMessage) error {
	ev, err := ir.ParseEvent(raw)
	if err != nil {
		return newIngestError(ErrCodeStructural, roomID, stored.EventID, "malformed event", err)
	}
	got, err := e.crypto.ContentHash(ev)
	if err != nil {
		return newIngestError(ErrCodeStructural, roomID, stored.EventID, "content hash", err)
	}
	if stored.Hashes == nil || stored.Hashes.SHA256 != ir.EncodeBase64(got) {
		return newIngestError(ErrCodeStructural, roomID, stored.EventID, "content hash mismatch on known event", nil)
	}
	return nil
}

// checkDepth enforces depth = 1 + max(parent depths) once every prev event
// is stored. Events whose parents are still unknown are not checked.
func (e *Engine) checkDepth(ctx context.Context, in *attempt, ev *ir.Event) error {
	if len(ev.PrevEvents) == 0 {
		return nil
	}
	prevs, missing, err := e.loadEvents(ctx, ev.PrevEvents)
	if err != nil {
		return newIngestError(ErrCodeTransient, in.roomID, ev.EventID, "load prev events", err)
	}
	if len(missing) > 0 {
		return nil
	}
	var parent int64
	for _, p := range prevs {
		parent = max(parent, p.Depth)
	}
	if ev.Depth != parent+1 {
		return newIngestError(ErrCodeStructural, in.roomID, ev.EventID,
			fmt.Sprintf("depth %d does not follow parent depth %d", ev.Depth, parent), nil)
	}
	return nil
}

// checkAuthEvents fetches missing auth events and authorizes ev against
// them. It returns the rejection reason, "" when the event passes.
func (e *Engine) checkAuthEvents(ctx context.Context, in *attempt, ev *ir.Event) (string, error) {
	authEvents, missing, err := e.loadEvents(ctx, ev.AuthEvents)
	if err != nil {
		return "", newIngestError(ErrCodeTransient, in.roomID, ev.EventID, "load auth events", err)
	}
	if len(missing) > 0 {
		if err := e.fetchAuthEvents(ctx, in, missing); err != nil {
			return "", err
		}
		if authEvents, missing, err = e.loadEvents(ctx, ev.AuthEvents); err != nil {
			return "", newIngestError(ErrCodeTransient, in.roomID, ev.EventID, "load auth events", err)
		}
	}
	if len(missing) > 0 {
		if err := e.fetchAuthChain(ctx, in, ev.EventID); err != nil {
			return "", err
		}
		if authEvents, missing, err = e.loadEvents(ctx, ev.AuthEvents); err != nil {
			return "", newIngestError(ErrCodeTransient, in.roomID, ev.EventID, "load auth events", err)
		}
	}
	if len(missing) > 0 {
		return "missing auth events: " + strings.Join(missing, ", "), nil
	}

	var rejected []string
	for _, ae := range authEvents {
		if ae.RejectionReason != "" {
			rejected = append(rejected, ae.EventID)
		}
	}
	if len(rejected) > 0 {
		return "event's auth events rejected: " + strings.Join(rejected, ", "), nil
	}

	if err := auth.CheckAuthEvents(in.rules, ev, authEvents); err != nil {
		return err.Error(), nil
	}
	if err := auth.Check(in.rules, ev, auth.NewEventsState(authEvents)); err != nil {
		return err.Error(), nil
	}
	return "", nil
}

// toTimeline promotes a stored outlier: it computes the state before the
// event, authorizes it against that state and the current state, decides
// soft-fail and commits.
func (e *Engine) toTimeline(ctx context.Context, in *attempt, ev *ir.Event) error {
	if ev.RejectionReason != "" {
		return newIngestError(ErrCodeAuthRejected, in.roomID, ev.EventID, ev.RejectionReason, nil)
	}
	if ev.SoftFailed {
		return newIngestError(ErrCodeSoftFailed, in.roomID, ev.EventID, "event was soft-failed", nil)
	}
	done, err := e.db.IsTimeline(ctx, ev.EventID)
	if err != nil {
		return newIngestError(ErrCodeTransient, in.roomID, ev.EventID, "check timeline", err)
	}
	if done {
		return nil
	}

	room, err := e.db.Room(ctx, in.roomID)
	if err != nil {
		return newIngestError(ErrCodeTransient, in.roomID, ev.EventID, "load room", err)
	}
	if room.MinDepth > 0 && ev.Depth < room.MinDepth {
		in.log.Debug("skipping event below room min depth", "pulled_event_id", ev.EventID, "depth", ev.Depth, "min_depth", room.MinDepth)
		return nil
	}

	handling := e.backoff.Handling()
	handling.Start(in.roomID, ev.EventID, e.now())
	defer handling.Done(in.roomID, ev.EventID)

	before, err := e.stateBefore(ctx, in, ev)
	if err != nil {
		return err
	}

	if err := auth.Check(in.rules, ev, e.stateProvider(ctx, before)); err != nil {
		return e.reject(ctx, in, ev, "state before event", err)
	}

	current, _, err := e.db.CurrentState(ctx, in.roomID)
	if err != nil {
		return newIngestError(ErrCodeTransient, in.roomID, ev.EventID, "load current state", err)
	}
	if len(current) > 0 {
		currentAuth, err := e.currentAuthEvents(ctx, in.rules, ev, current)
		if err != nil {
			return newIngestError(ErrCodeTransient, in.roomID, ev.EventID, "load current auth events", err)
		}
		if err := auth.Check(in.rules, ev, auth.NewEventsState(currentAuth)); err != nil {
			return e.reject(ctx, in, ev, "current state", err)
		}
	}

	softFail := false
	if ev.Type == ir.TypeRedaction {
		ok, err := auth.UserCanRedact(in.rules, ev, e.stateProvider(ctx, current), e.lookup(ctx))
		softFail = err != nil || !ok
	}
	return e.commit(ctx, in.rules, ev, before, softFail)
}

// reject records a timeline-stage authorization failure on the stored
// outlier so the event is never retried.
func (e *Engine) reject(ctx context.Context, in *attempt, ev *ir.Event, against string, cause error) error {
	reason := fmt.Sprintf("auth against %s: %v", against, cause)
	if err := e.db.MarkRejected(ctx, ev.EventID, reason); err != nil {
		return newIngestError(ErrCodeTransient, in.roomID, ev.EventID, "record rejection", err)
	}
	return newIngestError(ErrCodeAuthRejected, in.roomID, ev.EventID, reason, cause)
}

// currentAuthEvents returns the holders of ev's auth slots in state.
func (e *Engine) currentAuthEvents(ctx context.Context, rules ir.RoomRules, ev *ir.Event, state map[ir.StateField]string) ([]*ir.Event, error) {
	var ids []string
	for _, field := range auth.AuthTypesForEvent(rules, ev) {
		if id, ok := state[field]; ok {
			ids = append(ids, id)
		}
	}
	events, _, err := e.loadEvents(ctx, ids)
	return events, err
}

// stateBefore computes the room state immediately before ev from its
// parents, falling back to asking the origin.
func (e *Engine) stateBefore(ctx context.Context, in *attempt, ev *ir.Event) (stateres.StateMap, error) {
	if len(ev.PrevEvents) == 0 {
		return stateres.StateMap{}, nil
	}

	forks := make([]stateres.StateMap, 0, len(ev.PrevEvents))
	for _, prev := range ev.PrevEvents {
		s, ok, err := e.stateAfter(ctx, prev)
		if err != nil {
			return nil, newIngestError(ErrCodeTransient, in.roomID, ev.EventID, "load parent state", err)
		}
		if !ok {
			in.log.Debug("parent state unknown, asking origin", "prev_event_id", prev)
			return e.fetchState(ctx, in, ev)
		}
		forks = append(forks, s)
	}
	if len(forks) == 1 {
		return forks[0], nil
	}
	return e.resolve(ctx, in.roomID, in.rules, forks)
}

// stateAfter returns the state after a committed timeline event. ok is
// false when the event is not in the timeline.
func (e *Engine) stateAfter(ctx context.Context, eventID string) (stateres.StateMap, bool, error) {
	state, ok, err := e.db.StateBefore(ctx, eventID)
	if err != nil || !ok {
		return nil, false, err
	}
	s := stateres.StateMap(state).Clone()
	ev, err := e.db.Event(ctx, eventID)
	if err != nil {
		return nil, false, err
	}
	if ev.IsState() && ev.RejectionReason == "" && !ev.SoftFailed {
		s[ev.Field()] = ev.EventID
	}
	return s, true, nil
}
