package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/fedroom/internal/auth"
	"github.com/roach88/fedroom/internal/ir"
	"github.com/roach88/fedroom/internal/stateres"
	"github.com/roach88/fedroom/internal/store"
)

// maxPrevEvents caps the prev events of a locally authored event.
const maxPrevEvents = 20

// Room presets accepted by CreateRoom.
const (
	PresetPrivate = "private_chat"
	PresetPublic  = "public_chat"
)

// AuthorAndCommit builds, authorizes, signs and commits a local event.
//
// A state event whose canonical content equals the current holder of its
// slot is a no-op: the current event is returned and nothing is written.
// Authorization happens before anything is stored and never touches the
// network.
func (e *Engine) AuthorAndCommit(ctx context.Context, eventType string, content json.RawMessage, stateKey *string, sender, roomID string) (*ir.Event, error) {
	_, rules, err := e.roomRules(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if server, err := ir.ServerName(sender); err != nil || server != e.server {
		return nil, newIngestError(ErrCodeStructural, roomID, "", fmt.Sprintf("sender %s is not local to %s", sender, e.server), nil)
	}
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	canonical, err := ir.CanonicalizeRaw(content)
	if err != nil {
		return nil, newIngestError(ErrCodeStructural, roomID, "", "invalid content", err)
	}
	log := slog.With("author_id", e.ids.Generate(), "room_id", roomID, "type", eventType, "sender", sender)

	current, _, err := e.db.CurrentState(ctx, roomID)
	if err != nil {
		return nil, newIngestError(ErrCodeTransient, roomID, "", "load current state", err)
	}
	if stateKey != nil {
		if unchanged, err := e.unchangedState(ctx, current, eventType, *stateKey, canonical); err != nil {
			return nil, newIngestError(ErrCodeTransient, roomID, "", "load current holder", err)
		} else if unchanged != nil {
			log.Debug("state unchanged, not authoring", "event_id", unchanged.EventID)
			return unchanged, nil
		}
	}

	prevs, depth, err := e.prevEvents(ctx, roomID)
	if err != nil {
		return nil, newIngestError(ErrCodeTransient, roomID, "", "load extremities", err)
	}
	ev := &ir.Event{
		RoomID:         roomID,
		Sender:         sender,
		Origin:         e.server,
		OriginServerTS: e.now().UnixMilli(),
		Type:           eventType,
		StateKey:       stateKey,
		Content:        canonical,
		PrevEvents:     prevs,
		AuthEvents:     []string{},
		Depth:          depth,
	}
	authEvents, err := e.currentAuthEvents(ctx, rules, ev, current)
	if err != nil {
		return nil, newIngestError(ErrCodeTransient, roomID, "", "load auth events", err)
	}
	for _, ae := range authEvents {
		ev.AuthEvents = append(ev.AuthEvents, ae.EventID)
	}
	slices.Sort(ev.AuthEvents)

	// Legacy redaction checks read the origin off the event id, which
	// does not exist until the event is signed.
	ev.EventID = ir.EventIDFromReferenceHash(nil, rules, e.server)
	if err := auth.Check(rules, ev, auth.NewEventsState(authEvents)); err != nil {
		return nil, newIngestError(ErrCodeAuthRejected, roomID, "", "not allowed", err)
	}
	signed, err := e.crypto.SignAndHash(rules, ev)
	if err != nil {
		return nil, fmt.Errorf("author %s: %w", eventType, err)
	}

	g := e.seq.Acquire(signed.EventID)
	defer g.Release()
	signed.SN = g.SN()
	signed.Outlier = true
	if _, err := e.db.PutEvent(ctx, signed); err != nil {
		return nil, newIngestError(ErrCodeTransient, roomID, signed.EventID, "persist event", err)
	}
	if err := e.commit(ctx, rules, signed, stateres.StateMap(current), false); err != nil {
		return nil, err
	}
	signed.Outlier = false

	log.Info("event authored", "event_id", signed.EventID, "sn", signed.SN, "depth", signed.Depth)
	return signed, nil
}

// unchangedState returns the current holder of (eventType, stateKey) when
// its content equals content, nil otherwise.
func (e *Engine) unchangedState(ctx context.Context, current map[ir.StateField]string, eventType, stateKey string, content json.RawMessage) (*ir.Event, error) {
	id, ok := current[ir.StateField{Type: eventType, StateKey: stateKey}]
	if !ok {
		return nil, nil
	}
	holder, err := e.db.Event(ctx, id)
	if err != nil {
		return nil, err
	}
	held, err := ir.CanonicalizeRaw(holder.Content)
	if err != nil || !bytes.Equal(held, content) {
		return nil, nil
	}
	return holder, nil
}

// prevEvents picks the prev events and depth of a new local event: the
// room's extremities in id order, capped at maxPrevEvents.
func (e *Engine) prevEvents(ctx context.Context, roomID string) ([]string, int64, error) {
	ext, err := e.db.Extremities(ctx, roomID)
	if err != nil {
		return nil, 0, err
	}
	if len(ext) > maxPrevEvents {
		ext = ext[:maxPrevEvents]
	}
	var depth int64
	for _, id := range ext {
		ev, err := e.db.Event(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		depth = max(depth, ev.Depth)
	}
	return ext, depth + 1, nil
}

// CreateRoom creates a room on this server with creator as its only
// member and returns its id. An empty version selects
// ir.DefaultRoomVersion.
func (e *Engine) CreateRoom(ctx context.Context, creator, version, preset string) (string, error) {
	if version == "" {
		version = ir.DefaultRoomVersion
	}
	rules, ok := ir.Rules(version)
	if !ok {
		return "", newIngestError(ErrCodeStructural, "", "", fmt.Sprintf("unsupported room version %q", version), nil)
	}
	joinRule := ir.JoinRuleInvite
	switch preset {
	case PresetPublic:
		joinRule = ir.JoinRulePublic
	case PresetPrivate, "":
	default:
		return "", fmt.Errorf("create room: unknown preset %q", preset)
	}

	roomID := "!" + e.ids.Generate() + ":" + e.server
	if err := e.db.CreateRoom(ctx, roomID, version); err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}

	createContent := map[string]any{"room_version": version}
	if !rules.UseRoomCreateSender {
		createContent["creator"] = creator
	}
	steps := []struct {
		typ      string
		stateKey string
		content  any
	}{
		{ir.TypeCreate, "", createContent},
		{ir.TypeMember, creator, map[string]any{"membership": ir.MembershipJoin}},
		{ir.TypePowerLevels, "", map[string]any{"users": map[string]int64{creator: 100}}},
		{ir.TypeJoinRules, "", map[string]any{"join_rule": joinRule}},
		{ir.TypeHistoryVisibility, "", map[string]any{"history_visibility": "shared"}},
	}
	for _, step := range steps {
		content, err := ir.MarshalCanonical(step.content)
		if err != nil {
			return "", fmt.Errorf("create room: %w", err)
		}
		if _, err := e.AuthorAndCommit(ctx, step.typ, content, ir.StringPtr(step.stateKey), creator, roomID); err != nil {
			return "", fmt.Errorf("create room: %s: %w", step.typ, err)
		}
	}
	slog.Info("room created", "room_id", roomID, "version", version, "creator", creator)
	return roomID, nil
}

// ImportRoom makes a remote room known locally from origin's state before
// eventID, then commits eventID as the room's only extremity. This is the
// local half of joining a room hosted elsewhere.
func (e *Engine) ImportRoom(ctx context.Context, origin, roomID, version, eventID string) error {
	rules, ok := ir.Rules(version)
	if !ok {
		return newIngestError(ErrCodeStructural, roomID, eventID, fmt.Sprintf("unsupported room version %q", version), nil)
	}
	room, err := e.db.Room(ctx, roomID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := e.db.CreateRoom(ctx, roomID, version); err != nil {
			return newIngestError(ErrCodeTransient, roomID, eventID, "create room", err)
		}
	case err != nil:
		return newIngestError(ErrCodeTransient, roomID, eventID, "load room", err)
	case room.Version != version:
		return newIngestError(ErrCodeStructural, roomID, eventID, "room already known with version "+room.Version, nil)
	}

	log := slog.With("ingest_id", e.ids.Generate(), "room_id", roomID, "event_id", eventID, "origin", origin)
	e.metrics.recordFetch(ctx, "event")
	raw, err := e.transport.FetchEvent(ctx, origin, eventID)
	if err != nil {
		return newIngestError(ErrCodeTransient, roomID, eventID, "fetch event from "+origin, err)
	}

	in := e.newAttempt(origin, roomID, rules, log)
	in.importing = true
	err = e.ingest(ctx, in, eventID, raw, true)
	e.metrics.recordOutcome(ctx, err)
	if err != nil {
		log.Warn("room import failed", "error", err)
		return err
	}
	log.Info("room imported", "fetched", in.budget.Used())
	return nil
}

// Backfill pulls up to limit events preceding the room's earliest timeline
// event from origin and stores them as outliers. It returns how many new
// events were stored.
func (e *Engine) Backfill(ctx context.Context, origin, roomID string, limit int) (int, error) {
	_, rules, err := e.roomRules(ctx, roomID)
	if err != nil {
		return 0, err
	}
	first, err := e.db.Timeline(ctx, roomID, 0, 1)
	if err != nil {
		return 0, newIngestError(ErrCodeTransient, roomID, "", "load timeline", err)
	}
	if len(first) == 0 {
		return 0, nil
	}

	log := slog.With("ingest_id", e.ids.Generate(), "room_id", roomID, "origin", origin)
	e.metrics.recordFetch(ctx, "backfill")
	raws, err := e.transport.FetchBackfill(ctx, origin, roomID, []string{first[0].EventID}, limit)
	if err != nil {
		return 0, newIngestError(ErrCodeTransient, roomID, "", "backfill from "+origin, err)
	}

	in := e.newAttempt(origin, roomID, rules, log)
	if err := in.budget.Take(len(raws)); err != nil {
		return 0, err
	}
	stored := 0
	for _, p := range e.parsePulled(in, raws) {
		if has, _ := e.db.HasEvent(ctx, p.id); has {
			continue
		}
		if err := e.ingestPulled(ctx, in, p, false); err != nil {
			if CodeOf(err) == ErrCodeFetchBudget {
				return stored, err
			}
			continue
		}
		stored++
	}
	log.Info("backfilled", "stored", stored, "received", len(raws))
	return stored, nil
}
