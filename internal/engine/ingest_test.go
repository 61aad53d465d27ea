package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fedroom/internal/ir"
)

func TestIngestRemote_CommitsPushedEvent(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	join(t, a, b, roomID)

	msg := a.send(t, roomID, a.user, "hello")
	require.NoError(t, b.push(t, msg))

	ok, err := b.store.IsTimeline(context.Background(), msg.EventID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{msg.EventID}, b.extremities(t, roomID))
	assert.Equal(t, a.currentState(t, roomID), b.currentState(t, roomID))
	assert.Zero(t, b.backoff.Handling().Rooms(), "handle times must be cleared")
}

func TestIngestRemote_Idempotent(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	join(t, a, b, roomID)

	msg := a.send(t, roomID, a.user, "once")
	require.NoError(t, b.push(t, msg))
	first, err := b.store.Event(context.Background(), msg.EventID)
	require.NoError(t, err)
	before := b.engine.Seq().Current()

	require.NoError(t, b.push(t, msg))
	again, err := b.store.Event(context.Background(), msg.EventID)
	require.NoError(t, err)
	assert.Equal(t, first.SN, again.SN)
	assert.Equal(t, before, b.engine.Seq().Current(), "no new sequence number")
	assert.Equal(t, []string{msg.EventID}, b.extremities(t, roomID))
}

func TestIngestRemote_ConcurrentDuplicates(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	join(t, a, b, roomID)
	msg := a.send(t, roomID, a.user, "race")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.push(t, msg)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	timeline, err := b.store.Timeline(context.Background(), roomID, 0, 0)
	require.NoError(t, err)
	count := 0
	for _, ev := range timeline {
		if ev.EventID == msg.EventID {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Zero(t, b.engine.Seq().Pending())
}

func TestIngestRemote_RefusesUnknownAndDisabledRooms(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	msg := a.send(t, roomID, a.user, "hi")

	err := b.push(t, msg)
	assert.True(t, CodeOf(err) == ErrCodeUnknownRoom, "got %v", err)

	join(t, a, b, roomID)
	require.NoError(t, b.store.SetRoomDisabled(context.Background(), roomID, true))
	err = b.push(t, a.send(t, roomID, a.user, "later"))
	assert.Equal(t, ErrCodeRoomDisabled, CodeOf(err))
}

func TestIngestRemote_StructuralFailures(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	join(t, a, b, roomID)
	msg := a.send(t, roomID, a.user, "original")
	raw, err := msg.JSON()
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("version mismatch", func(t *testing.T) {
		err := b.engine.IngestRemote(ctx, a.name, msg.EventID, roomID, "9", raw, true)
		assert.True(t, IsStructural(err), "got %v", err)
	})

	t.Run("wrong event id", func(t *testing.T) {
		err := b.engine.IngestRemote(ctx, a.name, "$not-the-id", roomID, "", raw, true)
		assert.True(t, IsStructural(err), "got %v", err)
	})

	t.Run("bad signature", func(t *testing.T) {
		forged := msg.Clone()
		forged.Signatures = map[string]map[string]string{a.name: {"ed25519:auto": "AAAA"}}
		data, err := forged.JSON()
		require.NoError(t, err)
		err = b.engine.IngestRemote(ctx, a.name, msg.EventID, roomID, "", data, true)
		assert.True(t, IsStructural(err), "got %v", err)
	})

	t.Run("malformed", func(t *testing.T) {
		err := b.engine.IngestRemote(ctx, a.name, "$x", roomID, "", json.RawMessage(`{"type":`), true)
		assert.True(t, IsStructural(err), "got %v", err)
	})

	has, err := b.store.HasEvent(ctx, msg.EventID)
	require.NoError(t, err)
	assert.False(t, has, "structurally invalid events are not stored")
}

func TestIngestRemote_HashMismatchStoresRedacted(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	join(t, a, b, roomID)

	msg := a.send(t, roomID, a.user, "secret")
	tampered := msg.Clone()
	tampered.Content = json.RawMessage(`{"body":"tampered","msgtype":"m.text"}`)
	require.NoError(t, b.push(t, tampered))

	stored, err := b.store.Event(context.Background(), msg.EventID)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(stored.Content))
}

func TestIngestRemote_ServerACL(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	join(t, a, b, roomID)

	_, err := a.setState(t, roomID, a.user, ir.TypeServerACL, "", map[string]any{
		"allow": []string{"a.example"},
		"deny":  []string{},
	})
	require.NoError(t, err)

	err = a.push(t, b.send(t, roomID, b.user, "am I allowed?"))
	assert.Equal(t, ErrCodeACLDenied, CodeOf(err))
}

func TestIngestRemote_FetchesMissingHistoryInDepthOrder(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	join(t, a, b, roomID)

	var last *ir.Event
	for i := 0; i < 50; i++ {
		last = a.send(t, roomID, a.user, "chain")
	}
	require.NoError(t, b.push(t, last))

	timeline, err := b.store.Timeline(context.Background(), roomID, 0, 0)
	require.NoError(t, err)
	require.Len(t, timeline, 52, "import event, join and 50 messages")
	for i := 1; i < len(timeline); i++ {
		assert.Greater(t, timeline[i].Depth, timeline[i-1].Depth, "depth must increase with sn at %d", i)
		assert.Greater(t, timeline[i].SN, timeline[i-1].SN)
	}
	assert.Equal(t, []string{last.EventID}, b.extremities(t, roomID))
}

func TestIngestRemote_FetchBudget(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	join(t, a, b, roomID)
	WithFetchBudget(5)(b.engine)

	var last *ir.Event
	for i := 0; i < 20; i++ {
		last = a.send(t, roomID, a.user, "too much")
	}
	err := b.push(t, last)
	assert.Equal(t, ErrCodeFetchBudget, CodeOf(err))
	assert.True(t, IsTransient(err))
}

func TestIngestRemote_UnreachableAuthEventsBackOff(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	join(t, a, b, roomID)

	carol := "@carol:a.example"
	carolJoin, err := a.setState(t, roomID, carol, ir.TypeMember, carol, map[string]any{"membership": ir.MembershipJoin})
	require.NoError(t, err)
	msg := a.send(t, roomID, carol, "from carol")

	f.network.Partition(a.name, b.name)
	err = b.push(t, msg)
	assert.True(t, IsTransient(err), "got %v", err)
	assert.Equal(t, int64(1), b.backoff.Tries(carolJoin.EventID))

	has, err := b.store.HasEvent(context.Background(), msg.EventID)
	require.NoError(t, err)
	assert.False(t, has, "nothing is stored while the auth events are unreachable")
}

func TestIngestRemote_CommitsAfterPartitionHeals(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	join(t, a, b, roomID)

	carol := "@carol:a.example"
	_, err := a.setState(t, roomID, carol, ir.TypeMember, carol, map[string]any{"membership": ir.MembershipJoin})
	require.NoError(t, err)
	msg := a.send(t, roomID, carol, "from carol")

	f.network.Partition(a.name, b.name)
	err = b.push(t, msg)
	require.True(t, IsTransient(err), "got %v", err)

	f.network.Heal(a.name, b.name)
	require.NoError(t, b.push(t, msg))

	ok, err := b.store.IsTimeline(context.Background(), msg.EventID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{msg.EventID}, b.extremities(t, roomID))
}

// failingHasEvent fails HasEvent for one event id.
type failingHasEvent struct {
	Persistence
	id string
}

func (s failingHasEvent) HasEvent(ctx context.Context, id string) (bool, error) {
	if id == s.id {
		return false, errors.New("database is locked")
	}
	return s.Persistence.HasEvent(ctx, id)
}

func TestIngestRemote_AuthEventLookupErrorIsTransient(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	join(t, a, b, roomID)
	ctx := context.Background()

	carol := "@carol:a.example"
	carolJoin, err := a.setState(t, roomID, carol, ir.TypeMember, carol, map[string]any{"membership": ir.MembershipJoin})
	require.NoError(t, err)
	msg := a.send(t, roomID, carol, "from carol")

	eng, err := New(ctx, failingHasEvent{Persistence: b.store, id: carolJoin.EventID}, b.crypto,
		WithTransport(b.client), WithBackoff(NewMemoryBackoff(DefaultBackoffBase)))
	require.NoError(t, err)

	raw, err := msg.JSON()
	require.NoError(t, err)
	err = eng.IngestRemote(ctx, a.name, msg.EventID, roomID, "", raw, false)
	assert.True(t, IsTransient(err), "got %v", err)

	has, err := b.store.HasEvent(ctx, msg.EventID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestIngestRemote_PullsUnknownAuthEvents(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	join(t, a, b, roomID)

	carol := "@carol:a.example"
	_, err := a.setState(t, roomID, carol, ir.TypeMember, carol, map[string]any{"membership": ir.MembershipJoin})
	require.NoError(t, err)
	msg := a.send(t, roomID, carol, "from carol")

	require.NoError(t, b.push(t, msg))
	assert.Contains(t, b.currentState(t, roomID), memberField(carol))
	assert.Equal(t, []string{msg.EventID}, b.extremities(t, roomID))
}

func TestIngestRemote_RejectsForgedPowerEscalation(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	bobJoin := join(t, a, b, roomID)
	ctx := context.Background()

	state := a.currentState(t, roomID)
	forged := &ir.Event{
		RoomID:         roomID,
		Sender:         b.user,
		OriginServerTS: 1,
		Type:           ir.TypePowerLevels,
		StateKey:       ir.StringPtr(""),
		Content:        json.RawMessage(`{"users":{"` + a.user + `":100,"` + b.user + `":100}}`),
		PrevEvents:     []string{bobJoin.EventID},
		AuthEvents: []string{
			state[ir.StateField{Type: ir.TypeCreate}],
			state[ir.StateField{Type: ir.TypePowerLevels}],
			bobJoin.EventID,
		},
		Depth: bobJoin.Depth + 1,
	}
	signed, err := b.crypto.SignAndHash(ir.MustRules("10"), forged)
	require.NoError(t, err)

	err = a.push(t, signed)
	assert.True(t, IsAuthRejected(err), "got %v", err)
	stored, err := a.store.Event(ctx, signed.EventID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.RejectionReason)
	assert.Equal(t, state, a.currentState(t, roomID), "state untouched")

	requests := a.client.Requests()
	err = a.push(t, signed)
	assert.True(t, IsAuthRejected(err), "rejection is permanent, got %v", err)
	assert.Equal(t, requests, a.client.Requests(), "no refetch")
}

func TestIngestRemote_SoftFailedRedactionIsIsolated(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	join(t, a, b, roomID)

	msg := a.send(t, roomID, a.user, "keep me")
	redaction, err := b.engine.AuthorAndCommit(context.Background(), ir.TypeRedaction,
		json.RawMessage(`{"redacts":"`+msg.EventID+`"}`), nil, b.user, roomID)
	require.NoError(t, err)

	stateBefore := a.currentState(t, roomID)
	err = a.push(t, redaction)
	assert.True(t, IsSoftFailed(err), "got %v", err)

	stored, err := a.store.Event(context.Background(), redaction.EventID)
	require.NoError(t, err)
	assert.True(t, stored.SoftFailed)
	assert.True(t, stored.Outlier)
	assert.Equal(t, []string{msg.EventID}, a.extremities(t, roomID), "extremities untouched")
	assert.Equal(t, stateBefore, a.currentState(t, roomID))

	// Building on top of the soft-failed event still works.
	next := a.send(t, roomID, a.user, "after")
	assert.NotContains(t, next.PrevEvents, redaction.EventID)

	err = a.push(t, redaction)
	assert.True(t, IsSoftFailed(err), "soft-fail is sticky, got %v", err)
}

func TestIngestRemote_DoubleAuthDivergence(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	bobJoin := join(t, a, b, roomID)

	ban, err := a.setState(t, roomID, a.user, ir.TypeMember, b.user, map[string]any{"membership": ir.MembershipBan})
	require.NoError(t, err)

	t.Run("allowed at its position, denied by current state", func(t *testing.T) {
		msg := b.send(t, roomID, b.user, "did I miss something?")
		require.Equal(t, []string{bobJoin.EventID}, msg.PrevEvents)

		err := a.push(t, msg)
		assert.True(t, IsAuthRejected(err), "got %v", err)
		stored, err := a.store.Event(context.Background(), msg.EventID)
		require.NoError(t, err)
		assert.Contains(t, stored.RejectionReason, "current state")
	})

	t.Run("allowed by auth events, denied at its position", func(t *testing.T) {
		state := a.currentState(t, roomID)
		ev := &ir.Event{
			RoomID:         roomID,
			Sender:         b.user,
			OriginServerTS: 2,
			Type:           ir.TypeMessage,
			Content:        json.RawMessage(`{"body":"sneaky"}`),
			PrevEvents:     []string{ban.EventID},
			AuthEvents: []string{
				state[ir.StateField{Type: ir.TypeCreate}],
				state[ir.StateField{Type: ir.TypePowerLevels}],
				bobJoin.EventID,
			},
			Depth: ban.Depth + 1,
		}
		signed, err := b.crypto.SignAndHash(ir.MustRules("10"), ev)
		require.NoError(t, err)

		err = a.push(t, signed)
		assert.True(t, IsAuthRejected(err), "got %v", err)
		stored, err := a.store.Event(context.Background(), signed.EventID)
		require.NoError(t, err)
		assert.Contains(t, stored.RejectionReason, "state before event")
	})

	assert.Equal(t, []string{ban.EventID}, a.extremities(t, roomID))
}

func TestIngestRemote_RejectsDepthNotFollowingParents(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	bobJoin := join(t, a, b, roomID)
	ctx := context.Background()

	state := a.currentState(t, roomID)
	ev := &ir.Event{
		RoomID:         roomID,
		Sender:         b.user,
		OriginServerTS: 3,
		Type:           ir.TypeMessage,
		Content:        json.RawMessage(`{"body":"from far below"}`),
		PrevEvents:     []string{bobJoin.EventID},
		AuthEvents: []string{
			state[ir.StateField{Type: ir.TypeCreate}],
			state[ir.StateField{Type: ir.TypePowerLevels}],
			bobJoin.EventID,
		},
		Depth: bobJoin.Depth + 500,
	}
	signed, err := b.crypto.SignAndHash(ir.MustRules("10"), ev)
	require.NoError(t, err)

	err = a.push(t, signed)
	assert.True(t, IsStructural(err), "got %v", err)
	assert.Contains(t, err.Error(), "depth")

	has, err := a.store.HasEvent(ctx, signed.EventID)
	require.NoError(t, err)
	assert.False(t, has)
	assert.Equal(t, []string{bobJoin.EventID}, a.extremities(t, roomID))
}

func TestIngestRemote_TamperedCopyOfKnownEvent(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	join(t, a, b, roomID)
	ctx := context.Background()

	tamper := func(ev *ir.Event) json.RawMessage {
		c := ev.Clone()
		c.Content = json.RawMessage(`{"body":"tampered"}`)
		raw, err := c.JSON()
		require.NoError(t, err)
		return raw
	}

	t.Run("timeline event", func(t *testing.T) {
		msg := a.send(t, roomID, a.user, "original")
		require.NoError(t, b.push(t, msg))

		err := b.engine.IngestRemote(ctx, a.name, msg.EventID, roomID, "", tamper(msg), true)
		assert.True(t, IsStructural(err), "got %v", err)
		assert.Contains(t, err.Error(), "content hash mismatch on known event")
		require.NoError(t, b.push(t, msg), "the genuine copy is still accepted")
	})

	t.Run("outlier", func(t *testing.T) {
		msg := a.send(t, roomID, a.user, "original outlier")
		raw, err := msg.JSON()
		require.NoError(t, err)
		require.NoError(t, b.engine.IngestRemote(ctx, a.name, msg.EventID, roomID, "", raw, false))

		err = b.engine.IngestRemote(ctx, a.name, msg.EventID, roomID, "", tamper(msg), false)
		assert.True(t, IsStructural(err), "got %v", err)

		stored, err := b.store.Event(ctx, msg.EventID)
		require.NoError(t, err)
		assert.JSONEq(t, string(msg.Content), string(stored.Content))
	})
}

func TestIngestRemote_MinDepthSkip(t *testing.T) {
	f := newTestFederation(t)
	a, b := f.server("a.example"), f.server("b.example")
	roomID := a.createRoom(t)
	join(t, a, b, roomID)
	ctx := context.Background()

	// b imported the room at a's newest event; the join rules sit below it.
	timeline, err := a.store.Timeline(ctx, roomID, 0, 0)
	require.NoError(t, err)
	var joinRules *ir.Event
	for _, ev := range timeline {
		if ev.Type == ir.TypeJoinRules {
			joinRules = ev
		}
	}
	require.NotNil(t, joinRules)

	require.NoError(t, b.push(t, joinRules))
	has, err := b.store.HasEvent(ctx, joinRules.EventID)
	require.NoError(t, err)
	assert.True(t, has)
	inTimeline, err := b.store.IsTimeline(ctx, joinRules.EventID)
	require.NoError(t, err)
	assert.False(t, inTimeline)
}
