package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHandler serves a fixed set of events.
type stubHandler struct {
	events map[string]json.RawMessage
}

func (h *stubHandler) GetEvent(_ context.Context, id string) (json.RawMessage, error) {
	raw, ok := h.events[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return raw, nil
}

func (h *stubHandler) GetMissingEvents(_ context.Context, req MissingEventsRequest) ([]json.RawMessage, error) {
	out := []json.RawMessage{}
	for _, id := range req.Latest {
		if raw, ok := h.events[id]; ok {
			out = append(out, raw)
		}
	}
	return out, nil
}

func (h *stubHandler) GetAuthChain(ctx context.Context, _, id string) ([]json.RawMessage, error) {
	raw, err := h.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	return []json.RawMessage{raw}, nil
}

func (h *stubHandler) GetStateAt(ctx context.Context, roomID, id string) (StateResponse, error) {
	chain, err := h.GetAuthChain(ctx, roomID, id)
	if err != nil {
		return StateResponse{}, err
	}
	return StateResponse{State: chain, AuthChain: chain}, nil
}

func (h *stubHandler) Backfill(_ context.Context, _ string, from []string, limit int) ([]json.RawMessage, error) {
	out := []json.RawMessage{}
	for _, id := range from {
		if len(out) == limit {
			break
		}
		if raw, ok := h.events[id]; ok {
			out = append(out, raw)
		}
	}
	return out, nil
}

func newTestNetwork() (*Network, *stubHandler) {
	n := NewNetwork()
	h := &stubHandler{events: map[string]json.RawMessage{
		"$a": json.RawMessage(`{"event_id":"$a"}`),
		"$b": json.RawMessage(`{"event_id":"$b"}`),
	}}
	n.Register("b.example", h)
	n.Register("a.example", &stubHandler{events: map[string]json.RawMessage{}})
	return n, h
}

func TestClientFetches(t *testing.T) {
	n, h := newTestNetwork()
	c := NewClient(n, "a.example", 0, 0)
	ctx := context.Background()

	raw, err := c.FetchEvent(ctx, "b.example", "$a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"event_id":"$a"}`, string(raw))

	raw[2] = 'X'
	assert.Equal(t, byte('e'), h.events["$a"][2], "client must copy payloads")

	missing, err := c.FetchMissingEvents(ctx, "b.example", MissingEventsRequest{Latest: []string{"$a", "$zz", "$b"}, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, missing, 2)

	state, err := c.FetchStateAtEvent(ctx, "b.example", "!r:b.example", "$b")
	require.NoError(t, err)
	assert.Len(t, state.State, 1)
	assert.Len(t, state.AuthChain, 1)

	page, err := c.FetchBackfill(ctx, "b.example", "!r:b.example", []string{"$a", "$b"}, 1)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	_, err = c.FetchEvent(ctx, "b.example", "$nope")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, int64(5), c.Requests())
}

func TestClientPartition(t *testing.T) {
	n, _ := newTestNetwork()
	c := NewClient(n, "a.example", 0, 0)
	ctx := context.Background()

	n.Partition("b.example", "a.example")
	assert.False(t, n.Reachable("a.example", "b.example"))
	_, err := c.FetchEvent(ctx, "b.example", "$a")
	assert.ErrorIs(t, err, ErrUnreachable)

	n.Heal("a.example", "b.example")
	_, err = c.FetchEvent(ctx, "b.example", "$a")
	assert.NoError(t, err)

	n.Partition("a.example", "b.example")
	n.HealAll()
	assert.True(t, n.Reachable("a.example", "b.example"))
}

func TestClientUnknownAndSelf(t *testing.T) {
	n, _ := newTestNetwork()
	c := NewClient(n, "a.example", 0, 0)

	_, err := c.FetchEvent(context.Background(), "z.example", "$a")
	assert.ErrorIs(t, err, ErrUnreachable)
	_, err = c.FetchAuthChain(context.Background(), "a.example", "!r:a.example", "$a")
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestClientRateLimitPerDestination(t *testing.T) {
	n, _ := newTestNetwork()
	n.Register("c.example", &stubHandler{events: map[string]json.RawMessage{"$c": json.RawMessage(`{}`)}})
	// One request per hour: the second call to the same destination must
	// block until the context expires.
	c := NewClient(n, "a.example", 1.0/3600, 1)

	_, err := c.FetchEvent(context.Background(), "b.example", "$a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.FetchEvent(ctx, "b.example", "$b")
	assert.Error(t, err)

	// Other destinations have their own bucket.
	_, err = c.FetchEvent(context.Background(), "c.example", "$c")
	assert.NoError(t, err)
}
