package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Client is a Transport for one server on a Network.
//
// Outbound requests are rate limited per destination; each destination
// gets its own token bucket on first use.
type Client struct {
	network *Network
	self    string

	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter

	requests atomic.Int64
}

// NewClient creates a client for server self. limit <= 0 disables rate
// limiting.
func NewClient(network *Network, self string, limit rate.Limit, burst int) *Client {
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		network:  network,
		self:     self,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Requests returns the number of requests sent so far.
func (c *Client) Requests() int64 {
	return c.requests.Load()
}

func (c *Client) limiter(destination string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[destination]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[destination] = l
	}
	return l
}

// dial waits for the destination's limiter and resolves its handler.
func (c *Client) dial(ctx context.Context, destination string) (Handler, error) {
	if destination == c.self {
		return nil, fmt.Errorf("%s: refusing to query self: %w", destination, ErrUnreachable)
	}
	if err := c.limiter(destination).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", destination, err)
	}
	c.requests.Add(1)
	return c.network.route(c.self, destination)
}

// FetchEvent implements Transport.
func (c *Client) FetchEvent(ctx context.Context, destination, eventID string) (json.RawMessage, error) {
	h, err := c.dial(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("fetch event %s: %w", eventID, err)
	}
	raw, err := h.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("fetch event %s from %s: %w", eventID, destination, err)
	}
	return slices.Clone(raw), nil
}

// FetchMissingEvents implements Transport.
func (c *Client) FetchMissingEvents(ctx context.Context, destination string, req MissingEventsRequest) ([]json.RawMessage, error) {
	h, err := c.dial(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("fetch missing events: %w", err)
	}
	pdus, err := h.GetMissingEvents(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch missing events from %s: %w", destination, err)
	}
	return cloneAll(pdus), nil
}

// FetchAuthChain implements Transport.
func (c *Client) FetchAuthChain(ctx context.Context, destination, roomID, eventID string) ([]json.RawMessage, error) {
	h, err := c.dial(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("fetch auth chain %s: %w", eventID, err)
	}
	pdus, err := h.GetAuthChain(ctx, roomID, eventID)
	if err != nil {
		return nil, fmt.Errorf("fetch auth chain %s from %s: %w", eventID, destination, err)
	}
	return cloneAll(pdus), nil
}

// FetchStateAtEvent implements Transport.
func (c *Client) FetchStateAtEvent(ctx context.Context, destination, roomID, eventID string) (StateResponse, error) {
	h, err := c.dial(ctx, destination)
	if err != nil {
		return StateResponse{}, fmt.Errorf("fetch state at %s: %w", eventID, err)
	}
	resp, err := h.GetStateAt(ctx, roomID, eventID)
	if err != nil {
		return StateResponse{}, fmt.Errorf("fetch state at %s from %s: %w", eventID, destination, err)
	}
	return StateResponse{State: cloneAll(resp.State), AuthChain: cloneAll(resp.AuthChain)}, nil
}

// FetchBackfill implements Transport.
func (c *Client) FetchBackfill(ctx context.Context, destination, roomID string, from []string, limit int) ([]json.RawMessage, error) {
	h, err := c.dial(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("backfill: %w", err)
	}
	pdus, err := h.Backfill(ctx, roomID, from, limit)
	if err != nil {
		return nil, fmt.Errorf("backfill from %s: %w", destination, err)
	}
	return cloneAll(pdus), nil
}

// cloneAll copies payloads so the receiver never aliases the sender's
// buffers.
func cloneAll(pdus []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, len(pdus))
	for i, p := range pdus {
		out[i] = slices.Clone(p)
	}
	return out
}
