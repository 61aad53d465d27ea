package federation

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrUnreachable is returned when the destination cannot be contacted.
	ErrUnreachable = errors.New("federation: destination unreachable")

	// ErrNotFound is returned when the destination does not have the
	// requested event.
	ErrNotFound = errors.New("federation: not found")
)

// MissingEventsRequest asks for events between earliest and latest.
type MissingEventsRequest struct {
	RoomID   string
	Earliest []string // ids the requester already has
	Latest   []string // ids whose ancestry is missing
	Limit    int
	MinDepth int64
}

// StateResponse is the room state at an event plus its auth chain.
type StateResponse struct {
	State     []json.RawMessage
	AuthChain []json.RawMessage
}

// Transport fetches room data from a remote server. Events are returned in
// their federation encoding and must be verified by the caller.
type Transport interface {
	FetchEvent(ctx context.Context, destination, eventID string) (json.RawMessage, error)
	FetchMissingEvents(ctx context.Context, destination string, req MissingEventsRequest) ([]json.RawMessage, error)
	FetchAuthChain(ctx context.Context, destination, roomID, eventID string) ([]json.RawMessage, error)
	FetchStateAtEvent(ctx context.Context, destination, roomID, eventID string) (StateResponse, error)
	FetchBackfill(ctx context.Context, destination, roomID string, from []string, limit int) ([]json.RawMessage, error)
}

// Handler answers requests from other servers.
type Handler interface {
	GetEvent(ctx context.Context, eventID string) (json.RawMessage, error)
	GetMissingEvents(ctx context.Context, req MissingEventsRequest) ([]json.RawMessage, error)
	GetAuthChain(ctx context.Context, roomID, eventID string) ([]json.RawMessage, error)
	GetStateAt(ctx context.Context, roomID, eventID string) (StateResponse, error)
	Backfill(ctx context.Context, roomID string, from []string, limit int) ([]json.RawMessage, error)
}
