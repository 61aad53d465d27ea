package engine

import (
	"maps"
	"sync"
	"time"
)

// HandleTimes tracks which events are currently being promoted, per room,
// and since when. It is diagnostic state: nothing in the pipeline reads it
// back.
//
// Thread-safe: All methods can be called concurrently.
type HandleTimes struct {
	mu    sync.Mutex
	rooms map[string]map[string]time.Time // room id -> event id -> start
}

// NewHandleTimes creates an empty registry.
func NewHandleTimes() *HandleTimes {
	return &HandleTimes{rooms: make(map[string]map[string]time.Time)}
}

// Start records that eventID began processing at now.
func (h *HandleTimes) Start(roomID, eventID string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]time.Time)
	}
	h.rooms[roomID][eventID] = now
}

// Done removes eventID. Rooms with nothing in flight are dropped.
func (h *HandleTimes) Done(roomID, eventID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[roomID], eventID)
	if len(h.rooms[roomID]) == 0 {
		delete(h.rooms, roomID)
	}
}

// Snapshot returns a copy of the in-flight events of a room.
func (h *HandleTimes) Snapshot(roomID string) map[string]time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return maps.Clone(h.rooms[roomID])
}

// Rooms returns the number of rooms with events in flight.
func (h *HandleTimes) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
