package engine

import (
	"context"
	"hash/fnv"
	"sync"
)

const lockShards = 32

// RoomLocks is a registry of per-room mutexes.
//
// A room's mutex is created on first use and never removed; rooms are long
// lived and the entry is a single channel. The registry map is sharded so
// unrelated rooms do not contend on one map lock. The lock is held only
// while committing.
type RoomLocks struct {
	shards [lockShards]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	rooms map[string]chan struct{}
}

// NewRoomLocks creates an empty registry.
func NewRoomLocks() *RoomLocks {
	l := &RoomLocks{}
	for i := range l.shards {
		l.shards[i].rooms = make(map[string]chan struct{})
	}
	return l
}

func (l *RoomLocks) slot(roomID string) chan struct{} {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	s := &l.shards[h.Sum32()%lockShards]

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.rooms[roomID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rooms[roomID] = ch
	}
	return ch
}

// RoomGuard is a held room lock.
type RoomGuard struct {
	ch   chan struct{}
	once sync.Once
}

// Unlock releases the room. Calling it twice is a no-op.
func (g *RoomGuard) Unlock() {
	g.once.Do(func() { <-g.ch })
}

// Lock acquires the room's mutex, or returns ctx.Err() if ctx is done
// first.
func (l *RoomLocks) Lock(ctx context.Context, roomID string) (*RoomGuard, error) {
	ch := l.slot(roomID)
	select {
	case ch <- struct{}{}:
		return &RoomGuard{ch: ch}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of rooms that have ever been locked.
func (l *RoomLocks) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.rooms)
		s.mu.Unlock()
	}
	return n
}
