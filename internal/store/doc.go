// Package store provides SQLite-backed durable storage for rooms.
//
// The store holds:
//   - Rooms: version, disabled flag, current state frame, min_depth
//   - Events: the signed event JSON plus local metadata (sequence number,
//     outlier/timeline flags, soft-fail flag, rejection reason)
//   - State frames: compressed snapshots of room state
//   - Event points: the state frame immediately before each timeline event
//   - Forward extremities: the DAG frontier per room
//
// # Ordering
//
// Events are ordered by sn, the server-local sequence number assigned at
// first persistence, never by timestamps. Queries that return lists carry
// an explicit ORDER BY so results are identical across replays.
//
// # State frames
//
// A frame is a set of 16-byte entries, field_id (BE int64) followed by
// event_sn (BE int64). Frames are stored as a delta (appended, disposed)
// against a parent frame and are content-addressed per room, so identical
// states share one row. Delta chains are rebased into a full frame after
// 16 layers.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Either github.com/mattn/go-sqlite3 ("sqlite3") or the cgo-free
// modernc.org/sqlite ("sqlite") driver can be selected with WithDriver.
package store
