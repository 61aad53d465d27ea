// Package engine implements the per-server core of a federated room: it
// ingests events pushed or pulled from peers, authors local events, and
// commits both to the room's event graph.
//
// ARCHITECTURE:
//
// Two-stage ingestion:
// A remote event is first stored as an outlier, then promoted to the
// timeline.
//  1. Outlier stage: verify signatures and hashes, derive the event id,
//     fetch unknown auth events (with backoff), authorize against the
//     event's own auth events, persist.
//  2. Timeline stage: compute the state before the event from its parents
//     (resolving forks, or asking the origin), authorize against that
//     state and against current state, soft-fail redactions the sender may
//     not perform, then commit.
//
// Missing prev events are fetched before the timeline stage and ingested
// oldest first. Every fetch of one ingestion attempt draws from a shared
// FetchBudget.
//
// Concurrency:
// Attempts on the same event id are serialized by a SeqGuard, which also
// reserves the event's sequence number. Commits to a room are serialized
// by the room mutex in RoomLocks; the mutex is held only while committing,
// never while fetching. Ingestion of different events and rooms proceeds
// in parallel.
//
// Failures:
// Every failure is an *IngestError whose code tells the caller whether to
// drop, retry, or treat the event as settled. Rejections and soft-fails
// are permanent and persisted.
package engine
