package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// PDU is an event pushed by a peer and waiting in the inbox.
type PDU struct {
	Origin   string
	RoomID   string
	EventID  string
	Version  string // room version claimed by the sender, may be empty
	Raw      json.RawMessage
	Timeline bool

	// Result, when set, receives the ingestion outcome. It must have room
	// for one value.
	Result chan<- error
}

func (p PDU) report(err error) {
	if p.Result != nil {
		p.Result <- err
	}
}

// inbox is a thread-safe FIFO of pushed events.
//
// The inbox is unbounded so peers pushing transactions never block on
// ingestion. It uses a channel for signaling to enable context-aware
// waiting in the Run loop.
type inbox struct {
	mu     sync.Mutex
	pdus   []PDU
	closed bool
	signal chan struct{} // Signals availability (buffered, size 1)
}

func newInbox() *inbox {
	return &inbox{
		pdus:   make([]PDU, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a PDU to the back of the inbox.
// Returns false if the inbox is closed.
func (q *inbox) Enqueue(p PDU) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.pdus = append(q.pdus, p)

	// Non-blocking: the buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front PDU without blocking.
func (q *inbox) TryDequeue() (PDU, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pdus) == 0 {
		return PDU{}, false
	}
	p := q.pdus[0]

	// Drop the slot's reference so the payload can be collected.
	q.pdus[0] = PDU{}
	if len(q.pdus) == 1 {
		q.pdus = q.pdus[:0]
	} else {
		q.pdus = q.pdus[1:]
	}
	return p, true
}

// Wait returns a channel that signals when PDUs may be available. It is
// closed by Close.
func (q *inbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued PDUs.
func (q *inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pdus)
}

// Close stops accepting PDUs and wakes waiters.
func (q *inbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Enqueue submits a pushed PDU for ingestion by Run.
// Thread-safe. Returns false once the engine has been stopped.
func (e *Engine) Enqueue(p PDU) bool {
	return e.inbox.Enqueue(p)
}

// Pending returns the number of PDUs waiting for Run.
func (e *Engine) Pending() int {
	return e.inbox.Len()
}

// Run ingests queued PDUs in arrival order until ctx is cancelled or Stop
// is called and the inbox has drained.
//
// A PDU that fails is logged and dropped; the sender retries according to
// its own policy. PDUs still queued when ctx is cancelled report ctx.Err().
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine inbox starting", "server", e.server)

	for {
		if p, ok := e.inbox.TryDequeue(); ok {
			err := e.IngestRemote(ctx, p.Origin, p.EventID, p.RoomID, p.Version, p.Raw, p.Timeline)
			if err != nil {
				slog.Debug("queued pdu dropped",
					"origin", p.Origin,
					"room_id", p.RoomID,
					"event_id", p.EventID,
					"code", CodeOf(err),
				)
			}
			p.report(err)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine inbox stopping: context cancelled")
			e.inbox.Close()
			for p, ok := e.inbox.TryDequeue(); ok; p, ok = e.inbox.TryDequeue() {
				p.report(ctx.Err())
			}
			return ctx.Err()
		case <-e.inbox.Wait():
			// A closed signal channel fires immediately; stop once drained.
			if e.inbox.Len() == 0 && e.inbox.isClosed() {
				slog.Info("engine inbox stopping: closed")
				return nil
			}
		}
	}
}

// Stop closes the inbox. Run returns once the queued PDUs are processed.
func (e *Engine) Stop() {
	e.inbox.Close()
}

func (q *inbox) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
