package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/roach88/fedroom/internal/ir"
)

const testRoom = "!room:a.example"

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.CreateRoom(context.Background(), testRoom, "10"); err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}
	return s
}

// createTestEvent creates a minimal state event. An empty stateKey still
// makes a state event; use createTestMessage for timeline-only events.
func createTestEvent(id, eventType, stateKey string, sn int64) *ir.Event {
	return &ir.Event{
		EventID:        id,
		RoomID:         testRoom,
		Sender:         "@alice:a.example",
		Type:           eventType,
		StateKey:       ir.StringPtr(stateKey),
		Content:        json.RawMessage(`{}`),
		OriginServerTS: sn * 1000,
		PrevEvents:     []string{},
		AuthEvents:     []string{},
		Depth:          sn,
		SN:             sn,
	}
}

func createTestMessage(id string, sn int64) *ir.Event {
	ev := createTestEvent(id, ir.TypeMessage, "", sn)
	ev.StateKey = nil
	ev.Content = json.RawMessage(`{"body":"hi"}`)
	return ev
}

// mustPut persists events, failing the test on error.
func mustPut(t *testing.T, s *Store, events ...*ir.Event) {
	t.Helper()
	for _, ev := range events {
		if _, err := s.PutEvent(context.Background(), ev); err != nil {
			t.Fatalf("PutEvent(%s) failed: %v", ev.EventID, err)
		}
	}
}
