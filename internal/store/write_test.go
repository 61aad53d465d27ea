package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/roach88/fedroom/internal/ir"
)

func TestCreateRoom_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.CreateRoom(ctx, testRoom, "1"); err != nil {
		t.Fatalf("second CreateRoom() failed: %v", err)
	}
	room, err := s.Room(ctx, testRoom)
	if err != nil {
		t.Fatalf("Room() failed: %v", err)
	}
	if room.Version != "10" {
		t.Errorf("Version = %q, want existing version 10", room.Version)
	}
}

func TestSetRoomDisabled(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.SetRoomDisabled(ctx, testRoom, true); err != nil {
		t.Fatalf("SetRoomDisabled() failed: %v", err)
	}
	room, _ := s.Room(ctx, testRoom)
	if !room.Disabled {
		t.Error("room should be disabled")
	}

	err := s.SetRoomDisabled(ctx, "!nope:a.example", true)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("SetRoomDisabled(unknown) = %v, want ErrNotFound", err)
	}
}

func TestSetMinDepth_FirstWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, d := range []int64{7, 3, 12} {
		if err := s.SetMinDepth(ctx, testRoom, d); err != nil {
			t.Fatalf("SetMinDepth(%d) failed: %v", d, err)
		}
	}
	room, _ := s.Room(ctx, testRoom)
	if room.MinDepth != 7 {
		t.Errorf("MinDepth = %d, want 7", room.MinDepth)
	}
}

func TestPutEvent_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ev := createTestMessage("$m1", 1)

	inserted, err := s.PutEvent(ctx, ev)
	if err != nil || !inserted {
		t.Fatalf("first PutEvent() = %v, %v; want true, nil", inserted, err)
	}

	dup := ev.Clone()
	dup.SN = 2
	dup.RejectionReason = "auth: late"
	inserted, err = s.PutEvent(ctx, dup)
	if err != nil || inserted {
		t.Fatalf("second PutEvent() = %v, %v; want false, nil", inserted, err)
	}

	got, err := s.Event(ctx, "$m1")
	if err != nil {
		t.Fatalf("Event() failed: %v", err)
	}
	if got.SN != 1 || got.RejectionReason != "" {
		t.Errorf("stored event changed: sn=%d rejection=%q", got.SN, got.RejectionReason)
	}
	if !got.Outlier {
		t.Error("new events must be stored as outliers")
	}
}

func TestPutEvent_RequiresSN(t *testing.T) {
	s := createTestStore(t)
	ev := createTestMessage("$m1", 0)
	if _, err := s.PutEvent(context.Background(), ev); err == nil {
		t.Error("PutEvent() without SN should fail")
	}
}

func TestMarkSoftFailed(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustPut(t, s, createTestMessage("$m1", 1))

	if err := s.MarkSoftFailed(ctx, "$m1"); err != nil {
		t.Fatalf("MarkSoftFailed() failed: %v", err)
	}
	got, _ := s.Event(ctx, "$m1")
	if !got.SoftFailed {
		t.Error("event should be soft-failed")
	}
	if err := s.MarkSoftFailed(ctx, "$missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkSoftFailed(missing) = %v, want ErrNotFound", err)
	}
}

func TestMarkRejected_KeepsFirstReason(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustPut(t, s, createTestMessage("$m1", 1))

	if err := s.MarkRejected(ctx, "$m1", "first"); err != nil {
		t.Fatalf("MarkRejected() failed: %v", err)
	}
	if err := s.MarkRejected(ctx, "$m1", "second"); err != nil {
		t.Fatalf("second MarkRejected() failed: %v", err)
	}
	got, _ := s.Event(ctx, "$m1")
	if got.RejectionReason != "first" {
		t.Errorf("RejectionReason = %q, want first", got.RejectionReason)
	}
	if err := s.MarkRejected(ctx, "$missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkRejected(missing) = %v, want ErrNotFound", err)
	}
}

func TestSaveStateFrame_ContentAddressed(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustPut(t, s,
		createTestEvent("$create", ir.TypeCreate, "", 1),
		createTestEvent("$join", ir.TypeMember, "@alice:a.example", 2),
	)
	state := map[ir.StateField]string{
		{Type: ir.TypeCreate}:                                "$create",
		{Type: ir.TypeMember, StateKey: "@alice:a.example"}: "$join",
	}

	id1, err := s.SaveStateFrame(ctx, testRoom, state)
	if err != nil {
		t.Fatalf("SaveStateFrame() failed: %v", err)
	}
	id2, err := s.SaveStateFrame(ctx, testRoom, state)
	if err != nil {
		t.Fatalf("second SaveStateFrame() failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("identical states got frames %d and %d", id1, id2)
	}

	got, err := s.LoadStateFrame(ctx, id1)
	if err != nil {
		t.Fatalf("LoadStateFrame() failed: %v", err)
	}
	if len(got) != 2 || got[ir.StateField{Type: ir.TypeCreate}] != "$create" {
		t.Errorf("LoadStateFrame() = %v", got)
	}
}

func TestSaveStateFrame_UnknownEvent(t *testing.T) {
	s := createTestStore(t)
	_, err := s.SaveStateFrame(context.Background(), testRoom, map[ir.StateField]string{
		{Type: ir.TypeCreate}: "$ghost",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveStateFrame() = %v, want ErrNotFound", err)
	}
}

// TestSaveStateFrame_DeltaChain commits a long run of topic changes and
// checks every frame expands to the right state, across the rebase point.
func TestSaveStateFrame_DeltaChain(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustPut(t, s, createTestEvent("$create", ir.TypeCreate, "", 1))

	frames := map[int64]string{}
	for i := int64(2); i < 2+3*maxFrameLayers; i++ {
		id := fmt.Sprintf("$topic%d", i)
		mustPut(t, s, createTestEvent(id, ir.TypeTopic, "", i))
		frame, err := s.SaveStateFrame(ctx, testRoom, map[ir.StateField]string{
			{Type: ir.TypeCreate}: "$create",
			{Type: ir.TypeTopic}:  id,
		})
		if err != nil {
			t.Fatalf("SaveStateFrame(%s) failed: %v", id, err)
		}
		if err := s.Commit(ctx, Commit{RoomID: testRoom, EventID: id, StateBefore: frame, StateAfter: frame, Extremities: []string{id}}); err != nil {
			t.Fatalf("Commit(%s) failed: %v", id, err)
		}
		frames[frame] = id
	}

	var maxLayer int64
	if err := s.db.QueryRow("SELECT MAX(layer) FROM state_frames").Scan(&maxLayer); err != nil {
		t.Fatalf("query layers: %v", err)
	}
	if maxLayer >= maxFrameLayers {
		t.Errorf("max layer = %d, want < %d", maxLayer, maxFrameLayers)
	}

	for frame, topic := range frames {
		got, err := s.LoadStateFrame(ctx, frame)
		if err != nil {
			t.Fatalf("LoadStateFrame(%d) failed: %v", frame, err)
		}
		if len(got) != 2 || got[ir.StateField{Type: ir.TypeTopic}] != topic {
			t.Errorf("frame %d = %v, want topic %s", frame, got, topic)
		}
	}
}

func TestCommit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustPut(t, s,
		createTestEvent("$create", ir.TypeCreate, "", 1),
		createTestMessage("$m1", 2),
	)
	before, err := s.SaveStateFrame(ctx, testRoom, map[ir.StateField]string{{Type: ir.TypeCreate}: "$create"})
	if err != nil {
		t.Fatalf("SaveStateFrame() failed: %v", err)
	}

	c := Commit{RoomID: testRoom, EventID: "$m1", StateBefore: before, StateAfter: before, Extremities: []string{"$m1"}}
	if err := s.Commit(ctx, c); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	// Second commit of the same event must not touch the frontier.
	c.Extremities = []string{"$other"}
	if err := s.Commit(ctx, c); err != nil {
		t.Fatalf("repeat Commit() failed: %v", err)
	}

	ext, _ := s.Extremities(ctx, testRoom)
	if len(ext) != 1 || ext[0] != "$m1" {
		t.Errorf("Extremities() = %v, want [$m1]", ext)
	}
	ok, _ := s.IsTimeline(ctx, "$m1")
	if !ok {
		t.Error("$m1 should be on the timeline")
	}
	ev, _ := s.Event(ctx, "$m1")
	if ev.Outlier {
		t.Error("committed event should not be an outlier")
	}
	state, found, err := s.StateBefore(ctx, "$m1")
	if err != nil || !found {
		t.Fatalf("StateBefore() = %v, %v", found, err)
	}
	if state[ir.StateField{Type: ir.TypeCreate}] != "$create" {
		t.Errorf("StateBefore() = %v", state)
	}
	if _, found, _ := s.StateBefore(ctx, "$create"); found {
		t.Error("outliers have no recorded state before")
	}
}

func TestCommit_UnknownEvent(t *testing.T) {
	s := createTestStore(t)
	err := s.Commit(context.Background(), Commit{RoomID: testRoom, EventID: "$ghost"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Commit() = %v, want ErrNotFound", err)
	}
}
