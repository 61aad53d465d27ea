package testutil

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/fedroom/internal/ir"
)

// RoomBuilder assembles an unsigned event DAG by hand. Event ids are
// "$" + the name passed to Add, so tests can refer to events symbolically.
//
// Only rule-level code (authorization, state resolution) should consume
// these events; they carry no hashes or signatures.
type RoomBuilder struct {
	RoomID string
	Rules  ir.RoomRules
	Events map[string]*ir.Event

	clock *DeterministicClock
}

// NewRoomBuilder creates a builder for a room of the given version.
func NewRoomBuilder(roomID, version string) *RoomBuilder {
	return &RoomBuilder{
		RoomID: roomID,
		Rules:  ir.MustRules(version),
		Events: make(map[string]*ir.Event),
		clock:  NewDeterministicClock(),
	}
}

// Spec describes one event to add.
type Spec struct {
	Type     string
	Sender   string
	StateKey *string
	Content  any
	Prev     []string // names, not ids
	Auth     []string // names, not ids
	TS       int64    // zero means next logical tick
}

// ID returns the event id for a name.
func ID(name string) string {
	return "$" + name
}

// Add creates an event, computing depth from its parents.
func (b *RoomBuilder) Add(name string, s Spec) *ir.Event {
	if _, dup := b.Events[ID(name)]; dup {
		panic(fmt.Sprintf("testutil: duplicate event name %q", name))
	}
	content, err := json.Marshal(s.Content)
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal content for %q: %v", name, err))
	}
	if s.Content == nil {
		content = []byte("{}")
	}
	ts := s.TS
	if ts == 0 {
		ts = b.clock.Next()
	}

	ev := &ir.Event{
		EventID:        ID(name),
		RoomID:         b.RoomID,
		Sender:         s.Sender,
		Type:           s.Type,
		StateKey:       s.StateKey,
		Content:        content,
		OriginServerTS: ts,
		PrevEvents:     make([]string, 0, len(s.Prev)),
		AuthEvents:     make([]string, 0, len(s.Auth)),
	}
	var depth int64
	for _, p := range s.Prev {
		parent, ok := b.Events[ID(p)]
		if !ok {
			panic(fmt.Sprintf("testutil: %q has unknown prev %q", name, p))
		}
		ev.PrevEvents = append(ev.PrevEvents, parent.EventID)
		depth = max(depth, parent.Depth)
	}
	ev.Depth = depth + 1
	for _, a := range s.Auth {
		if _, ok := b.Events[ID(a)]; !ok {
			panic(fmt.Sprintf("testutil: %q has unknown auth event %q", name, a))
		}
		ev.AuthEvents = append(ev.AuthEvents, ID(a))
	}
	b.Events[ev.EventID] = ev
	return ev
}

// Create adds an m.room.create event named "create".
func (b *RoomBuilder) Create(creator string) *ir.Event {
	return b.Add("create", Spec{
		Type:     ir.TypeCreate,
		Sender:   creator,
		StateKey: ir.StringPtr(""),
		Content:  map[string]any{"creator": creator, "room_version": b.Rules.Version},
	})
}

// Member adds a membership event.
func (b *RoomBuilder) Member(name, sender, target, membership string, prev, auth []string) *ir.Event {
	return b.Add(name, Spec{
		Type:     ir.TypeMember,
		Sender:   sender,
		StateKey: ir.StringPtr(target),
		Content:  map[string]any{"membership": membership},
		Prev:     prev,
		Auth:     auth,
	})
}

// PowerLevels adds a power-levels event with the given user levels.
func (b *RoomBuilder) PowerLevels(name, sender string, users map[string]int64, prev, auth []string) *ir.Event {
	return b.Add(name, Spec{
		Type:     ir.TypePowerLevels,
		Sender:   sender,
		StateKey: ir.StringPtr(""),
		Content:  map[string]any{"users": users},
		Prev:     prev,
		Auth:     auth,
	})
}

// JoinRules adds a join-rules event.
func (b *RoomBuilder) JoinRules(name, sender, rule string, prev, auth []string) *ir.Event {
	return b.Add(name, Spec{
		Type:     ir.TypeJoinRules,
		Sender:   sender,
		StateKey: ir.StringPtr(""),
		Content:  map[string]any{"join_rule": rule},
		Prev:     prev,
		Auth:     auth,
	})
}

// State builds a state map from named events.
func (b *RoomBuilder) State(names ...string) map[ir.StateField]string {
	out := make(map[ir.StateField]string, len(names))
	for _, n := range names {
		ev, ok := b.Events[ID(n)]
		if !ok {
			panic(fmt.Sprintf("testutil: unknown event %q", n))
		}
		out[ev.Field()] = ev.EventID
	}
	return out
}

// Event returns the named event.
func (b *RoomBuilder) Event(name string) *ir.Event {
	return b.Events[ID(name)]
}
