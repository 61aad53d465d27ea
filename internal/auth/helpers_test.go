package auth

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/roach88/fedroom/internal/ir"
)

const (
	testRoom = "!room:a.example"
	alice    = "@alice:a.example"
	bob      = "@bob:b.example"
	carol    = "@carol:c.example"
	dave     = "@dave:b.example"
)

// fixture is a hand-assembled room state for rule tests. Event ids are
// symbolic; the rules never look at hashes.
type fixture struct {
	t     *testing.T
	rules ir.RoomRules
	state EventsState
	n     int
}

func newFixture(t *testing.T, version string) *fixture {
	t.Helper()
	f := &fixture{t: t, rules: ir.MustRules(version), state: EventsState{}}
	create := f.event("$create", ir.TypeCreate, alice, ir.StringPtr(""), `{"creator":"`+alice+`"}`)
	create.PrevEvents = nil
	create.AuthEvents = nil
	f.set(create)
	return f
}

// standardRoom has alice (100) and bob (50) joined under a public join rule.
func standardRoom(t *testing.T, version string) *fixture {
	f := newFixture(t, version)
	f.member(alice, alice, ir.MembershipJoin)
	f.powerLevels(alice, map[string]int64{alice: 100, bob: 50}, nil)
	f.joinRule(ir.JoinRulePublic)
	f.member(bob, bob, ir.MembershipJoin)
	return f
}

func (f *fixture) event(id, typ, sender string, stateKey *string, content string) *ir.Event {
	return &ir.Event{
		EventID:        id,
		RoomID:         testRoom,
		Sender:         sender,
		Type:           typ,
		StateKey:       stateKey,
		Content:        json.RawMessage(content),
		PrevEvents:     []string{"$prev"},
		AuthEvents:     []string{"$create"},
		OriginServerTS: 1000,
		Depth:          2,
	}
}

func (f *fixture) nextID(prefix string) string {
	f.n++
	return fmt.Sprintf("%s%d", prefix, f.n)
}

func (f *fixture) set(ev *ir.Event) *ir.Event {
	f.state[ev.Field()] = ev
	return ev
}

func (f *fixture) member(sender, target, membership string) *ir.Event {
	return f.set(f.memberEvent(sender, target, membership, nil))
}

func (f *fixture) memberEvent(sender, target, membership string, extra map[string]any) *ir.Event {
	content := map[string]any{"membership": membership}
	for k, v := range extra {
		content[k] = v
	}
	raw, err := json.Marshal(content)
	if err != nil {
		f.t.Fatalf("marshal member content: %v", err)
	}
	return f.event(f.nextID("$member"), ir.TypeMember, sender, ir.StringPtr(target), string(raw))
}

func (f *fixture) powerLevels(sender string, users map[string]int64, extra map[string]any) *ir.Event {
	return f.set(f.powerLevelsEvent(sender, users, extra))
}

func (f *fixture) powerLevelsEvent(sender string, users map[string]int64, extra map[string]any) *ir.Event {
	content := map[string]any{"users": users}
	for k, v := range extra {
		content[k] = v
	}
	raw, err := json.Marshal(content)
	if err != nil {
		f.t.Fatalf("marshal power levels: %v", err)
	}
	return f.event(f.nextID("$pl"), ir.TypePowerLevels, sender, ir.StringPtr(""), string(raw))
}

func (f *fixture) joinRule(rule string) *ir.Event {
	return f.set(f.event(f.nextID("$jr"), ir.TypeJoinRules, alice, ir.StringPtr(""), `{"join_rule":"`+rule+`"}`))
}

func (f *fixture) check(ev *ir.Event) error {
	f.t.Helper()
	return Check(f.rules, ev, f.state)
}
