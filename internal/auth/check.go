package auth

import (
	"slices"

	"github.com/roach88/fedroom/internal/ir"
)

// Check authorizes ev against state. It returns nil when the event is
// allowed and an *Error describing the failed rule otherwise.
//
// state is either the event's own auth events (outlier stage) or the
// resolved room state immediately before the event (timeline stage).
func Check(rules ir.RoomRules, ev *ir.Event, state StateProvider) error {
	senderServer, err := ir.ServerName(ev.Sender)
	if err != nil {
		return reject("invalid sender %q", ev.Sender)
	}

	if ev.Type == ir.TypeCreate {
		return checkCreate(rules, ev, senderServer)
	}

	create, ok := state.Get(ir.TypeCreate, "")
	if !ok {
		return reject("no create event in auth chain")
	}
	if !slices.Contains(ev.AuthEvents, create.EventID) {
		return reject("create event %s not cited in auth events", create.EventID)
	}

	var fed struct {
		Federate *bool `json:"m.federate"`
	}
	if err := create.DecodeContent(&fed); err != nil {
		return reject("invalid create content: %v", err)
	}
	if fed.Federate != nil && !*fed.Federate && ir.ServerNameOf(create.Sender) != senderServer {
		return reject("room is not federated and sender is from %s", senderServer)
	}

	if rules.SpecialCaseAliases && ev.Type == ir.TypeAliases {
		if ev.StateKey == nil || *ev.StateKey != senderServer {
			return reject("aliases state key does not match sender domain")
		}
		return nil
	}

	if ev.Type == ir.TypeMember {
		d, err := CheckMembership(rules, ev, state)
		if err != nil {
			return reject("invalid power levels: %v", err)
		}
		if !d.Allowed {
			return &Error{Reason: d.Reason}
		}
		return nil
	}

	if _, ok := state.Get(ir.TypeMember, ev.Sender); !ok {
		return reject("sender %s not found in room", ev.Sender)
	}
	if m := currentMembership(state, ev.Sender); m != ir.MembershipJoin {
		return reject("sender membership is %s, not join", m)
	}

	power, err := loadRoomPower(rules, state)
	if err != nil {
		return reject("invalid power levels: %v", err)
	}
	senderLevel := power.userLevel(ev.Sender)

	if ev.Type == ir.TypeThirdPartyInvite {
		invite := int64(0)
		if power.pl != nil {
			invite = power.pl.Scalar("invite")
		}
		if senderLevel < invite {
			return reject("sender cannot send invites in this room")
		}
		return nil
	}

	if required := power.sendLevel(ev.Type, ev.IsState()); senderLevel < required {
		return reject("sender power %d below required %d for %s", senderLevel, required, ev.Type)
	}
	if ev.StateKey != nil && len(*ev.StateKey) > 0 && (*ev.StateKey)[0] == '@' && *ev.StateKey != ev.Sender {
		return reject("state key %s belongs to another user", *ev.StateKey)
	}

	if ev.Type == ir.TypePowerLevels {
		if err := checkPowerLevels(rules, ev, power, senderLevel); err != nil {
			return err
		}
	}

	if rules.ExtraRedactionChecks && ev.Type == ir.TypeRedaction {
		if senderLevel >= power.scalar("redact") {
			return nil
		}
		domain := ir.EventIDDomain(ev.EventID)
		if domain == "" || domain != ir.EventIDDomain(ev.RedactsID()) {
			return reject("redaction not allowed")
		}
	}
	return nil
}

func checkCreate(rules ir.RoomRules, ev *ir.Event, senderServer string) error {
	if len(ev.PrevEvents) > 0 {
		return reject("create event has previous events")
	}
	roomServer, err := ir.ServerName(ev.RoomID)
	if err != nil {
		return reject("room id has no server name")
	}
	if roomServer != senderServer {
		return reject("room id server %s does not match sender server %s", roomServer, senderServer)
	}
	var c struct {
		RoomVersion *string `json:"room_version"`
		Creator     *string `json:"creator"`
	}
	if err := ev.DecodeContent(&c); err != nil {
		return reject("invalid create content: %v", err)
	}
	if c.RoomVersion != nil {
		if _, ok := ir.Rules(*c.RoomVersion); !ok {
			return reject("unrecognized room version %q", *c.RoomVersion)
		}
	}
	if !rules.UseRoomCreateSender && c.Creator == nil {
		return reject("create content has no creator")
	}
	return nil
}

func checkPowerLevels(rules ir.RoomRules, ev *ir.Event, power roomPower, senderLevel int64) error {
	if ev.StateKey == nil || *ev.StateKey != "" {
		return reject("power levels event must have an empty state key")
	}
	next, err := ParsePowerLevels(rules, ev.Content)
	if err != nil {
		return reject("invalid power levels content: %v", err)
	}
	if power.pl == nil {
		return nil
	}
	return checkPowerLevelChange(rules, ev.Sender, senderLevel, power.pl, next)
}
