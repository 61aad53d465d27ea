package auth

import (
	"github.com/roach88/fedroom/internal/ir"
)

// membershipInput collects everything one membership transition depends on.
type membershipInput struct {
	rules        ir.RoomRules
	ev           *ir.Event
	content      memberContent
	target       string
	targetMember string // current membership of the target, "leave" when absent
	senderMember string // current membership of the sender, "leave" when absent
	joinRule     string
	power        roomPower
	create       *ir.Event
	threePID     *ir.Event // m.room.third_party_invite keyed by the signed token
	viaMember    string    // membership of join_authorised_via_users_server
}

func currentMembership(state StateProvider, userID string) string {
	ev, ok := state.Get(ir.TypeMember, userID)
	if !ok {
		return ir.MembershipLeave
	}
	if m := ev.Membership(); m != "" {
		return m
	}
	return ir.MembershipLeave
}

func currentJoinRule(state StateProvider) string {
	ev, ok := state.Get(ir.TypeJoinRules, "")
	if !ok {
		return ir.JoinRuleInvite
	}
	var c struct {
		JoinRule string `json:"join_rule"`
	}
	if ev.DecodeContent(&c) != nil || c.JoinRule == "" {
		return ir.JoinRuleInvite
	}
	return c.JoinRule
}

// CheckMembership decides whether an m.room.member event is a legal
// transition given the room state.
func CheckMembership(rules ir.RoomRules, ev *ir.Event, state StateProvider) (Decision, error) {
	if ev.StateKey == nil {
		return deny("member event has no state key"), nil
	}
	if !ir.ValidUserID(*ev.StateKey) {
		return deny("member state key is not a user id"), nil
	}
	content, err := decodeMember(ev)
	if err != nil || content.Membership == "" {
		return deny("member event has no valid membership"), nil
	}
	power, err := loadRoomPower(rules, state)
	if err != nil {
		return Decision{}, err
	}
	in := membershipInput{
		rules:        rules,
		ev:           ev,
		content:      content,
		target:       *ev.StateKey,
		targetMember: currentMembership(state, *ev.StateKey),
		senderMember: currentMembership(state, ev.Sender),
		joinRule:     currentJoinRule(state),
		power:        power,
		create:       power.create,
		viaMember:    ir.MembershipLeave,
	}
	if token := content.ThirdPartyInvite.signedString("token"); token != "" {
		in.threePID, _ = state.Get(ir.TypeThirdPartyInvite, token)
	}
	if via := content.JoinAuthorisedViaUsersServer; via != "" {
		in.viaMember = currentMembership(state, via)
	}
	return in.decide(), nil
}

func (in membershipInput) decide() Decision {
	sender := in.ev.Sender
	senderJoined := in.senderMember == ir.MembershipJoin
	senderPower := in.power.membershipLevel(sender, senderJoined)
	targetPower := in.power.membershipLevel(in.target, in.content.Membership == ir.MembershipJoin)

	switch in.content.Membership {
	case ir.MembershipJoin:
		return in.join()

	case ir.MembershipInvite:
		if in.content.ThirdPartyInvite != nil {
			if in.targetMember == ir.MembershipBan {
				return deny("cannot invite banned user")
			}
			if !in.thirdPartyInviteValid() {
				return deny("third party invite invalid")
			}
			return allow()
		}
		if !senderJoined || in.targetMember == ir.MembershipJoin || in.targetMember == ir.MembershipBan {
			return deny("cannot invite user if sender is not joined or the user is joined or banned")
		}
		if !senderPower.atLeast(in.power.scalar("invite")) {
			return deny("not enough power to invite")
		}
		return allow()

	case ir.MembershipLeave:
		if sender == in.target {
			switch in.targetMember {
			case ir.MembershipJoin, ir.MembershipInvite, ir.MembershipKnock:
				return allow()
			}
			return deny("cannot leave unless invited, knocked or joined")
		}
		if !senderJoined {
			return deny("cannot kick when sender is not joined")
		}
		if in.targetMember == ir.MembershipBan && senderPower.ok && senderPower.v < in.power.scalar("ban") {
			return deny("cannot unban without ban power")
		}
		if !senderPower.atLeast(in.power.scalar("kick")) || !targetPower.less(senderPower) {
			return deny("not enough power to kick")
		}
		return allow()

	case ir.MembershipBan:
		if !senderJoined {
			return deny("cannot ban when sender is not joined")
		}
		if !senderPower.atLeast(in.power.scalar("ban")) || !targetPower.less(senderPower) {
			return deny("not enough power to ban")
		}
		return allow()

	case ir.MembershipKnock:
		if !in.rules.AllowKnocking {
			break
		}
		switch {
		case in.joinRule != ir.JoinRuleKnock && in.joinRule != ir.JoinRuleKnockRestricted:
			return deny("join rule does not allow knocking")
		case in.joinRule == ir.JoinRuleKnockRestricted && !in.rules.KnockRestrictedJoinRule:
			return deny("knock_restricted is not supported by this room version")
		case sender != in.target:
			return deny("cannot knock for other users")
		case in.senderMember == ir.MembershipBan || in.senderMember == ir.MembershipJoin:
			return deny("cannot knock while banned or joined")
		}
		return allow()
	}
	return deny("unknown membership transition")
}

func (in membershipInput) join() Decision {
	sender := in.ev.Sender

	// The creator's own join directly after the create event.
	if len(in.ev.PrevEvents) == 1 && in.create != nil && in.ev.PrevEvents[0] == in.create.EventID {
		creator := Creator(in.rules, in.create)
		if creator != "" && creator == sender && creator == in.target {
			return allow()
		}
	}

	if sender != in.target {
		return deny("cannot make another user join")
	}
	if in.targetMember == ir.MembershipBan {
		return deny("banned user cannot join")
	}

	invited := in.targetMember == ir.MembershipInvite || in.targetMember == ir.MembershipJoin
	rule := in.joinRule
	if rule == ir.JoinRuleInvite || (in.rules.AllowKnocking && rule == ir.JoinRuleKnock) {
		if invited {
			return allow()
		}
	}
	if (in.rules.RestrictedJoinRule && rule == ir.JoinRuleRestricted) ||
		(in.rules.KnockRestrictedJoinRule && rule == ir.JoinRuleKnockRestricted) {
		if invited {
			return allow()
		}
		if !in.authorisingUserValid() {
			return deny("authorising user cannot invite other users")
		}
		return allow()
	}
	if rule != ir.JoinRulePublic {
		return deny("join rule is not public")
	}
	return allow()
}

// authorisingUserValid reports whether join_authorised_via_users_server
// names a joined member allowed to invite.
func (in membershipInput) authorisingUserValid() bool {
	via := in.content.JoinAuthorisedViaUsersServer
	if via == "" || in.viaMember != ir.MembershipJoin {
		return false
	}
	if in.power.pl == nil {
		return true
	}
	return in.power.pl.UserLevel(via) >= in.power.pl.Scalar("invite")
}
