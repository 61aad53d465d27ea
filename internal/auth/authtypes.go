package auth

import (
	"github.com/roach88/fedroom/internal/ir"
)

// memberContent is the subset of m.room.member content the rules read.
type memberContent struct {
	Membership                   string            `json:"membership"`
	JoinAuthorisedViaUsersServer string            `json:"join_authorised_via_users_server,omitempty"`
	ThirdPartyInvite             *thirdPartyInvite `json:"third_party_invite,omitempty"`
}

type thirdPartyInvite struct {
	DisplayName string         `json:"display_name"`
	Signed      map[string]any `json:"signed"`
}

func (t *thirdPartyInvite) signedString(key string) string {
	if t == nil || t.Signed == nil {
		return ""
	}
	s, _ := t.Signed[key].(string)
	return s
}

func decodeMember(ev *ir.Event) (memberContent, error) {
	var c memberContent
	err := ev.DecodeContent(&c)
	return c, err
}

// AuthTypesForEvent returns the state slots whose current holders must be
// cited as the event's auth events.
func AuthTypesForEvent(rules ir.RoomRules, ev *ir.Event) []ir.StateField {
	if ev.Type == ir.TypeCreate {
		return nil
	}
	fields := []ir.StateField{
		{Type: ir.TypePowerLevels},
		{Type: ir.TypeMember, StateKey: ev.Sender},
		{Type: ir.TypeCreate},
	}
	if ev.Type != ir.TypeMember || ev.StateKey == nil {
		return fields
	}

	target := *ev.StateKey
	if target != ev.Sender {
		fields = append(fields, ir.StateField{Type: ir.TypeMember, StateKey: target})
	}
	c, err := decodeMember(ev)
	if err != nil {
		return fields
	}
	switch c.Membership {
	case ir.MembershipJoin, ir.MembershipInvite, ir.MembershipKnock:
		fields = append(fields, ir.StateField{Type: ir.TypeJoinRules})
	}
	if c.Membership == ir.MembershipInvite {
		if token := c.ThirdPartyInvite.signedString("token"); token != "" {
			fields = append(fields, ir.StateField{Type: ir.TypeThirdPartyInvite, StateKey: token})
		}
	}
	if c.Membership == ir.MembershipJoin && rules.RestrictedJoinRule && c.JoinAuthorisedViaUsersServer != "" {
		via := ir.StateField{Type: ir.TypeMember, StateKey: c.JoinAuthorisedViaUsersServer}
		if !containsField(fields, via) {
			fields = append(fields, via)
		}
	}
	return fields
}

func containsField(fields []ir.StateField, f ir.StateField) bool {
	for _, x := range fields {
		if x == f {
			return true
		}
	}
	return false
}

// CheckAuthEvents applies the checks that depend only on the event and the
// auth events it cites, not on any room state.
func CheckAuthEvents(rules ir.RoomRules, ev *ir.Event, authEvents []*ir.Event) error {
	if ev.Type == ir.TypeCreate {
		if len(authEvents) > 0 {
			return reject("create event has auth events")
		}
		return nil
	}

	allowed := AuthTypesForEvent(rules, ev)
	seen := make(map[ir.StateField]string, len(authEvents))
	hasCreate := false
	for _, ae := range authEvents {
		if ae.RoomID != ev.RoomID {
			return reject("auth event %s belongs to room %s", ae.EventID, ae.RoomID)
		}
		if ae.RejectionReason != "" {
			return reject("auth event %s was rejected", ae.EventID)
		}
		if !ae.IsState() {
			return reject("auth event %s is not a state event", ae.EventID)
		}
		f := ae.Field()
		if prev, dup := seen[f]; dup {
			return reject("duplicate auth events %s and %s for %s", prev, ae.EventID, f)
		}
		seen[f] = ae.EventID
		if !containsField(allowed, f) {
			return reject("unexpected auth event %s for %s", ae.EventID, f)
		}
		if f.Type == ir.TypeCreate {
			hasCreate = true
		}
	}
	if !hasCreate {
		return reject("no create event in auth events")
	}
	return nil
}
