package ir

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Event types the core interprets.
const (
	TypeCreate            = "m.room.create"
	TypeMember            = "m.room.member"
	TypePowerLevels       = "m.room.power_levels"
	TypeJoinRules         = "m.room.join_rules"
	TypeThirdPartyInvite  = "m.room.third_party_invite"
	TypeRedaction         = "m.room.redaction"
	TypeAliases           = "m.room.aliases"
	TypeServerACL         = "m.room.server_acl"
	TypeHistoryVisibility = "m.room.history_visibility"
	TypeName              = "m.room.name"
	TypeTopic             = "m.room.topic"
	TypeMessage           = "m.room.message"
)

// Membership values.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// Join rules.
const (
	JoinRulePublic          = "public"
	JoinRuleInvite          = "invite"
	JoinRuleKnock           = "knock"
	JoinRuleRestricted      = "restricted"
	JoinRuleKnockRestricted = "knock_restricted"
	JoinRulePrivate         = "private"
)

// EventHashes holds the content hash of an event.
type EventHashes struct {
	SHA256 string `json:"sha256"`
}

// Event is a persisted data unit: the signed, content-addressed record
// that makes up room history.
//
// Fields tagged json:"-" are server-local metadata and never part of the
// federation encoding.
type Event struct {
	EventID        string                       `json:"event_id,omitempty"`
	RoomID         string                       `json:"room_id"`
	Sender         string                       `json:"sender"`
	Origin         string                       `json:"origin,omitempty"`
	OriginServerTS int64                        `json:"origin_server_ts"`
	Type           string                       `json:"type"`
	StateKey       *string                      `json:"state_key,omitempty"`
	Content        json.RawMessage              `json:"content"`
	PrevEvents     []string                     `json:"prev_events"`
	AuthEvents     []string                     `json:"auth_events"`
	Depth          int64                        `json:"depth"`
	Redacts        string                       `json:"redacts,omitempty"`
	Hashes         *EventHashes                 `json:"hashes,omitempty"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned       json.RawMessage              `json:"unsigned,omitempty"`

	// SN is the server-local sequence number assigned at first persistence.
	SN int64 `json:"-"`

	// Outlier is true until the event is promoted to the timeline.
	Outlier bool `json:"-"`

	// SoftFailed marks an event kept as an excluded outlier.
	SoftFailed bool `json:"-"`

	// RejectionReason is set permanently on authorization failure.
	RejectionReason string `json:"-"`
}

// StateField identifies a slot in room state.
type StateField struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
}

func (f StateField) String() string {
	return fmt.Sprintf("(%s, %q)", f.Type, f.StateKey)
}

// Compare orders fields by type then state key.
func (f StateField) Compare(o StateField) int {
	if f.Type != o.Type {
		if f.Type < o.Type {
			return -1
		}
		return 1
	}
	switch {
	case f.StateKey < o.StateKey:
		return -1
	case f.StateKey > o.StateKey:
		return 1
	}
	return 0
}

// StringPtr is a helper for building optional state keys.
func StringPtr(s string) *string {
	return &s
}

// ParseEvent decodes a federation event payload.
func ParseEvent(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	if ev.RoomID == "" || ev.Sender == "" || ev.Type == "" {
		return nil, fmt.Errorf("parse event: missing room_id, sender or type")
	}
	if len(ev.Content) == 0 || string(ev.Content) == "null" {
		ev.Content = json.RawMessage("{}")
	}
	if ev.PrevEvents == nil {
		ev.PrevEvents = []string{}
	}
	if ev.AuthEvents == nil {
		ev.AuthEvents = []string{}
	}
	return &ev, nil
}

// IsState reports whether the event carries a state key.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// Field returns the state slot the event occupies. Only meaningful for
// state events.
func (e *Event) Field() StateField {
	sk := ""
	if e.StateKey != nil {
		sk = *e.StateKey
	}
	return StateField{Type: e.Type, StateKey: sk}
}

// IsStateOf reports whether the event is a state event for (typ, key).
func (e *Event) IsStateOf(typ, key string) bool {
	return e.Type == typ && e.StateKey != nil && *e.StateKey == key
}

// DecodeContent unmarshals the event content into v.
func (e *Event) DecodeContent(v any) error {
	if len(e.Content) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Content, v)
}

// Membership returns content.membership for member events.
func (e *Event) Membership() string {
	var c struct {
		Membership string `json:"membership"`
	}
	if e.DecodeContent(&c) != nil {
		return ""
	}
	return c.Membership
}

// RedactsID returns the id of the event a redaction targets. Newer room
// versions carry it inside content.
func (e *Event) RedactsID() string {
	if e.Redacts != "" {
		return e.Redacts
	}
	var c struct {
		Redacts string `json:"redacts"`
	}
	if e.DecodeContent(&c) != nil {
		return ""
	}
	return c.Redacts
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	c := *e
	if e.StateKey != nil {
		sk := *e.StateKey
		c.StateKey = &sk
	}
	c.Content = slices.Clone(e.Content)
	c.Unsigned = slices.Clone(e.Unsigned)
	c.PrevEvents = slices.Clone(e.PrevEvents)
	c.AuthEvents = slices.Clone(e.AuthEvents)
	if e.Hashes != nil {
		h := *e.Hashes
		c.Hashes = &h
	}
	if e.Signatures != nil {
		c.Signatures = make(map[string]map[string]string, len(e.Signatures))
		for srv, sigs := range e.Signatures {
			m := make(map[string]string, len(sigs))
			for k, v := range sigs {
				m[k] = v
			}
			c.Signatures[srv] = m
		}
	}
	return &c
}

// JSON returns the federation encoding of the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
