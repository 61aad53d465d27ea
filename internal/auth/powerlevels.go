package auth

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/fedroom/internal/ir"
)

// Scalar power-level fields with their defaults.
var scalarDefaults = map[string]int64{
	"users_default":  0,
	"events_default": 0,
	"state_default":  50,
	"ban":            50,
	"redact":         50,
	"kick":           50,
	"invite":         0,
}

// ScalarFields lists the scalar power-level fields in a fixed order.
var ScalarFields = []string{
	"users_default", "events_default", "state_default", "ban", "redact", "kick", "invite",
}

// CreatorPower is the implicit power of the room creator when the room
// has no power-levels event.
const CreatorPower = 100

// PowerLevels is a parsed m.room.power_levels content.
type PowerLevels struct {
	Users         map[string]int64
	Events        map[string]int64
	Notifications map[string]int64

	// scalars holds only the fields present in the content.
	scalars map[string]int64
}

// ParsePowerLevels decodes power-levels content. String-encoded integers
// are accepted unless the room version requires integers.
func ParsePowerLevels(rules ir.RoomRules, content json.RawMessage) (*PowerLevels, error) {
	dec := json.NewDecoder(strings.NewReader(string(content)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("power levels: %w", err)
	}
	pl := &PowerLevels{
		Users:         map[string]int64{},
		Events:        map[string]int64{},
		Notifications: map[string]int64{},
		scalars:       map[string]int64{},
	}
	for _, name := range ScalarFields {
		v, ok := raw[name]
		if !ok {
			continue
		}
		n, err := parseLevel(rules, v)
		if err != nil {
			return nil, fmt.Errorf("power levels: %s: %w", name, err)
		}
		pl.scalars[name] = n
	}
	for name, dst := range map[string]map[string]int64{
		"users":         pl.Users,
		"events":        pl.Events,
		"notifications": pl.Notifications,
	} {
		v, ok := raw[name]
		if !ok || v == nil {
			continue
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("power levels: %s is not an object", name)
		}
		for k, lv := range m {
			n, err := parseLevel(rules, lv)
			if err != nil {
				return nil, fmt.Errorf("power levels: %s[%s]: %w", name, k, err)
			}
			if name == "users" && !ir.ValidUserID(k) {
				return nil, fmt.Errorf("power levels: invalid user id %q", k)
			}
			dst[k] = n
		}
	}
	return pl, nil
}

func parseLevel(rules ir.RoomRules, v any) (int64, error) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, fmt.Errorf("not an integer: %s", t)
		}
		return n, nil
	case string:
		if rules.IntegerPowerLevels {
			return 0, fmt.Errorf("string power level %q", t)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", t)
		}
		return n, nil
	}
	return 0, fmt.Errorf("unexpected power level %v", v)
}

// Scalar returns a scalar field, applying its default when absent.
func (p *PowerLevels) Scalar(name string) int64 {
	if v, ok := p.scalars[name]; ok {
		return v
	}
	return scalarDefaults[name]
}

func (p *PowerLevels) scalar(name string) (int64, bool) {
	v, ok := p.scalars[name]
	return v, ok
}

// UserLevel returns the user's explicit level or users_default.
func (p *PowerLevels) UserLevel(userID string) int64 {
	if v, ok := p.Users[userID]; ok {
		return v
	}
	return p.Scalar("users_default")
}

// SendLevel returns the level required to send an event of the given type.
func (p *PowerLevels) SendLevel(eventType string, isState bool) int64 {
	if v, ok := p.Events[eventType]; ok {
		return v
	}
	if isState {
		return p.Scalar("state_default")
	}
	return p.Scalar("events_default")
}

// roomPower gathers what the rules need from current state to answer power
// questions.
type roomPower struct {
	rules  ir.RoomRules
	pl     *PowerLevels // nil when the room has no power-levels event
	create *ir.Event
}

func loadRoomPower(rules ir.RoomRules, state StateProvider) (roomPower, error) {
	rp := roomPower{rules: rules}
	rp.create, _ = state.Get(ir.TypeCreate, "")
	if plEv, ok := state.Get(ir.TypePowerLevels, ""); ok {
		pl, err := ParsePowerLevels(rules, plEv.Content)
		if err != nil {
			return rp, err
		}
		rp.pl = pl
	}
	return rp, nil
}

// Creator returns the room creator according to the room version.
func Creator(rules ir.RoomRules, create *ir.Event) string {
	if create == nil {
		return ""
	}
	if rules.UseRoomCreateSender {
		return create.Sender
	}
	var c struct {
		Creator string `json:"creator"`
	}
	if create.DecodeContent(&c) != nil {
		return ""
	}
	return c.Creator
}

func (rp roomPower) userLevel(userID string) int64 {
	if rp.pl == nil {
		if userID != "" && userID == Creator(rp.rules, rp.create) {
			return CreatorPower
		}
		return 0
	}
	return rp.pl.UserLevel(userID)
}

func (rp roomPower) sendLevel(eventType string, isState bool) int64 {
	if rp.pl == nil {
		if isState {
			return 50
		}
		return 0
	}
	return rp.pl.SendLevel(eventType, isState)
}

func (rp roomPower) scalar(name string) int64 {
	if rp.pl == nil {
		return scalarDefaults[name]
	}
	return rp.pl.Scalar(name)
}

// optLevel is a power level that may be absent. An absent level compares
// below every present one.
type optLevel struct {
	v  int64
	ok bool
}

func some(v int64) optLevel { return optLevel{v: v, ok: true} }

func (a optLevel) less(b optLevel) bool {
	switch {
	case !b.ok:
		return false
	case !a.ok:
		return true
	}
	return a.v < b.v
}

func (a optLevel) atLeast(n int64) bool {
	return a.ok && a.v >= n
}

// membershipLevel returns the user's level for membership decisions: the
// explicit users entry, or the default only when fallback holds.
func (rp roomPower) membershipLevel(userID string, fallback bool) optLevel {
	if rp.pl == nil {
		if !fallback {
			return optLevel{}
		}
		return some(rp.userLevel(userID))
	}
	if v, ok := rp.pl.Users[userID]; ok {
		return some(v)
	}
	if fallback {
		return some(rp.pl.Scalar("users_default"))
	}
	return optLevel{}
}

// checkPowerLevelChange validates a power-levels event against the previous
// one. Every changed entry must be within the sender's own power.
func checkPowerLevelChange(rules ir.RoomRules, sender string, senderLevel int64, prev, next *PowerLevels) error {
	for _, name := range ScalarFields {
		oldV, oldOK := prev.scalar(name)
		newV, newOK := next.scalar(name)
		if oldOK == newOK && oldV == newV {
			continue
		}
		if prev.Scalar(name) > senderLevel {
			return reject("cannot change %s from %d with power %d", name, prev.Scalar(name), senderLevel)
		}
		if next.Scalar(name) > senderLevel {
			return reject("cannot set %s to %d with power %d", name, next.Scalar(name), senderLevel)
		}
	}

	if err := checkLevelMap("events", prev.Events, next.Events, senderLevel, nil); err != nil {
		return err
	}
	if rules.LimitNotificationsPowerLevels {
		if err := checkLevelMap("notifications", prev.Notifications, next.Notifications, senderLevel, nil); err != nil {
			return err
		}
	}
	// Another user's level equal to the sender's may not be touched.
	users := func(key string, cur int64) bool {
		return key != sender && cur >= senderLevel
	}
	return checkLevelMap("users", prev.Users, next.Users, senderLevel, users)
}

func checkLevelMap(name string, prev, next map[string]int64, senderLevel int64, protected func(string, int64) bool) error {
	keys := make(map[string]struct{}, len(prev)+len(next))
	for k := range prev {
		keys[k] = struct{}{}
	}
	for k := range next {
		keys[k] = struct{}{}
	}
	for _, k := range slices.Sorted(maps.Keys(keys)) {
		oldV, oldOK := prev[k]
		newV, newOK := next[k]
		if oldOK == newOK && oldV == newV {
			continue
		}
		if oldOK {
			if protected != nil {
				if protected(k, oldV) {
					return reject("cannot change %s[%s] from %d with power %d", name, k, oldV, senderLevel)
				}
			} else if oldV > senderLevel {
				return reject("cannot change %s[%s] from %d with power %d", name, k, oldV, senderLevel)
			}
		}
		if newOK && newV > senderLevel {
			return reject("cannot set %s[%s] to %d with power %d", name, k, newV, senderLevel)
		}
	}
	return nil
}
