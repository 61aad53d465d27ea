package auth

import (
	"github.com/roach88/fedroom/internal/ir"
)

// EventLookup resolves an event id to a stored event.
type EventLookup func(eventID string) (*ir.Event, bool)

// UserCanRedact reports whether the redaction's sender may redact its
// target under state: either by power, or because the target was sent from
// the same server as the redaction.
func UserCanRedact(rules ir.RoomRules, redaction *ir.Event, state StateProvider, lookup EventLookup) (bool, error) {
	power, err := loadRoomPower(rules, state)
	if err != nil {
		return false, err
	}
	if power.userLevel(redaction.Sender) >= power.scalar("redact") {
		return true, nil
	}
	if lookup == nil {
		return false, nil
	}
	target, ok := lookup(redaction.RedactsID())
	if !ok {
		return false, nil
	}
	return ir.ServerNameOf(target.Sender) == ir.ServerNameOf(redaction.Sender), nil
}
