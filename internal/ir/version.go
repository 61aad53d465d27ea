package ir

import "slices"

// DefaultRoomVersion is used when a room is created without an explicit version.
const DefaultRoomVersion = "10"

// RoomRules is the bundle of rule variants selected by a room version.
type RoomRules struct {
	Version string

	// LegacyEventIDs appends the origin domain to event ids (v1, v2).
	LegacyEventIDs bool

	// SpecialCaseAliases authorizes m.room.aliases by sender domain (v1-v5).
	SpecialCaseAliases bool

	// ExtraRedactionChecks applies redact power checks at auth time (v1, v2).
	ExtraRedactionChecks bool

	// LimitNotificationsPowerLevels guards notifications changes (v6+).
	LimitNotificationsPowerLevels bool

	// AllowKnocking enables the knock membership and join rule (v7+).
	AllowKnocking bool

	// RestrictedJoinRule enables the restricted join rule (v8+).
	RestrictedJoinRule bool

	// RedactJoinAuthorisedVia keeps join_authorised_via_users_server on redaction (v9+).
	RedactJoinAuthorisedVia bool

	// KnockRestrictedJoinRule enables knock_restricted (v10+).
	KnockRestrictedJoinRule bool

	// IntegerPowerLevels rejects string-encoded power levels (v10+).
	IntegerPowerLevels bool

	// UseRoomCreateSender treats the create event's sender as the creator (v11).
	UseRoomCreateSender bool
}

var roomVersions = []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11"}

// KnownRoomVersions returns the supported room versions in ascending order.
func KnownRoomVersions() []string {
	return slices.Clone(roomVersions)
}

// Rules returns the rule set for a room version.
// The second return value is false for unrecognized versions.
func Rules(version string) (RoomRules, bool) {
	n := slices.Index(roomVersions, version) + 1
	if n == 0 {
		return RoomRules{}, false
	}
	return RoomRules{
		Version:                       version,
		LegacyEventIDs:                n <= 2,
		SpecialCaseAliases:            n <= 5,
		ExtraRedactionChecks:          n <= 2,
		LimitNotificationsPowerLevels: n >= 6,
		AllowKnocking:                 n >= 7,
		RestrictedJoinRule:            n >= 8,
		RedactJoinAuthorisedVia:       n >= 9,
		KnockRestrictedJoinRule:       n >= 10,
		IntegerPowerLevels:            n >= 10,
		UseRoomCreateSender:           n >= 11,
	}, true
}

// MustRules is like Rules but panics on an unknown version.
// Use only in tests or with versions already validated.
func MustRules(version string) RoomRules {
	r, ok := Rules(version)
	if !ok {
		panic("unknown room version " + version)
	}
	return r
}
