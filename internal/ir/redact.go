package ir

import (
	"encoding/json"
	"fmt"
)

// keptContentKeys lists the content keys that survive redaction per type.
func keptContentKeys(rules RoomRules, eventType string) []string {
	switch eventType {
	case TypeMember:
		keys := []string{"membership"}
		if rules.RedactJoinAuthorisedVia {
			keys = append(keys, "join_authorised_via_users_server")
		}
		if rules.UseRoomCreateSender {
			keys = append(keys, "third_party_invite")
		}
		return keys
	case TypeCreate:
		if rules.UseRoomCreateSender {
			return nil // all keys kept, handled by caller
		}
		return []string{"creator"}
	case TypeJoinRules:
		if rules.RestrictedJoinRule {
			return []string{"join_rule", "allow"}
		}
		return []string{"join_rule"}
	case TypePowerLevels:
		keys := []string{"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default"}
		if rules.UseRoomCreateSender {
			keys = append(keys, "invite")
		}
		return keys
	case TypeHistoryVisibility:
		return []string{"history_visibility"}
	case TypeAliases:
		if rules.SpecialCaseAliases {
			return []string{"aliases"}
		}
	case TypeRedaction:
		if rules.UseRoomCreateSender {
			return []string{"redacts"}
		}
	}
	return []string{}
}

// Redact returns a copy of ev with content stripped to the keys that the
// room version preserves. Signatures and hashes are kept; unsigned is not.
func Redact(rules RoomRules, ev *Event) (*Event, error) {
	out := ev.Clone()
	out.Unsigned = nil

	if ev.Type == TypeCreate && rules.UseRoomCreateSender {
		return out, nil
	}

	content, err := DecodeObject(ev.Content)
	if err != nil {
		return nil, fmt.Errorf("redact %s: %w", ev.EventID, err)
	}
	kept := make(map[string]any)
	for _, k := range keptContentKeys(rules, ev.Type) {
		v, ok := content[k]
		if !ok {
			continue
		}
		if k == "third_party_invite" {
			// Only the signed block survives.
			tpi, isObj := v.(map[string]any)
			if !isObj {
				continue
			}
			signed, ok := tpi["signed"]
			if !ok {
				continue
			}
			v = map[string]any{"signed": signed}
		}
		kept[k] = v
	}
	raw, err := json.Marshal(kept)
	if err != nil {
		return nil, fmt.Errorf("redact %s: %w", ev.EventID, err)
	}
	out.Content = raw
	return out, nil
}
