package ir

import (
	"fmt"
	"strings"
)

// ServerName returns the domain part of a user, room or alias id
// ("@alice:a.example" -> "a.example").
func ServerName(id string) (string, error) {
	if len(id) < 2 {
		return "", fmt.Errorf("invalid id %q", id)
	}
	switch id[0] {
	case '@', '!', '#', '$':
	default:
		return "", fmt.Errorf("invalid sigil in id %q", id)
	}
	_, domain, ok := strings.Cut(id[1:], ":")
	if !ok || domain == "" {
		return "", fmt.Errorf("id %q has no server name", id)
	}
	return domain, nil
}

// ServerNameOf is like ServerName but returns "" for a malformed id.
func ServerNameOf(id string) string {
	d, _ := ServerName(id)
	return d
}

// ValidUserID reports whether s looks like "@localpart:domain".
func ValidUserID(s string) bool {
	if !strings.HasPrefix(s, "@") {
		return false
	}
	local, domain, ok := strings.Cut(s[1:], ":")
	return ok && local != "" && domain != ""
}

// EventIDDomain returns the domain embedded in a legacy event id, or "" for
// hash-only ids.
func EventIDDomain(eventID string) string {
	if !strings.HasPrefix(eventID, "$") {
		return ""
	}
	_, domain, ok := strings.Cut(eventID[1:], ":")
	if !ok {
		return ""
	}
	return domain
}
