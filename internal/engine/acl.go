package engine

import (
	"net"
	"strings"

	"github.com/roach88/fedroom/internal/ir"
)

// serverACL is the content of m.room.server_acl.
type serverACL struct {
	Allow           []string `json:"allow"`
	Deny            []string `json:"deny"`
	AllowIPLiterals *bool    `json:"allow_ip_literals"`
}

// aclAllows reports whether server may participate under the ACL event.
// A missing, undecodable or empty-allow ACL allows everyone.
func aclAllows(acl *ir.Event, server string) bool {
	if acl == nil {
		return true
	}
	var c serverACL
	if err := acl.DecodeContent(&c); err != nil || len(c.Allow) == 0 {
		return true
	}

	host := server
	if h, _, err := net.SplitHostPort(server); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")

	allowIP := c.AllowIPLiterals == nil || *c.AllowIPLiterals
	if !allowIP && net.ParseIP(host) != nil {
		return false
	}
	for _, pattern := range c.Deny {
		if globMatch(pattern, host) {
			return false
		}
	}
	for _, pattern := range c.Allow {
		if globMatch(pattern, host) {
			return true
		}
	}
	return false
}

// globMatch matches s against a pattern where '*' is any run of characters
// and '?' exactly one. Server names contain no path separators, so unlike
// path.Match nothing else is special.
func globMatch(pattern, s string) bool {
	px, sx := 0, 0
	starP, starS := -1, 0
	for sx < len(s) {
		switch {
		case px < len(pattern) && (pattern[px] == '?' || pattern[px] == s[sx]):
			px++
			sx++
		case px < len(pattern) && pattern[px] == '*':
			starP, starS = px, sx
			px++
		case starP >= 0:
			px = starP + 1
			starS++
			sx = starS
		default:
			return false
		}
	}
	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}
