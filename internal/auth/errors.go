package auth

import (
	"errors"
	"fmt"
)

// Error is an authorization rejection. Reason is stable, human-readable and
// persisted as the event's rejection reason.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "auth: " + e.Reason
}

func reject(format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// IsAuthError reports whether err is (or wraps) an authorization rejection.
func IsAuthError(err error) bool {
	var ae *Error
	return errors.As(err, &ae)
}

// Decision is the explicit result of one membership transition branch.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}
