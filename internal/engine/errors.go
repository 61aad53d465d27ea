package engine

import (
	"errors"
	"fmt"
)

// IngestError represents a failure to ingest or author an event.
//
// The code decides how callers react:
//   - STRUCTURAL: the payload is malformed or forged; drop it
//   - UNKNOWN_ROOM, ROOM_DISABLED, ACL_DENIED: refuse without storing
//   - AUTH_REJECTED: stored as a rejected outlier, never retried
//   - SOFT_FAILED: stored as an excluded outlier
//   - TRANSIENT, FETCH_BUDGET: a peer or fetch failed; retry later
//   - RESOLUTION_FAILED: state resolution aborted; retryable
type IngestError struct {
	// Code identifies the error category.
	Code IngestErrorCode

	// Message is a human-readable description.
	Message string

	// EventID identifies the affected event, if known.
	EventID string

	// RoomID identifies the affected room, if known.
	RoomID string

	// Err is the underlying cause.
	Err error
}

// IngestErrorCode categorizes ingestion errors.
type IngestErrorCode string

const (
	ErrCodeStructural       IngestErrorCode = "STRUCTURAL"
	ErrCodeUnknownRoom      IngestErrorCode = "UNKNOWN_ROOM"
	ErrCodeRoomDisabled     IngestErrorCode = "ROOM_DISABLED"
	ErrCodeACLDenied        IngestErrorCode = "ACL_DENIED"
	ErrCodeAuthRejected     IngestErrorCode = "AUTH_REJECTED"
	ErrCodeSoftFailed       IngestErrorCode = "SOFT_FAILED"
	ErrCodeTransient        IngestErrorCode = "TRANSIENT"
	ErrCodeResolutionFailed IngestErrorCode = "RESOLUTION_FAILED"
	ErrCodeFetchBudget      IngestErrorCode = "FETCH_BUDGET"
)

// Error implements the error interface.
func (e *IngestError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.EventID != "" {
		msg += fmt.Sprintf(" (event=%s)", e.EventID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *IngestError) Unwrap() error {
	return e.Err
}

func newIngestError(code IngestErrorCode, roomID, eventID, msg string, err error) *IngestError {
	return &IngestError{Code: code, Message: msg, RoomID: roomID, EventID: eventID, Err: err}
}

// CodeOf returns the code of the first IngestError in err's chain, or ""
// when there is none.
func CodeOf(err error) IngestErrorCode {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

// IsStructural returns true if the event was malformed or forged.
func IsStructural(err error) bool {
	return CodeOf(err) == ErrCodeStructural
}

// IsAuthRejected returns true if the event failed authorization.
func IsAuthRejected(err error) bool {
	return CodeOf(err) == ErrCodeAuthRejected
}

// IsSoftFailed returns true if the event was soft-failed.
func IsSoftFailed(err error) bool {
	return CodeOf(err) == ErrCodeSoftFailed
}

// IsTransient returns true if the failure may succeed on retry.
// Fetch budget exhaustion counts as transient.
func IsTransient(err error) bool {
	c := CodeOf(err)
	return c == ErrCodeTransient || c == ErrCodeFetchBudget
}

// IsResolutionFailed returns true if state resolution aborted.
func IsResolutionFailed(err error) bool {
	return CodeOf(err) == ErrCodeResolutionFailed
}
