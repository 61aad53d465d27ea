// Package ir provides the foundational types for fedroom: the signed event
// (PDU) record, identifiers, room version rule sets, canonical JSON and the
// redaction algorithm.
//
// All other internal packages import ir; ir imports nothing internal. This
// keeps the event model the bottom layer with no circular dependencies.
//
// Key constraints:
//   - Canonical JSON has no floats; integers are limited to the 53-bit range
//   - Event ids are pure functions of canonical content
//   - Local metadata (sequence numbers, rejection, outlier flags) never
//     appears in the wire encoding
package ir
