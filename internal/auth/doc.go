// Package auth implements the event authorization rules.
//
// Check applies the ordered rules to an event against a state snapshot.
// CheckAuthEvents applies the checks that only depend on the auth events an
// event cites. Membership transitions are decided by a small state machine
// (CheckMembership) that returns an explicit Decision for every branch.
//
// Everything here is pure: no I/O, no clocks, no logging. Callers decide
// what a rejection means (hard rejection, soft-fail).
package auth
