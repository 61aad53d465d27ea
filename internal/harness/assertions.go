package harness

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/fedroom/internal/ir"
	"github.com/roach88/fedroom/internal/stateres"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nSteps:\n")
		for _, event := range e.Trace {
			if event.Kind == KindStep {
				fmt.Fprintf(&buf, "  [%d] %s on %s: %s %s\n", *event.Step, event.Invoke, event.Server, event.Outcome, event.Event)
			}
		}
	}
	return buf.String()
}

// AssertionContext gives assertions access to the servers of a run.
type AssertionContext struct {
	Ctx    context.Context
	RoomID string

	harness *Harness
}

func (a *AssertionContext) node(server string) (*node, error) {
	n, ok := a.harness.nodes[server]
	if !ok {
		return nil, fmt.Errorf("unknown server %q", server)
	}
	return n, nil
}

func (a *AssertionContext) fail(typ, expected, actual string) error {
	return &AssertionError{Type: typ, Expected: expected, Actual: actual, Trace: a.harness.result.Trace}
}

// assertState checks which event holds a state slot on a server.
func assertState(a *AssertionContext, assertion Assertion) error {
	n, err := a.node(assertion.Server)
	if err != nil {
		return err
	}
	state, _, err := n.store.CurrentState(a.Ctx, a.RoomID)
	if err != nil {
		return err
	}
	field := ir.StateField{Type: assertion.EventType, StateKey: assertion.StateKey}
	want := a.harness.ids[assertion.Event]
	got, ok := state[field]
	if !ok {
		return a.fail(AssertState,
			fmt.Sprintf("%s on %s held by %s", fieldLabel(field), assertion.Server, assertion.Event),
			"slot is empty")
	}
	if got != want {
		return a.fail(AssertState,
			fmt.Sprintf("%s on %s held by %s", fieldLabel(field), assertion.Server, assertion.Event),
			"held by "+a.harness.eventLabel(got))
	}
	return nil
}

// assertStored checks the stored status of an event: rejected or
// soft-failed.
func assertStored(a *AssertionContext, assertion Assertion) error {
	n, err := a.node(assertion.Server)
	if err != nil {
		return err
	}
	ev, err := n.store.Event(a.Ctx, a.harness.ids[assertion.Event])
	if err != nil {
		return a.fail(assertion.Type,
			fmt.Sprintf("%s stored on %s", assertion.Event, assertion.Server),
			err.Error())
	}
	switch assertion.Type {
	case AssertRejected:
		if ev.RejectionReason == "" {
			return a.fail(AssertRejected,
				fmt.Sprintf("%s rejected on %s", assertion.Event, assertion.Server),
				"event is not rejected")
		}
	case AssertSoftFailed:
		if !ev.SoftFailed {
			return a.fail(AssertSoftFailed,
				fmt.Sprintf("%s soft-failed on %s", assertion.Event, assertion.Server),
				"event is not soft-failed")
		}
	}
	return nil
}

// timeline returns the labels of a server's timeline in sn order.
func timeline(a *AssertionContext, server string) ([]string, error) {
	n, err := a.node(server)
	if err != nil {
		return nil, err
	}
	events, err := n.store.Timeline(a.Ctx, a.RoomID, 0, 0)
	if err != nil {
		return nil, err
	}
	labels := make([]string, len(events))
	for i, ev := range events {
		labels[i] = a.harness.eventLabel(ev.EventID)
	}
	return labels, nil
}

// assertTimelineOrder checks that events appear in the specified order.
// Events don't need to be consecutive (intervening events are allowed).
func assertTimelineOrder(a *AssertionContext, assertion Assertion) error {
	labels, err := timeline(a, assertion.Server)
	if err != nil {
		return err
	}

	prev, prevPos := "", -1
	for _, name := range assertion.Events {
		pos := slices.Index(labels, name)
		if pos < 0 {
			return a.fail(AssertTimelineOrder,
				fmt.Sprintf("all events present on %s: %v", assertion.Server, assertion.Events),
				"missing event: "+name)
		}
		if pos <= prevPos {
			return a.fail(AssertTimelineOrder,
				fmt.Sprintf("events in order: %v", assertion.Events),
				fmt.Sprintf("%s (pos %d) should be before %s (pos %d)", prev, prevPos, name, pos))
		}
		prev, prevPos = name, pos
	}
	return nil
}

// assertTimelineCount checks the number of timeline events on a server.
func assertTimelineCount(a *AssertionContext, assertion Assertion) error {
	labels, err := timeline(a, assertion.Server)
	if err != nil {
		return err
	}
	if len(labels) != assertion.Count {
		return a.fail(AssertTimelineCount,
			fmt.Sprintf("%d timeline events on %s", assertion.Count, assertion.Server),
			fmt.Sprintf("%d: %v", len(labels), labels))
	}
	return nil
}

// assertExtremities checks a server's forward extremities, in any order.
func assertExtremities(a *AssertionContext, assertion Assertion) error {
	n, err := a.node(assertion.Server)
	if err != nil {
		return err
	}
	ext, err := n.store.Extremities(a.Ctx, a.RoomID)
	if err != nil {
		return err
	}
	got := make([]string, len(ext))
	for i, id := range ext {
		got[i] = a.harness.eventLabel(id)
	}
	slices.Sort(got)
	want := slices.Sorted(slices.Values(assertion.Events))
	if !slices.Equal(got, want) {
		return a.fail(AssertExtremities,
			fmt.Sprintf("extremities on %s: %v", assertion.Server, want),
			fmt.Sprintf("%v", got))
	}
	return nil
}

// assertConverged checks that servers agree on the room's current state.
func assertConverged(a *AssertionContext, assertion Assertion) error {
	var (
		first string
		want  map[ir.StateField]string
	)
	for i, server := range assertion.Servers {
		n, err := a.node(server)
		if err != nil {
			return err
		}
		state, _, err := n.store.CurrentState(a.Ctx, a.RoomID)
		if err != nil {
			return err
		}
		if i == 0 {
			first, want = server, state
			continue
		}
		if maps.Equal(want, state) {
			continue
		}
		var diff []string
		for _, field := range disputedFields(want, state) {
			diff = append(diff, fmt.Sprintf("%s: %s=%s %s=%s", fieldLabel(field),
				first, a.harness.eventLabel(want[field]),
				server, a.harness.eventLabel(state[field])))
		}
		return a.fail(AssertConverged,
			fmt.Sprintf("same current state on %v", assertion.Servers),
			strings.Join(diff, "; "))
	}
	return nil
}

func disputedFields(a, b map[ir.StateField]string) []ir.StateField {
	return disputed([]stateres.StateMap{a, b})
}

// EvaluateAssertions runs all assertions and returns their failure
// messages.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, assertion := range assertions {
		var err error
		switch assertion.Type {
		case AssertState:
			err = assertState(actx, assertion)
		case AssertRejected, AssertSoftFailed:
			err = assertStored(actx, assertion)
		case AssertTimelineOrder:
			err = assertTimelineOrder(actx, assertion)
		case AssertTimelineCount:
			err = assertTimelineCount(actx, assertion)
		case AssertExtremities:
			err = assertExtremities(actx, assertion)
		case AssertConverged:
			err = assertConverged(actx, assertion)
		default:
			err = fmt.Errorf("unknown assertion type: %s", assertion.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, assertion.Type, err))
		}
	}
	return errs
}
