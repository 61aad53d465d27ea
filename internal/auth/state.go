package auth

import "github.com/roach88/fedroom/internal/ir"

// StateProvider looks up the event currently occupying a state slot.
//
// Implemented by the in-memory fork adapter used during state resolution,
// by the persistence-backed adapter used during live ingestion, and by
// EventsState for checks against an event's own auth events.
type StateProvider interface {
	Get(eventType, stateKey string) (*ir.Event, bool)
}

// EventsState is a StateProvider over an explicit set of state events.
type EventsState map[ir.StateField]*ir.Event

// NewEventsState indexes state events by their slot. Non-state events are
// ignored; for duplicate slots the last event wins.
func NewEventsState(events []*ir.Event) EventsState {
	s := make(EventsState, len(events))
	for _, ev := range events {
		if ev == nil || !ev.IsState() {
			continue
		}
		s[ev.Field()] = ev
	}
	return s
}

// Get implements StateProvider.
func (s EventsState) Get(eventType, stateKey string) (*ir.Event, bool) {
	ev, ok := s[ir.StateField{Type: eventType, StateKey: stateKey}]
	return ev, ok
}

// Overlay returns a provider that consults top first, then base.
func Overlay(top, base StateProvider) StateProvider {
	return overlay{top: top, base: base}
}

type overlay struct {
	top, base StateProvider
}

func (o overlay) Get(eventType, stateKey string) (*ir.Event, bool) {
	if ev, ok := o.top.Get(eventType, stateKey); ok {
		return ev, true
	}
	return o.base.Get(eventType, stateKey)
}
