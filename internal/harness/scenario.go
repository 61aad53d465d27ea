package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run of several servers sharing one room.
//
// Steps execute in order against real engines connected by an in-process
// network; every commit on every server is recorded in the trace.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// RoomVersion of the scenario's room. Empty selects the default.
	RoomVersion string `yaml:"room_version,omitempty"`

	// Servers lists the server names to start.
	Servers []string `yaml:"servers"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state of the servers.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action. Which fields apply depends on Invoke:
//
//   - create_room: Server, Sender, Preset
//   - send: Server, Sender, Type, StateKey, Content
//   - import: Server joins the room from From at Event (default: From's
//     newest extremity)
//   - deliver: pushes Event from From to To
//   - backfill: Server pulls up to Limit events from From
//   - partition, heal: cut or restore the link between Servers[0] and
//     Servers[1]
//   - resolve: Server resolves the states after each event in Forks
type Step struct {
	Invoke   string         `yaml:"invoke"`
	Server   string         `yaml:"server,omitempty"`
	Sender   string         `yaml:"sender,omitempty"`
	Preset   string         `yaml:"preset,omitempty"`
	Type     string         `yaml:"type,omitempty"`
	StateKey *string        `yaml:"state_key,omitempty"`
	Content  map[string]any `yaml:"content,omitempty"`
	From     string         `yaml:"from,omitempty"`
	To       string         `yaml:"to,omitempty"`
	Event    string         `yaml:"event,omitempty"`
	Servers  []string       `yaml:"servers,omitempty"`
	Forks    []string       `yaml:"forks,omitempty"`
	Limit    int            `yaml:"limit,omitempty"`

	// As names the event the step produced so later steps and assertions
	// can refer to it.
	As string `yaml:"as,omitempty"`

	// Expect is the expected outcome: "accepted" (default) or a lowercased
	// ingestion error code such as "auth_rejected".
	Expect string `yaml:"expect,omitempty"`
}

// Step kinds.
const (
	InvokeCreateRoom = "create_room"
	InvokeSend       = "send"
	InvokeImport     = "import"
	InvokeDeliver    = "deliver"
	InvokeBackfill   = "backfill"
	InvokePartition  = "partition"
	InvokeHeal       = "heal"
	InvokeResolve    = "resolve"
)

// Assertion validates the servers after the last step.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Server the assertion inspects.
	Server string `yaml:"server,omitempty"`

	// Servers compared by converged.
	Servers []string `yaml:"servers,omitempty"`

	// EventType and StateKey select a state slot (state).
	EventType string `yaml:"event_type,omitempty"`
	StateKey  string `yaml:"state_key,omitempty"`

	// Event is a named event (state, rejected, soft_failed).
	Event string `yaml:"event,omitempty"`

	// Events are named events (timeline_order, extremities).
	Events []string `yaml:"events,omitempty"`

	// Count of timeline events (timeline_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertState         = "state"          // slot is held by Event
	AssertRejected      = "rejected"       // Event stored with a rejection reason
	AssertSoftFailed    = "soft_failed"    // Event stored soft-failed
	AssertTimelineOrder = "timeline_order" // Events appear in this sn order
	AssertTimelineCount = "timeline_count" // exactly Count timeline events
	AssertExtremities   = "extremities"    // extremities are exactly Events
	AssertConverged     = "converged"      // Servers share one current state
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and that every
// server and event reference resolves.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Servers) == 0 {
		return fmt.Errorf("servers list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	known := func(server string) bool { return slices.Contains(s.Servers, server) }
	named := make(map[string]bool)
	event := func(name string) bool { return named[name] }

	for i, step := range s.Steps {
		if err := validateStep(i, step, known, event); err != nil {
			return err
		}
		if step.As != "" {
			if named[step.As] {
				return fmt.Errorf("steps[%d]: name %q already used", i, step.As)
			}
			named[step.As] = true
		}
	}
	if s.Steps[0].Invoke != InvokeCreateRoom {
		return fmt.Errorf("steps[0]: the first step must be %s", InvokeCreateRoom)
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, known, event); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step, server, event func(string) bool) error {
	need := func(ok bool, what string) error {
		if !ok {
			return fmt.Errorf("steps[%d]: %s is required for %s", i, what, step.Invoke)
		}
		return nil
	}
	checkServer := func(name, field string) error {
		if !server(name) {
			return fmt.Errorf("steps[%d]: %s %q is not a scenario server", i, field, name)
		}
		return nil
	}
	checkEvent := func(name string) error {
		if !event(name) {
			return fmt.Errorf("steps[%d]: event %q is not named by an earlier step", i, name)
		}
		return nil
	}

	switch step.Invoke {
	case InvokeCreateRoom:
		if err := need(step.Sender != "", "sender"); err != nil {
			return err
		}
		return checkServer(step.Server, "server")
	case InvokeSend:
		if err := need(step.Sender != "", "sender"); err != nil {
			return err
		}
		if err := need(step.Type != "", "type"); err != nil {
			return err
		}
		return checkServer(step.Server, "server")
	case InvokeImport:
		if err := checkServer(step.Server, "server"); err != nil {
			return err
		}
		if err := checkServer(step.From, "from"); err != nil {
			return err
		}
		if step.Event != "" {
			return checkEvent(step.Event)
		}
	case InvokeDeliver:
		if err := checkServer(step.From, "from"); err != nil {
			return err
		}
		if err := checkServer(step.To, "to"); err != nil {
			return err
		}
		return checkEvent(step.Event)
	case InvokeBackfill:
		if err := checkServer(step.Server, "server"); err != nil {
			return err
		}
		return checkServer(step.From, "from")
	case InvokePartition, InvokeHeal:
		if len(step.Servers) != 2 {
			return fmt.Errorf("steps[%d]: %s takes exactly two servers", i, step.Invoke)
		}
		for _, s := range step.Servers {
			if err := checkServer(s, "servers"); err != nil {
				return err
			}
		}
	case InvokeResolve:
		if err := checkServer(step.Server, "server"); err != nil {
			return err
		}
		if err := need(len(step.Forks) > 0, "forks"); err != nil {
			return err
		}
		for _, f := range step.Forks {
			if err := checkEvent(f); err != nil {
				return err
			}
		}
	case "":
		return fmt.Errorf("steps[%d]: invoke is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown invoke %q", i, step.Invoke)
	}
	return nil
}

func validateAssertion(i int, a Assertion, server, event func(string) bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", i)
	}
	if a.Type != AssertConverged && !server(a.Server) {
		return fmt.Errorf("assertions[%d]: server %q is not a scenario server", i, a.Server)
	}
	checkEvents := func(names ...string) error {
		for _, n := range names {
			if !event(n) {
				return fmt.Errorf("assertions[%d]: event %q is not named by a step", i, n)
			}
		}
		return nil
	}

	switch a.Type {
	case AssertState:
		if a.EventType == "" {
			return fmt.Errorf("assertions[%d]: event_type is required for state", i)
		}
		return checkEvents(a.Event)
	case AssertRejected, AssertSoftFailed:
		return checkEvents(a.Event)
	case AssertTimelineOrder, AssertExtremities:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for %s", i, a.Type)
		}
		return checkEvents(a.Events...)
	case AssertTimelineCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for timeline_count", i)
		}
	case AssertConverged:
		if len(a.Servers) < 2 {
			return fmt.Errorf("assertions[%d]: converged needs at least two servers", i)
		}
		for _, s := range a.Servers {
			if !server(s) {
				return fmt.Errorf("assertions[%d]: server %q is not a scenario server", i, s)
			}
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}
