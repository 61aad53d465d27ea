// Package harness runs scripted multi-server scenarios against real engines.
//
// Every server in a scenario gets its own in-memory store and engine; the
// engines talk over an in-process federation network that steps can cut
// and restore. Each commit on each server and each step outcome is
// recorded in a trace that is compared against a golden file.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: missing_events
//	description: "A server pulls the gap before a delivered event"
//	servers: [a.example, b.example]
//	steps:
//	  - invoke: create_room
//	    server: a.example
//	    sender: "@alice:a.example"
//	    preset: public_chat
//	  - invoke: send
//	    server: a.example
//	    sender: "@alice:a.example"
//	    type: m.room.message
//	    content: { msgtype: m.text, body: hi }
//	    as: hi
//	  - invoke: deliver
//	    from: a.example
//	    to: b.example
//	    event: hi
//	    expect: unknown_room
//	assertions:
//	  - type: timeline_count
//	    server: b.example
//	    count: 0
//
// A step's expect is "accepted" by default, or the lowercased ingestion
// error code the step must fail with.
//
// # Assertion Types
//
//   - state: a state slot is held by a named event
//   - rejected, soft_failed: the stored status of a named event
//   - timeline_order: named events appear in this order on the timeline
//   - timeline_count: the number of timeline events
//   - extremities: the forward extremities, in any order
//   - converged: servers share one current state
//
// # Deterministic Testing
//
// Signing keys derive from a fixed seed, clocks are logical and ids come
// from fixed generators, so event ids and traces are identical across
// runs. Traces name events by the name a step gave them, or by type and
// state key.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/convergence.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, e := range result.Errors {
//	        fmt.Println(e)
//	    }
//	}
package harness
