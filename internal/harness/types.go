package harness

// Trace event kinds.
const (
	KindStep   = "step"   // a scenario step finished
	KindCommit = "commit" // a server appended an event to its timeline
)

// TraceEvent is one line of a scenario trace.
//
// Event ids are content hashes and therefore noisy in golden files, so
// events are shown by label: the name a step gave them, or their type and
// state key.
type TraceEvent struct {
	Kind    string `json:"kind"`
	Server  string `json:"server"`
	Step    *int   `json:"step,omitempty"`
	Invoke  string `json:"invoke,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Event   string `json:"event,omitempty"`
	Sender  string `json:"sender,omitempty"`
	Depth   int64  `json:"depth,omitempty"`

	// Resolved holds, for a resolve step, the winner of every slot the
	// forks disagreed on, keyed by slot label.
	Resolved map[string]string `json:"resolved,omitempty"`

	eventID string
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every step had its expected outcome
	// and every assertion held.
	Pass bool `json:"pass"`

	// Trace contains step results and commits in execution order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addCommit records a commit on server.
func (r *Result) addCommit(server, eventID, sender string, depth int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Kind:    KindCommit,
		Server:  server,
		Sender:  sender,
		Depth:   depth,
		eventID: eventID,
	})
}

// addStep records a finished step.
func (r *Result) addStep(index int, step Step, server, outcome, eventID string, resolved map[string]string) {
	r.Trace = append(r.Trace, TraceEvent{
		Kind:     KindStep,
		Server:   server,
		Step:     &index,
		Invoke:   step.Invoke,
		Outcome:  outcome,
		Resolved: resolved,
		eventID:  eventID,
	})
}
