package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/fedroom/internal/crypto"
	"github.com/roach88/fedroom/internal/engine"
	"github.com/roach88/fedroom/internal/federation"
	"github.com/roach88/fedroom/internal/ir"
	"github.com/roach88/fedroom/internal/stateres"
	"github.com/roach88/fedroom/internal/store"
	"github.com/roach88/fedroom/internal/testutil"
)

// DefaultRoomVersion is used when a scenario names none.
const DefaultRoomVersion = "10"

// scenarioSeed derives every server's signing key. Keys only need to be
// stable across runs.
var scenarioSeed = []byte("fedroom-scenario-seed")

// node is one server of a scenario. Pushed events reach its engine
// through the inbox drained by the engine's Run loop.
type node struct {
	name   string
	store  *store.Store
	engine *engine.Engine
	done   chan error
}

// Harness executes one scenario.
type Harness struct {
	scenario *Scenario
	network  *federation.Network
	nodes    map[string]*node
	logger   *slog.Logger

	roomID  string
	version string

	// names maps event ids to the names steps gave them.
	names map[string]string
	// ids maps names back to event ids.
	ids map[string]string
	// seen holds every committed event, for labelling.
	seen map[string]*ir.Event

	mu     sync.Mutex
	result *Result
}

// Run executes a scenario and returns the result.
//
// Each server gets a fresh in-memory database, a key derived from a fixed
// seed, a deterministic clock and deterministic ids, so traces are
// reproducible. Steps whose outcome differs from their expectation and
// failed assertions are reported in Result.Errors; an error is returned
// only when the scenario could not be executed at all.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger is Run with step logging sent to logger.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	version := scenario.RoomVersion
	if version == "" {
		version = DefaultRoomVersion
	}
	h := &Harness{
		scenario: scenario,
		network:  federation.NewNetwork(),
		nodes:    make(map[string]*node),
		logger:   logger,
		version:  version,
		names:    make(map[string]string),
		ids:      make(map[string]string),
		seen:     make(map[string]*ir.Event),
		result:   NewResult(),
	}
	defer h.close()

	ctx := context.Background()
	ring := crypto.NewKeyRing()
	for _, name := range scenario.Servers {
		if err := h.start(ctx, name, ring); err != nil {
			return nil, fmt.Errorf("start %s: %w", name, err)
		}
	}

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Invoke, err)
		}
	}

	h.label()

	actx := &AssertionContext{Ctx: ctx, RoomID: h.roomID, harness: h}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) start(ctx context.Context, name string, ring *crypto.KeyRing) error {
	st, err := store.Open(":memory:")
	if err != nil {
		return fmt.Errorf("failed to create in-memory store: %w", err)
	}
	signer, err := crypto.NewDerivedSigner(scenarioSeed, name)
	if err != nil {
		st.Close()
		return err
	}
	clock := testutil.NewDeterministicClockAt(1_700_000_000_000, 1000)
	eng, err := engine.New(ctx, st, crypto.NewService(signer, ring),
		engine.WithTransport(federation.NewClient(h.network, name, 0, 0)),
		engine.WithBackoff(engine.NewMemoryBackoff(engine.DefaultBackoffBase)),
		engine.WithIDGenerator(engine.NewFixedGenerator(name)),
		engine.WithClock(clock.Now),
		engine.WithCommitHook(func(_ context.Context, ev *ir.Event) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.seen[ev.EventID] = ev
			h.result.addCommit(name, ev.EventID, ev.Sender, ev.Depth)
		}),
	)
	if err != nil {
		st.Close()
		return err
	}
	h.network.Register(name, eng.Responder())
	n := &node{name: name, store: st, engine: eng, done: make(chan error, 1)}
	go func() { n.done <- eng.Run(ctx) }()
	h.nodes[name] = n
	return nil
}

func (h *Harness) close() {
	for _, n := range h.nodes {
		n.engine.Stop()
		if err := <-n.done; err != nil {
			h.logger.Warn("inbox stopped with error", "server", n.name, "error", err)
		}
		n.store.Close()
	}
}

// push hands raw to the inbox of server to and waits for the outcome.
func (h *Harness) push(to, from, eventID string, raw json.RawMessage) error {
	result := make(chan error, 1)
	pdu := engine.PDU{Origin: from, RoomID: h.roomID, EventID: eventID, Raw: raw, Timeline: true, Result: result}
	if !h.nodes[to].engine.Enqueue(pdu) {
		return fmt.Errorf("%s stopped accepting events", to)
	}
	return <-result
}

// execute runs one step and checks its outcome. Only failures of the
// harness itself are returned.
func (h *Harness) execute(ctx context.Context, i int, step Step) error {
	var (
		server   = step.Server
		eventID  string
		resolved map[string]string
		err      error
	)

	switch step.Invoke {
	case InvokeCreateRoom:
		h.roomID, err = h.nodes[server].engine.CreateRoom(ctx, step.Sender, h.version, step.Preset)

	case InvokeSend:
		eventID, err = h.send(ctx, step)

	case InvokeImport:
		eventID = h.ids[step.Event]
		if eventID == "" {
			ext, xerr := h.nodes[step.From].store.Extremities(ctx, h.roomID)
			if xerr != nil {
				return xerr
			}
			if len(ext) == 0 {
				return fmt.Errorf("%s has no extremities", step.From)
			}
			eventID = ext[len(ext)-1]
		}
		err = h.nodes[server].engine.ImportRoom(ctx, step.From, h.roomID, h.version, eventID)

	case InvokeDeliver:
		server = step.To
		eventID = h.ids[step.Event]
		ev, lerr := h.nodes[step.From].store.Event(ctx, eventID)
		if lerr != nil {
			return fmt.Errorf("load %s from %s: %w", step.Event, step.From, lerr)
		}
		raw, jerr := ev.JSON()
		if jerr != nil {
			return jerr
		}
		err = h.push(step.To, step.From, eventID, raw)

	case InvokeBackfill:
		_, err = h.nodes[server].engine.Backfill(ctx, step.From, h.roomID, step.Limit)

	case InvokePartition:
		server = step.Servers[0]
		h.network.Partition(step.Servers[0], step.Servers[1])

	case InvokeHeal:
		server = step.Servers[0]
		h.network.Heal(step.Servers[0], step.Servers[1])

	case InvokeResolve:
		resolved, err = h.resolve(ctx, step)
		if err != nil && engine.CodeOf(err) == "" {
			return err
		}
	}

	outcome := engine.Outcome(err)
	if step.As != "" && eventID != "" {
		h.names[eventID] = step.As
		h.ids[step.As] = eventID
	}

	h.mu.Lock()
	h.result.addStep(i, step, server, outcome, eventID, resolved)
	h.mu.Unlock()

	expected := step.Expect
	if expected == "" {
		expected = "accepted"
	}
	if outcome != expected {
		msg := fmt.Sprintf("step %d (%s on %s): expected %s, got %s", i, step.Invoke, server, expected, outcome)
		if err != nil {
			msg += ": " + err.Error()
		}
		h.result.AddError(msg)
	}
	h.logger.Info("step completed", "step", i, "invoke", step.Invoke, "server", server, "outcome", outcome)
	return nil
}

// send authors an event. The id of a rejected event is not known, so only
// accepted sends produce one.
func (h *Harness) send(ctx context.Context, step Step) (string, error) {
	content, err := ir.MarshalCanonical(step.Content)
	if step.Content == nil {
		content, err = []byte(`{}`), nil
	}
	if err != nil {
		return "", fmt.Errorf("steps content: %w", err)
	}
	ev, err := h.nodes[step.Server].engine.AuthorAndCommit(ctx, step.Type, content, step.StateKey, step.Sender, h.roomID)
	if err != nil {
		return "", err
	}
	return ev.EventID, nil
}

// resolve resolves the states after each fork event on step.Server and
// reports the winner of every slot the forks disagree on.
func (h *Harness) resolve(ctx context.Context, step Step) (map[string]string, error) {
	n := h.nodes[step.Server]
	forks := make([]stateres.StateMap, 0, len(step.Forks))
	for _, name := range step.Forks {
		fork, err := h.stateAfter(ctx, n, h.ids[name])
		if err != nil {
			return nil, fmt.Errorf("state after %s: %w", name, err)
		}
		forks = append(forks, fork)
	}

	state, err := n.engine.ResolveState(ctx, h.roomID, forks)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)
	for _, field := range disputed(forks) {
		// Winner ids are labelled once the run is over.
		out[fieldLabel(field)] = state[field]
	}
	return out, nil
}

// stateAfter returns the state after eventID as n sees it. An event that
// never reached n's timeline is placed on top of the state after its
// first parent.
func (h *Harness) stateAfter(ctx context.Context, n *node, eventID string) (stateres.StateMap, error) {
	ev, err := n.store.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	before, ok, err := n.store.StateBefore(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if len(ev.PrevEvents) == 0 {
			return nil, errors.New("event has no parents")
		}
		parent, perr := h.stateAfter(ctx, n, ev.PrevEvents[0])
		if perr != nil {
			return nil, perr
		}
		before = parent
	}
	state := stateres.StateMap(before).Clone()
	if ev.IsState() {
		state[ev.Field()] = ev.EventID
	}
	return state, nil
}

// disputed returns the slots whose holder differs between forks, sorted.
func disputed(forks []stateres.StateMap) []ir.StateField {
	fields := make(map[ir.StateField]bool)
	for _, fork := range forks {
		for field, id := range fork {
			for _, other := range forks {
				if other[field] != id {
					fields[field] = true
				}
			}
		}
	}
	return slices.SortedFunc(maps.Keys(fields), ir.StateField.Compare)
}

// label replaces the event ids recorded during the run with event labels.
func (h *Harness) label() {
	for i := range h.result.Trace {
		te := &h.result.Trace[i]
		if te.eventID != "" {
			te.Event = h.eventLabel(te.eventID)
		}
		for k, id := range te.Resolved {
			te.Resolved[k] = h.eventLabel(id)
		}
	}
}

// eventLabel names an event: the name a step gave it, or its type and
// state key.
func (h *Harness) eventLabel(eventID string) string {
	if name, ok := h.names[eventID]; ok {
		return name
	}
	if ev, ok := h.seen[eventID]; ok {
		if ev.StateKey == nil {
			return ev.Type
		}
		return fieldLabel(ev.Field())
	}
	for _, n := range h.nodes {
		if ev, err := n.store.Event(context.Background(), eventID); err == nil {
			if ev.StateKey == nil {
				return ev.Type
			}
			return fieldLabel(ev.Field())
		}
	}
	return eventID
}

func fieldLabel(f ir.StateField) string {
	if f.StateKey == "" {
		return f.Type
	}
	return f.Type + " " + f.StateKey
}
