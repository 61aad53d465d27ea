package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fedroom/internal/ir"
	"github.com/roach88/fedroom/internal/stateres"
)

// StateEntry is one slot of room state.
type StateEntry struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
	EventID  string `json:"event_id"`
}

// StateListing is a room state in slot order.
type StateListing struct {
	RoomID string       `json:"room_id"`
	State  []StateEntry `json:"state"`
}

func (s StateListing) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "State of %s (%d entries)", s.RoomID, len(s.State))
	for _, e := range s.State {
		fmt.Fprintf(&b, "\n  %-28s %-24q %s", e.Type, e.StateKey, e.EventID)
	}
	return b.String()
}

func listing(roomID string, state map[ir.StateField]string) StateListing {
	fields := stateres.StateMap(state).Fields()
	out := StateListing{RoomID: roomID, State: make([]StateEntry, 0, len(fields))}
	for _, f := range fields {
		out.State = append(out.State, StateEntry{Type: f.Type, StateKey: f.StateKey, EventID: state[f]})
	}
	return out
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state <room-id>",
		Short: "Print a room's current state",
		Example: `  fedroom state '!r:a.example'
  fedroom state '!r:a.example' --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			n, err := openNode(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer n.Close()

			if _, err := n.store.Room(ctx, args[0]); err != nil {
				return reportError(cmd, rootOpts, ExitCommandError, "unknown room "+args[0], err)
			}
			state, _, err := n.store.CurrentState(ctx, args[0])
			if err != nil {
				return reportError(cmd, rootOpts, ExitFailure, "failed to load state", err)
			}
			return formatter(cmd, rootOpts).Success(listing(args[0], state))
		},
	}
}

// Extremities lists a room's forward extremities.
type Extremities struct {
	RoomID      string   `json:"room_id"`
	Extremities []string `json:"extremities"`
}

func (e Extremities) String() string {
	return strings.Join(e.Extremities, "\n")
}

// NewExtremitiesCommand creates the extremities command.
func NewExtremitiesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "extremities <room-id>",
		Short:         "Print a room's forward extremities",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			n, err := openNode(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer n.Close()

			ext, err := n.store.Extremities(ctx, args[0])
			if err != nil {
				return reportError(cmd, rootOpts, ExitFailure, "failed to load extremities", err)
			}
			if ext == nil {
				ext = []string{}
			}
			return formatter(cmd, rootOpts).Success(Extremities{RoomID: args[0], Extremities: ext})
		},
	}
}

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	After int64
	Limit int
}

// TimelineEntry is one committed event.
type TimelineEntry struct {
	SN       int64   `json:"sn"`
	Depth    int64   `json:"depth"`
	EventID  string  `json:"event_id"`
	Type     string  `json:"type"`
	StateKey *string `json:"state_key,omitempty"`
	Sender   string  `json:"sender"`
}

// Timeline is a page of a room's timeline.
type Timeline struct {
	RoomID string          `json:"room_id"`
	Events []TimelineEntry `json:"events"`
}

func (t Timeline) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Timeline of %s (%d events)", t.RoomID, len(t.Events))
	for _, e := range t.Events {
		typ := e.Type
		if e.StateKey != nil {
			typ += " " + *e.StateKey
		}
		fmt.Fprintf(&b, "\n  [%d] depth=%d %s %s by %s", e.SN, e.Depth, e.EventID, typ, e.Sender)
	}
	return b.String()
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events <room-id>",
		Short: "List a room's timeline in sequence order",
		Example: `  fedroom events '!r:a.example'
  fedroom events '!r:a.example' --after 10 --limit 20`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			n, err := openNode(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer n.Close()

			events, err := n.store.Timeline(ctx, args[0], opts.After, opts.Limit)
			if err != nil {
				return reportError(cmd, rootOpts, ExitFailure, "failed to load timeline", err)
			}
			out := Timeline{RoomID: args[0], Events: make([]TimelineEntry, 0, len(events))}
			for _, ev := range events {
				out.Events = append(out.Events, TimelineEntry{
					SN:       ev.SN,
					Depth:    ev.Depth,
					EventID:  ev.EventID,
					Type:     ev.Type,
					StateKey: ev.StateKey,
					Sender:   ev.Sender,
				})
			}
			return formatter(cmd, rootOpts).Success(out)
		},
	}

	cmd.Flags().Int64Var(&opts.After, "after", 0, "only events with a greater sequence number")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of events (0 = all)")

	return cmd
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <room-id> <event-id> <event-id>...",
		Short: "Resolve the states after two or more committed events",
		Long: `Resolve the room states immediately after each given timeline event
and print the merged state.

Example:
  fedroom resolve '!r:a.example' '$left' '$right'`,
		Args:          cobra.MinimumNArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			n, err := openNode(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer n.Close()

			roomID := args[0]
			forks := make([]stateres.StateMap, 0, len(args)-1)
			for _, eventID := range args[1:] {
				before, ok, err := n.store.StateBefore(ctx, eventID)
				if err != nil {
					return reportError(cmd, rootOpts, ExitFailure, "failed to load state", err)
				}
				if !ok {
					return NewExitError(ExitCommandError, fmt.Sprintf("%s is not a timeline event", eventID))
				}
				ev, err := n.store.Event(ctx, eventID)
				if err != nil {
					return reportError(cmd, rootOpts, ExitFailure, "failed to load event", err)
				}
				fork := stateres.StateMap(before).Clone()
				if ev.IsState() && ev.RejectionReason == "" && !ev.SoftFailed {
					fork[ev.Field()] = ev.EventID
				}
				forks = append(forks, fork)
			}

			resolved, err := n.engine.ResolveState(ctx, roomID, forks)
			if err != nil {
				return reportError(cmd, rootOpts, ExitFailure, "state resolution failed", err)
			}
			return formatter(cmd, rootOpts).Success(listing(roomID, resolved))
		},
	}
}
