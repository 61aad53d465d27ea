package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/fedroom/internal/engine"
	"github.com/roach88/fedroom/internal/ir"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Creator     string
	RoomVersion string
	Preset      string
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the database and a room",
		Long: `Create the configured database if needed and a new room on it.

The creator must be a user of the configured server. Without --creator the
room is owned by @admin on the configured server.

Examples:
  fedroom init --config ./fedroom.cue
  fedroom init --creator @alice:a.example --preset private_chat --room-version 11`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Creator, "creator", "", "room creator user id")
	cmd.Flags().StringVar(&opts.RoomVersion, "room-version", ir.DefaultRoomVersion, "room version")
	cmd.Flags().StringVar(&opts.Preset, "preset", engine.PresetPublic, "join preset (public_chat|private_chat)")

	return cmd
}

// RoomCreated is the output of init.
type RoomCreated struct {
	RoomID  string `json:"room_id"`
	Version string `json:"room_version"`
	Creator string `json:"creator"`
}

func (r RoomCreated) String() string {
	return fmt.Sprintf("Created room %s (version %s) owned by %s", r.RoomID, r.Version, r.Creator)
}

func runInit(opts *InitOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	n, err := openNode(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer n.Close()

	creator := opts.Creator
	if creator == "" {
		creator = "@admin:" + n.cfg.Server.Name
	}
	roomID, err := n.engine.CreateRoom(ctx, creator, opts.RoomVersion, opts.Preset)
	if err != nil {
		return reportError(cmd, opts.RootOptions, ExitFailure, "failed to create room", err)
	}
	return formatter(cmd, opts.RootOptions).Success(RoomCreated{
		RoomID:  roomID,
		Version: opts.RoomVersion,
		Creator: creator,
	})
}

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Sender   string
	Type     string
	StateKey string
	Content  string
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <room-id>",
		Short: "Author an event into a room",
		Long: `Author, sign and commit an event from a local user.

Passing --state-key (even empty) makes the event a state event.

Examples:
  fedroom send '!r:a.example' --sender @alice:a.example --content '{"msgtype":"m.text","body":"hi"}'
  fedroom send '!r:a.example' --sender @alice:a.example --type m.room.topic --state-key '' --content '{"topic":"news"}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var stateKey *string
			if cmd.Flags().Changed("state-key") {
				stateKey = &opts.StateKey
			}
			return runSend(opts, args[0], stateKey, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Sender, "sender", "", "sender user id (required)")
	cmd.Flags().StringVar(&opts.Type, "type", ir.TypeMessage, "event type")
	cmd.Flags().StringVar(&opts.StateKey, "state-key", "", "state key; makes the event a state event")
	cmd.Flags().StringVar(&opts.Content, "content", "{}", "event content as JSON")
	_ = cmd.MarkFlagRequired("sender")

	return cmd
}

// EventSent is the output of send.
type EventSent struct {
	EventID string `json:"event_id"`
	Depth   int64  `json:"depth"`
	SN      int64  `json:"sn"`
}

func (e EventSent) String() string {
	return fmt.Sprintf("%s (depth %d, sn %d)", e.EventID, e.Depth, e.SN)
}

func runSend(opts *SendOptions, roomID string, stateKey *string, cmd *cobra.Command) error {
	if !json.Valid([]byte(opts.Content)) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid --content JSON: %s", opts.Content))
	}

	ctx := commandContext(cmd)
	n, err := openNode(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer n.Close()

	ev, err := n.engine.AuthorAndCommit(ctx, opts.Type, json.RawMessage(opts.Content), stateKey, opts.Sender, roomID)
	if err != nil {
		return reportError(cmd, opts.RootOptions, ExitFailure, "failed to send event", err)
	}
	return formatter(cmd, opts.RootOptions).Success(EventSent{EventID: ev.EventID, Depth: ev.Depth, SN: ev.SN})
}
