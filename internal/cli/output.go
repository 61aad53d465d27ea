package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fedroom/internal/engine"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failure (event rejected, scenarios failed, etc.)
	ExitCommandError = 2 // Command error (bad config, unknown room, etc.)
)

// ExitError is an error carrying the process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as text or as a JSON CLIResponse.
type OutputFormatter struct {
	Format  string
	Writer  io.Writer
	Verbose bool
}

// CLIResponse is the JSON document every command prints in json mode.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError describes a failed command.
type CLIError struct {
	Code    string `json:"code"` // ingestion error code or "E_COMMAND"
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// EventFailure is the detail attached to errors raised by the engine.
type EventFailure struct {
	RoomID    string `json:"room_id,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	Retryable bool   `json:"retryable"`
}

func (f EventFailure) String() string {
	s := "room=" + f.RoomID
	if f.EventID != "" {
		s += " event=" + f.EventID
	}
	if f.Retryable {
		s += " (retryable)"
	}
	return s
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error outputs an error in the configured format. Text mode prints
// details only when verbose.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

func formatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:  opts.Format,
		Writer:  cmd.OutOrStdout(),
		Verbose: opts.Verbose,
	}
}

// errorCode is the CLIError code for err: its ingestion error code when it
// has one.
func errorCode(err error) string {
	if code := engine.CodeOf(err); code != "" {
		return string(code)
	}
	return "E_COMMAND"
}

// failure extracts the room and event an engine error is about.
func failure(err error) *EventFailure {
	var ie *engine.IngestError
	if !errors.As(err, &ie) {
		return nil
	}
	return &EventFailure{RoomID: ie.RoomID, EventID: ie.EventID, Retryable: engine.IsTransient(err)}
}

// reportError prints err in JSON mode, where the caller expects a
// response document, and wraps it with an exit code.
func reportError(cmd *cobra.Command, opts *RootOptions, code int, message string, err error) error {
	if opts.Format == "json" {
		var details any
		if f := failure(err); f != nil {
			details = f
		}
		_ = formatter(cmd, opts).Error(errorCode(err), fmt.Sprintf("%s: %v", message, err), details)
	}
	return WrapExitError(code, message, err)
}

// commandContext returns the command's context, or a background one when
// the command runs without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
