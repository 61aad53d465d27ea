package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a config for a.example with its database in a temp
// directory and returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	src := fmt.Sprintf(`server: {
	name:         "a.example"
	signing_seed: "cli-test-seed"
}
store: path: %q
log: level: "error"
`, filepath.Join(dir, "a.db"))
	path := filepath.Join(dir, "fedroom.cue")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

// execute runs the CLI with args and returns what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// executeJSON runs the CLI in JSON mode and decodes the response data
// into data.
func executeJSON(t *testing.T, data any, args ...string) {
	t.Helper()
	out, err := execute(t, append([]string{"--format", "json"}, args...)...)
	require.NoError(t, err, out)

	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, data))
}

func TestCLI_RoomLifecycle(t *testing.T) {
	cfg := writeConfig(t)

	var room RoomCreated
	executeJSON(t, &room, "-c", cfg, "init", "--creator", "@alice:a.example")
	require.NotEmpty(t, room.RoomID)
	assert.Equal(t, "@alice:a.example", room.Creator)
	assert.Equal(t, "10", room.Version)

	var msg EventSent
	executeJSON(t, &msg, "-c", cfg, "send", room.RoomID,
		"--sender", "@alice:a.example", "--content", `{"msgtype":"m.text","body":"hello"}`)
	assert.NotEmpty(t, msg.EventID)

	var topic1, topic2 EventSent
	executeJSON(t, &topic1, "-c", cfg, "send", room.RoomID,
		"--sender", "@alice:a.example", "--type", "m.room.topic", "--state-key", "", "--content", `{"topic":"one"}`)
	executeJSON(t, &topic2, "-c", cfg, "send", room.RoomID,
		"--sender", "@alice:a.example", "--type", "m.room.topic", "--state-key", "", "--content", `{"topic":"two"}`)
	assert.Greater(t, topic2.SN, topic1.SN, "sequence numbers survive a restart")
	assert.Equal(t, topic1.Depth+1, topic2.Depth)

	var state StateListing
	executeJSON(t, &state, "-c", cfg, "state", room.RoomID)
	slots := make(map[string]string)
	for _, e := range state.State {
		slots[e.Type+"|"+e.StateKey] = e.EventID
	}
	assert.Equal(t, topic2.EventID, slots["m.room.topic|"])
	assert.Contains(t, slots, "m.room.create|")
	assert.Contains(t, slots, "m.room.member|@alice:a.example")

	var ext Extremities
	executeJSON(t, &ext, "-c", cfg, "extremities", room.RoomID)
	assert.Equal(t, []string{topic2.EventID}, ext.Extremities)

	var timeline Timeline
	executeJSON(t, &timeline, "-c", cfg, "events", room.RoomID)
	require.NotEmpty(t, timeline.Events)
	assert.Equal(t, "m.room.create", timeline.Events[0].Type)
	last := timeline.Events[len(timeline.Events)-1]
	assert.Equal(t, topic2.EventID, last.EventID)

	var page Timeline
	executeJSON(t, &page, "-c", cfg, "events", room.RoomID, "--after", fmt.Sprint(msg.SN), "--limit", "1")
	require.Len(t, page.Events, 1)
	assert.Equal(t, topic1.EventID, page.Events[0].EventID)

	var resolved StateListing
	executeJSON(t, &resolved, "-c", cfg, "resolve", room.RoomID, topic1.EventID, topic2.EventID)
	for _, e := range resolved.State {
		if e.Type == "m.room.topic" {
			assert.Equal(t, topic2.EventID, e.EventID)
		}
	}
}

func TestCLI_SendRejected(t *testing.T) {
	cfg := writeConfig(t)

	var room RoomCreated
	executeJSON(t, &room, "-c", cfg, "init", "--creator", "@alice:a.example")

	out, err := execute(t, "--format", "json", "-c", cfg, "send", room.RoomID, "--sender", "@mallory:a.example")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "AUTH_REJECTED", resp.Error.Code)
}

func TestCLI_InvalidContent(t *testing.T) {
	cfg := writeConfig(t)

	var room RoomCreated
	executeJSON(t, &room, "-c", cfg, "init")

	_, err := execute(t, "-c", cfg, "send", room.RoomID, "--sender", "@admin:a.example", "--content", "{not json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCLI_UnknownRoom(t *testing.T) {
	cfg := writeConfig(t)

	_, err := execute(t, "-c", cfg, "state", "!missing:a.example")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCLI_MissingConfig(t *testing.T) {
	_, err := execute(t, "-c", filepath.Join(t.TempDir(), "absent.cue"), "init")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestCLI_ScenarioGoldenRoundTrip(t *testing.T) {
	scenarios := filepath.Join("..", "harness", "testdata", "scenarios")
	golden := t.TempDir()

	out, err := execute(t, "scenario", scenarios, "--golden-dir", golden, "--update")
	require.NoError(t, err, out)

	entries, err := os.ReadDir(golden)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	var summary ScenarioSummary
	executeJSON(t, &summary, "scenario", scenarios, "--golden-dir", golden)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Passed)
	assert.Zero(t, summary.Failed)
}

func TestCLI_ScenarioFilter(t *testing.T) {
	scenarios := filepath.Join("..", "harness", "testdata", "scenarios")
	golden := t.TempDir()

	out, err := execute(t, "scenario", scenarios, "--golden-dir", golden, "--update", "--filter", "conv*")
	require.NoError(t, err, out)
	assert.FileExists(t, filepath.Join(golden, "convergence.golden"))
	assert.NoFileExists(t, filepath.Join(golden, "power_escalation.golden"))
}

func TestCLI_ScenarioGoldenMismatch(t *testing.T) {
	scenario := filepath.Join("..", "harness", "testdata", "scenarios", "convergence.yaml")
	golden := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(golden, "convergence.golden"), []byte("{}\n"), 0o644))

	out, err := execute(t, "scenario", scenario, "--golden-dir", golden)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "trace does not match golden file")
}

func TestCLI_ScenarioWithoutGolden(t *testing.T) {
	scenario := filepath.Join("..", "harness", "testdata", "scenarios", "convergence.yaml")

	out, err := execute(t, "scenario", scenario, "--golden-dir", t.TempDir())
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ convergence")
}
