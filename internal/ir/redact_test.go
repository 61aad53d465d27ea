package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactKeepsMembership(t *testing.T) {
	ev := &Event{
		EventID:  "$m",
		Type:     TypeMember,
		StateKey: StringPtr("@bob:b"),
		Content:  json.RawMessage(`{"membership":"join","displayname":"Bob","join_authorised_via_users_server":"@a:a"}`),
		Unsigned: json.RawMessage(`{"age":1}`),
	}

	v8, err := Redact(MustRules("8"), ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"membership":"join"}`, string(v8.Content))
	assert.Nil(t, v8.Unsigned)

	v9, err := Redact(MustRules("9"), ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"membership":"join","join_authorised_via_users_server":"@a:a"}`, string(v9.Content))
}

func TestRedactPowerLevels(t *testing.T) {
	ev := &Event{
		Type:     TypePowerLevels,
		StateKey: StringPtr(""),
		Content:  json.RawMessage(`{"users":{"@a:a":100},"invite":50,"notifications":{"room":50}}`),
	}

	v10, err := Redact(MustRules("10"), ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"users":{"@a:a":100}}`, string(v10.Content))

	v11, err := Redact(MustRules("11"), ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"users":{"@a:a":100},"invite":50}`, string(v11.Content))
}

func TestRedactCreate(t *testing.T) {
	ev := &Event{
		Type:     TypeCreate,
		StateKey: StringPtr(""),
		Content:  json.RawMessage(`{"creator":"@a:a","room_version":"10","m.federate":false}`),
	}

	v10, err := Redact(MustRules("10"), ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"creator":"@a:a"}`, string(v10.Content))

	v11, err := Redact(MustRules("11"), ev)
	require.NoError(t, err)
	assert.JSONEq(t, string(ev.Content), string(v11.Content))
}

func TestRedactMessageDropsEverything(t *testing.T) {
	ev := &Event{Type: TypeMessage, Content: json.RawMessage(`{"body":"hi"}`)}
	out, err := Redact(MustRules("10"), ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out.Content))
	// Original untouched.
	assert.JSONEq(t, `{"body":"hi"}`, string(ev.Content))
}
