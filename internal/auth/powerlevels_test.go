package auth

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fedroom/internal/ir"
)

func TestParsePowerLevelsDefaults(t *testing.T) {
	pl, err := ParsePowerLevels(ir.MustRules("10"), json.RawMessage(`{"users":{"@alice:a.example":100}}`))
	require.NoError(t, err)

	assert.Equal(t, int64(100), pl.UserLevel(alice))
	assert.Equal(t, int64(0), pl.UserLevel(bob))
	assert.Equal(t, int64(50), pl.Scalar("ban"))
	assert.Equal(t, int64(50), pl.Scalar("kick"))
	assert.Equal(t, int64(50), pl.Scalar("redact"))
	assert.Equal(t, int64(0), pl.Scalar("invite"))
	assert.Equal(t, int64(50), pl.SendLevel(ir.TypeTopic, true))
	assert.Equal(t, int64(0), pl.SendLevel(ir.TypeMessage, false))
}

func TestParsePowerLevelsStringIntegers(t *testing.T) {
	content := json.RawMessage(`{"ban":"75","users":{"@alice:a.example":" 100 "}}`)

	pl, err := ParsePowerLevels(ir.MustRules("9"), content)
	require.NoError(t, err)
	assert.Equal(t, int64(75), pl.Scalar("ban"))
	assert.Equal(t, int64(100), pl.UserLevel(alice))

	_, err = ParsePowerLevels(ir.MustRules("10"), content)
	assert.Error(t, err)
}

func TestParsePowerLevelsRejectsGarbage(t *testing.T) {
	rules := ir.MustRules("10")
	for _, content := range []string{
		`{"ban":1.5}`,
		`{"users":{"not-a-user":10}}`,
		`{"events":[]}`,
		`{"kick":true}`,
	} {
		_, err := ParsePowerLevels(rules, json.RawMessage(content))
		assert.Error(t, err, content)
	}
}

func TestPowerEscalationGuard(t *testing.T) {
	base := map[string]int64{alice: 100, bob: 50, dave: 50, carol: 10}

	tests := []struct {
		name    string
		sender  string
		users   map[string]int64
		extra   map[string]any
		wantErr bool
	}{
		{name: "no change", sender: bob, users: base},
		{name: "raise self above own level", sender: bob, users: with(base, bob, 51), wantErr: true},
		{name: "lower own level", sender: bob, users: with(base, bob, 20)},
		{name: "promote other up to own level", sender: bob, users: with(base, carol, 50)},
		{name: "promote other above own level", sender: bob, users: with(base, carol, 60), wantErr: true},
		{name: "demote higher user", sender: bob, users: with(base, alice, 0), wantErr: true},
		{name: "demote peer at own level", sender: bob, users: with(base, dave, 0), wantErr: true},
		{name: "remove peer at own level", sender: bob, users: without(base, dave), wantErr: true},
		{name: "demote lower user", sender: bob, users: with(base, carol, 0)},
		{name: "admin demotes anyone", sender: alice, users: with(base, dave, 0)},
		{name: "raise scalar within power", sender: bob, users: base, extra: map[string]any{"invite": 50}},
		{name: "raise scalar above power", sender: bob, users: base, extra: map[string]any{"kick": 60}, wantErr: true},
		{name: "add state_default at default", sender: bob, users: base, extra: map[string]any{"state_default": 50}},
		{
			name: "add event override above power", sender: bob, users: base,
			extra: map[string]any{"events": map[string]int64{ir.TypeName: 75}}, wantErr: true,
		},
		{
			name: "notifications guarded", sender: bob, users: base,
			extra: map[string]any{"notifications": map[string]int64{"room": 90}}, wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := standardRoom(t, "10")
			f.member(dave, dave, ir.MembershipJoin)
			f.member(carol, carol, ir.MembershipJoin)
			f.powerLevels(alice, base, nil)

			ev := f.powerLevelsEvent(tt.sender, tt.users, tt.extra)
			err := f.check(ev)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsAuthError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPowerEscalationScalarRemoval(t *testing.T) {
	f := standardRoom(t, "10")
	f.powerLevels(alice, map[string]int64{alice: 100, bob: 50}, map[string]any{"ban": 80})

	// Removing ban falls back to the default of 50, but the current 80 is
	// above bob's power.
	err := f.check(f.powerLevelsEvent(bob, map[string]int64{alice: 100, bob: 50}, nil))
	assert.ErrorContains(t, err, "cannot change ban")
}

func TestNotificationsUnguardedBeforeV6(t *testing.T) {
	f := standardRoom(t, "5")
	f.powerLevels(alice, map[string]int64{alice: 100, bob: 50}, nil)

	ev := f.powerLevelsEvent(bob, map[string]int64{alice: 100, bob: 50}, map[string]any{
		"notifications": map[string]int64{"room": 90},
	})
	assert.NoError(t, f.check(ev))
}

func TestPowerLevelsStateKeyMustBeEmpty(t *testing.T) {
	f := standardRoom(t, "10")
	ev := f.powerLevelsEvent(alice, map[string]int64{alice: 100}, nil)
	ev.StateKey = ir.StringPtr("x")
	assert.ErrorContains(t, f.check(ev), "empty state key")
}

func with(m map[string]int64, k string, v int64) map[string]int64 {
	out := make(map[string]int64, len(m)+1)
	for kk, vv := range m {
		out[kk] = vv
	}
	out[k] = v
	return out
}

func without(m map[string]int64, k string) map[string]int64 {
	out := make(map[string]int64, len(m))
	for kk, vv := range m {
		if kk != k {
			out[kk] = vv
		}
	}
	return out
}
