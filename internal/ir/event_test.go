package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRulesByVersion(t *testing.T) {
	v1 := MustRules("1")
	assert.True(t, v1.LegacyEventIDs)
	assert.True(t, v1.ExtraRedactionChecks)
	assert.True(t, v1.SpecialCaseAliases)
	assert.False(t, v1.AllowKnocking)

	v7 := MustRules("7")
	assert.True(t, v7.AllowKnocking)
	assert.False(t, v7.RestrictedJoinRule)
	assert.False(t, v7.SpecialCaseAliases)

	v10 := MustRules("10")
	assert.True(t, v10.KnockRestrictedJoinRule)
	assert.True(t, v10.IntegerPowerLevels)
	assert.False(t, v10.UseRoomCreateSender)

	v11 := MustRules("11")
	assert.True(t, v11.UseRoomCreateSender)

	_, ok := Rules("99")
	assert.False(t, ok)
	assert.Equal(t, "11", KnownRoomVersions()[len(KnownRoomVersions())-1])
}

func TestServerName(t *testing.T) {
	tests := []struct {
		id      string
		want    string
		wantErr bool
	}{
		{"@alice:a.example", "a.example", false},
		{"!room:b.example:8448", "b.example:8448", false},
		{"#alias:c.example", "c.example", false},
		{"@nodomain", "", true},
		{"alice:a.example", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := ServerName(tt.id)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
		assert.Equal(t, tt.want, ServerNameOf(tt.id))
	}
}

func TestEventIDDomain(t *testing.T) {
	assert.Equal(t, "a.example", EventIDDomain("$abc:a.example"))
	assert.Equal(t, "", EventIDDomain("$abcdef"))
	assert.Equal(t, "", EventIDDomain("abc:a.example"))
}

func TestValidUserID(t *testing.T) {
	assert.True(t, ValidUserID("@bob:b.example"))
	assert.False(t, ValidUserID("@:b.example"))
	assert.False(t, ValidUserID("@bob"))
	assert.False(t, ValidUserID("bob:b.example"))
}

func TestParseEventDefaults(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"room_id":"!r:a","sender":"@a:a","type":"m.room.message","depth":3}`))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(ev.Content))
	assert.NotNil(t, ev.PrevEvents)
	assert.NotNil(t, ev.AuthEvents)
	assert.False(t, ev.IsState())

	_, err = ParseEvent([]byte(`{"room_id":"!r:a"}`))
	require.Error(t, err)
}

func TestEventLocalMetadataNotSerialized(t *testing.T) {
	ev := &Event{
		RoomID: "!r:a", Sender: "@a:a", Type: TypeMessage,
		Content: json.RawMessage(`{}`), SN: 7, Outlier: true,
		SoftFailed: true, RejectionReason: "nope",
	}
	raw, err := ev.JSON()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "nope")
	assert.NotContains(t, string(raw), "soft")
}

func TestCloneIsDeep(t *testing.T) {
	ev := &Event{
		StateKey:   StringPtr(""),
		PrevEvents: []string{"$a"},
		Signatures: map[string]map[string]string{"a": {"ed25519:1": "sig"}},
		Content:    json.RawMessage(`{"x":1}`),
	}
	c := ev.Clone()
	*c.StateKey = "changed"
	c.PrevEvents[0] = "$b"
	c.Signatures["a"]["ed25519:1"] = "other"
	c.Content[2] = 'y'

	assert.Equal(t, "", *ev.StateKey)
	assert.Equal(t, "$a", ev.PrevEvents[0])
	assert.Equal(t, "sig", ev.Signatures["a"]["ed25519:1"])
	assert.Equal(t, `{"x":1}`, string(ev.Content))
}

func TestRedactionAndMembershipAccessors(t *testing.T) {
	member := &Event{Type: TypeMember, Content: json.RawMessage(`{"membership":"join"}`)}
	assert.Equal(t, MembershipJoin, member.Membership())

	top := &Event{Type: TypeRedaction, Redacts: "$x", Content: json.RawMessage(`{}`)}
	assert.Equal(t, "$x", top.RedactsID())

	inContent := &Event{Type: TypeRedaction, Content: json.RawMessage(`{"redacts":"$y"}`)}
	assert.Equal(t, "$y", inContent.RedactsID())
}

func TestStateFieldCompare(t *testing.T) {
	a := StateField{Type: "a", StateKey: "z"}
	b := StateField{Type: "b", StateKey: "a"}
	c := StateField{Type: "b", StateKey: "b"}
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, -1, b.Compare(c))
	assert.Equal(t, 1, c.Compare(a))
	assert.Equal(t, 0, c.Compare(c))
}
