package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyOnSubscribe(t *testing.T) {
	cases := []struct {
		name      string
		policy    Policy
		payload   []byte
		wantLabel string
		wantErr   bool
	}{
		{name: "exclusive ignores payload", policy: Exclusive, payload: []byte{0xff}},
		{name: "exclusive empty payload", policy: Exclusive},
		{name: "identity strips terminator", policy: Identity, payload: []byte("alice\x00"), wantLabel: "alice"},
		{name: "identity strips any last byte", policy: Identity, payload: []byte("bob!"), wantLabel: "bob"},
		{name: "identity terminator only", policy: Identity, payload: []byte{0}, wantLabel: ""},
		{name: "identity empty payload", policy: Identity, wantErr: true},
		{name: "identity invalid utf8", policy: Identity, payload: []byte{0xff, 0xfe, 0}, wantErr: true},
		{name: "shared strips terminator", policy: Broadcast, payload: []byte("carol\x00"), wantLabel: "carol"},
		{name: "shared empty payload", policy: Broadcast, wantErr: true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			label, err := c.policy.OnSubscribe(c.payload)
			if c.wantErr {
				assert.ErrorIs(t, err, ErrDecode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.wantLabel, label)
		})
	}
}

func TestPolicyEnv(t *testing.T) {
	assert.Equal(t, []string{"CUSER=alice", "CID=7"}, Identity.Env(7, "alice"))
	assert.Empty(t, Exclusive.Env(7, "alice"))
	assert.Empty(t, Broadcast.Env(7, "alice"))
}

func TestPolicyByName(t *testing.T) {
	for _, p := range []Policy{Exclusive, Broadcast, Identity} {
		got, err := PolicyByName(p.Name())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := PolicyByName("round-robin")
	assert.Error(t, err)

	assert.True(t, Broadcast.Shared())
	assert.False(t, Exclusive.Shared())
	assert.False(t, Identity.Shared())
}
