package keyex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	a, err := GenerateIdentity()
	require.NoError(t, err)
	b, err := GenerateIdentity()
	require.NoError(t, err)

	roomKey, err := GenerateRoomKey()
	require.NoError(t, err)
	require.Len(t, []byte(roomKey), RoomKeySize)

	env, err := a.WrapRoomKey(roomKey, b.PublicKey())
	require.NoError(t, err)

	got, err := b.UnwrapRoomKey(env)
	require.NoError(t, err)
	assert.Equal(t, []byte(roomKey), []byte(got), "unwrapped key must match byte-for-byte")
}

func TestUnwrapRejectsCorruptEnvelope(t *testing.T) {
	a, err := GenerateIdentity()
	require.NoError(t, err)
	b, err := GenerateIdentity()
	require.NoError(t, err)

	roomKey, err := GenerateRoomKey()
	require.NoError(t, err)

	env, err := a.WrapRoomKey(roomKey, b.PublicKey())
	require.NoError(t, err)

	env.Key.Data[0] ^= 0xff
	_, err = b.UnwrapRoomKey(env)
	assert.ErrorIs(t, err, ErrBadEnvelope)
}

func TestUnwrapRejectsWrongRecipient(t *testing.T) {
	a, err := GenerateIdentity()
	require.NoError(t, err)
	b, err := GenerateIdentity()
	require.NoError(t, err)
	eve, err := GenerateIdentity()
	require.NoError(t, err)

	roomKey, err := GenerateRoomKey()
	require.NoError(t, err)

	env, err := a.WrapRoomKey(roomKey, b.PublicKey())
	require.NoError(t, err)

	_, err = eve.UnwrapRoomKey(env)
	assert.ErrorIs(t, err, ErrBadEnvelope)
}

func TestWrapRejectsBadPublicKey(t *testing.T) {
	a, err := GenerateIdentity()
	require.NoError(t, err)
	roomKey, err := GenerateRoomKey()
	require.NoError(t, err)

	_, err = a.WrapRoomKey(roomKey, []byte("not a point"))
	assert.ErrorIs(t, err, ErrBadPublicKey)
}

func TestSessionCreatorIsKeyedImmediately(t *testing.T) {
	s, err := NewSession("alice")
	require.NoError(t, err)
	assert.False(t, s.Keyed())

	require.NoError(t, s.StartAsCreator())
	assert.True(t, s.Keyed())
	assert.Len(t, []byte(s.RoomKey()), RoomKeySize)
}

func TestSessionKeyExchangeFlow(t *testing.T) {
	creator, err := NewSession("alice")
	require.NoError(t, err)
	require.NoError(t, creator.StartAsCreator())

	joiner, err := NewSession("bob")
	require.NoError(t, err)
	require.False(t, joiner.Keyed())

	// The unkeyed joiner has nothing to offer other members.
	env, err := joiner.HandlePublicKey(creator.PublicKey())
	require.NoError(t, err)
	assert.Nil(t, env)

	// The keyed creator answers the joiner's announced public key.
	env, err = creator.HandlePublicKey(joiner.PublicKey())
	require.NoError(t, err)
	require.NotNil(t, env)

	accepted, err := joiner.HandleEnvelope(env)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.True(t, joiner.Keyed())
	assert.Equal(t, []byte(creator.RoomKey()), []byte(joiner.RoomKey()))
}

func TestSessionIgnoresEnvelopesOnceKeyed(t *testing.T) {
	creator, err := NewSession("alice")
	require.NoError(t, err)
	require.NoError(t, creator.StartAsCreator())

	helper, err := NewSession("carol")
	require.NoError(t, err)

	joiner, err := NewSession("bob")
	require.NoError(t, err)

	env1, err := creator.HandlePublicKey(joiner.PublicKey())
	require.NoError(t, err)

	accepted, err := joiner.HandleEnvelope(env1)
	require.NoError(t, err)
	require.True(t, accepted)

	// Key the helper so it can produce a second, equally valid envelope.
	helperEnv, err := creator.HandlePublicKey(helper.PublicKey())
	require.NoError(t, err)
	_, err = helper.HandleEnvelope(helperEnv)
	require.NoError(t, err)

	env2, err := helper.HandlePublicKey(joiner.PublicKey())
	require.NoError(t, err)
	require.NotNil(t, env2)

	accepted, err = joiner.HandleEnvelope(env2)
	require.NoError(t, err)
	assert.False(t, accepted, "later envelopes are ignored")
	assert.Equal(t, []byte(creator.RoomKey()), []byte(joiner.RoomKey()))
}

func TestSessionBadEnvelopeLeavesUnkeyed(t *testing.T) {
	creator, err := NewSession("alice")
	require.NoError(t, err)
	require.NoError(t, creator.StartAsCreator())

	joiner, err := NewSession("bob")
	require.NoError(t, err)

	env, err := creator.HandlePublicKey(joiner.PublicKey())
	require.NoError(t, err)
	env.Key.Data[0] ^= 0xff

	accepted, err := joiner.HandleEnvelope(env)
	assert.ErrorIs(t, err, ErrBadEnvelope)
	assert.False(t, accepted)
	assert.False(t, joiner.Keyed(), "failed unwrap must leave the session unkeyed, not keyed with garbage")
}

func TestSessionMessageRoundTrip(t *testing.T) {
	creator, err := NewSession("alice")
	require.NoError(t, err)
	require.NoError(t, creator.StartAsCreator())

	joiner, err := NewSession("bob")
	require.NoError(t, err)

	_, err = joiner.SealMessage([]byte("hello"))
	assert.ErrorIs(t, err, ErrNotKeyed)

	env, err := creator.HandlePublicKey(joiner.PublicKey())
	require.NoError(t, err)
	_, err = joiner.HandleEnvelope(env)
	require.NoError(t, err)

	ct, err := joiner.SealMessage([]byte("hello room"))
	require.NoError(t, err)
	assert.NotEqual(t, []byte("hello room"), ct.Data)

	pt, err := creator.OpenMessage(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello room"), pt)
}
