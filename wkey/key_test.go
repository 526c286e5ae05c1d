package wkey_test

import (
	"testing"

	"github.com/gordian-engine/wren/internal/wtest"
	"github.com/gordian-engine/wren/wkey"
	"github.com/gordian-engine/wren/wkey/wkeytest"
	"github.com/stretchr/testify/require"
)

func TestKeystoreBuilder_duplicateTag(t *testing.T) {
	t.Parallel()

	b := wkey.NewKeystoreBuilder()

	k0, err := b.AddTaggedKey(wtest.Seed32("a"), 0)
	require.NoError(t, err)
	require.Equal(t, 0, k0.Tag())

	_, err = b.AddTaggedKey(wtest.Seed32("b"), 0)
	require.Equal(t, wkey.DuplicateTagError{Tag: 0}, err)

	k1, err := b.AddTaggedKey(wtest.Seed32("b"), 1)
	require.NoError(t, err)

	ks := b.Build()
	require.Equal(t, 2, ks.Len())

	got, err := ks.KeyByTag(1)
	require.NoError(t, err)
	require.Same(t, k1, got)

	got, ok := ks.KeyByID(k0.ID())
	require.True(t, ok)
	require.Same(t, k0, got)

	_, err = ks.KeyByTag(5)
	require.Equal(t, wkey.UnknownTagError{Tag: 5}, err)

	require.Equal(t, []*wkey.Key{k0, k1}, ks.Keys())
}

func TestKeystoreBuilder_frozenAfterBuild(t *testing.T) {
	t.Parallel()

	b := wkey.NewKeystoreBuilder()
	_, err := b.AddTaggedKey(wtest.Seed32("a"), 0)
	require.NoError(t, err)

	ks := b.Build()

	_, err = b.AddTaggedKey(wtest.Seed32("b"), 1)
	require.ErrorIs(t, err, wkey.ErrKeystoreBuilt)
	require.Equal(t, 1, ks.Len())
}

func TestPublicKey_IDIsDeterministic(t *testing.T) {
	t.Parallel()

	a := wkeytest.Key("a")
	a2 := wkeytest.Key("a")
	b := wkeytest.Key("b")

	require.Equal(t, a.ID(), a2.ID())
	require.Equal(t, a.ID(), a.PublicKey().ID())
	require.NotEqual(t, a.ID(), b.ID())
}

func TestKey_signVerify(t *testing.T) {
	t.Parallel()

	k := wkeytest.Key("signer")
	msg := []byte("hello")
	sig := k.Sign(msg)

	require.True(t, k.PublicKey().Verify(msg, sig))
	require.False(t, k.PublicKey().Verify([]byte("hellO"), sig))

	sig[0] ^= 1
	require.False(t, k.PublicKey().Verify(msg, sig))
	require.False(t, k.PublicKey().Verify(msg, sig[:10]))
}

func TestKey_sharedSecretIsSymmetric(t *testing.T) {
	t.Parallel()

	a := wkeytest.Key("a")
	b := wkeytest.Key("b")

	ab, err := a.SharedSecret(b.PublicKey())
	require.NoError(t, err)
	ba, err := b.SharedSecret(a.PublicKey())
	require.NoError(t, err)

	require.Equal(t, ab, ba)

	c := wkeytest.Key("c")
	ac, err := a.SharedSecret(c.PublicKey())
	require.NoError(t, err)
	require.NotEqual(t, ab, ac)
}
