package signer_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cypher-asi/zero-os-sub004/pkg/signer"
)

func TestKeyring_SignVerifyRoundtrip(t *testing.T) {
	provider, err := signer.NewMemoryKeyProvider()
	require.NoError(t, err)
	k := signer.NewKeyring(provider)

	msg := []byte("state-hash")
	sig, err := k.SignHex(msg)
	require.NoError(t, err)

	assert.True(t, signer.VerifyHex(msg, sig, k.PublicKeyHex()))
	assert.False(t, signer.VerifyHex([]byte("other"), sig, k.PublicKeyHex()))
}

func TestVerifyHex_MalformedInputs(t *testing.T) {
	provider, err := signer.NewMemoryKeyProvider()
	require.NoError(t, err)
	k := signer.NewKeyring(provider)
	sig, err := k.SignHex([]byte("msg"))
	require.NoError(t, err)

	assert.False(t, signer.VerifyHex([]byte("msg"), "not-hex", k.PublicKeyHex()))
	assert.False(t, signer.VerifyHex([]byte("msg"), sig, "not-hex"))
	assert.False(t, signer.VerifyHex([]byte("msg"), "abcd", k.PublicKeyHex()))
	assert.False(t, signer.VerifyHex([]byte("msg"), sig, "abcd"))
}

func TestFromSeed_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)

	p1, err := signer.FromSeed(seed)
	require.NoError(t, err)
	p2, err := signer.FromSeed(seed)
	require.NoError(t, err)

	assert.Equal(t, signer.NewKeyring(p1).PublicKeyHex(), signer.NewKeyring(p2).PublicKeyHex())

	_, err = signer.FromSeed([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDeriveForDomain(t *testing.T) {
	seed := bytes.Repeat([]byte{9}, 32)
	provider, err := signer.FromSeed(seed)
	require.NoError(t, err)
	master := signer.NewKeyring(provider)

	a1, err := master.DeriveForDomain("checkpoint")
	require.NoError(t, err)
	a2, err := master.DeriveForDomain("checkpoint")
	require.NoError(t, err)
	b, err := master.DeriveForDomain("export")
	require.NoError(t, err)

	// Same domain derives the same key; different domains diverge, and none
	// equals the master.
	assert.Equal(t, a1.PublicKeyHex(), a2.PublicKeyHex())
	assert.NotEqual(t, a1.PublicKeyHex(), b.PublicKeyHex())
	assert.NotEqual(t, master.PublicKeyHex(), a1.PublicKeyHex())

	// Signatures from the derived key verify against the derived key only.
	sig, err := a1.SignHex([]byte("msg"))
	require.NoError(t, err)
	assert.True(t, signer.VerifyHex([]byte("msg"), sig, a2.PublicKeyHex()))
	assert.False(t, signer.VerifyHex([]byte("msg"), sig, master.PublicKeyHex()))

	_, err = master.DeriveForDomain("")
	assert.Error(t, err)
}
