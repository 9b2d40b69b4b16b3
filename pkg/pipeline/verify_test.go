package pipeline

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/gatehouse/pkg/canonical"
)

func signedBody(t *testing.T, priv ed25519.PrivateKey, body map[string]any) map[string]any {
	t.Helper()
	msg, err := canonical.TransformValue(body)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, msg)
	out := make(map[string]any, len(body)+1)
	for k, v := range body {
		out[k] = v
	}
	out["signature"] = hex.EncodeToString(sig)
	return out
}

func TestKeyringVerifier(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")
	kr, err := NewKeyringVerifier(seed)
	require.NoError(t, err)

	_, priv, err := kr.ClientKeypair("searcher-7")
	require.NoError(t, err)

	body := map[string]any{"intent_id": "a", "target_chain": "eth-mainnet"}
	signed := signedBody(t, priv, body)
	sig := signed["signature"].(string)

	ok, err := kr.Verify(context.Background(), "searcher-7", signed, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	// A different client derives a different key.
	ok, err = kr.Verify(context.Background(), "searcher-8", signed, sig)
	require.NoError(t, err)
	assert.False(t, ok)

	// Tampered payload.
	signed["target_chain"] = "polygon"
	ok, err = kr.Verify(context.Background(), "searcher-7", signed, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyringDerivationIsDeterministic(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")
	a, err := NewKeyringVerifier(seed)
	require.NoError(t, err)
	b, err := NewKeyringVerifier(seed)
	require.NoError(t, err)

	pubA, _, err := a.ClientKeypair("searcher-7")
	require.NoError(t, err)
	pubB, _, err := b.ClientKeypair("searcher-7")
	require.NoError(t, err)
	assert.Equal(t, pubA, pubB)

	pubOther, _, err := a.ClientKeypair("searcher-8")
	require.NoError(t, err)
	assert.NotEqual(t, pubA, pubOther)
}

func TestKeyringSeedTooShort(t *testing.T) {
	_, err := NewKeyringVerifier([]byte("short"))
	assert.Error(t, err)
}

func TestEd25519VerifierSingleKey(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")
	kr, err := NewKeyringVerifier(seed)
	require.NoError(t, err)
	pub, priv, err := kr.ClientKeypair("anyone")
	require.NoError(t, err)

	v, err := NewEd25519Verifier(hex.EncodeToString(pub))
	require.NoError(t, err)

	body := map[string]any{"intent_id": "b"}
	signed := signedBody(t, priv, body)

	ok, err := v.Verify(context.Background(), "ignored-client", signed, signed["signature"].(string))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyMalformedSignature(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")
	kr, err := NewKeyringVerifier(seed)
	require.NoError(t, err)

	body := map[string]any{"intent_id": "c"}
	for _, sig := range []string{"", "zz", "0xdead", hex.EncodeToString(make([]byte, 12))} {
		ok, err := kr.Verify(context.Background(), "searcher-7", body, sig)
		require.NoError(t, err)
		assert.False(t, ok, "signature %q", sig)
	}
}

func TestEd25519VerifierBadKey(t *testing.T) {
	_, err := NewEd25519Verifier("nothex")
	assert.Error(t, err)
	_, err = NewEd25519Verifier("deadbeef")
	assert.Error(t, err)
}
