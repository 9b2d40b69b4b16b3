package pipeline

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/relaymesh/gatehouse/pkg/canonical"
)

// Verifier checks the signature attached to an intent payload. The
// signature covers the canonical form of the payload with the signature
// field itself removed. A false return is a verification failure; an
// error is an infrastructure fault.
type Verifier interface {
	Verify(ctx context.Context, clientKey string, payload map[string]any, signature string) (bool, error)
}

// Ed25519Verifier verifies every client against a single public key.
type Ed25519Verifier struct {
	pub ed25519.PublicKey
}

// NewEd25519Verifier parses a hex-encoded public key.
func NewEd25519Verifier(pubHex string) (*Ed25519Verifier, error) {
	raw, err := decodeHex(pubHex)
	if err != nil {
		return nil, fmt.Errorf("verifier public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verifier public key: want %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return &Ed25519Verifier{pub: ed25519.PublicKey(raw)}, nil
}

func (v *Ed25519Verifier) Verify(_ context.Context, _ string, payload map[string]any, signature string) (bool, error) {
	return verifyWithKey(v.pub, payload, signature)
}

// KeyringVerifier derives a per-client verification key from a shared
// seed via HKDF-SHA256. Clients receive the matching private half when
// provisioned, so each client key maps to its own deterministic keypair.
type KeyringVerifier struct {
	seed []byte
}

const keyringInfo = "gatehouse-intake-kdf"

// NewKeyringVerifier builds a keyring over the provisioning seed.
func NewKeyringVerifier(seed []byte) (*KeyringVerifier, error) {
	if len(seed) < 16 {
		return nil, fmt.Errorf("keyring seed too short: %d bytes", len(seed))
	}
	return &KeyringVerifier{seed: seed}, nil
}

// ClientKeypair derives the ed25519 keypair for clientKey. Provisioning
// tooling uses the private half; intake only ever touches the public.
func (v *KeyringVerifier) ClientKeypair(clientKey string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	r := hkdf.New(sha256.New, v.seed, []byte(keyringInfo), []byte(clientKey))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, nil, fmt.Errorf("hkdf derivation: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv, nil
}

func (v *KeyringVerifier) Verify(_ context.Context, clientKey string, payload map[string]any, signature string) (bool, error) {
	if clientKey == "" {
		return false, nil
	}
	pub, _, err := v.ClientKeypair(clientKey)
	if err != nil {
		return false, err
	}
	return verifyWithKey(pub, payload, signature)
}

func verifyWithKey(pub ed25519.PublicKey, payload map[string]any, signature string) (bool, error) {
	sig, err := decodeHex(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		// Malformed signature material is a verification failure, not a
		// fault.
		return false, nil
	}
	unsigned := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "signature" {
			continue
		}
		unsigned[k] = v
	}
	msg, err := canonical.TransformValue(unsigned)
	if err != nil {
		return false, fmt.Errorf("canonicalize for verification: %w", err)
	}
	return ed25519.Verify(pub, msg, sig), nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
