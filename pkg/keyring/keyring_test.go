// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	ring, err := NewEphemeral()
	require.NoError(t, err)

	token, err := ring.SignClaims(map[string]any{"sub": "user-1", "iss": "https://op.example"}, "JWT")
	require.NoError(t, err)

	payload, err := ring.Verify(token)
	require.NoError(t, err)

	var claims map[string]any
	require.NoError(t, json.Unmarshal(payload, &claims))
	assert.Equal(t, "user-1", claims["sub"])
}

func TestVerifyAfterRotation(t *testing.T) {
	t.Parallel()

	ring, err := NewEphemeral()
	require.NoError(t, err)

	token, err := ring.SignClaims(map[string]any{"sub": "user-1"}, "JWT")
	require.NoError(t, err)

	next, err := GenerateEphemeralKey()
	require.NoError(t, err)
	ring.Rotate(next)

	// Old token still verifies; new tokens carry the new kid.
	_, err = ring.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, next.KeyID, ring.Active().KeyID)
}

func TestVerifyRejectsForeignToken(t *testing.T) {
	t.Parallel()

	ring, err := NewEphemeral()
	require.NoError(t, err)
	other, err := NewEphemeral()
	require.NoError(t, err)

	token, err := other.SignClaims(map[string]any{"sub": "user-1"}, "JWT")
	require.NoError(t, err)

	_, err = ring.Verify(token)
	assert.ErrorIs(t, err, ErrUnknownKeyID)
}

func TestPublicJWKSExposesOnlyPublicSigningKeys(t *testing.T) {
	t.Parallel()

	ring, err := NewEphemeral()
	require.NoError(t, err)

	set := ring.PublicJWKS()
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "sig", set.Keys[0].Use)
	assert.True(t, set.Keys[0].Valid())
	assert.True(t, set.Keys[0].IsPublic())
}

func TestEncryptForClientNestedJWE(t *testing.T) {
	t.Parallel()

	ring, err := NewEphemeral()
	require.NoError(t, err)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	clientKey := &jose.JSONWebKey{Key: rsaKey.Public(), Use: "enc"}

	inner, err := ring.SignClaims(map[string]any{"sub": "user-1"}, "JWT")
	require.NoError(t, err)

	jweToken, err := ring.EncryptForClient([]byte(inner), clientKey, "RSA-OAEP-256", "A256GCM")
	require.NoError(t, err)

	// The client unwraps with its private key and finds the signed JWT.
	parsed, err := jose.ParseEncrypted(jweToken,
		[]jose.KeyAlgorithm{jose.RSA_OAEP_256}, []jose.ContentEncryption{jose.A256GCM})
	require.NoError(t, err)
	payload, err := parsed.Decrypt(rsaKey)
	require.NoError(t, err)
	assert.Equal(t, inner, string(payload))
}

func TestEncryptForClientRejectsUnknownAlg(t *testing.T) {
	t.Parallel()

	ring, err := NewEphemeral()
	require.NoError(t, err)

	_, err = ring.EncryptForClient([]byte("x"), &jose.JSONWebKey{}, "none", "A256GCM")
	assert.Error(t, err)
}

func TestResolveClientKeyInlinePrefersEncUse(t *testing.T) {
	t.Parallel()

	ring, err := NewEphemeral()
	require.NoError(t, err)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: rsaKey.Public(), Use: "sig", KeyID: "sig-key"},
		{Key: rsaKey.Public(), Use: "enc", KeyID: "enc-key"},
	}}
	raw, err := json.Marshal(set)
	require.NoError(t, err)

	key, err := ring.ResolveClientKey(t.Context(), string(raw), "")
	require.NoError(t, err)
	assert.Equal(t, "enc-key", key.KeyID)
}
