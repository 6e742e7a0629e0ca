// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/keyring"
	"github.com/authrim/authrim/pkg/refresh"
	"github.com/authrim/authrim/pkg/revocation"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/storage"
)

const testIssuer = "https://op.example"

type fixture struct {
	svc     *Service
	ring    *keyring.KeyRing
	rotator *refresh.Rotator
	revoked *revocation.Index
}

func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()
	host := actor.NewHost()
	t.Cleanup(host.Shutdown)
	kv := storage.NewMemoryKV(storage.WithCleanupInterval(time.Minute))
	t.Cleanup(func() { _ = kv.Close() })
	router := sharding.NewRouter(sharding.NewKVStore(kv))

	ring, err := keyring.NewEphemeral()
	require.NoError(t, err)
	rotator := refresh.NewRotator(host, kv, router, nil)
	revoked := revocation.NewIndex(host, kv, router, nil)

	return &fixture{
		svc:     NewService(ring, rotator, revoked, kv, testIssuer, nil, opts...),
		ring:    ring,
		rotator: rotator,
		revoked: revoked,
	}
}

func decodeClaims(t *testing.T, ring *keyring.KeyRing, jws string) map[string]any {
	t.Helper()
	payload, err := ring.Verify(jws)
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(payload, &claims))
	return claims
}

func TestLeftHashKnownVector(t *testing.T) {
	t.Parallel()

	// RFC-adjacent vector from the OIDC core examples.
	assert.Equal(t, "77QmUPtjPfzWtF2AnpK9RQ",
		LeftHash("jHkWEdUXMU1BwAsC4vtUsZwnNvTIxEl0z9K3vx5KF0Y", "RS256"))

	// Longer algorithms use the matching hash family.
	assert.Len(t, LeftHash("x", "ES384"), 32)
	assert.Len(t, LeftHash("x", "ES512"), 43)
}

func TestMintIDTokenClaims(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	client := &clients.Metadata{ID: "client-1"}
	idToken, err := f.svc.MintIDToken(ctx, IDTokenParams{
		Client:      client,
		Subject:     "user-1",
		Nonce:       "n-1",
		ACR:         "urn:mace:incommon:iap:silver",
		AMR:         []string{"pwd", "otp"},
		AuthTime:    1700000000,
		AccessToken: "the-access-token",
		Code:        "the-code",
		State:       "the-state",
	})
	require.NoError(t, err)

	claims := decodeClaims(t, f.ring, idToken)
	assert.Equal(t, testIssuer, claims["iss"])
	assert.Equal(t, "user-1", claims["sub"])
	assert.Equal(t, "client-1", claims["aud"])
	assert.Equal(t, "n-1", claims["nonce"])
	assert.Equal(t, float64(1700000000), claims["auth_time"])

	alg := string(f.ring.Active().Algorithm)
	assert.Equal(t, LeftHash("the-access-token", alg), claims["at_hash"])
	assert.Equal(t, LeftHash("the-code", alg), claims["c_hash"])
	assert.Equal(t, LeftHash("the-state", alg), claims["s_hash"])
}

func TestMintAccessTokenJWT(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	tok, err := f.svc.MintAccessToken(ctx, AccessTokenParams{
		ClientID: "client-1",
		Subject:  "user-1",
		Scope:    []string{"openid", "profile"},
		DPoPJKT:  "thumbprint",
	})
	require.NoError(t, err)

	claims := decodeClaims(t, f.ring, tok.Value)
	assert.Equal(t, "openid profile", claims["scope"])
	assert.Equal(t, "client-1", claims["client_id"])
	cnf, ok := claims["cnf"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "thumbprint", cnf["jkt"])

	result, err := f.svc.Introspect(ctx, tok.Value, "client-1")
	require.NoError(t, err)
	assert.True(t, result.Active)
	assert.Equal(t, "user-1", result.Sub)
	assert.Equal(t, "access_token", result.TokenType)
}

func TestOpaqueAccessToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	tok, err := f.svc.MintAccessToken(ctx, AccessTokenParams{
		ClientID: "client-1",
		Subject:  "user-1",
		Scope:    []string{"openid"},
		Opaque:   true,
	})
	require.NoError(t, err)
	assert.NotContains(t, tok.Value, ".")

	result, err := f.svc.Introspect(ctx, tok.Value, "client-1")
	require.NoError(t, err)
	assert.True(t, result.Active)
	assert.Equal(t, "openid", result.Scope)

	// An unknown handle is simply inactive.
	result, err = f.svc.Introspect(ctx, "no-such-handle", "client-1")
	require.NoError(t, err)
	assert.False(t, result.Active)
}

func TestRevocationFlipsIntrospection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, WithIntrospectionCache(false, 0))
	ctx := t.Context()

	tok, err := f.svc.MintAccessToken(ctx, AccessTokenParams{ClientID: "client-1", Subject: "user-1"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, tok.Value))

	result, err := f.svc.Introspect(ctx, tok.Value, "client-1")
	require.NoError(t, err)
	assert.False(t, result.Active)
}

func TestIntrospectionCachePinsResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t, WithIntrospectionCache(true, time.Minute))
	ctx := t.Context()

	tok, err := f.svc.MintAccessToken(ctx, AccessTokenParams{ClientID: "client-1", Subject: "user-1"})
	require.NoError(t, err)

	first, err := f.svc.Introspect(ctx, tok.Value, "client-1")
	require.NoError(t, err)
	assert.True(t, first.Active)

	// Revocation is not visible through the cache until the entry expires.
	require.NoError(t, f.svc.Revoke(ctx, tok.Value))
	cached, err := f.svc.Introspect(ctx, tok.Value, "client-1")
	require.NoError(t, err)
	assert.True(t, cached.Active)

	// A different caller misses the cache and sees the revocation.
	fresh, err := f.svc.Introspect(ctx, tok.Value, "client-2")
	require.NoError(t, err)
	assert.False(t, fresh.Active)
}

func TestIntrospectRefreshHandle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, WithIntrospectionCache(false, 0))
	ctx := t.Context()

	minted, err := f.rotator.Mint(ctx, "user-1", "client-1", []string{"openid", "offline_access"})
	require.NoError(t, err)

	result, err := f.svc.Introspect(ctx, minted.JTI, "client-1")
	require.NoError(t, err)
	assert.True(t, result.Active)
	assert.Equal(t, "refresh_token", result.TokenType)
	assert.Equal(t, "user-1", result.Sub)

	// Rotation deactivates the predecessor.
	_, err = f.rotator.Rotate(ctx, minted.JTI)
	require.NoError(t, err)
	result, err = f.svc.Introspect(ctx, minted.JTI, "client-1")
	require.NoError(t, err)
	assert.False(t, result.Active)
}

func TestRevokeRefreshHandle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, WithIntrospectionCache(false, 0))
	ctx := t.Context()

	minted, err := f.rotator.Mint(ctx, "user-1", "client-1", nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, minted.JTI))
	result, err := f.svc.Introspect(ctx, minted.JTI, "client-1")
	require.NoError(t, err)
	assert.False(t, result.Active)

	// RFC 7009: revoking an unknown token succeeds.
	require.NoError(t, f.svc.Revoke(ctx, "rt1_0_unknown_0"))
}

func TestExchange(t *testing.T) {
	t.Parallel()

	f := newFixture(t, WithIntrospectionCache(false, 0))
	ctx := t.Context()

	subject, err := f.svc.MintAccessToken(ctx, AccessTokenParams{
		ClientID: "client-1",
		Subject:  "user-1",
		Scope:    []string{"openid", "profile", "email"},
	})
	require.NoError(t, err)

	exchanger := &clients.Metadata{
		ID:         "client-2",
		GrantTypes: []string{"urn:ietf:params:oauth:grant-type:token-exchange"},
	}

	delegated, err := f.svc.Exchange(ctx, ExchangeParams{
		Client:         exchanger,
		SubjectToken:   subject.Value,
		RequestedScope: []string{"profile"},
	})
	require.NoError(t, err)

	claims := decodeClaims(t, f.ring, delegated.Value)
	assert.Equal(t, "user-1", claims["sub"])
	assert.Equal(t, "profile", claims["scope"])
	act, ok := claims["act"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "client-2", act["sub"])

	// Scope escalation is rejected.
	_, err = f.svc.Exchange(ctx, ExchangeParams{
		Client:         exchanger,
		SubjectToken:   subject.Value,
		RequestedScope: []string{"admin"},
	})
	assert.Error(t, err)

	// Clients without the grant type are rejected.
	_, err = f.svc.Exchange(ctx, ExchangeParams{
		Client:       &clients.Metadata{ID: "client-3"},
		SubjectToken: subject.Value,
	})
	assert.Error(t, err)
}

func signDPoPProof(t *testing.T, key *ecdsa.PrivateKey, claims map[string]any) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key},
		(&jose.SignerOptions{EmbedJWK: true}).WithType("dpop+jwt"),
	)
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	jws, err := signer.Sign(payload)
	require.NoError(t, err)
	compact, err := jws.CompactSerialize()
	require.NoError(t, err)
	return compact
}

func TestVerifyDPoPProof(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	proof := signDPoPProof(t, key, map[string]any{
		"htm": "POST",
		"htu": "https://op.example/token",
		"iat": time.Now().Unix(),
		"jti": uuid.NewString(),
	})

	jkt, err := VerifyDPoPProof(proof, "POST", "https://op.example/token?grant_type=x", "")
	require.NoError(t, err)
	assert.NotEmpty(t, jkt)

	// Method mismatch.
	_, err = VerifyDPoPProof(proof, "GET", "https://op.example/token", "")
	assert.ErrorIs(t, err, ErrDPoP)

	// URL mismatch.
	_, err = VerifyDPoPProof(proof, "POST", "https://op.example/other", "")
	assert.ErrorIs(t, err, ErrDPoP)

	// Stale proof.
	stale := signDPoPProof(t, key, map[string]any{
		"htm": "POST",
		"htu": "https://op.example/token",
		"iat": time.Now().Add(-time.Hour).Unix(),
		"jti": uuid.NewString(),
	})
	_, err = VerifyDPoPProof(stale, "POST", "https://op.example/token", "")
	assert.ErrorIs(t, err, ErrDPoP)

	// Wrong typ header.
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key},
		(&jose.SignerOptions{EmbedJWK: true}).WithType("JWT"),
	)
	require.NoError(t, err)
	jws, err := signer.Sign([]byte(`{"htm":"POST"}`))
	require.NoError(t, err)
	wrongTyp, err := jws.CompactSerialize()
	require.NoError(t, err)
	_, err = VerifyDPoPProof(wrongTyp, "POST", "https://op.example/token", "")
	assert.ErrorIs(t, err, ErrDPoP)
}
