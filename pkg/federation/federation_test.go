// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/challenge"
	"github.com/authrim/authrim/pkg/session"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/storage"
)

// fakeOP is a minimal upstream OpenID provider: discovery, JWKS, and a
// token endpoint that returns whatever id_token the test staged.
type fakeOP struct {
	srv    *httptest.Server
	key    *rsa.PrivateKey
	issuer string

	idToken string
}

func newFakeOP(t *testing.T) *fakeOP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	op := &fakeOP{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                op.issuer,
			"authorization_endpoint":                op.issuer + "/authorize",
			"token_endpoint":                        op.issuer + "/token",
			"jwks_uri":                              op.issuer + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: key.Public(), KeyID: "op-1", Algorithm: "RS256", Use: "sig"},
		}})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "upstream-access",
			"token_type":    "Bearer",
			"refresh_token": "upstream-refresh",
			"expires_in":    3600,
			"id_token":      op.idToken,
		})
	})
	op.srv = httptest.NewServer(mux)
	t.Cleanup(op.srv.Close)
	op.issuer = op.srv.URL
	return op
}

// sign mints a JWT for the staged claims, filling iss/aud/exp/iat.
func (op *fakeOP) sign(t *testing.T, claims map[string]any) string {
	t.Helper()
	now := time.Now()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = op.issuer
	}
	if _, ok := claims["aud"]; !ok {
		claims["aud"] = "rp-client"
	}
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(5 * time.Minute).Unix()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: op.key},
		(&jose.SignerOptions{}).WithHeader("kid", "op-1"))
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	raw, err := sig.CompactSerialize()
	require.NoError(t, err)
	return raw
}

type fixture struct {
	engine   *Engine
	op       *fakeOP
	db       storage.RelationalDB
	kv       storage.KV
	sessions *session.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	host := actor.NewHost()
	t.Cleanup(host.Shutdown)
	kv := storage.NewMemoryKV(storage.WithCleanupInterval(time.Minute))
	t.Cleanup(func() { _ = kv.Close() })
	db, err := storage.OpenSQLite(t.Context(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	router := sharding.NewRouter(sharding.NewKVStore(kv))
	sessions := session.NewStore(host, kv, router, nil)
	challenges := challenge.NewStore(host, kv)
	encKey := []byte("0123456789abcdef0123456789abcdef")

	op := newFakeOP(t)
	e := NewEngine(db, kv, challenges, sessions, encKey, "https://op.example", nil)
	require.NoError(t, e.AddProvider(t.Context(), ProviderConfig{
		ID:           "acme",
		IssuerURL:    op.issuer,
		ClientID:     "rp-client",
		ClientSecret: "rp-secret",
		AttributeMapping: map[string]string{
			"sub":   "sub",
			"email": "email",
			"name":  "profile.display_name",
		},
	}))
	return &fixture{engine: e, op: op, db: db, kv: kv, sessions: sessions}
}

// begin runs Begin and pulls state and nonce out of the authorize url.
func (f *fixture) begin(t *testing.T, tenant string) (state, nonce string) {
	t.Helper()
	authURL, err := f.engine.Begin(t.Context(), "acme", tenant)
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	require.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	return q.Get("state"), q.Get("nonce")
}

func TestCallbackRegistersNewUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()
	state, nonce := f.begin(t, "tenant-1")

	f.op.idToken = f.op.sign(t, map[string]any{
		"sub":     "upstream-1",
		"nonce":   nonce,
		"email":   "ada@example.com",
		"profile": map[string]any{"display_name": "Ada"},
	})

	res, err := f.engine.Callback(ctx, "acme", state, "code-1")
	require.NoError(t, err)
	assert.Equal(t, ActionRegistered, res.Action)
	assert.NotEmpty(t, res.UserID)
	assert.Equal(t, "upstream-1", res.Subject)
	assert.Equal(t, "Ada", res.Attributes["name"])

	var email, name string
	require.NoError(t, f.db.QueryRowContext(ctx,
		`SELECT email, name FROM users WHERE id = ?`, res.UserID).Scan(&email, &name))
	assert.Equal(t, "ada@example.com", email)
	assert.Equal(t, "Ada", name)

	var tokens string
	require.NoError(t, f.db.QueryRowContext(ctx,
		`SELECT tokens_encrypted FROM linked_identities WHERE provider_id = ? AND provider_user_id = ?`,
		"acme", "upstream-1").Scan(&tokens))
	assert.NotEmpty(t, tokens)
	// Stored tokens are encrypted, never plaintext.
	assert.NotContains(t, tokens, "upstream-access")
}

func TestCallbackSignsInLinkedIdentity(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	state, nonce := f.begin(t, "tenant-1")
	f.op.idToken = f.op.sign(t, map[string]any{"sub": "upstream-2", "nonce": nonce, "email": "bob@example.com"})
	first, err := f.engine.Callback(ctx, "acme", state, "code-1")
	require.NoError(t, err)
	require.Equal(t, ActionRegistered, first.Action)

	state, nonce = f.begin(t, "tenant-1")
	f.op.idToken = f.op.sign(t, map[string]any{"sub": "upstream-2", "nonce": nonce, "email": "bob@example.com"})
	second, err := f.engine.Callback(ctx, "acme", state, "code-2")
	require.NoError(t, err)
	assert.Equal(t, ActionSignIn, second.Action)
	assert.Equal(t, first.UserID, second.UserID)
}

func TestCallbackOffersLinkOnEmailMatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	state, nonce := f.begin(t, "tenant-1")
	f.op.idToken = f.op.sign(t, map[string]any{"sub": "upstream-3", "nonce": nonce, "email": "carol@example.com"})
	first, err := f.engine.Callback(ctx, "acme", state, "code-1")
	require.NoError(t, err)
	require.Equal(t, ActionRegistered, first.Action)

	// A different upstream subject with the same email must not silently
	// take over the account.
	state, nonce = f.begin(t, "tenant-1")
	f.op.idToken = f.op.sign(t, map[string]any{"sub": "upstream-4", "nonce": nonce, "email": "carol@example.com"})
	offer, err := f.engine.Callback(ctx, "acme", state, "code-2")
	require.NoError(t, err)
	assert.Equal(t, ActionLinkOffer, offer.Action)
	assert.Equal(t, first.UserID, offer.UserID)

	// No identity row is created until the user confirms.
	var n int
	require.NoError(t, f.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM linked_identities WHERE provider_user_id = ?`, "upstream-4").Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, f.engine.Link(ctx, first.UserID, "acme", "upstream-4", json.RawMessage(`{"sub":"upstream-4"}`)))
	require.NoError(t, f.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM linked_identities WHERE provider_user_id = ?`, "upstream-4").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestCallbackRejectsReplayedState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	state, nonce := f.begin(t, "tenant-1")
	f.op.idToken = f.op.sign(t, map[string]any{"sub": "upstream-5", "nonce": nonce})
	_, err := f.engine.Callback(ctx, "acme", state, "code-1")
	require.NoError(t, err)

	_, err = f.engine.Callback(ctx, "acme", state, "code-1")
	assert.ErrorIs(t, err, ErrStateMismatch)
}

func TestCallbackRejectsWrongNonce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	state, _ := f.begin(t, "tenant-1")

	f.op.idToken = f.op.sign(t, map[string]any{"sub": "upstream-6", "nonce": "attacker-nonce"})
	_, err := f.engine.Callback(t.Context(), "acme", state, "code-1")
	assert.ErrorIs(t, err, ErrNonceMismatch)
}

func TestCallbackRejectsForeignSignature(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	state, nonce := f.begin(t, "tenant-1")

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: other}, nil)
	require.NoError(t, err)
	claims, _ := json.Marshal(map[string]any{
		"iss": f.op.issuer, "aud": "rp-client", "sub": "upstream-7", "nonce": nonce,
		"iat": time.Now().Unix(), "exp": time.Now().Add(time.Minute).Unix(),
	})
	sig, err := signer.Sign(claims)
	require.NoError(t, err)
	f.op.idToken, err = sig.CompactSerialize()
	require.NoError(t, err)

	_, err = f.engine.Callback(t.Context(), "acme", state, "code-1")
	assert.Error(t, err)
}

func TestMapAttributesCoercesSub(t *testing.T) {
	t.Parallel()

	// Some providers emit numeric subs.
	claims := json.RawMessage(`{"sub": 12345, "email": "x@example.com", "verified": true}`)
	attrs := MapAttributes(claims, map[string]string{"sub": "sub", "email": "email", "verified": "verified"})
	assert.Equal(t, "12345", attrs["sub"])
	assert.Equal(t, "x@example.com", attrs["email"])
	assert.Equal(t, true, attrs["verified"])
}

func TestBackchannelLogout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	// Sign in so there is a linked identity with stored tokens.
	state, nonce := f.begin(t, "tenant-1")
	f.op.idToken = f.op.sign(t, map[string]any{"sub": "upstream-8", "nonce": nonce, "email": "dave@example.com"})
	res, err := f.engine.Callback(ctx, "acme", state, "code-1")
	require.NoError(t, err)

	sess, err := f.sessions.Create(ctx, &session.Session{
		UserID:              res.UserID,
		ExternalProviderID:  "acme",
		ExternalProviderSub: "upstream-8",
	}, time.Hour)
	require.NoError(t, err)

	logoutToken := f.op.sign(t, map[string]any{
		"sub":    "upstream-8",
		"jti":    uuid.NewString(),
		"events": map[string]any{"http://schemas.openid.net/event/backchannel-logout": map[string]any{}},
	})
	require.NoError(t, f.engine.BackchannelLogout(ctx, "acme", logoutToken))

	_, err = f.sessions.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)

	var tokens string
	require.NoError(t, f.db.QueryRowContext(ctx,
		`SELECT tokens_encrypted FROM linked_identities WHERE provider_user_id = ?`, "upstream-8").Scan(&tokens))
	assert.Empty(t, tokens)

	// Replaying the same jti fails.
	err = f.engine.BackchannelLogout(ctx, "acme", logoutToken)
	assert.ErrorIs(t, err, ErrLogoutToken)
}

func TestBackchannelLogoutRejectsMalformedTokens(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()

	tests := []struct {
		name   string
		claims map[string]any
	}{
		{
			name:   "missing events claim",
			claims: map[string]any{"sub": "s", "jti": uuid.NewString()},
		},
		{
			name: "nonce present",
			claims: map[string]any{
				"sub": "s", "jti": uuid.NewString(), "nonce": "n",
				"events": map[string]any{"http://schemas.openid.net/event/backchannel-logout": map[string]any{}},
			},
		},
		{
			name: "missing jti",
			claims: map[string]any{
				"sub":    "s",
				"events": map[string]any{"http://schemas.openid.net/event/backchannel-logout": map[string]any{}},
			},
		},
		{
			name: "neither sub nor sid",
			claims: map[string]any{
				"jti":    uuid.NewString(),
				"events": map[string]any{"http://schemas.openid.net/event/backchannel-logout": map[string]any{}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.engine.BackchannelLogout(ctx, "acme", f.op.sign(t, tt.claims))
			assert.ErrorIs(t, err, ErrLogoutToken)
		})
	}
}

func TestUnknownProvider(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.engine.Begin(t.Context(), "nope", "")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
