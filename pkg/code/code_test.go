// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package code

import (
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/storage"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	host := actor.NewHost()
	t.Cleanup(host.Shutdown)
	kv := storage.NewMemoryKV(storage.WithCleanupInterval(time.Minute))
	t.Cleanup(func() { _ = kv.Close() })
	return NewStore(host, kv, opts...)
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// 43 chars, the RFC 7636 minimum.
const verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

func TestIssueAndConsume(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := t.Context()

	code, err := store.Issue(ctx, &Grant{
		ClientID:            "client-1",
		RedirectURI:         "https://rp.example/cb",
		UserID:              "user-1",
		Scope:               []string{"openid"},
		Nonce:               "n-1",
		CodeChallenge:       s256(verifier),
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(code), CodeLength)

	grant, err := store.Consume(ctx, code, "client-1", "https://rp.example/cb", verifier)
	require.NoError(t, err)
	assert.Equal(t, "user-1", grant.UserID)
	assert.Equal(t, "n-1", grant.Nonce)

	// Second redemption fails.
	_, err = store.Consume(ctx, code, "client-1", "https://rp.example/cb", verifier)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentConsumeYieldsOneWinner(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := t.Context()

	code, err := store.Issue(ctx, &Grant{
		ClientID:    "client-1",
		RedirectURI: "https://rp.example/cb",
		UserID:      "user-1",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wins := make(chan struct{}, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Consume(ctx, code, "client-1", "https://rp.example/cb", ""); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestClientBinding(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := t.Context()

	code, err := store.Issue(ctx, &Grant{ClientID: "client-1", RedirectURI: "https://rp.example/cb"})
	require.NoError(t, err)

	_, err = store.Consume(ctx, code, "client-2", "https://rp.example/cb", "")
	assert.ErrorIs(t, err, ErrClientMismatch)

	// The failed attempt spent the code.
	_, err = store.Consume(ctx, code, "client-1", "https://rp.example/cb", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedirectBinding(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := t.Context()

	code, err := store.Issue(ctx, &Grant{ClientID: "client-1", RedirectURI: "https://rp.example/cb"})
	require.NoError(t, err)

	_, err = store.Consume(ctx, code, "client-1", "https://rp.example/other", "")
	assert.ErrorIs(t, err, ErrRedirectMismatch)
}

func TestPKCEVerification(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := t.Context()

	issue := func() string {
		code, err := store.Issue(ctx, &Grant{
			ClientID:            "client-1",
			RedirectURI:         "https://rp.example/cb",
			CodeChallenge:       s256(verifier),
			CodeChallengeMethod: "S256",
		})
		require.NoError(t, err)
		return code
	}

	// Wrong verifier.
	_, err := store.Consume(ctx, issue(), "client-1", "https://rp.example/cb",
		"wrong-verifier-wrong-verifier-wrong-verifier-wrong")
	assert.ErrorIs(t, err, ErrPKCEFailed)

	// Missing verifier when a challenge was bound.
	_, err = store.Consume(ctx, issue(), "client-1", "https://rp.example/cb", "")
	assert.ErrorIs(t, err, ErrPKCEFailed)

	// Verifier below the RFC minimum length.
	_, err = store.Consume(ctx, issue(), "client-1", "https://rp.example/cb", "too-short")
	assert.ErrorIs(t, err, ErrPKCEFailed)
}

func TestVerifierWithoutChallengeRejected(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := t.Context()

	code, err := store.Issue(ctx, &Grant{ClientID: "client-1", RedirectURI: "https://rp.example/cb"})
	require.NoError(t, err)

	_, err = store.Consume(ctx, code, "client-1", "https://rp.example/cb", verifier)
	assert.ErrorIs(t, err, ErrPKCEFailed)
}

func TestExpiredCode(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, WithTTL(30*time.Millisecond))
	ctx := t.Context()

	code, err := store.Issue(ctx, &Grant{ClientID: "client-1", RedirectURI: "https://rp.example/cb"})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	_, err = store.Consume(ctx, code, "client-1", "https://rp.example/cb", "")
	assert.ErrorIs(t, err, ErrExpired)

	// The failed attempt spent the code.
	_, err = store.Consume(ctx, code, "client-1", "https://rp.example/cb", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTTLClamp(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, WithTTL(time.Hour))
	assert.Equal(t, MaxTTL, store.ttl)
}
