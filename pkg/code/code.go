// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package code implements the authorization-code store. Codes are opaque
// high-entropy handles consumed exactly once at the token endpoint, where
// client binding, redirect binding, and PKCE are all checked inside the
// owning actor.
package code

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/crypto"
	"github.com/authrim/authrim/pkg/storage"
)

const (
	// CodeLength is the handle length in base64url characters.
	CodeLength = 128

	// MaxTTL caps the code lifetime per RFC 6749 guidance.
	MaxTTL = 10 * time.Minute

	// DefaultTTL is used when the caller does not set one.
	DefaultTTL = time.Minute

	// shardCount spreads code keys across mailboxes.
	shardCount = 16
)

var (
	// ErrNotFound is returned for unknown or already consumed codes.
	ErrNotFound = errors.New("authorization code not found")

	// ErrExpired is returned for codes past their lifetime. The handle is
	// deleted on the way out.
	ErrExpired = errors.New("authorization code expired")

	// ErrClientMismatch is returned when the consuming client is not the
	// one the code was issued to.
	ErrClientMismatch = errors.New("authorization code issued to another client")

	// ErrRedirectMismatch is returned when redirect_uri does not match the
	// authorization request.
	ErrRedirectMismatch = errors.New("redirect_uri does not match authorization request")

	// ErrPKCEFailed is returned when the verifier does not hash to the
	// stored challenge, or a required verifier is missing.
	ErrPKCEFailed = errors.New("PKCE verification failed")
)

// Grant is the state carried from /authorize to /token by one code.
type Grant struct {
	ClientID    string   `json:"client_id"`
	RedirectURI string   `json:"redirect_uri"`
	UserID      string   `json:"user_id"`
	SessionID   string   `json:"session_id,omitempty"`
	Scope       []string `json:"scope,omitempty"`
	Nonce       string   `json:"nonce,omitempty"`
	ACR         string   `json:"acr,omitempty"`
	AMR         []string `json:"amr,omitempty"`
	AuthTime    int64    `json:"auth_time,omitempty"`

	// PKCE. Only the S256 method is accepted.
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	// DPoPJKT pins the grant to a proof key when the request carried
	// dpop_jkt or a DPoP header at PAR time.
	DPoPJKT string `json:"dpop_jkt,omitempty"`

	// Claims carries the parsed claims request parameter through to
	// token minting, verbatim.
	Claims json.RawMessage `json:"claims,omitempty"`

	IssuedAt  int64 `json:"issued_at"`
	ExpiresAt int64 `json:"expires_at"`
}

// Store is the authorization-code actor facade.
type Store struct {
	host *actor.Host
	kv   storage.KV
	ttl  time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the code lifetime, clamped to MaxTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = min(ttl, MaxTTL)
		}
	}
}

// NewStore creates a code store.
func NewStore(host *actor.Host, kv storage.KV, opts ...Option) *Store {
	s := &Store{host: host, kv: kv, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Codes are stored under their digest so a storage dump never yields a
// redeemable handle.
func key(code string) string {
	sum := sha256.Sum256([]byte(code))
	return "authcode/" + base64.RawURLEncoding.EncodeToString(sum[:])
}

func instance(code string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(code))
	return fmt.Sprintf("authcode-s%d", h.Sum32()%shardCount)
}

// Issue mints a new single-use code for the grant and stores it.
func (s *Store) Issue(ctx context.Context, grant *Grant) (string, error) {
	code, err := crypto.RandomToken(CodeLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate authorization code: %w", err)
	}

	now := time.Now()
	grant.IssuedAt = now.UnixMilli()
	grant.ExpiresAt = now.Add(s.ttl).UnixMilli()

	raw, err := json.Marshal(grant)
	if err != nil {
		return "", fmt.Errorf("failed to encode grant: %w", err)
	}

	_, err = s.host.Do(ctx, instance(code), func(ctx context.Context) (any, error) {
		if err := s.kv.Put(ctx, key(code), raw, s.ttl); err != nil {
			return nil, fmt.Errorf("failed to store authorization code: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// Consume redeems a code exactly once, checking client binding, redirect
// binding, and PKCE inside the owning actor. Any failure after the load
// still deletes the code: a handle that reached the token endpoint is
// spent no matter what.
func (s *Store) Consume(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*Grant, error) {
	return actor.Call(ctx, s.host, instance(code), func(ctx context.Context) (*Grant, error) {
		k := key(code)
		raw, found, err := s.kv.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("failed to load authorization code: %w", err)
		}
		if !found {
			return nil, ErrNotFound
		}
		if err := s.kv.Delete(ctx, k); err != nil {
			return nil, fmt.Errorf("failed to delete authorization code: %w", err)
		}

		var grant Grant
		if err := json.Unmarshal(raw, &grant); err != nil {
			return nil, fmt.Errorf("failed to decode grant: %w", err)
		}
		if time.Now().UnixMilli() > grant.ExpiresAt {
			return nil, ErrExpired
		}
		if grant.ClientID != clientID {
			return nil, ErrClientMismatch
		}
		if grant.RedirectURI != redirectURI {
			return nil, ErrRedirectMismatch
		}
		if err := verifyPKCE(&grant, codeVerifier); err != nil {
			return nil, err
		}
		return &grant, nil
	})
}

// verifyPKCE applies RFC 7636 with S256 as the only accepted method.
func verifyPKCE(grant *Grant, verifier string) error {
	if grant.CodeChallenge == "" {
		if verifier != "" {
			return ErrPKCEFailed
		}
		return nil
	}
	if verifier == "" {
		return ErrPKCEFailed
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return ErrPKCEFailed
	}
	sum := sha256.Sum256([]byte(verifier))
	derived := base64.RawURLEncoding.EncodeToString(sum[:])
	if !crypto.ConstantTimeEquals(derived, grant.CodeChallenge) {
		return ErrPKCEFailed
	}
	return nil
}
