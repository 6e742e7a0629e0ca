// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyring owns the JWKS lifecycle: signing key rotation, the public
// JWKS view, JWS signing and verification, and JWE wrapping for clients that
// register encryption keys.
package keyring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-jose/go-jose/v4"
)

var (
	// ErrNoSigningKey is returned when the ring holds no usable key.
	ErrNoSigningKey = errors.New("no signing key available")

	// ErrUnknownKeyID is returned when a JWS references a kid the ring
	// does not hold.
	ErrUnknownKeyID = errors.New("unknown key id")

	// ErrNoEncryptionKey is returned when a client advertises encryption
	// but no suitable key can be resolved from its JWKS.
	ErrNoEncryptionKey = errors.New("no encryption key found in client JWKS")
)

// signatureAlgorithms is the closed set of JWS algorithms the ring accepts.
// alg "none" is rejected here unconditionally; profiles that allow unsigned
// request objects bypass verification entirely rather than widening this set.
var signatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.ES256, jose.ES384, jose.ES512, jose.EdDSA,
}

// KeyRing holds the active signing key and the rotation set. Reads are
// lock-free against an immutable snapshot; rotation swaps the snapshot.
type KeyRing struct {
	mu     sync.RWMutex
	active *SigningKey
	all    []*SigningKey

	remote *RemoteJWKS
	logger *slog.Logger
}

// Option configures a KeyRing.
type Option func(*KeyRing)

// WithLogger sets the logger used for rotation and resolution events.
func WithLogger(logger *slog.Logger) Option {
	return func(k *KeyRing) {
		k.logger = logger
	}
}

// WithRemoteJWKS sets the resolver used for client jwks_uri lookups.
func WithRemoteJWKS(remote *RemoteJWKS) Option {
	return func(k *KeyRing) {
		k.remote = remote
	}
}

// New creates a ring from an explicit key set. The first key signs; the rest
// remain published for verification during rotation windows.
func New(keys []*SigningKey, opts ...Option) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, ErrNoSigningKey
	}
	k := &KeyRing{
		active: keys[0],
		all:    keys,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// NewFromDirectory loads every PEM file in dir. Files sort lexically; the
// first becomes the active signing key.
func NewFromDirectory(dir string, opts ...Option) (*KeyRing, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read key directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".pem") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var keys []*SigningKey
	for _, name := range names {
		signer, err := LoadSigningKey(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load key %s: %w", name, err)
		}
		key, err := newSigningKey(signer)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key parameters for %s: %w", name, err)
		}
		keys = append(keys, key)
	}
	return New(keys, opts...)
}

// NewEphemeral creates a ring with a single generated P-256 key.
func NewEphemeral(opts ...Option) (*KeyRing, error) {
	key, err := GenerateEphemeralKey()
	if err != nil {
		return nil, err
	}
	return New([]*SigningKey{key}, opts...)
}

// Active returns the current signing key.
func (k *KeyRing) Active() *SigningKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// Rotate makes key the active signer and keeps predecessors published so
// in-flight tokens keep verifying.
func (k *KeyRing) Rotate(key *SigningKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.all = append([]*SigningKey{key}, k.all...)
	k.active = key
	k.logger.Info("signing key rotated", "kid", key.KeyID, "alg", key.Algorithm)
}

// Sign produces a compact JWS over payload with the active key. typ sets the
// JOSE typ header ("JWT", "at+jwt", "logout+jwt", ...).
func (k *KeyRing) Sign(payload []byte, typ string) (string, error) {
	active := k.Active()
	if active == nil {
		return "", ErrNoSigningKey
	}

	opts := (&jose.SignerOptions{}).WithType(jose.ContentType(typ))
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: active.Algorithm,
		Key: jose.JSONWebKey{
			Key:   active.Signer,
			KeyID: active.KeyID,
		},
	}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	return jws.CompactSerialize()
}

// SignClaims marshals claims to JSON and signs them.
func (k *KeyRing) SignClaims(claims map[string]any, typ string) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}
	return k.Sign(payload, typ)
}

// Verify checks a compact JWS against the ring and returns the payload.
// Tokens signed by rotated-out keys verify as long as the key is still held.
func (k *KeyRing) Verify(token string) ([]byte, error) {
	jws, err := jose.ParseSigned(token, signatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWS: %w", err)
	}

	kid := ""
	if len(jws.Signatures) > 0 {
		kid = jws.Signatures[0].Header.KeyID
	}

	k.mu.RLock()
	keys := k.all
	k.mu.RUnlock()

	for _, key := range keys {
		if kid != "" && key.KeyID != kid {
			continue
		}
		if payload, err := jws.Verify(key.Signer.Public()); err == nil {
			return payload, nil
		}
	}
	return nil, ErrUnknownKeyID
}

// PublicJWKS returns the published key set: public halves only, use=sig.
func (k *KeyRing) PublicJWKS() jose.JSONWebKeySet {
	k.mu.RLock()
	defer k.mu.RUnlock()

	set := jose.JSONWebKeySet{}
	for _, key := range k.all {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       key.Signer.Public(),
			KeyID:     key.KeyID,
			Algorithm: string(key.Algorithm),
			Use:       "sig",
		})
	}
	return set
}

// privateKeys returns every private key, newest first, for JWE unwrap.
func (k *KeyRing) privateKeys() []*SigningKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.all
}

// ResolveClientKey finds an encryption key for a client from either its
// inline JWKS or its jwks_uri (fetched through the remote cache).
func (k *KeyRing) ResolveClientKey(ctx context.Context, jwksJSON, jwksURI string) (*jose.JSONWebKey, error) {
	var set jose.JSONWebKeySet
	switch {
	case jwksJSON != "":
		if err := json.Unmarshal([]byte(jwksJSON), &set); err != nil {
			return nil, fmt.Errorf("failed to parse client JWKS: %w", err)
		}
	case jwksURI != "":
		if k.remote == nil {
			return nil, errors.New("remote JWKS resolution is not configured")
		}
		fetched, err := k.remote.Fetch(ctx, jwksURI)
		if err != nil {
			return nil, err
		}
		set = *fetched
	default:
		return nil, ErrNoEncryptionKey
	}

	// Prefer keys marked use=enc; fall back to unmarked keys.
	for _, key := range set.Keys {
		if key.Use == "enc" {
			return &key, nil
		}
	}
	for _, key := range set.Keys {
		if key.Use == "" {
			return &key, nil
		}
	}
	return nil, ErrNoEncryptionKey
}

// ResolveClientSigningKeys returns the verification keys for a client, for
// JAR request objects and private_key_jwt client assertions.
func (k *KeyRing) ResolveClientSigningKeys(ctx context.Context, jwksJSON, jwksURI string) (*jose.JSONWebKeySet, error) {
	var set jose.JSONWebKeySet
	switch {
	case jwksJSON != "":
		if err := json.Unmarshal([]byte(jwksJSON), &set); err != nil {
			return nil, fmt.Errorf("failed to parse client JWKS: %w", err)
		}
	case jwksURI != "":
		if k.remote == nil {
			return nil, errors.New("remote JWKS resolution is not configured")
		}
		fetched, err := k.remote.Fetch(ctx, jwksURI)
		if err != nil {
			return nil, err
		}
		set = *fetched
	default:
		return nil, errors.New("client has no registered JWKS")
	}
	return &set, nil
}
