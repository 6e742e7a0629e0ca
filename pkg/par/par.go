// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package par implements pushed authorization requests (RFC 9126) and
// JWT-secured authorization request verification (RFC 9101).
package par

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"time"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/crypto"
	"github.com/authrim/authrim/pkg/storage"
)

// RequestURIPrefix is the RFC 9126 urn prefix.
const RequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

const (
	// MaxTTL caps stored request lifetime.
	MaxTTL = 10 * time.Minute

	// DefaultTTL matches the expires_in most deployments advertise.
	DefaultTTL = 90 * time.Second

	shardCount = 16
)

var (
	// ErrNotFound is returned for unknown, expired, or consumed request uris.
	ErrNotFound = errors.New("request_uri not found")

	// ErrClientMismatch is returned when the presenting client is not the
	// pushing client.
	ErrClientMismatch = errors.New("request_uri pushed by another client")
)

// Record is one stored pushed request.
type Record struct {
	ClientID  string     `json:"client_id"`
	Params    url.Values `json:"params"`
	IssuedAt  int64      `json:"issued_at"`
	ExpiresAt int64      `json:"expires_at"`
}

// Store holds pushed requests until their single consumption.
type Store struct {
	host *actor.Host
	kv   storage.KV
	ttl  time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the request lifetime, clamped to MaxTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = min(ttl, MaxTTL)
		}
	}
}

// NewStore creates a PAR store.
func NewStore(host *actor.Host, kv storage.KV, opts ...Option) *Store {
	s := &Store{host: host, kv: kv, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured lifetime, for the expires_in response field.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

func key(requestURI string) string {
	return "par/" + requestURI
}

func instance(requestURI string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(requestURI))
	return fmt.Sprintf("par-s%d", h.Sum32()%shardCount)
}

// Push stores validated authorize parameters under a fresh request_uri.
func (s *Store) Push(ctx context.Context, clientID string, params url.Values) (requestURI string, expiresIn time.Duration, err error) {
	opaque, err := crypto.RandomToken(43)
	if err != nil {
		return "", 0, fmt.Errorf("failed to generate request_uri: %w", err)
	}
	requestURI = RequestURIPrefix + opaque

	now := time.Now()
	rec := Record{
		ClientID:  clientID,
		Params:    params,
		IssuedAt:  now.UnixMilli(),
		ExpiresAt: now.Add(s.ttl).UnixMilli(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode pushed request: %w", err)
	}

	_, err = s.host.Do(ctx, instance(requestURI), func(ctx context.Context) (any, error) {
		if err := s.kv.Put(ctx, key(requestURI), raw, s.ttl); err != nil {
			return nil, fmt.Errorf("failed to store pushed request: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return "", 0, err
	}
	return requestURI, s.ttl, nil
}

// Consume redeems a request_uri exactly once, checking that the presenting
// client pushed it. The record is deleted even when the client check
// fails: a request_uri that reached the authorize endpoint is spent.
func (s *Store) Consume(ctx context.Context, requestURI, clientID string) (url.Values, error) {
	return actor.Call(ctx, s.host, instance(requestURI), func(ctx context.Context) (url.Values, error) {
		k := key(requestURI)
		raw, found, err := s.kv.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("failed to load pushed request: %w", err)
		}
		if !found {
			return nil, ErrNotFound
		}
		if err := s.kv.Delete(ctx, k); err != nil {
			return nil, fmt.Errorf("failed to delete pushed request: %w", err)
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode pushed request: %w", err)
		}
		if time.Now().UnixMilli() > rec.ExpiresAt {
			return nil, ErrNotFound
		}
		if rec.ClientID != clientID {
			return nil, ErrClientMismatch
		}
		return rec.Params, nil
	})
}
