// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package challenge implements the single-consume challenge store backing
// DID registration nonces, WebAuthn challenges, OTP hashes, back-channel
// logout jti replay prevention, and PAR assertion jtis.
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/storage"
)

// Type discriminates challenge namespaces. Consume requires the type to
// match so a WebAuthn challenge can never satisfy an OTP lookup.
type Type string

// Challenge namespaces.
const (
	TypeDIDRegistration Type = "did_registration"
	TypeWebAuthn        Type = "webauthn"
	TypeOTP             Type = "otp"
	TypeLogoutJTI       Type = "logout_jti"
	TypePARAssertion    Type = "par_jti"
)

// MaxTTL bounds challenge lifetimes.
const MaxTTL = 10 * time.Minute

// shardCount spreads challenge keys across mailboxes. Correctness only
// needs same-key affinity; the count is a throughput knob.
const shardCount = 16

var (
	// ErrDuplicate is returned when a challenge id is already stored.
	ErrDuplicate = errors.New("challenge already exists")

	// ErrNotFound is returned for unknown or already consumed challenges.
	ErrNotFound = errors.New("challenge not found")

	// ErrExpired is returned when the challenge exists but its TTL lapsed.
	ErrExpired = errors.New("challenge expired")
)

// Challenge is one single-consume record.
type Challenge struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	IssuedAt  int64           `json:"issued_at"`
	ExpiresAt int64           `json:"expires_at"`
}

// Store is the challenge actor facade. All mutations for one (type, id)
// serialize through the same mailbox, which is what makes store-once and
// consume-once atomic without storage transactions.
type Store struct {
	host *actor.Host
	kv   storage.KV
}

// NewStore creates a challenge store over the given host and KV.
func NewStore(host *actor.Host, kv storage.KV) *Store {
	return &Store{host: host, kv: kv}
}

func key(typ Type, id string) string {
	return fmt.Sprintf("challenge/%s/%s", typ, id)
}

func instance(typ Type, id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(typ))
	_, _ = h.Write([]byte(id))
	return fmt.Sprintf("challenge-s%d", h.Sum32()%shardCount)
}

// Put stores a challenge, rejecting duplicates. The TTL is clamped to MaxTTL.
func (s *Store) Put(ctx context.Context, ch *Challenge) error {
	now := time.Now()
	if ch.IssuedAt == 0 {
		ch.IssuedAt = now.UnixMilli()
	}
	maxExpiry := now.Add(MaxTTL).UnixMilli()
	if ch.ExpiresAt == 0 || ch.ExpiresAt > maxExpiry {
		ch.ExpiresAt = maxExpiry
	}

	_, err := s.host.Do(ctx, instance(ch.Type, ch.ID), func(ctx context.Context) (any, error) {
		k := key(ch.Type, ch.ID)
		_, found, err := s.kv.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("failed to check challenge: %w", err)
		}
		if found {
			return nil, ErrDuplicate
		}

		raw, err := json.Marshal(ch)
		if err != nil {
			return nil, fmt.Errorf("failed to encode challenge: %w", err)
		}
		ttl := time.Until(time.UnixMilli(ch.ExpiresAt))
		if ttl <= 0 {
			// Keep a floor so backends that reject non-positive TTLs
			// still record the row; Consume reports it expired.
			ttl = time.Second
		}
		if err := s.kv.Put(ctx, k, raw, ttl); err != nil {
			return nil, fmt.Errorf("failed to store challenge: %w", err)
		}
		return nil, nil
	})
	return err
}

// Consume returns the challenge and deletes it in one actor operation.
// A second Consume for the same id fails with ErrNotFound.
func (s *Store) Consume(ctx context.Context, typ Type, id string) (*Challenge, error) {
	return actor.Call(ctx, s.host, instance(typ, id), func(ctx context.Context) (*Challenge, error) {
		k := key(typ, id)
		raw, found, err := s.kv.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("failed to load challenge: %w", err)
		}
		if !found {
			return nil, ErrNotFound
		}

		var ch Challenge
		if err := json.Unmarshal(raw, &ch); err != nil {
			return nil, fmt.Errorf("failed to decode challenge: %w", err)
		}

		// Delete before returning: even an expired challenge is gone
		// after one lookup.
		if err := s.kv.Delete(ctx, k); err != nil {
			return nil, fmt.Errorf("failed to delete challenge: %w", err)
		}

		if time.Now().UnixMilli() > ch.ExpiresAt {
			return nil, ErrExpired
		}
		return &ch, nil
	})
}
