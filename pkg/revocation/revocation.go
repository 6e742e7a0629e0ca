// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package revocation implements the token revocation index: a sharded
// deny-list of jtis consulted by introspection and resource-facing checks.
// Entries live only until the token's own expiry, so the index stays small.
package revocation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/storage"
)

// minRetention keeps an entry visible even when revoke lands at or after
// the token's expiry, covering clock skew between issuer and verifier.
const minRetention = time.Minute

// Index is the revocation deny-list facade. Writes serialize through the
// shard actor owning the jti; reads are lock-free KV lookups.
type Index struct {
	host   *actor.Host
	kv     storage.KV
	router *sharding.Router
	logger *slog.Logger
}

// NewIndex creates a revocation index.
func NewIndex(host *actor.Host, kv storage.KV, router *sharding.Router, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{host: host, kv: kv, router: router, logger: logger}
}

func key(jti string) string {
	return "revoked/" + jti
}

// Revoke marks jti revoked until exp. Idempotent.
func (i *Index) Revoke(ctx context.Context, jti string, exp time.Time) error {
	instance, err := i.router.RouteRevocation(ctx, jti)
	if err != nil {
		return err
	}
	ttl := time.Until(exp)
	if ttl < minRetention {
		ttl = minRetention
	}
	_, err = i.host.Do(ctx, instance, func(ctx context.Context) (any, error) {
		if err := i.kv.Put(ctx, key(jti), []byte{1}, ttl); err != nil {
			return nil, fmt.Errorf("failed to store revocation: %w", err)
		}
		return nil, nil
	})
	return err
}

// RevokeBatch marks every jti revoked until its paired expiry. Entries are
// grouped per owning shard so each shard sees one serialized write burst.
func (i *Index) RevokeBatch(ctx context.Context, jtis map[string]time.Time) error {
	byInstance := make(map[string][]string)
	for jti := range jtis {
		instance, err := i.router.RouteRevocation(ctx, jti)
		if err != nil {
			return err
		}
		byInstance[instance] = append(byInstance[instance], jti)
	}

	for instance, group := range byInstance {
		_, err := i.host.Do(ctx, instance, func(ctx context.Context) (any, error) {
			for _, jti := range group {
				ttl := time.Until(jtis[jti])
				if ttl < minRetention {
					ttl = minRetention
				}
				if err := i.kv.Put(ctx, key(jti), []byte{1}, ttl); err != nil {
					return nil, fmt.Errorf("failed to store revocation: %w", err)
				}
			}
			return nil, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// IsRevoked reports whether jti is on the deny-list. Absence means the
// token is not revoked (or already past its natural expiry, which is the
// same answer for a verifier).
func (i *Index) IsRevoked(ctx context.Context, jti string) (bool, error) {
	_, found, err := i.kv.Get(ctx, key(jti))
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return found, nil
}
