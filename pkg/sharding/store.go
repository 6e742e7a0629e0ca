// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/authrim/authrim/pkg/storage"
)

// kvConfigKey is the KV key holding the generation config for a domain.
func kvConfigKey(domain Domain) string {
	return fmt.Sprintf("shardcfg/%s", domain)
}

// envelope pairs a config with its version token for optimistic writes.
type envelope struct {
	Version string            `json:"version"`
	Config  *GenerationConfig `json:"config"`
}

// KVStore persists generation configs in the KV adapter. Versions are opaque
// tokens refreshed on every save; Save fails with ErrVersionConflict when
// the stored token moved underneath the writer.
type KVStore struct {
	kv storage.KV
}

// NewKVStore creates a Store over kv.
func NewKVStore(kv storage.KV) *KVStore {
	return &KVStore{kv: kv}
}

// Load implements Store.
func (s *KVStore) Load(ctx context.Context, domain Domain) (*GenerationConfig, string, error) {
	raw, found, err := s.kv.Get(ctx, kvConfigKey(domain))
	if err != nil {
		return nil, "", fmt.Errorf("failed to load shard config: %w", err)
	}
	if !found {
		return nil, "", nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", fmt.Errorf("failed to decode shard config: %w", err)
	}
	return env.Config, env.Version, nil
}

// Save implements Store.
func (s *KVStore) Save(ctx context.Context, domain Domain, cfg *GenerationConfig, expectVersion string) error {
	// Re-read to detect a concurrent writer. Shard configs have a single
	// writer (the admin surface), so a plain read-compare-write suffices.
	_, current, err := s.Load(ctx, domain)
	if err != nil {
		return err
	}
	if current != expectVersion {
		return ErrVersionConflict
	}

	raw, err := json.Marshal(envelope{Version: uuid.NewString(), Config: cfg})
	if err != nil {
		return fmt.Errorf("failed to encode shard config: %w", err)
	}
	if err := s.kv.Put(ctx, kvConfigKey(domain), raw, 0); err != nil {
		return fmt.Errorf("failed to persist shard config: %w", err)
	}
	return nil
}
