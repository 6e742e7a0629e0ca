// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package sharding implements generation-based shard routing for sessions,
// refresh families, revocation records, and regions. Identifiers embed the
// generation and shard they were minted at, so shard counts can change
// online without invalidating in-flight material.
package sharding

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Domain names one independently sharded keyspace.
type Domain string

// The four sharded domains.
const (
	DomainSession    Domain = "session"
	DomainRefresh    Domain = "refresh"
	DomainRevocation Domain = "revocation"
	DomainRegion     Domain = "region"
)

// Defaults used when no configuration has ever been written for a domain.
const (
	DefaultShardCount = 4

	// LegacyShardCount routes identifiers minted before generations were
	// introduced. It never changes; legacy ids hash into this fixed space.
	LegacyShardCount = 4

	// maxPreviousGenerations bounds the retained resharding history.
	maxPreviousGenerations = 5

	// configCacheTTL is the process-wide staleness bound for cached
	// generation configs.
	configCacheTTL = 5 * time.Minute
)

// ErrVersionConflict is returned by Store implementations when the expected
// version does not match; the caller re-reads and retries.
var ErrVersionConflict = errors.New("shard config version conflict")

// GenerationEntry records one retired resharding epoch.
type GenerationEntry struct {
	Generation   int   `json:"gen"`
	ShardCount   int   `json:"shardCount"`
	DeprecatedAt int64 `json:"deprecatedAt"`
}

// GenerationConfig is the authoritative shard layout for one domain.
type GenerationConfig struct {
	CurrentGeneration   int               `json:"currentGeneration"`
	CurrentShardCount   int               `json:"currentShardCount"`
	PreviousGenerations []GenerationEntry `json:"previousGenerations"`
	UpdatedAt           int64             `json:"updatedAt"`
	UpdatedBy           string            `json:"updatedBy"`
}

// DefaultConfig is the layout assumed when no config exists yet.
func DefaultConfig(shardCount int) *GenerationConfig {
	if shardCount < 1 {
		shardCount = DefaultShardCount
	}
	return &GenerationConfig{
		CurrentGeneration: 1,
		CurrentShardCount: shardCount,
	}
}

// ShardCountFor returns the shard count of generation gen, searching the
// current generation and the retained history.
func (c *GenerationConfig) ShardCountFor(gen int) (int, bool) {
	if gen == c.CurrentGeneration {
		return c.CurrentShardCount, true
	}
	for _, prev := range c.PreviousGenerations {
		if prev.Generation == gen {
			return prev.ShardCount, true
		}
	}
	return 0, false
}

// advance retires the current generation into history and installs a new
// shard count. History is a bounded FIFO.
func (c *GenerationConfig) advance(newShardCount int, updatedBy string, now time.Time) {
	c.PreviousGenerations = append(c.PreviousGenerations, GenerationEntry{
		Generation:   c.CurrentGeneration,
		ShardCount:   c.CurrentShardCount,
		DeprecatedAt: now.UnixMilli(),
	})
	if len(c.PreviousGenerations) > maxPreviousGenerations {
		c.PreviousGenerations = c.PreviousGenerations[len(c.PreviousGenerations)-maxPreviousGenerations:]
	}
	c.CurrentGeneration++
	c.CurrentShardCount = newShardCount
	c.UpdatedAt = now.UnixMilli()
	c.UpdatedBy = updatedBy
}

// Store persists generation configs. Writes are conditional on the version
// observed at read time; concurrent writers lose with ErrVersionConflict.
type Store interface {
	// Load returns the config for domain and an opaque version token.
	// A missing config returns (nil, "", nil).
	Load(ctx context.Context, domain Domain) (*GenerationConfig, string, error)

	// Save writes cfg if the stored version still equals expectVersion.
	// Pass an empty version to create.
	Save(ctx context.Context, domain Domain, cfg *GenerationConfig, expectVersion string) error
}

// validateShardCount bounds shard counts to something an in-process actor
// host can reasonably run.
func validateShardCount(n int) error {
	if n < 1 || n > 1024 {
		return fmt.Errorf("shard count must be in [1,1024], got %d", n)
	}
	return nil
}
