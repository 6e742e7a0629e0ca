// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the narrow persistence contracts the protocol
// engine depends on, with in-memory, Redis, and SQLite implementations.
// Engines never see a concrete store; everything routes through these
// interfaces.
package storage

import (
	"context"
	"database/sql"
	"time"
)

// KV is the key-value contract used by the actor stores and caches.
// Implementations must honor TTLs; a zero TTL means no expiry.
type KV interface {
	// Get returns the value for key. found is false for missing or
	// expired keys.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Put stores value under key with an optional TTL.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns up to limit keys with the given prefix, starting after
	// cursor. An empty next cursor means the listing is complete.
	List(ctx context.Context, prefix, cursor string, limit int) (keys []string, next string, err error)

	// Close releases the underlying resources.
	Close() error
}

// RelationalDB is the SQL contract used by the settings, audit, and
// federation stores. *sql.DB satisfies it directly.
type RelationalDB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
