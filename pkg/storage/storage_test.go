// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kvUnderTest runs the shared KV contract tests against an implementation.
func kvUnderTest(t *testing.T, kv KV) {
	t.Helper()
	ctx := t.Context()

	// Missing key.
	_, found, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	// Put / Get round trip.
	require.NoError(t, kv.Put(ctx, "a", []byte("value-a"), 0))
	value, found, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("value-a"), value)

	// Delete is idempotent.
	require.NoError(t, kv.Delete(ctx, "a"))
	require.NoError(t, kv.Delete(ctx, "a"))
	_, found, err = kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	// Prefix listing.
	require.NoError(t, kv.Put(ctx, "p/1", []byte("1"), 0))
	require.NoError(t, kv.Put(ctx, "p/2", []byte("2"), 0))
	require.NoError(t, kv.Put(ctx, "q/1", []byte("3"), 0))
	keys, _, err := kv.List(ctx, "p/", "", 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p/1", "p/2"}, keys)
}

func TestMemoryKVContract(t *testing.T) {
	t.Parallel()

	kv := NewMemoryKV(WithCleanupInterval(10 * time.Millisecond))
	t.Cleanup(func() { _ = kv.Close() })
	kvUnderTest(t, kv)
}

func TestMemoryKVTTL(t *testing.T) {
	t.Parallel()

	kv := NewMemoryKV(WithCleanupInterval(5 * time.Millisecond))
	t.Cleanup(func() { _ = kv.Close() })
	ctx := t.Context()

	require.NoError(t, kv.Put(ctx, "short", []byte("x"), 20*time.Millisecond))
	_, found, err := kv.Get(ctx, "short")
	require.NoError(t, err)
	assert.True(t, found)

	time.Sleep(40 * time.Millisecond)
	_, found, err = kv.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisKVContract(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := NewRedisKVWithClient(client, "test:")
	t.Cleanup(func() { _ = kv.Close() })
	kvUnderTest(t, kv)
}

func TestRedisKVTTL(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := NewRedisKVWithClient(client, "test:")
	t.Cleanup(func() { _ = kv.Close() })
	ctx := t.Context()

	require.NoError(t, kv.Put(ctx, "short", []byte("x"), time.Second))
	mr.FastForward(2 * time.Second)

	_, found, err := kv.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOpenSQLiteAppliesMigrations(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(t.Context(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"users", "clients", "linked_identities", "settings", "audit_log", "tombstones"} {
		var name string
		err := db.QueryRowContext(t.Context(),
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}
}
