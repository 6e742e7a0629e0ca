// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/storage"
)

func newTestLog(t *testing.T, opts ...Option) *Log {
	t.Helper()
	db, err := storage.OpenSQLite(t.Context(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewLog(db, nil, opts...)
}

func TestAppendAndQuery(t *testing.T) {
	t.Parallel()

	l := newTestLog(t)
	ctx := t.Context()

	require.NoError(t, l.Append(ctx, &Entry{
		Actor:  "admin-1",
		Action: "client.update",
		Target: "client-abc",
		Before: json.RawMessage(`{"enabled":true}`),
		After:  json.RawMessage(`{"enabled":false}`),
	}))
	require.NoError(t, l.Append(ctx, &Entry{
		Actor:  "admin-1",
		Action: "settings.patch",
		Target: "tenant-1/token",
	}))

	entries, err := l.Query(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, "settings.patch", entries[0].Action)
	assert.Equal(t, "client.update", entries[1].Action)
	assert.JSONEq(t, `{"enabled":false}`, string(entries[1].After))
	assert.NotEmpty(t, entries[0].ID)

	// Outside the window.
	entries, err = l.Query(ctx, time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTombstoneBlindIndex(t *testing.T) {
	t.Parallel()

	l := newTestLog(t)
	ctx := t.Context()

	ts, err := l.RecordDeletion(ctx, "user-1", "tenant-1", "Gone@Example.com", "admin-1", "gdpr_request", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, ts.EmailBlindIndex)
	// The raw address never lands in the row.
	assert.NotContains(t, ts.EmailBlindIndex, "example.com")

	found, err := l.IsEmailTombstoned(ctx, "tenant-1", "gone@example.com")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = l.IsEmailTombstoned(ctx, "tenant-1", "other@example.com")
	require.NoError(t, err)
	assert.False(t, found)

	// Tenant isolation.
	found, err = l.IsEmailTombstoned(ctx, "tenant-2", "gone@example.com")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeletionAppendsAuditEntry(t *testing.T) {
	t.Parallel()

	l := newTestLog(t)
	ctx := t.Context()

	_, err := l.RecordDeletion(ctx, "user-2", "", "x@example.com", "admin-9", "user_request", nil)
	require.NoError(t, err)

	entries, err := l.Query(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "user.delete", entries[0].Action)
	assert.Equal(t, "user-2", entries[0].Target)
	assert.Equal(t, "admin-9", entries[0].Actor)
}

func TestSweepRespectsRetention(t *testing.T) {
	t.Parallel()

	// Negative retention expires tombstones immediately.
	l := newTestLog(t, WithRetention(-time.Minute))
	ctx := t.Context()

	_, err := l.RecordDeletion(ctx, "user-3", "", "a@example.com", "admin", "", nil)
	require.NoError(t, err)

	fresh := newTestLog(t)
	_, err = fresh.RecordDeletion(ctx, "user-4", "", "b@example.com", "admin", "", nil)
	require.NoError(t, err)

	// Dry run counts but removes nothing.
	res, err := l.SweepTombstones(ctx, true)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.Examined)
	assert.Equal(t, 1, res.Removed)

	found, err := l.IsEmailTombstoned(ctx, "", "a@example.com")
	require.NoError(t, err)
	assert.False(t, found, "expired tombstone must not match even before the sweep")

	res, err = l.SweepTombstones(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	res, err = l.SweepTombstones(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, res.Removed)

	// The fresh tombstone in the other store is untouched by its sweep.
	res, err = fresh.SweepTombstones(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Examined)
	assert.Zero(t, res.Removed)
}
