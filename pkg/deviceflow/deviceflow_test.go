// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package deviceflow

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/oautherr"
	"github.com/authrim/authrim/pkg/storage"
)

func newTestFlow(t *testing.T, opts ...Option) *Flow {
	t.Helper()
	host := actor.NewHost()
	t.Cleanup(host.Shutdown)
	kv := storage.NewMemoryKV(storage.WithCleanupInterval(time.Minute))
	t.Cleanup(func() { _ = kv.Close() })
	return NewFlow(host, kv, opts...)
}

func TestUserCodeShape(t *testing.T) {
	t.Parallel()

	pattern := regexp.MustCompile(`^[23456789ABCDEFGHJKMNPQRSTUVWXYZ]{4}-[23456789ABCDEFGHJKMNPQRSTUVWXYZ]{4}$`)
	for range 50 {
		code, err := GenerateUserCode()
		require.NoError(t, err)
		assert.Regexp(t, pattern, code)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	t.Parallel()

	// Zero interval so the happy path is not rate limited.
	flow := newTestFlow(t, WithInterval(0))
	ctx := t.Context()

	c, err := flow.Authorize(ctx, "client-1", []string{"openid"})
	require.NoError(t, err)
	assert.Equal(t, StatePending, c.State)

	// Poll before the decision.
	_, err = flow.Poll(ctx, c.DeviceCode, "client-1")
	assert.ErrorIs(t, err, oautherr.ErrAuthorizationPending)

	require.NoError(t, flow.Verify(ctx, c.UserCode, "user-1", true))

	approved, err := flow.Poll(ctx, c.DeviceCode, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", approved.UserID)
	assert.Equal(t, []string{"openid"}, approved.Scope)

	// Redeeming twice fails.
	_, err = flow.Poll(ctx, c.DeviceCode, "client-1")
	assert.ErrorIs(t, err, oautherr.ErrInvalidGrant)
}

func TestDenial(t *testing.T) {
	t.Parallel()

	flow := newTestFlow(t, WithInterval(0))
	ctx := t.Context()

	c, err := flow.Authorize(ctx, "client-1", nil)
	require.NoError(t, err)

	require.NoError(t, flow.Verify(ctx, c.UserCode, "user-1", false))
	_, err = flow.Poll(ctx, c.DeviceCode, "client-1")
	assert.ErrorIs(t, err, oautherr.ErrAccessDenied)

	// The decision is final.
	err = flow.Verify(ctx, c.UserCode, "user-1", true)
	assert.ErrorIs(t, err, oautherr.ErrInvalidRequest)
}

func TestSlowDownIncreasesInterval(t *testing.T) {
	t.Parallel()

	flow := newTestFlow(t, WithInterval(5))
	ctx := t.Context()

	c, err := flow.Authorize(ctx, "client-1", nil)
	require.NoError(t, err)

	// First poll passes; an immediate second poll violates the interval.
	_, err = flow.Poll(ctx, c.DeviceCode, "client-1")
	assert.ErrorIs(t, err, oautherr.ErrAuthorizationPending)

	_, err = flow.Poll(ctx, c.DeviceCode, "client-1")
	assert.ErrorIs(t, err, oautherr.ErrSlowDown)

	// The violation bumped the stored interval.
	_, err = flow.Poll(ctx, c.DeviceCode, "client-1")
	assert.ErrorIs(t, err, oautherr.ErrSlowDown)
}

func TestClientBinding(t *testing.T) {
	t.Parallel()

	flow := newTestFlow(t, WithInterval(0))
	ctx := t.Context()

	c, err := flow.Authorize(ctx, "client-1", nil)
	require.NoError(t, err)

	_, err = flow.Poll(ctx, c.DeviceCode, "client-2")
	assert.ErrorIs(t, err, oautherr.ErrInvalidGrant)
}

func TestExpiry(t *testing.T) {
	t.Parallel()

	flow := newTestFlow(t, WithInterval(0), WithExpiry(30*time.Millisecond))
	ctx := t.Context()

	c, err := flow.Authorize(ctx, "client-1", nil)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	_, err = flow.Poll(ctx, c.DeviceCode, "client-1")
	assert.ErrorIs(t, err, oautherr.ErrExpiredToken)
}

func TestUnknownUserCode(t *testing.T) {
	t.Parallel()

	flow := newTestFlow(t)
	err := flow.Verify(t.Context(), "AAAA-AAAA", "user-1", true)
	assert.ErrorIs(t, err, oautherr.ErrNotFound)
}
