// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryAttempts is the bound on transient-failure retries before the error
// surfaces to the caller as server_error.
const retryAttempts = 3

// WithRetry runs op with jittered exponential backoff for transient storage
// failures. The operation must be idempotent.
func WithRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(retryAttempts),
	)
}
