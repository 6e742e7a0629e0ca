// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package actor provides name-addressed, single-writer mailboxes. Every
// mutation against one key (a session, a refresh family, a revocation
// shard) is funneled through the mailbox owning that key, so actor code
// runs single-threaded and needs no locks.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// defaultQueueSize bounds each mailbox. A full mailbox sheds load rather
// than queueing unboundedly.
const defaultQueueSize = 256

var (
	// ErrMailboxFull is returned when an actor's queue is saturated.
	// Callers surface it as temporarily_unavailable.
	ErrMailboxFull = errors.New("actor mailbox full")

	// ErrHostClosed is returned after Shutdown.
	ErrHostClosed = errors.New("actor host closed")
)

// Host owns the mailboxes. One Host per process; actors are addressed by
// instance name (e.g. "refresh-g3-s17").
type Host struct {
	logger    *slog.Logger
	queueSize int

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	closed    bool

	wg sync.WaitGroup

	// onDepth, when set, reports queue depth changes for instrumentation.
	onDepth func(name string, depth int)
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithLogger sets the host logger.
func WithLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithQueueSize overrides the per-mailbox queue bound.
func WithQueueSize(n int) HostOption {
	return func(h *Host) {
		h.queueSize = n
	}
}

// WithDepthObserver registers a callback receiving queue-depth updates.
func WithDepthObserver(fn func(name string, depth int)) HostOption {
	return func(h *Host) {
		h.onDepth = fn
	}
}

// NewHost creates an actor host.
func NewHost(opts ...HostOption) *Host {
	h := &Host{
		logger:    slog.Default(),
		queueSize: defaultQueueSize,
		mailboxes: make(map[string]*mailbox),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type task struct {
	op     func(ctx context.Context) (any, error)
	result chan taskResult
}

type taskResult struct {
	value any
	err   error
}

type mailbox struct {
	name  string
	queue chan task
}

// Do runs op on the mailbox owning name. Operations for the same name run
// serially in submission order. Once dequeued, an operation always runs to
// completion: a caller that gives up waiting does not abort the mutation.
func (h *Host) Do(ctx context.Context, name string, op func(ctx context.Context) (any, error)) (any, error) {
	mb, err := h.mailboxFor(name)
	if err != nil {
		return nil, err
	}

	t := task{op: op, result: make(chan taskResult, 1)}
	select {
	case mb.queue <- t:
		if h.onDepth != nil {
			h.onDepth(name, len(mb.queue))
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("%w: %s", ErrMailboxFull, name)
	}

	select {
	case res := <-t.result:
		return res.value, res.err
	case <-ctx.Done():
		// The operation still completes; only the caller stops waiting.
		return nil, ctx.Err()
	}
}

// Call is the typed wrapper around Host.Do.
func Call[T any](ctx context.Context, h *Host, name string, op func(ctx context.Context) (T, error)) (T, error) {
	value, err := h.Do(ctx, name, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("actor %s returned %T", name, value)
	}
	return typed, nil
}

func (h *Host) mailboxFor(name string) (*mailbox, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHostClosed
	}
	mb, ok := h.mailboxes[name]
	if !ok {
		mb = &mailbox{
			name:  name,
			queue: make(chan task, h.queueSize),
		}
		h.mailboxes[name] = mb
		h.wg.Add(1)
		go h.run(mb)
	}
	return mb, nil
}

// run is the single-threaded loop for one mailbox.
func (h *Host) run(mb *mailbox) {
	defer h.wg.Done()
	for t := range mb.queue {
		// Detached from caller cancellation: a dequeued mutation is
		// either applied and durable before return, or not at all.
		value, err := t.op(context.Background())
		t.result <- taskResult{value: value, err: err}
	}
}

// Shutdown stops accepting work and drains every mailbox.
func (h *Host) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, mb := range h.mailboxes {
		close(mb.queue)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
