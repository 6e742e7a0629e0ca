// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/authrim/authrim/pkg/storage"
)

// State names one phase of an in-flight authorization transaction.
type State string

// Transaction states.
const (
	StateInit           State = "init"
	StateAuthenticating State = "authenticating"
	StateConsent        State = "consent"
	StateApproved       State = "approved"
	StateFinalized      State = "finalized"
	StateDenied         State = "denied"
	StateError          State = "error"
)

// txnTTL bounds how long an interactive authorization may stay in flight.
const txnTTL = 10 * time.Minute

var (
	// ErrTxnNotFound is returned for unknown or expired transactions.
	ErrTxnNotFound = errors.New("authorization transaction not found")

	// ErrBadTransition is returned for a transition outside the machine.
	ErrBadTransition = errors.New("invalid authorization state transition")
)

// transitions is the legal edge set. Re-entering the current state is
// always allowed, which makes replayed browser requests idempotent.
var transitions = map[State][]State{
	StateInit:           {StateAuthenticating, StateError},
	StateAuthenticating: {StateConsent, StateApproved, StateDenied, StateError},
	StateConsent:        {StateApproved, StateDenied, StateError},
	StateApproved:       {StateFinalized, StateError},
}

// Transaction is the durable record of one interactive authorization.
type Transaction struct {
	ID      string          `json:"id"`
	State   State           `json:"state"`
	Request json.RawMessage `json:"request"`
	UserID  string          `json:"user_id,omitempty"`

	CreatedAt int64 `json:"created_at"`
	ExpiresAt int64 `json:"expires_at"`
}

// TxnStore persists authorization transactions across the interactive
// round trips (login form, consent form) of one authorization.
type TxnStore struct {
	kv storage.KV
}

// NewTxnStore creates a transaction store over kv.
func NewTxnStore(kv storage.KV) *TxnStore {
	return &TxnStore{kv: kv}
}

func txnKey(id string) string {
	return "authtxn/" + id
}

// Begin creates a transaction in the init state for the serialized request.
func (s *TxnStore) Begin(ctx context.Context, request json.RawMessage) (*Transaction, error) {
	now := time.Now()
	txn := &Transaction{
		ID:        uuid.NewString(),
		State:     StateInit,
		Request:   request,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(txnTTL).UnixMilli(),
	}
	if err := s.save(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// Get loads a transaction, enforcing expiry on read.
func (s *TxnStore) Get(ctx context.Context, id string) (*Transaction, error) {
	raw, found, err := s.kv.Get(ctx, txnKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization transaction: %w", err)
	}
	if !found {
		return nil, ErrTxnNotFound
	}
	var txn Transaction
	if err := json.Unmarshal(raw, &txn); err != nil {
		return nil, fmt.Errorf("failed to decode authorization transaction: %w", err)
	}
	if time.Now().UnixMilli() > txn.ExpiresAt {
		_ = s.kv.Delete(ctx, txnKey(id))
		return nil, ErrTxnNotFound
	}
	return &txn, nil
}

// Advance moves the transaction to next, persisting the change. Re-entry
// into the current state is a no-op success.
func (s *TxnStore) Advance(ctx context.Context, txn *Transaction, next State) error {
	if txn.State == next {
		return nil
	}
	if !slices.Contains(transitions[txn.State], next) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, txn.State, next)
	}
	txn.State = next
	return s.save(ctx, txn)
}

// Delete removes a settled transaction.
func (s *TxnStore) Delete(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, txnKey(id))
}

func (s *TxnStore) save(ctx context.Context, txn *Transaction) error {
	raw, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("failed to encode authorization transaction: %w", err)
	}
	ttl := time.Until(time.UnixMilli(txn.ExpiresAt))
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.kv.Put(ctx, txnKey(txn.ID), raw, ttl); err != nil {
		return fmt.Errorf("failed to store authorization transaction: %w", err)
	}
	return nil
}
