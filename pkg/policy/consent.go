// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/authrim/authrim/pkg/storage"
)

// DefaultConsentTTL bounds how long a remembered consent is honored
// before the user is asked again.
const DefaultConsentTTL = 90 * 24 * time.Hour

// ConsentStore remembers which scopes a user has granted to a client.
type ConsentStore struct {
	kv  storage.KV
	ttl time.Duration
}

// ConsentOption configures a ConsentStore.
type ConsentOption func(*ConsentStore)

// WithConsentTTL overrides the remembered-consent lifetime.
func WithConsentTTL(ttl time.Duration) ConsentOption {
	return func(s *ConsentStore) {
		s.ttl = ttl
	}
}

// NewConsentStore creates a consent store over kv.
func NewConsentStore(kv storage.KV, opts ...ConsentOption) *ConsentStore {
	s := &ConsentStore{kv: kv, ttl: DefaultConsentTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func consentKey(userID, clientID string) string {
	return fmt.Sprintf("consent/%s/%s", userID, clientID)
}

type consentRecord struct {
	Scopes    []string `json:"scopes"`
	GrantedAt int64    `json:"granted_at"`
}

// Grant records that user consented to the scopes for client, merging with
// any earlier grant.
func (s *ConsentStore) Grant(ctx context.Context, userID, clientID string, scopes []string) error {
	existing, _, err := s.granted(ctx, userID, clientID)
	if err != nil {
		return err
	}
	for _, sc := range scopes {
		if !slices.Contains(existing, sc) {
			existing = append(existing, sc)
		}
	}
	slices.Sort(existing)

	raw, err := json.Marshal(consentRecord{Scopes: existing, GrantedAt: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("failed to encode consent: %w", err)
	}
	if err := s.kv.Put(ctx, consentKey(userID, clientID), raw, s.ttl); err != nil {
		return fmt.Errorf("failed to store consent: %w", err)
	}
	return nil
}

// Missing returns the requested scopes not yet covered by a remembered
// grant. An empty result means no consent prompt is needed.
func (s *ConsentStore) Missing(ctx context.Context, userID, clientID string, requested []string) ([]string, error) {
	granted, _, err := s.granted(ctx, userID, clientID)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, sc := range requested {
		if !slices.Contains(granted, sc) {
			missing = append(missing, sc)
		}
	}
	return missing, nil
}

// Revoke forgets every grant from user to client.
func (s *ConsentStore) Revoke(ctx context.Context, userID, clientID string) error {
	return s.kv.Delete(ctx, consentKey(userID, clientID))
}

func (s *ConsentStore) granted(ctx context.Context, userID, clientID string) ([]string, bool, error) {
	raw, found, err := s.kv.Get(ctx, consentKey(userID, clientID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load consent: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	var rec consentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("failed to decode consent: %w", err)
	}
	return rec.Scopes, true, nil
}
