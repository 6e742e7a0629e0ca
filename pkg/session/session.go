// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the authoritative session store. Each session
// is owned by a single-writer actor selected from the generation and shard
// embedded in the session id.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/storage"
)

// DefaultTTL is the session lifetime when the caller does not set one.
const DefaultTTL = 24 * time.Hour

// terminateFanOut bounds concurrent shard calls during back-channel logout.
const terminateFanOut = 8

var (
	// ErrNotFound is returned for unknown or expired sessions.
	ErrNotFound = errors.New("session not found")
)

// Session is the durable login state for one browser or device.
type Session struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	AuthTime int64  `json:"auth_time"`

	// Methods and AMR record how the user authenticated; ACR is the
	// resulting assurance class.
	Methods []string `json:"methods,omitempty"`
	ACR     string   `json:"acr,omitempty"`
	AMR     []string `json:"amr,omitempty"`

	CreatedAt int64 `json:"created_at"`
	ExpiresAt int64 `json:"expires_at"`
	LastSeen  int64 `json:"last_seen,omitempty"`

	// External provider binding for federated logins; back-channel
	// logout terminates sessions by this pair.
	ExternalProviderID  string `json:"external_provider_id,omitempty"`
	ExternalProviderSub string `json:"external_provider_sub,omitempty"`
}

// Store is the session actor facade.
type Store struct {
	host   *actor.Host
	kv     storage.KV
	router *sharding.Router
	logger *slog.Logger
}

// NewStore creates a session store.
func NewStore(host *actor.Host, kv storage.KV, router *sharding.Router, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{host: host, kv: kv, router: router, logger: logger}
}

func key(id string) string {
	return "session/" + id
}

// providerIndexKey indexes sessions by upstream identity for BCL fan-out.
func providerIndexKey(providerID, providerSub, sessionID string) string {
	return fmt.Sprintf("sessionidx/%s/%s/%s", providerID, providerSub, sessionID)
}

// Create mints a sharded session id on the current generation and persists
// the session through its owning actor.
func (s *Store) Create(ctx context.Context, sess *Session, ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	gen, shard, err := s.router.MintPlacement(ctx, sharding.DomainSession)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess.ID = sharding.FormatSessionID(gen, shard, uuid.NewString())
	sess.CreatedAt = now.UnixMilli()
	sess.ExpiresAt = now.Add(ttl).UnixMilli()
	if sess.AuthTime == 0 {
		sess.AuthTime = now.Unix()
	}

	instance, err := s.router.RouteSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	_, err = s.host.Do(ctx, instance, func(ctx context.Context) (any, error) {
		raw, err := json.Marshal(sess)
		if err != nil {
			return nil, fmt.Errorf("failed to encode session: %w", err)
		}
		if err := s.kv.Put(ctx, key(sess.ID), raw, ttl); err != nil {
			return nil, fmt.Errorf("failed to store session: %w", err)
		}
		if sess.ExternalProviderID != "" && sess.ExternalProviderSub != "" {
			idx := providerIndexKey(sess.ExternalProviderID, sess.ExternalProviderSub, sess.ID)
			if err := s.kv.Put(ctx, idx, []byte(sess.ID), ttl); err != nil {
				return nil, fmt.Errorf("failed to index session: %w", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Get loads a session, enforcing expiry on read.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	instance, err := s.router.RouteSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return actor.Call(ctx, s.host, instance, func(ctx context.Context) (*Session, error) {
		return s.load(ctx, id)
	})
}

// Touch updates last_seen through the owning actor.
func (s *Store) Touch(ctx context.Context, id string) error {
	instance, err := s.router.RouteSession(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.host.Do(ctx, instance, func(ctx context.Context) (any, error) {
		sess, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		sess.LastSeen = time.Now().UnixMilli()
		raw, err := json.Marshal(sess)
		if err != nil {
			return nil, fmt.Errorf("failed to encode session: %w", err)
		}
		ttl := time.Until(time.UnixMilli(sess.ExpiresAt))
		if err := s.kv.Put(ctx, key(id), raw, ttl); err != nil {
			return nil, fmt.Errorf("failed to store session: %w", err)
		}
		return nil, nil
	})
	return err
}

// Delete terminates a session.
func (s *Store) Delete(ctx context.Context, id string) error {
	instance, err := s.router.RouteSession(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.host.Do(ctx, instance, func(ctx context.Context) (any, error) {
		sess, err := s.load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if sess.ExternalProviderID != "" && sess.ExternalProviderSub != "" {
			idx := providerIndexKey(sess.ExternalProviderID, sess.ExternalProviderSub, id)
			_ = s.kv.Delete(ctx, idx)
		}
		return nil, s.kv.Delete(ctx, key(id))
	})
	return err
}

// TerminateByProvider deletes every live session bound to the upstream
// identity. Used by back-channel logout. Unreachable shards are logged and
// counted; the caller may retry.
func (s *Store) TerminateByProvider(ctx context.Context, providerID, providerSub string) (terminated int, failed int, err error) {
	prefix := fmt.Sprintf("sessionidx/%s/%s/", providerID, providerSub)

	var ids []string
	cursor := ""
	for {
		keys, next, err := s.kv.List(ctx, prefix, cursor, 256)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to list sessions for provider: %w", err)
		}
		for _, k := range keys {
			ids = append(ids, k[len(prefix):])
		}
		if next == "" {
			break
		}
		cursor = next
	}

	var ok, bad int
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(terminateFanOut)
	results := make(chan bool, len(ids))
	for _, id := range ids {
		g.Go(func() error {
			if err := s.Delete(gctx, id); err != nil {
				s.logger.Warn("failed to terminate session during logout fan-out",
					"session_prefix", id[:min(8, len(id))], "error", err)
				results <- false
				return nil
			}
			results <- true
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	for success := range results {
		if success {
			ok++
		} else {
			bad++
		}
	}
	return ok, bad, nil
}

// load reads and decodes a session, treating expiry as absence.
func (s *Store) load(ctx context.Context, id string) (*Session, error) {
	raw, found, err := s.kv.Get(ctx, key(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if time.Now().UnixMilli() > sess.ExpiresAt {
		_ = s.kv.Delete(ctx, key(id))
		return nil, ErrNotFound
	}
	return &sess, nil
}
