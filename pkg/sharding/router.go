// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// saveRetries bounds the optimistic-concurrency retry loop on config writes.
const saveRetries = 3

// ErrUnknownGeneration is returned when an identifier references a
// generation outside the retained history. The material it routes is gone.
var ErrUnknownGeneration = fmt.Errorf("generation outside retained history")

// Router resolves identifiers to actor instances using per-domain
// generation configs. Configs are cached process-wide; a fetch failure
// falls back to the last cached value within the TTL.
type Router struct {
	store  Store
	logger *slog.Logger

	defaults map[Domain]int

	mu    sync.Mutex
	cache map[Domain]*cachedConfig
}

type cachedConfig struct {
	cfg       *GenerationConfig
	version   string
	fetchedAt time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the router's logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithDefaultShardCount overrides the assumed shard count for a domain that
// has no persisted config yet.
func WithDefaultShardCount(domain Domain, count int) RouterOption {
	return func(r *Router) {
		r.defaults[domain] = count
	}
}

// NewRouter creates a Router backed by store.
func NewRouter(store Store, opts ...RouterOption) *Router {
	r := &Router{
		store:    store,
		logger:   slog.Default(),
		defaults: make(map[Domain]int),
		cache:    make(map[Domain]*cachedConfig),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the current generation config for domain, reading through
// the cache. A missing config yields the domain default; a fetch failure
// yields the last cached value.
func (r *Router) Config(ctx context.Context, domain Domain) (*GenerationConfig, error) {
	r.mu.Lock()
	cached, ok := r.cache[domain]
	if ok && time.Since(cached.fetchedAt) < configCacheTTL {
		cfg := cached.cfg
		r.mu.Unlock()
		return cfg, nil
	}
	r.mu.Unlock()

	cfg, version, err := r.store.Load(ctx, domain)
	if err != nil {
		if ok {
			r.logger.Warn("shard config fetch failed, using cached value",
				"domain", domain, "error", err)
			return cached.cfg, nil
		}
		return nil, fmt.Errorf("failed to load shard config for %s: %w", domain, err)
	}
	if cfg == nil {
		cfg = DefaultConfig(r.defaults[domain])
	}

	r.mu.Lock()
	r.cache[domain] = &cachedConfig{cfg: cfg, version: version, fetchedAt: time.Now()}
	r.mu.Unlock()
	return cfg, nil
}

// MintPlacement picks the placement for newly minted material: always the
// current generation, with a uniformly random shard.
func (r *Router) MintPlacement(ctx context.Context, domain Domain) (gen, shard int, err error) {
	cfg, err := r.Config(ctx, domain)
	if err != nil {
		return 0, 0, err
	}
	return cfg.CurrentGeneration, rand.IntN(cfg.CurrentShardCount), nil
}

// RouteSession resolves a session id to its owning actor instance.
func (r *Router) RouteSession(ctx context.Context, sessionID string) (string, error) {
	gen, shard, ok := ParseSessionID(sessionID)
	if !ok {
		return legacyInstance(DomainSession, sessionID), nil
	}
	return r.route(ctx, DomainSession, gen, shard)
}

// RouteRefresh resolves a refresh jti to its owning actor instance.
func (r *Router) RouteRefresh(ctx context.Context, jti string) (string, error) {
	gen, shard, _, _, ok := ParseRefreshJTI(jti)
	if !ok {
		return legacyInstance(DomainRefresh, jti), nil
	}
	return r.route(ctx, DomainRefresh, gen, shard)
}

// RouteRevocation resolves a token jti to the revocation shard that owns it.
func (r *Router) RouteRevocation(ctx context.Context, jti string) (string, error) {
	gen, shard, _, _, ok := ParseRefreshJTI(jti)
	if !ok {
		return legacyInstance(DomainRevocation, jti), nil
	}
	return r.route(ctx, DomainRevocation, gen, shard)
}

// route validates the generation against retained history and names the
// owning instance. Reads succeed for any generation still in history.
func (r *Router) route(ctx context.Context, domain Domain, gen, shard int) (string, error) {
	cfg, err := r.Config(ctx, domain)
	if err != nil {
		return "", err
	}
	count, known := cfg.ShardCountFor(gen)
	if !known {
		return "", fmt.Errorf("%w: domain=%s gen=%d", ErrUnknownGeneration, domain, gen)
	}
	if shard < 0 || shard >= count {
		return "", fmt.Errorf("shard %d out of range for %s generation %d (count %d)", shard, domain, gen, count)
	}
	return Instance(domain, gen, shard), nil
}

// SetShardCount advances domain to a new generation with the given shard
// count. The write is optimistic: on version conflict the config is
// re-read and the advance retried.
func (r *Router) SetShardCount(ctx context.Context, domain Domain, newCount int, updatedBy string) (*GenerationConfig, error) {
	if err := validateShardCount(newCount); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < saveRetries; attempt++ {
		cfg, version, err := r.store.Load(ctx, domain)
		if err != nil {
			return nil, fmt.Errorf("failed to load shard config for %s: %w", domain, err)
		}
		if cfg == nil {
			cfg = DefaultConfig(r.defaults[domain])
		}

		cfg.advance(newCount, updatedBy, time.Now())

		if err := r.store.Save(ctx, domain, cfg, version); err != nil {
			if err == ErrVersionConflict {
				continue
			}
			return nil, fmt.Errorf("failed to save shard config for %s: %w", domain, err)
		}

		r.mu.Lock()
		r.cache[domain] = &cachedConfig{cfg: cfg, version: version, fetchedAt: time.Now()}
		r.mu.Unlock()

		r.logger.Info("shard layout advanced",
			"domain", domain,
			"generation", cfg.CurrentGeneration,
			"shard_count", cfg.CurrentShardCount,
			"updated_by", updatedBy)
		return cfg, nil
	}
	return nil, fmt.Errorf("failed to save shard config for %s: %w", domain, ErrVersionConflict)
}

// Invalidate drops the cached config for domain. Tests and the admin
// resharding endpoint use it to observe a write immediately.
func (r *Router) Invalidate(domain Domain) {
	r.mu.Lock()
	delete(r.cache, domain)
	r.mu.Unlock()
}
