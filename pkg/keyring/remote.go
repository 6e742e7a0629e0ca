// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// registrationTimeout bounds the first fetch of a newly seen jwks_uri.
const registrationTimeout = 5 * time.Second

// RemoteJWKS fetches and caches client and provider key sets by URL.
// The underlying jwk.Cache auto-refreshes registered URLs, honoring
// Cache-Control from the origin.
type RemoteJWKS struct {
	cache *jwk.Cache

	// registered tracks URLs already known to the cache. Registration is
	// lazy so an unreachable client JWKS never blocks startup.
	mu         sync.Mutex
	registered map[string]struct{}
}

// NewRemoteJWKS creates a resolver backed by the given HTTP client.
func NewRemoteJWKS(ctx context.Context, httpClient *http.Client) (*RemoteJWKS, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: registrationTimeout}
	}
	client := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &RemoteJWKS{
		cache:      cache,
		registered: make(map[string]struct{}),
	}, nil
}

// Fetch returns the key set at url, registering it with the cache on first
// use. The result is converted to the go-jose representation used by the
// rest of the ring.
func (r *RemoteJWKS) Fetch(ctx context.Context, url string) (*jose.JSONWebKeySet, error) {
	if err := r.ensureRegistered(ctx, url); err != nil {
		return nil, err
	}

	set, err := r.cache.Lookup(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", url, err)
	}

	raw, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize JWKS: %w", err)
	}
	var joseSet jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &joseSet); err != nil {
		return nil, fmt.Errorf("failed to convert JWKS: %w", err)
	}
	return &joseSet, nil
}

func (r *RemoteJWKS) ensureRegistered(ctx context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.registered[url]; ok {
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()

	if err := r.cache.Register(regCtx, url); err != nil {
		return fmt.Errorf("failed to register JWKS URL %s: %w", url, err)
	}
	r.registered[url] = struct{}{}
	return nil
}
