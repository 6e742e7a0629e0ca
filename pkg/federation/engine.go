// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package federation implements sign-in through upstream OIDC providers:
// the begin/callback handshake, claim normalization, account linking, and
// back-channel logout.
package federation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/authrim/authrim/pkg/challenge"
	"github.com/authrim/authrim/pkg/crypto"
	"github.com/authrim/authrim/pkg/session"
	"github.com/authrim/authrim/pkg/storage"
)

// stateTTL bounds the begin-to-callback window.
const stateTTL = 10 * time.Minute

var (
	// ErrUnknownProvider is returned for unconfigured provider ids.
	ErrUnknownProvider = errors.New("unknown identity provider")

	// ErrStateMismatch is returned when the callback state is unknown,
	// expired, or already used.
	ErrStateMismatch = errors.New("authorization state mismatch")

	// ErrNonceMismatch is returned when the upstream id_token's nonce
	// does not match the one minted at begin time.
	ErrNonceMismatch = errors.New("id_token nonce mismatch")
)

// ProviderConfig declares one upstream provider.
type ProviderConfig struct {
	ID           string
	IssuerURL    string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// AttributeMapping maps local attribute names to dot paths into the
	// upstream claims document.
	AttributeMapping map[string]string
}

type provider struct {
	cfg      ProviderConfig
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// Engine drives federated sign-in.
type Engine struct {
	db         storage.RelationalDB
	kv         storage.KV
	challenges *challenge.Store
	sessions   *session.Store
	logger     *slog.Logger

	// encKey encrypts upstream tokens at rest.
	encKey []byte

	callbackBase string

	mu        sync.RWMutex
	providers map[string]*provider
}

// NewEngine creates a federation engine. callbackBase is the public base
// url callbacks are registered under, e.g. "https://op.example".
func NewEngine(db storage.RelationalDB, kv storage.KV, challenges *challenge.Store, sessions *session.Store, encKey []byte, callbackBase string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:           db,
		kv:           kv,
		challenges:   challenges,
		sessions:     sessions,
		logger:       logger,
		encKey:       encKey,
		callbackBase: strings.TrimRight(callbackBase, "/"),
		providers:    make(map[string]*provider),
	}
}

// AddProvider discovers and registers an upstream provider.
func (e *Engine) AddProvider(ctx context.Context, cfg ProviderConfig) error {
	op, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return fmt.Errorf("failed to discover provider %s: %w", cfg.ID, err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	p := &provider{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     op.Endpoint(),
			RedirectURL:  fmt.Sprintf("%s/auth/external/%s/callback", e.callbackBase, cfg.ID),
			Scopes:       scopes,
		},
		verifier: op.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}

	e.mu.Lock()
	e.providers[cfg.ID] = p
	e.mu.Unlock()
	e.logger.Info("identity provider registered", "provider", cfg.ID, "issuer", cfg.IssuerURL)
	return nil
}

func (e *Engine) provider(id string) (*provider, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.providers[id]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// authState is the transient record between begin and callback.
type authState struct {
	Provider string `json:"provider"`
	TenantID string `json:"tenant_id,omitempty"`
	Nonce    string `json:"nonce"`
	Verifier string `json:"verifier"`
	IssuedAt int64  `json:"issued_at"`
}

func stateKey(state string) string {
	return "fedstate/" + state
}

// Begin mints the per-request state, nonce, and PKCE verifier and returns
// the upstream authorize url.
func (e *Engine) Begin(ctx context.Context, providerID, tenantID string) (authURL string, err error) {
	p, err := e.provider(providerID)
	if err != nil {
		return "", err
	}

	state, err := crypto.RandomToken(43)
	if err != nil {
		return "", err
	}
	nonce, err := crypto.RandomToken(43)
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()

	rec := authState{
		Provider: providerID,
		TenantID: tenantID,
		Nonce:    nonce,
		Verifier: verifier,
		IssuedAt: time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode auth state: %w", err)
	}
	if err := e.kv.Put(ctx, stateKey(state), raw, stateTTL); err != nil {
		return "", fmt.Errorf("failed to store auth state: %w", err)
	}

	return p.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oidc.Nonce(nonce),
	), nil
}

// Action says what the callback decided about the upstream identity.
type Action string

// Callback outcomes.
const (
	// ActionSignIn means the identity was already linked; the user is
	// signed in.
	ActionSignIn Action = "sign_in"

	// ActionLinkOffer means a local account shares the verified email;
	// the UI should offer linking after reauthentication.
	ActionLinkOffer Action = "link_offer"

	// ActionRegistered means a new local account was created and linked.
	ActionRegistered Action = "registered"
)

// Result is the callback outcome.
type Result struct {
	Action     Action
	UserID     string
	Provider   string
	Subject    string
	Attributes map[string]any
}

// Callback validates state, exchanges the code, verifies the id_token,
// normalizes claims, and resolves the upstream identity to a local account.
func (e *Engine) Callback(ctx context.Context, providerID, state, authCode string) (*Result, error) {
	p, err := e.provider(providerID)
	if err != nil {
		return nil, err
	}

	raw, found, err := e.kv.Get(ctx, stateKey(state))
	if err != nil {
		return nil, fmt.Errorf("failed to load auth state: %w", err)
	}
	if !found {
		return nil, ErrStateMismatch
	}
	// Single use.
	if err := e.kv.Delete(ctx, stateKey(state)); err != nil {
		return nil, fmt.Errorf("failed to delete auth state: %w", err)
	}
	var rec authState
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode auth state: %w", err)
	}
	if rec.Provider != providerID {
		return nil, ErrStateMismatch
	}

	otoken, err := p.oauth.Exchange(ctx, authCode, oauth2.VerifierOption(rec.Verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	rawIDToken, ok := otoken.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("provider response missing id_token")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify id_token: %w", err)
	}
	if idToken.Nonce != rec.Nonce {
		return nil, ErrNonceMismatch
	}

	var claims json.RawMessage
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to read id_token claims: %w", err)
	}

	attrs := MapAttributes(claims, p.cfg.AttributeMapping)
	subject, _ := attrs["sub"].(string)
	if subject == "" {
		subject = idToken.Subject
		attrs["sub"] = subject
	}

	result, err := e.resolveAccount(ctx, p, rec.TenantID, subject, attrs, claims)
	if err != nil {
		return nil, err
	}

	if result.Action != ActionLinkOffer {
		if err := e.storeTokens(ctx, providerID, subject, otoken); err != nil {
			e.logger.Warn("failed to store upstream tokens", "provider", providerID, "error", err)
		}
	}
	return result, nil
}

// MapAttributes extracts mapped claim paths from the raw claims document.
// The sub attribute is always coerced to a string, whatever JSON type the
// upstream used.
func MapAttributes(claims json.RawMessage, mapping map[string]string) map[string]any {
	attrs := make(map[string]any, len(mapping)+1)
	if len(mapping) == 0 {
		mapping = map[string]string{"sub": "sub", "email": "email", "name": "name"}
	}
	for local, path := range mapping {
		v := gjson.GetBytes(claims, path)
		if !v.Exists() {
			continue
		}
		if local == "sub" {
			attrs[local] = v.String()
			continue
		}
		attrs[local] = v.Value()
	}
	if _, ok := attrs["sub"]; !ok {
		attrs["sub"] = gjson.GetBytes(claims, "sub").String()
	}
	return attrs
}

// resolveAccount applies the linking policy: linked identity wins, then a
// verified-email match offers linking, otherwise a new account is created.
func (e *Engine) resolveAccount(ctx context.Context, p *provider, tenantID, subject string, attrs map[string]any, rawClaims json.RawMessage) (*Result, error) {
	base := &Result{Provider: p.cfg.ID, Subject: subject, Attributes: attrs}

	var userID string
	err := e.db.QueryRowContext(ctx,
		`SELECT user_id FROM linked_identities WHERE provider_id = ? AND provider_user_id = ?`,
		p.cfg.ID, subject).Scan(&userID)
	switch {
	case err == nil:
		_, _ = e.db.ExecContext(ctx,
			`UPDATE linked_identities SET last_used_at = ? WHERE provider_id = ? AND provider_user_id = ?`,
			time.Now().UnixMilli(), p.cfg.ID, subject)
		base.Action = ActionSignIn
		base.UserID = userID
		return base, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to look up linked identity: %w", err)
	}

	if email, _ := attrs["email"].(string); email != "" {
		err := e.db.QueryRowContext(ctx,
			`SELECT id FROM users WHERE tenant_id = ? AND email = ?`,
			tenantID, strings.ToLower(email)).Scan(&userID)
		switch {
		case err == nil:
			base.Action = ActionLinkOffer
			base.UserID = userID
			return base, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("failed to look up user by email: %w", err)
		}
	}

	// Register a new account and link it.
	userID = "user-" + uuid.NewString()
	now := time.Now().UnixMilli()
	email, _ := attrs["email"].(string)
	name, _ := attrs["name"].(string)
	if _, err := e.db.ExecContext(ctx,
		`INSERT INTO users (id, tenant_id, email, email_verified, name, created_at) VALUES (?, ?, ?, 0, ?, ?)`,
		userID, tenantID, strings.ToLower(email), name, now); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if err := e.link(ctx, userID, p.cfg.ID, subject, rawClaims); err != nil {
		return nil, err
	}

	base.Action = ActionRegistered
	base.UserID = userID
	return base, nil
}

// Link attaches an upstream identity to an existing local account, after
// the user confirmed a link offer.
func (e *Engine) Link(ctx context.Context, userID, providerID, subject string, rawClaims json.RawMessage) error {
	return e.link(ctx, userID, providerID, subject, rawClaims)
}

func (e *Engine) link(ctx context.Context, userID, providerID, subject string, rawClaims json.RawMessage) error {
	now := time.Now().UnixMilli()
	attrs := string(rawClaims)
	if attrs == "" {
		attrs = "{}"
	}
	if _, err := e.db.ExecContext(ctx,
		`INSERT INTO linked_identities (user_id, provider_id, provider_user_id, raw_attributes, linked_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, providerID, subject, attrs, now, now); err != nil {
		return fmt.Errorf("failed to link identity: %w", err)
	}
	return nil
}

// storeTokens encrypts the upstream token set onto the linked identity row.
func (e *Engine) storeTokens(ctx context.Context, providerID, subject string, tok *oauth2.Token) error {
	if len(e.encKey) == 0 {
		return nil
	}
	payload, err := json.Marshal(map[string]any{
		"access_token":  tok.AccessToken,
		"refresh_token": tok.RefreshToken,
		"expiry":        tok.Expiry.Unix(),
	})
	if err != nil {
		return err
	}
	sealed, err := crypto.Encrypt(payload, e.encKey)
	if err != nil {
		return err
	}
	_, err = e.db.ExecContext(ctx,
		`UPDATE linked_identities SET tokens_encrypted = ? WHERE provider_id = ? AND provider_user_id = ?`,
		sealed, providerID, subject)
	return err
}
