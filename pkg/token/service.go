// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/crypto"
	"github.com/authrim/authrim/pkg/keyring"
	"github.com/authrim/authrim/pkg/oautherr"
	"github.com/authrim/authrim/pkg/refresh"
	"github.com/authrim/authrim/pkg/revocation"
	"github.com/authrim/authrim/pkg/storage"
)

const (
	// DefaultAccessTTL applies when TOKEN_EXPIRY is unset.
	DefaultAccessTTL = time.Hour

	// DefaultIDTokenTTL bounds ID-token lifetime.
	DefaultIDTokenTTL = time.Hour

	defaultCacheSize = 4096
	defaultCacheTTL  = time.Minute
)

// ErrInactiveToken is returned when exchange or revocation is attempted
// with a token that does not introspect as active.
var ErrInactiveToken = errors.New("token is not active")

// Service mints and introspects tokens.
type Service struct {
	ring    *keyring.KeyRing
	rotator *refresh.Rotator
	revoked *revocation.Index
	kv      storage.KV
	logger  *slog.Logger

	issuer    string
	accessTTL time.Duration
	idTTL     time.Duration

	cache *introspectionCache
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithAccessTokenTTL sets the access-token lifetime.
func WithAccessTokenTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithIDTokenTTL sets the ID-token lifetime.
func WithIDTokenTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.idTTL = ttl
		}
	}
}

// WithIntrospectionCache sizes the introspection cache. ttl outside
// [1s, 1h] is clamped; enabled=false disables caching entirely.
func WithIntrospectionCache(enabled bool, ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if !enabled {
			s.cache = nil
			return
		}
		ttl = min(max(ttl, time.Second), time.Hour)
		s.cache = newIntrospectionCache(defaultCacheSize, ttl)
	}
}

// NewService creates a token service.
func NewService(ring *keyring.KeyRing, rotator *refresh.Rotator, revoked *revocation.Index, kv storage.KV, issuer string, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		ring:      ring,
		rotator:   rotator,
		revoked:   revoked,
		kv:        kv,
		logger:    logger,
		issuer:    issuer,
		accessTTL: DefaultAccessTTL,
		idTTL:     DefaultIDTokenTTL,
		cache:     newIntrospectionCache(defaultCacheSize, defaultCacheTTL),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IDTokenParams is everything one ID token carries.
type IDTokenParams struct {
	Client   *clients.Metadata
	Subject  string
	Nonce    string
	ACR      string
	AMR      []string
	AuthTime int64

	// When set, the corresponding half-hash claim is included.
	AccessToken string
	Code        string
	State       string

	Extra map[string]any
}

// MintIDToken signs (and, when the client advertises encryption, nests in
// a JWE) an ID token.
func (s *Service) MintIDToken(ctx context.Context, p IDTokenParams) (string, error) {
	now := time.Now()
	claims := map[string]any{
		"iss": s.issuer,
		"sub": p.Subject,
		"aud": p.Client.ID,
		"exp": now.Add(s.idTTL).Unix(),
		"iat": now.Unix(),
	}
	if p.AuthTime != 0 {
		claims["auth_time"] = p.AuthTime
	}
	if p.Nonce != "" {
		claims["nonce"] = p.Nonce
	}
	if p.ACR != "" {
		claims["acr"] = p.ACR
	}
	if len(p.AMR) > 0 {
		claims["amr"] = p.AMR
	}

	alg := string(s.ring.Active().Algorithm)
	if p.AccessToken != "" {
		claims["at_hash"] = LeftHash(p.AccessToken, alg)
	}
	if p.Code != "" {
		claims["c_hash"] = LeftHash(p.Code, alg)
	}
	if p.State != "" {
		claims["s_hash"] = LeftHash(p.State, alg)
	}
	for k, v := range p.Extra {
		claims[k] = v
	}

	signed, err := s.ring.SignClaims(claims, "JWT")
	if err != nil {
		return "", fmt.Errorf("failed to sign id token: %w", err)
	}

	if p.Client.IDTokenEncAlg == "" {
		return signed, nil
	}
	encKey, err := s.ring.ResolveClientKey(ctx, p.Client.JWKS, p.Client.JWKSURI)
	if err != nil {
		return "", fmt.Errorf("failed to resolve client encryption key: %w", err)
	}
	return s.ring.EncryptForClient([]byte(signed), encKey, p.Client.IDTokenEncAlg, p.Client.IDTokenEncEnc)
}

// AccessTokenParams is everything one access token carries.
type AccessTokenParams struct {
	ClientID string
	Subject  string
	Scope    []string

	// DPoPJKT binds the token to a proof key (cnf.jkt).
	DPoPJKT string

	// Opaque selects a stored handle instead of a JWT.
	Opaque bool

	// Act is the RFC 8693 actor chain, set by token exchange.
	Act map[string]any
}

// AccessToken is a minted access token.
type AccessToken struct {
	Value     string
	JTI       string
	ExpiresAt time.Time
}

// opaqueRecord is the stored form of a handle-style access token.
type opaqueRecord struct {
	JTI      string   `json:"jti"`
	Subject  string   `json:"sub"`
	ClientID string   `json:"client_id"`
	Scope    []string `json:"scope,omitempty"`
	JKT      string   `json:"jkt,omitempty"`
	IssuedAt int64    `json:"iat"`
	Expiry   int64    `json:"exp"`
}

func opaqueKey(handle string) string {
	sum := sha256.Sum256([]byte(handle))
	return "atoken/" + base64.RawURLEncoding.EncodeToString(sum[:])
}

// MintAccessToken issues a JWT (typ at+jwt) or an opaque stored handle.
func (s *Service) MintAccessToken(ctx context.Context, p AccessTokenParams) (*AccessToken, error) {
	now := time.Now()
	tok := &AccessToken{
		JTI:       uuid.NewString(),
		ExpiresAt: now.Add(s.accessTTL),
	}

	if p.Opaque {
		handle, err := crypto.RandomToken(64)
		if err != nil {
			return nil, fmt.Errorf("failed to generate access token: %w", err)
		}
		rec := opaqueRecord{
			JTI:      tok.JTI,
			Subject:  p.Subject,
			ClientID: p.ClientID,
			Scope:    p.Scope,
			JKT:      p.DPoPJKT,
			IssuedAt: now.Unix(),
			Expiry:   tok.ExpiresAt.Unix(),
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode access token record: %w", err)
		}
		if err := s.kv.Put(ctx, opaqueKey(handle), raw, s.accessTTL); err != nil {
			return nil, fmt.Errorf("failed to store access token: %w", err)
		}
		tok.Value = handle
		return tok, nil
	}

	claims := map[string]any{
		"iss":       s.issuer,
		"sub":       p.Subject,
		"client_id": p.ClientID,
		"exp":       tok.ExpiresAt.Unix(),
		"iat":       now.Unix(),
		"jti":       tok.JTI,
	}
	if len(p.Scope) > 0 {
		claims["scope"] = strings.Join(p.Scope, " ")
	}
	if p.DPoPJKT != "" {
		claims["cnf"] = map[string]any{"jkt": p.DPoPJKT}
	}
	if p.Act != nil {
		claims["act"] = p.Act
	}

	signed, err := s.ring.SignClaims(claims, "at+jwt")
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	tok.Value = signed
	return tok, nil
}

// Introspection is the RFC 7662 response model.
type Introspection struct {
	Active    bool           `json:"active"`
	Sub       string         `json:"sub,omitempty"`
	Scope     string         `json:"scope,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	Exp       int64          `json:"exp,omitempty"`
	Iat       int64          `json:"iat,omitempty"`
	TokenType string         `json:"token_type,omitempty"`
	CNF       map[string]any `json:"cnf,omitempty"`

	jti string
}

var inactive = &Introspection{Active: false}

// Introspect resolves a presented token to its current state: JWT claims,
// opaque handle record, or refresh family, all checked against the
// revocation index. Results are cached per (token digest, caller).
func (s *Service) Introspect(ctx context.Context, tokenValue, callerClientID string) (*Introspection, error) {
	sum := sha256.Sum256([]byte(tokenValue))
	tokenHash := base64.RawURLEncoding.EncodeToString(sum[:])

	if s.cache != nil {
		if cached, ok := s.cache.get(tokenHash, callerClientID); ok {
			return cached, nil
		}
	}

	result, err := s.resolve(ctx, tokenValue)
	if err != nil {
		return nil, err
	}

	if result.Active && result.jti != "" {
		revoked, err := s.revoked.IsRevoked(ctx, result.jti)
		if err != nil {
			return nil, err
		}
		if revoked {
			result = inactive
		}
	}

	if s.cache != nil {
		s.cache.put(tokenHash, callerClientID, result)
	}
	return result, nil
}

func (s *Service) resolve(ctx context.Context, tokenValue string) (*Introspection, error) {
	// Refresh handles have a recognizable shape.
	if strings.HasPrefix(tokenValue, "rt") && strings.Count(tokenValue, "_") >= 3 {
		tok, err := s.rotator.Validate(ctx, tokenValue)
		switch {
		case err == nil:
			return &Introspection{
				Active:    true,
				Sub:       tok.UserID,
				Scope:     strings.Join(tok.Scope, " "),
				ClientID:  tok.ClientID,
				Exp:       tok.ExpiresAt / 1000,
				TokenType: "refresh_token",
				jti:       tok.JTI,
			}, nil
		case errors.Is(err, refresh.ErrNotFound), errors.Is(err, refresh.ErrRevoked), errors.Is(err, refresh.ErrExpired):
			return inactive, nil
		default:
			return nil, err
		}
	}

	// JWT access tokens.
	if strings.Count(tokenValue, ".") == 2 {
		payload, err := s.ring.Verify(tokenValue)
		if err != nil {
			return inactive, nil
		}
		var claims struct {
			Sub      string         `json:"sub"`
			Scope    string         `json:"scope"`
			ClientID string         `json:"client_id"`
			Exp      int64          `json:"exp"`
			Iat      int64          `json:"iat"`
			JTI      string         `json:"jti"`
			CNF      map[string]any `json:"cnf"`
		}
		if err := json.Unmarshal(payload, &claims); err != nil {
			return inactive, nil
		}
		if time.Now().Unix() >= claims.Exp {
			return inactive, nil
		}
		return &Introspection{
			Active:    true,
			Sub:       claims.Sub,
			Scope:     claims.Scope,
			ClientID:  claims.ClientID,
			Exp:       claims.Exp,
			Iat:       claims.Iat,
			TokenType: "access_token",
			CNF:       claims.CNF,
			jti:       claims.JTI,
		}, nil
	}

	// Opaque handles.
	raw, found, err := s.kv.Get(ctx, opaqueKey(tokenValue))
	if err != nil {
		return nil, fmt.Errorf("failed to load access token: %w", err)
	}
	if !found {
		return inactive, nil
	}
	var rec opaqueRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode access token record: %w", err)
	}
	if time.Now().Unix() >= rec.Expiry {
		return inactive, nil
	}
	result := &Introspection{
		Active:    true,
		Sub:       rec.Subject,
		Scope:     strings.Join(rec.Scope, " "),
		ClientID:  rec.ClientID,
		Exp:       rec.Expiry,
		Iat:       rec.IssuedAt,
		TokenType: "access_token",
		jti:       rec.JTI,
	}
	if rec.JKT != "" {
		result.CNF = map[string]any{"jkt": rec.JKT}
	}
	return result, nil
}

// Revoke implements RFC 7009: refresh handles revoke their family, access
// tokens land on the revocation index. Unknown tokens succeed silently.
func (s *Service) Revoke(ctx context.Context, tokenValue string) error {
	if strings.HasPrefix(tokenValue, "rt") && strings.Count(tokenValue, "_") >= 3 {
		err := s.rotator.RevokeFamily(ctx, tokenValue, "client_revocation")
		if errors.Is(err, refresh.ErrNotFound) {
			return nil
		}
		return err
	}

	result, err := s.resolve(ctx, tokenValue)
	if err != nil {
		return err
	}
	if !result.Active {
		return nil
	}
	return s.revoked.Revoke(ctx, result.jti, time.Unix(result.Exp, 0))
}

// ExchangeParams carries an RFC 8693 token-exchange request.
type ExchangeParams struct {
	Client         *clients.Metadata
	SubjectToken   string
	RequestedScope []string
}

// Exchange issues a delegated access token for the subject token's user,
// with the exchanging client recorded in the act chain.
func (s *Service) Exchange(ctx context.Context, p ExchangeParams) (*AccessToken, error) {
	if !p.Client.HasGrantType("urn:ietf:params:oauth:grant-type:token-exchange") {
		return nil, oautherr.ErrUnauthorizedClient
	}

	subject, err := s.Introspect(ctx, p.SubjectToken, p.Client.ID)
	if err != nil {
		return nil, err
	}
	if !subject.Active {
		return nil, fmt.Errorf("%w: subject token", ErrInactiveToken)
	}

	granted := strings.Fields(subject.Scope)
	scope := p.RequestedScope
	if len(scope) == 0 {
		scope = granted
	}
	for _, sc := range scope {
		if !slices.Contains(granted, sc) {
			return nil, oautherr.ErrInvalidScope.WithDescription("requested scope exceeds subject token scope")
		}
	}

	act := map[string]any{"sub": p.Client.ID}

	return s.MintAccessToken(ctx, AccessTokenParams{
		ClientID: p.Client.ID,
		Subject:  subject.Sub,
		Scope:    scope,
		Act:      act,
	})
}
