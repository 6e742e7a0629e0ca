// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package server wires the protocol engines to their HTTP endpoints: the
// public OAuth/OIDC surface and the authenticated admin surface.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/authrim/authrim/pkg/audit"
	"github.com/authrim/authrim/pkg/authorize"
	"github.com/authrim/authrim/pkg/ciba"
	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/code"
	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/crypto"
	"github.com/authrim/authrim/pkg/deviceflow"
	"github.com/authrim/authrim/pkg/federation"
	"github.com/authrim/authrim/pkg/keyring"
	"github.com/authrim/authrim/pkg/metrics"
	"github.com/authrim/authrim/pkg/oautherr"
	"github.com/authrim/authrim/pkg/par"
	"github.com/authrim/authrim/pkg/policy"
	"github.com/authrim/authrim/pkg/refresh"
	"github.com/authrim/authrim/pkg/session"
	"github.com/authrim/authrim/pkg/settings"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/storage"
	"github.com/authrim/authrim/pkg/token"
)

// sessionCookie carries the browser session id.
const sessionCookie = "authrim_sid"

// Deps are the engines the server fronts. All fields are required unless
// noted.
type Deps struct {
	Registry *clients.Registry
	Codes    *code.Store
	Tokens   *token.Service
	Authz    *authorize.Engine
	Txns     *authorize.TxnStore
	Sessions *session.Store
	Consent  *policy.ConsentStore
	Rotator  *refresh.Rotator
	PAR      *par.Store
	Ring     *keyring.KeyRing
	Device   *deviceflow.Flow
	CIBA     *ciba.Engine
	Router   *sharding.Router
	Settings *settings.Service
	Audit    *audit.Log
	DB       storage.RelationalDB
	Metrics  *metrics.Metrics

	// Federation is optional; without it the external-login routes 404.
	Federation *federation.Engine

	// PairwiseSalt seeds pairwise subject derivation.
	PairwiseSalt []byte
}

// Server is the HTTP frontend.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	deps   Deps

	profile clients.Profile
}

// New creates a server. The certification profile comes from the config.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	profile, err := clients.LookupProfile(cfg.Profile)
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, logger: logger, deps: deps, profile: profile}, nil
}

// Routes assembles the public protocol router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/.well-known/openid-configuration", s.handleDiscovery)
	r.Get("/.well-known/oauth-authorization-server", s.handleDiscovery)
	r.Get("/jwks.json", s.handleJWKS)

	r.Get("/authorize", s.handleAuthorize)
	r.Post("/authorize", s.handleAuthorize)
	r.Post("/authorize/login", s.handleAuthorizeLogin)
	r.Post("/as/par", s.handlePAR)
	r.Post("/token", s.handleToken)
	r.Get("/userinfo", s.handleUserinfo)
	r.Post("/userinfo", s.handleUserinfo)
	r.Post("/introspect", s.handleIntrospect)
	r.Post("/revoke", s.handleRevoke)

	r.Post("/register", s.handleRegister)
	r.Route("/register/{clientID}", func(r chi.Router) {
		r.Get("/", s.handleClientConfig)
		r.Put("/", s.handleClientUpdate)
		r.Delete("/", s.handleClientDelete)
	})

	r.Post("/device_authorization", s.handleDeviceAuthorization)
	r.Get("/device/verify", s.handleDeviceVerifyForm)
	r.Post("/device/verify", s.handleDeviceVerify)

	r.Post("/bc-authorize", s.handleBackchannelAuthorize)
	r.Post("/bc-authorize/decide", s.handleBackchannelDecide)

	if s.deps.Federation != nil {
		r.Route("/auth/external/{provider}", func(r chi.Router) {
			r.Get("/start", s.handleFederationStart)
			r.Get("/callback", s.handleFederationCallback)
			r.Post("/backchannel-logout", s.handleFederationLogout)
		})
	}

	return r
}

// AdminRoutes assembles the admin router served on the admin listener.
func (s *Server) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdminSecret)
		r.Get("/admin/sharding/{domain}", s.handleShardingConfig)
		r.Post("/admin/sharding/{domain}", s.handleShardingUpdate)
		r.Get("/admin/settings/{scope}/{category}", s.handleSettingsGet)
		r.Patch("/admin/settings/{scope}/{category}", s.handleSettingsPatch)
		r.Get("/admin/audit", s.handleAuditQuery)
		r.Post("/admin/tombstones/sweep", s.handleTombstoneSweep)
	})
	return r
}

// Serve runs both listeners until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	public := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	admin := &http.Server{
		Addr:              s.cfg.AdminAddr,
		Handler:           s.AdminRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("protocol listener starting", "addr", public.Addr)
		errCh <- public.ListenAndServe()
	}()
	go func() {
		s.logger.Info("admin listener starting", "addr", admin.Addr)
		errCh <- admin.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = public.Shutdown(shutdownCtx)
	_ = admin.Shutdown(shutdownCtx)
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start))
	})
}

func (s *Server) requireAdminSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminAPISecret == "" {
			http.Error(w, "admin API disabled", http.StatusForbidden)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if crypto.ConstantTimeEquals(got, s.cfg.AdminAPISecret) {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

// clientAssertionType is the RFC 7523 JWT bearer assertion type.
const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

var assertionSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// authenticateClient resolves the caller at token-style endpoints from
// HTTP basic auth, body credentials, or a private_key_jwt assertion.
func (s *Server) authenticateClient(r *http.Request) (*clients.Metadata, error) {
	if r.PostFormValue("client_assertion_type") == clientAssertionType {
		return s.authenticateClientAssertion(r)
	}

	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostFormValue("client_id")
		secret = r.PostFormValue("client_secret")
	}
	if clientID == "" {
		return nil, oautherr.ErrInvalidClient.WithDescription("client authentication required")
	}
	meta, err := s.deps.Registry.Authenticate(r.Context(), clientID, secret)
	if err != nil {
		if errors.Is(err, clients.ErrNotFound) || errors.Is(err, clients.ErrBadSecret) {
			return nil, oautherr.ErrInvalidClient
		}
		return nil, err
	}
	return meta, nil
}

// authenticateClientAssertion verifies an RFC 7523 client assertion against
// the client's registered JWKS. The iss claim selects the client; nothing
// from the payload is honored until a registered key verified the signature.
func (s *Server) authenticateClientAssertion(r *http.Request) (*clients.Metadata, error) {
	ctx := r.Context()
	jws, err := jose.ParseSigned(r.PostFormValue("client_assertion"), assertionSignatureAlgorithms)
	if err != nil {
		return nil, oautherr.ErrInvalidClient.WithDescription("malformed client assertion")
	}
	var claims struct {
		Iss string          `json:"iss"`
		Sub string          `json:"sub"`
		Aud json.RawMessage `json:"aud"`
		Exp int64           `json:"exp"`
	}
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &claims); err != nil {
		return nil, oautherr.ErrInvalidClient.WithDescription("malformed client assertion")
	}
	if claims.Iss == "" || claims.Iss != claims.Sub {
		return nil, oautherr.ErrInvalidClient.WithDescription("assertion iss and sub must both be the client_id")
	}

	meta, err := s.deps.Registry.Get(ctx, claims.Iss)
	if err != nil {
		return nil, oautherr.ErrInvalidClient
	}
	if meta.TokenEndpointAuthMethod != "private_key_jwt" {
		return nil, oautherr.ErrInvalidClient.WithDescription("client is not registered for private_key_jwt")
	}

	keys, err := s.deps.Ring.ResolveClientSigningKeys(ctx, meta.JWKS, meta.JWKSURI)
	if err != nil {
		return nil, oautherr.ErrInvalidClient.WithDescription("no verification keys registered for client")
	}
	verified := false
	for _, k := range keys.Keys {
		if _, verr := jws.Verify(k); verr == nil {
			verified = true
			break
		}
	}
	if !verified {
		return nil, oautherr.ErrInvalidClient.WithDescription("assertion signature rejected")
	}

	if claims.Exp == 0 || time.Now().Unix() >= claims.Exp {
		return nil, oautherr.ErrInvalidClient.WithDescription("assertion expired")
	}
	if !audienceMatches(claims.Aud, s.cfg.IssuerURL) {
		return nil, oautherr.ErrInvalidClient.WithDescription("assertion audience mismatch")
	}
	return meta, nil
}

// audienceMatches accepts the issuer or the token endpoint as audience,
// in either string or array form.
func audienceMatches(raw json.RawMessage, issuer string) bool {
	accepted := map[string]bool{issuer: true, issuer + "/token": true}
	var one string
	if json.Unmarshal(raw, &one) == nil {
		return accepted[one]
	}
	var many []string
	if json.Unmarshal(raw, &many) == nil {
		for _, aud := range many {
			if accepted[aud] {
				return true
			}
		}
	}
	return false
}

// sessionFromRequest resolves the browser session, or nil when absent.
func (s *Server) sessionFromRequest(r *http.Request) *session.Session {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil || cookie.Value == "" {
		return nil
	}
	sess, err := s.deps.Sessions.Get(r.Context(), cookie.Value)
	if err != nil {
		return nil
	}
	return sess
}

func (s *Server) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   strings.HasPrefix(s.cfg.IssuerURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	})
}

// findOrCreateUser backs the built-in login form. Registration honors
// deletion tombstones.
func (s *Server) findOrCreateUser(ctx context.Context, tenantID, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", oautherr.ErrInvalidRequest.WithDescription("email is required")
	}

	var id string
	err := s.deps.DB.QueryRowContext(ctx,
		`SELECT id FROM users WHERE tenant_id = ? AND email = ?`, tenantID, email).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to look up user: %w", err)
	}

	if s.deps.Audit != nil {
		tombstoned, terr := s.deps.Audit.IsEmailTombstoned(ctx, tenantID, email)
		if terr != nil {
			return "", terr
		}
		if tombstoned {
			return "", oautherr.ErrAccessDenied.WithDescription("account recently deleted")
		}
	}

	id = "user-" + uuid.NewString()
	if _, err := s.deps.DB.ExecContext(ctx,
		`INSERT INTO users (id, tenant_id, email, email_verified, name, created_at) VALUES (?, ?, ?, 0, '', ?)`,
		id, tenantID, email, time.Now().UnixMilli()); err != nil {
		return "", fmt.Errorf("failed to create user: %w", err)
	}
	return id, nil
}

// subjectFor applies the client's subject_type to a local user id.
func (s *Server) subjectFor(client *clients.Metadata, userID string) (string, error) {
	return policy.SubjectFor(client, userID, s.deps.PairwiseSalt)
}

