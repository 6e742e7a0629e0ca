// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/code"
	"github.com/authrim/authrim/pkg/oautherr"
	"github.com/authrim/authrim/pkg/token"
)

// Engine validates authorization requests and assembles responses.
type Engine struct {
	registry *clients.Registry
	codes    *code.Store
	tokens   *token.Service
	logger   *slog.Logger

	profile           clients.Profile
	allowHTTPRedirect bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAllowHTTPRedirect relaxes redirect checks for development.
func WithAllowHTTPRedirect(allow bool) EngineOption {
	return func(e *Engine) {
		e.allowHTTPRedirect = allow
	}
}

// NewEngine creates an authorize engine bound to the active profile.
func NewEngine(registry *clients.Registry, codes *code.Store, tokens *token.Service, profile clients.Profile, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		registry: registry,
		codes:    codes,
		tokens:   tokens,
		logger:   logger,
		profile:  profile,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Failure is a validated-request failure with a delivery decision already
// made: pre-redirect failures render as direct 400s, later failures
// redirect to the client carrying the error code and state.
type Failure struct {
	Err *oautherr.Error

	// Redirect carries the full redirect URL when the error may be
	// delivered to the client; empty means respond directly.
	Redirect string
}

func (f *Failure) Error() string {
	return f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Validated is an authorization request that passed the pipeline.
type Validated struct {
	Request *Request
	Client  *clients.Metadata

	// ResponseMode is resolved (query, fragment, or form_post).
	ResponseMode string
}

// Validate runs the request pipeline. The returned error is always a
// *Failure; its Redirect field encodes the delivery policy.
func (e *Engine) Validate(ctx context.Context, req *Request) (*Validated, error) {
	// Client and redirect problems must never redirect.
	client, err := e.registry.Get(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			return nil, direct(oautherr.ErrInvalidClient.WithDescription("unknown client_id"))
		}
		return nil, direct(oautherr.From(err))
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
		req.RedirectURI = redirectURI
	}
	if !client.HasRedirectURI(redirectURI) {
		return nil, direct(oautherr.ErrInvalidRedirectURI)
	}
	if reason := checkRedirectScheme(redirectURI, e.allowHTTPRedirect); reason != "" {
		return nil, direct(oautherr.ErrInvalidRedirectURI.WithDescription("%s", reason))
	}

	// Everything after this point may be delivered via redirect.
	v := &Validated{Request: req, Client: client}

	if req.ResponseType == "" || !slices.Contains(e.profile.ResponseTypes, req.ResponseType) {
		return nil, e.redirected(v, oautherr.ErrUnsupportedResponseType)
	}
	if !client.HasResponseType(req.ResponseType) {
		return nil, e.redirected(v, oautherr.ErrUnauthorizedClient.WithDescription("response_type not registered for client"))
	}

	mode, err2 := resolveResponseMode(req)
	if err2 != nil {
		return nil, e.redirected(v, oautherr.ErrInvalidRequest.WithDescription("%s", err2.Error()))
	}
	v.ResponseMode = mode

	if len(req.Scope) == 0 || !slices.Contains(req.Scope, "openid") {
		return nil, e.redirected(v, oautherr.ErrInvalidScope.WithDescription("scope must include openid"))
	}

	if req.CodeChallenge != "" {
		if req.CodeChallengeMethod != "S256" {
			return nil, e.redirected(v, oautherr.ErrInvalidRequest.WithDescription("code_challenge_method must be S256"))
		}
		if len(req.CodeChallenge) < 43 || !isBase64URL(req.CodeChallenge) {
			return nil, e.redirected(v, oautherr.ErrInvalidRequest.WithDescription("malformed code_challenge"))
		}
	} else if client.PKCERequired || client.Public() || e.profile.PKCERequired {
		return nil, e.redirected(v, oautherr.ErrInvalidRequest.WithDescription("code_challenge is required"))
	}

	if len(req.State) > maxStateNonceLength || len(req.Nonce) > maxStateNonceLength {
		return nil, e.redirected(v, oautherr.ErrInvalidRequest.WithDescription("state or nonce exceeds maximum length"))
	}

	// Implicit and hybrid flows need the nonce to bind tokens to the
	// original request.
	if (req.wantsIDToken() || req.wantsToken()) && req.Nonce == "" {
		return nil, e.redirected(v, oautherr.ErrInvalidRequest.WithDescription("nonce is required for this response_type"))
	}

	return v, nil
}

// Subject is the authenticated principal finalizing an authorization.
type Subject struct {
	UserID    string
	SessionID string
	AuthTime  int64
	ACR       string
	AMR       []string
}

// Response is the assembled success payload, delivered per response mode.
type Response struct {
	Mode        string
	RedirectURI string
	Params      url.Values
}

// Finalize emits the artifacts the response type calls for and assembles
// the redirect payload, including the half-hash binding claims.
func (e *Engine) Finalize(ctx context.Context, v *Validated, sub *Subject) (*Response, error) {
	req := v.Request
	params := url.Values{}
	if req.State != "" {
		params.Set("state", req.State)
	}

	var issuedCode string
	if req.wantsCode() {
		c, err := e.codes.Issue(ctx, &code.Grant{
			ClientID:            v.Client.ID,
			RedirectURI:         req.RedirectURI,
			UserID:              sub.UserID,
			SessionID:           sub.SessionID,
			Scope:               req.Scope,
			Nonce:               req.Nonce,
			ACR:                 sub.ACR,
			AMR:                 sub.AMR,
			AuthTime:            sub.AuthTime,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: req.CodeChallengeMethod,
			DPoPJKT:             req.DPoPJKT,
			Claims:              req.Claims,
		})
		if err != nil {
			return nil, e.redirected(v, oautherr.From(err))
		}
		issuedCode = c
		params.Set("code", c)
	}

	var accessToken string
	if req.wantsToken() {
		at, err := e.tokens.MintAccessToken(ctx, token.AccessTokenParams{
			ClientID: v.Client.ID,
			Subject:  sub.UserID,
			Scope:    req.Scope,
		})
		if err != nil {
			return nil, e.redirected(v, oautherr.From(err))
		}
		accessToken = at.Value
		params.Set("access_token", at.Value)
		params.Set("token_type", "Bearer")
	}

	if req.wantsIDToken() {
		idToken, err := e.tokens.MintIDToken(ctx, token.IDTokenParams{
			Client:      v.Client,
			Subject:     sub.UserID,
			Nonce:       req.Nonce,
			ACR:         sub.ACR,
			AMR:         sub.AMR,
			AuthTime:    sub.AuthTime,
			AccessToken: accessToken,
			Code:        issuedCode,
			State:       req.State,
		})
		if err != nil {
			return nil, e.redirected(v, oautherr.From(err))
		}
		params.Set("id_token", idToken)
	}

	return &Response{Mode: v.ResponseMode, RedirectURI: req.RedirectURI, Params: params}, nil
}

// Fail wraps a post-validation error in the redirect policy for v.
func (e *Engine) Fail(v *Validated, err error) error {
	return e.redirected(v, oautherr.From(err))
}

// BuildRedirect attaches params to the redirect uri per mode. form_post
// callers render the params into an auto-submitting form instead.
func BuildRedirect(redirectURI, mode string, params url.Values) string {
	switch mode {
	case "fragment":
		return redirectURI + "#" + params.Encode()
	case "form_post":
		// The HTTP layer posts the params; the target stays clean.
		return redirectURI
	default:
		sep := "?"
		if strings.Contains(redirectURI, "?") {
			sep = "&"
		}
		return redirectURI + sep + params.Encode()
	}
}

func direct(err *oautherr.Error) *Failure {
	return &Failure{Err: err}
}

func (e *Engine) redirected(v *Validated, err *oautherr.Error) *Failure {
	mode := v.ResponseMode
	if mode == "" {
		mode, _ = resolveResponseMode(v.Request)
		if mode == "" {
			mode = "query"
		}
	}
	params := url.Values{}
	params.Set("error", err.Code)
	if err.Description != "" {
		params.Set("error_description", err.Description)
	}
	if v.Request.State != "" {
		params.Set("state", v.Request.State)
	}
	return &Failure{Err: err, Redirect: BuildRedirect(v.Request.RedirectURI, mode, params)}
}

// resolveResponseMode applies the defaulting and compatibility rules:
// query for pure code, fragment otherwise, form_post always allowed,
// fragment never allowed for code-only.
func resolveResponseMode(req *Request) (string, error) {
	switch req.ResponseMode {
	case "":
		if req.codeOnly() {
			return "query", nil
		}
		return "fragment", nil
	case "query":
		if !req.codeOnly() {
			return "", fmt.Errorf("response_mode query is not allowed when tokens are returned")
		}
		return "query", nil
	case "fragment":
		if req.codeOnly() {
			return "", fmt.Errorf("response_mode fragment is not allowed for code-only requests")
		}
		return "fragment", nil
	case "form_post":
		return "form_post", nil
	default:
		return "", fmt.Errorf("unsupported response_mode %q", req.ResponseMode)
	}
}

func checkRedirectScheme(raw string, allowHTTP bool) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "malformed redirect_uri"
	}
	if u.Scheme == "http" && !allowHTTP {
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return "http redirect_uri is only allowed for loopback"
		}
	}
	return ""
}

func isBase64URL(s string) bool {
	_, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	return err == nil
}
