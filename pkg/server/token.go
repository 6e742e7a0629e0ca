// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/code"
	"github.com/authrim/authrim/pkg/oautherr"
	"github.com/authrim/authrim/pkg/refresh"
	"github.com/authrim/authrim/pkg/token"
)

// Grant type identifiers accepted at the token endpoint.
const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
	grantClientCredentials = "client_credentials"
	grantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	grantCIBA              = "urn:openid:params:grant-type:ciba"
	grantTokenExchange     = "urn:ietf:params:oauth:grant-type:token-exchange"
)

// tokenResponse is the token endpoint success body.
type tokenResponse struct {
	AccessToken     string `json:"access_token"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int64  `json:"expires_in"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	IDToken         string `json:"id_token,omitempty"`
	Scope           string `json:"scope,omitempty"`
	IssuedTokenType string `json:"issued_token_type,omitempty"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oautherr.WriteJSON(w, oautherr.ErrInvalidRequest)
		return
	}
	grantType := r.PostFormValue("grant_type")

	client, err := s.authenticateClient(r)
	if err != nil {
		s.failGrant(w, grantType, err)
		return
	}

	// DPoP proof, when presented, binds every token minted below.
	var dpopJKT string
	if proof := r.Header.Get("DPoP"); proof != "" {
		dpopJKT, err = token.VerifyDPoPProof(proof, r.Method, s.cfg.IssuerURL+"/token", "")
		if err != nil {
			s.failGrant(w, grantType, oautherr.ErrInvalidDPoPProof.WithDescription("proof rejected"))
			return
		}
	}
	if (client.DPoPRequired || s.profile.RequireDPoP) && dpopJKT == "" {
		s.failGrant(w, grantType, oautherr.ErrInvalidDPoPProof.WithDescription("DPoP proof required"))
		return
	}

	var resp *tokenResponse
	switch grantType {
	case grantAuthorizationCode:
		resp, err = s.grantAuthorizationCode(r, client, dpopJKT)
	case grantRefreshToken:
		resp, err = s.grantRefreshToken(r, client, dpopJKT)
	case grantClientCredentials:
		resp, err = s.grantClientCredentials(r, client, dpopJKT)
	case grantDeviceCode:
		resp, err = s.grantDeviceCode(r, client, dpopJKT)
	case grantCIBA:
		resp, err = s.grantCIBA(r, client, dpopJKT)
	case grantTokenExchange:
		resp, err = s.grantTokenExchange(r, client)
	default:
		err = oautherr.ErrUnsupportedGrantType.WithDescription("unsupported grant_type %q", grantType)
	}
	if err != nil {
		s.failGrant(w, grantType, err)
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.TokensIssued.WithLabelValues(grantType, "access").Inc()
		if resp.RefreshToken != "" {
			s.deps.Metrics.TokensIssued.WithLabelValues(grantType, "refresh").Inc()
		}
		if resp.IDToken != "" {
			s.deps.Metrics.TokensIssued.WithLabelValues(grantType, "id").Inc()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) failGrant(w http.ResponseWriter, grantType string, err error) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.GrantFailures.WithLabelValues(grantType, oautherr.From(err).Code).Inc()
	}
	oautherr.WriteJSON(w, err)
}

func (s *Server) grantAuthorizationCode(r *http.Request, client *clients.Metadata, dpopJKT string) (*tokenResponse, error) {
	ctx := r.Context()
	grant, err := s.deps.Codes.Consume(ctx,
		r.PostFormValue("code"), client.ID,
		r.PostFormValue("redirect_uri"), r.PostFormValue("code_verifier"))
	if err != nil {
		switch {
		case errors.Is(err, code.ErrNotFound), errors.Is(err, code.ErrExpired),
			errors.Is(err, code.ErrClientMismatch), errors.Is(err, code.ErrRedirectMismatch):
			return nil, oautherr.ErrInvalidGrant.WithDescription("authorization code rejected")
		case errors.Is(err, code.ErrPKCEFailed):
			return nil, oautherr.ErrInvalidGrant.WithDescription("PKCE verification failed")
		}
		return nil, err
	}

	// A grant pinned to a proof key is only redeemable with that key.
	if grant.DPoPJKT != "" && grant.DPoPJKT != dpopJKT {
		return nil, oautherr.ErrInvalidDPoPProof.WithDescription("code bound to a different key")
	}

	return s.mintUserTokens(r, client, mintParams{
		UserID:   grant.UserID,
		Scope:    grant.Scope,
		Nonce:    grant.Nonce,
		ACR:      grant.ACR,
		AMR:      grant.AMR,
		AuthTime: grant.AuthTime,
		DPoPJKT:  dpopJKT,
	})
}

func (s *Server) grantRefreshToken(r *http.Request, client *clients.Metadata, dpopJKT string) (*tokenResponse, error) {
	ctx := r.Context()
	rotated, err := s.deps.Rotator.Rotate(ctx, r.PostFormValue("refresh_token"))
	if err != nil {
		if errors.Is(err, refresh.ErrReuseDetected) {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RefreshReuse.Inc()
			}
			return nil, oautherr.ErrInvalidGrant.WithDescription("refresh token reuse detected")
		}
		if errors.Is(err, refresh.ErrNotFound) || errors.Is(err, refresh.ErrExpired) || errors.Is(err, refresh.ErrRevoked) {
			return nil, oautherr.ErrInvalidGrant
		}
		return nil, err
	}
	if rotated.ClientID != client.ID {
		return nil, oautherr.ErrInvalidGrant.WithDescription("refresh token issued to another client")
	}

	resp, err := s.mintUserTokens(r, client, mintParams{
		UserID:  rotated.UserID,
		Scope:   rotated.Scope,
		DPoPJKT: dpopJKT,
	})
	if err != nil {
		return nil, err
	}
	resp.RefreshToken = rotated.JTI
	return resp, nil
}

func (s *Server) grantClientCredentials(r *http.Request, client *clients.Metadata, dpopJKT string) (*tokenResponse, error) {
	if !client.HasGrantType(grantClientCredentials) {
		return nil, oautherr.ErrUnauthorizedClient
	}
	scope := strings.Fields(r.PostFormValue("scope"))
	access, err := s.deps.Tokens.MintAccessToken(r.Context(), token.AccessTokenParams{
		ClientID: client.ID,
		Subject:  client.ID,
		Scope:    scope,
		DPoPJKT:  dpopJKT,
		Opaque:   client.AccessTokenFormat == "opaque",
	})
	if err != nil {
		return nil, err
	}
	return s.tokenResponseFor(access, dpopJKT, scope), nil
}

func (s *Server) grantDeviceCode(r *http.Request, client *clients.Metadata, dpopJKT string) (*tokenResponse, error) {
	if !client.HasGrantType(grantDeviceCode) {
		return nil, oautherr.ErrUnauthorizedClient
	}
	dc, err := s.deps.Device.Poll(r.Context(), r.PostFormValue("device_code"), client.ID)
	if err != nil {
		return nil, err
	}
	return s.mintUserTokens(r, client, mintParams{
		UserID:  dc.UserID,
		Scope:   dc.Scope,
		DPoPJKT: dpopJKT,
	})
}

func (s *Server) grantCIBA(r *http.Request, client *clients.Metadata, dpopJKT string) (*tokenResponse, error) {
	if !client.HasGrantType(grantCIBA) {
		return nil, oautherr.ErrUnauthorizedClient
	}
	req, err := s.deps.CIBA.Poll(r.Context(), r.PostFormValue("auth_req_id"), client.ID)
	if err != nil {
		return nil, err
	}
	return s.mintUserTokens(r, client, mintParams{
		UserID:  req.UserID,
		Scope:   req.Scope,
		DPoPJKT: dpopJKT,
	})
}

func (s *Server) grantTokenExchange(r *http.Request, client *clients.Metadata) (*tokenResponse, error) {
	access, err := s.deps.Tokens.Exchange(r.Context(), token.ExchangeParams{
		Client:         client,
		SubjectToken:   r.PostFormValue("subject_token"),
		RequestedScope: strings.Fields(r.PostFormValue("scope")),
	})
	if err != nil {
		if errors.Is(err, token.ErrInactiveToken) {
			return nil, oautherr.ErrInvalidGrant.WithDescription("subject token is not active")
		}
		return nil, err
	}
	resp := s.tokenResponseFor(access, "", strings.Fields(r.PostFormValue("scope")))
	resp.IssuedTokenType = "urn:ietf:params:oauth:token-type:access_token"
	return resp, nil
}

// mintParams is the shared shape of every user-bound grant.
type mintParams struct {
	UserID   string
	Scope    []string
	Nonce    string
	ACR      string
	AMR      []string
	AuthTime int64
	DPoPJKT  string
}

// mintUserTokens mints the access token, refresh token, and ID token a
// user-bound grant yields, applying the client's subject type.
func (s *Server) mintUserTokens(r *http.Request, client *clients.Metadata, p mintParams) (*tokenResponse, error) {
	ctx := r.Context()
	subject, err := s.subjectFor(client, p.UserID)
	if err != nil {
		return nil, err
	}

	access, err := s.deps.Tokens.MintAccessToken(ctx, token.AccessTokenParams{
		ClientID: client.ID,
		Subject:  subject,
		Scope:    p.Scope,
		DPoPJKT:  p.DPoPJKT,
		Opaque:   client.AccessTokenFormat == "opaque",
	})
	if err != nil {
		return nil, err
	}
	resp := s.tokenResponseFor(access, p.DPoPJKT, p.Scope)

	if client.HasGrantType(grantRefreshToken) {
		rt, err := s.deps.Rotator.Mint(ctx, p.UserID, client.ID, p.Scope)
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = rt.JTI
	}

	if slices.Contains(p.Scope, "openid") {
		idToken, err := s.deps.Tokens.MintIDToken(ctx, token.IDTokenParams{
			Client:      client,
			Subject:     subject,
			Nonce:       p.Nonce,
			ACR:         p.ACR,
			AMR:         p.AMR,
			AuthTime:    p.AuthTime,
			AccessToken: access.Value,
		})
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}
	return resp, nil
}

func (s *Server) tokenResponseFor(access *token.AccessToken, dpopJKT string, scope []string) *tokenResponse {
	tokenType := "Bearer"
	if dpopJKT != "" {
		tokenType = "DPoP"
	}
	return &tokenResponse{
		AccessToken: access.Value,
		TokenType:   tokenType,
		ExpiresIn:   int64(time.Until(access.ExpiresAt).Seconds()),
		Scope:       strings.Join(scope, " "),
	}
}
