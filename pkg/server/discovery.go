// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	iss := s.cfg.IssuerURL
	doc := map[string]any{
		"issuer":                                iss,
		"authorization_endpoint":                iss + "/authorize",
		"token_endpoint":                        iss + "/token",
		"userinfo_endpoint":                     iss + "/userinfo",
		"jwks_uri":                              iss + "/jwks.json",
		"registration_endpoint":                 iss + "/register",
		"introspection_endpoint":                iss + "/introspect",
		"revocation_endpoint":                   iss + "/revoke",
		"pushed_authorization_request_endpoint": iss + "/as/par",
		"device_authorization_endpoint":         iss + "/device_authorization",
		"backchannel_authentication_endpoint":   iss + "/bc-authorize",

		"response_types_supported": s.profile.ResponseTypes,
		"response_modes_supported": []string{"query", "fragment", "form_post"},
		"grant_types_supported": []string{
			"authorization_code",
			"refresh_token",
			"client_credentials",
			"urn:ietf:params:oauth:grant-type:device_code",
			"urn:openid:params:grant-type:ciba",
			"urn:ietf:params:oauth:grant-type:token-exchange",
		},
		"subject_types_supported":               []string{"public", "pairwise"},
		"id_token_signing_alg_values_supported": []string{"RS256", "ES256", "EdDSA"},
		"id_token_encryption_alg_values_supported": []string{"RSA-OAEP-256", "ECDH-ES", "ECDH-ES+A256KW"},
		"id_token_encryption_enc_values_supported": []string{"A128GCM", "A256GCM"},
		"scopes_supported":                      []string{"openid", "profile", "email", "offline_access"},
		"token_endpoint_auth_methods_supported": s.profile.TokenAuthMethods,
		"code_challenge_methods_supported":      []string{"S256"},
		"claims_supported": []string{
			"iss", "sub", "aud", "exp", "iat", "auth_time", "nonce",
			"acr", "amr", "email", "email_verified", "name",
		},
		"request_parameter_supported":                      true,
		"request_uri_parameter_supported":                  true,
		"require_pushed_authorization_requests":            s.profile.RequirePAR,
		"dpop_signing_alg_values_supported":                []string{"RS256", "ES256", "EdDSA"},
		"backchannel_token_delivery_modes_supported":       []string{"poll", "ping", "push"},
		"backchannel_authentication_request_signing_alg_values_supported": []string{"RS256", "ES256"},
		"frontchannel_logout_supported":                    false,
		"backchannel_logout_supported":                     true,
		"backchannel_logout_session_supported":             true,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(doc)
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(s.deps.Ring.PublicJWKS())
}
