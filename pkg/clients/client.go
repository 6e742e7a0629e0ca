// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package clients implements the client registry: metadata validation,
// dynamic registration, and certification-profile defaults.
package clients

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Metadata is the registered OAuth/OIDC client model.
type Metadata struct {
	ID       string `json:"client_id"`
	TenantID string `json:"tenant_id,omitempty"`
	Name     string `json:"client_name,omitempty"`

	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types,omitempty"`
	ResponseTypes []string `json:"response_types,omitempty"`
	Scopes        []string `json:"scopes,omitempty"`

	// JWKS and JWKSURI are mutually exclusive.
	JWKS    string `json:"jwks,omitempty"`
	JWKSURI string `json:"jwks_uri,omitempty"`

	IDTokenEncAlg  string `json:"id_token_encrypted_response_alg,omitempty"`
	IDTokenEncEnc  string `json:"id_token_encrypted_response_enc,omitempty"`
	UserinfoSigAlg string `json:"userinfo_signed_response_alg,omitempty"`
	UserinfoEncAlg string `json:"userinfo_encrypted_response_alg,omitempty"`
	UserinfoEncEnc string `json:"userinfo_encrypted_response_enc,omitempty"`

	SubjectType         string `json:"subject_type,omitempty"`
	SectorIdentifierURI string `json:"sector_identifier_uri,omitempty"`

	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`
	PKCERequired            bool   `json:"pkce_required,omitempty"`
	DPoPRequired            bool   `json:"dpop_required,omitempty"`
	RequirePAR              bool   `json:"require_pushed_authorization_requests,omitempty"`

	// AccessTokenFormat selects opaque handles or signed JWTs.
	AccessTokenFormat string `json:"access_token_format,omitempty"`

	// AttributeMapping maps upstream claim paths to local attributes
	// during federated login, dot-notation keys.
	AttributeMapping map[string]string `json:"attribute_mapping,omitempty"`

	BackchannelTokenDeliveryMode    string `json:"backchannel_token_delivery_mode,omitempty"`
	BackchannelNotificationEndpoint string `json:"backchannel_client_notification_endpoint,omitempty"`

	Profile string `json:"certification_profile,omitempty"`
}

// Supported metadata vocabularies.
var (
	validGrantTypes = []string{
		"authorization_code",
		"refresh_token",
		"client_credentials",
		"implicit",
		"urn:ietf:params:oauth:grant-type:device_code",
		"urn:openid:params:grant-type:ciba",
		"urn:ietf:params:oauth:grant-type:token-exchange",
	}
	validResponseTypes = []string{
		"code", "id_token", "token",
		"code id_token", "code token", "id_token token",
		"code id_token token",
	}
	validAuthMethods = []string{
		"client_secret_basic", "client_secret_post", "client_secret_jwt",
		"private_key_jwt", "tls_client_auth", "none",
	}
	validSubjectTypes = []string{"public", "pairwise"}
)

// ValidationError reports which metadata keys failed and why.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return "invalid client metadata: " + strings.Join(keys, ", ")
}

// Validate checks metadata consistency. allowHTTPRedirect relaxes the
// https requirement (loopback is always allowed).
func (m *Metadata) Validate(allowHTTPRedirect bool) error {
	fields := make(map[string]string)

	if len(m.RedirectURIs) == 0 && needsRedirect(m.GrantTypes) {
		fields["redirect_uris"] = "at least one redirect_uri is required"
	}
	for _, raw := range m.RedirectURIs {
		if reason := checkRedirectURI(raw, allowHTTPRedirect); reason != "" {
			fields["redirect_uris"] = reason
			break
		}
	}

	for _, gt := range m.GrantTypes {
		if !slices.Contains(validGrantTypes, gt) {
			fields["grant_types"] = fmt.Sprintf("unsupported grant type %q", gt)
			break
		}
	}
	for _, rt := range m.ResponseTypes {
		if !slices.Contains(validResponseTypes, rt) {
			fields["response_types"] = fmt.Sprintf("unsupported response type %q", rt)
			break
		}
	}
	if m.TokenEndpointAuthMethod != "" && !slices.Contains(validAuthMethods, m.TokenEndpointAuthMethod) {
		fields["token_endpoint_auth_method"] = fmt.Sprintf("unsupported method %q", m.TokenEndpointAuthMethod)
	}
	if m.SubjectType != "" && !slices.Contains(validSubjectTypes, m.SubjectType) {
		fields["subject_type"] = fmt.Sprintf("unsupported subject type %q", m.SubjectType)
	}

	if m.JWKS != "" && m.JWKSURI != "" {
		fields["jwks"] = "jwks and jwks_uri are mutually exclusive"
	}
	if m.TokenEndpointAuthMethod == "private_key_jwt" && m.JWKS == "" && m.JWKSURI == "" {
		fields["token_endpoint_auth_method"] = "private_key_jwt requires jwks or jwks_uri"
	}
	if (m.IDTokenEncAlg != "") != (m.IDTokenEncEnc != "") {
		fields["id_token_encrypted_response_alg"] = "encryption alg and enc must be set together"
	}

	// Pairwise subjects across multiple redirect hosts need a sector
	// identifier; with one host the sector is derived from it.
	if m.SubjectType == "pairwise" && m.SectorIdentifierURI == "" && len(redirectHosts(m.RedirectURIs)) > 1 {
		fields["sector_identifier_uri"] = "required for pairwise subjects with multiple redirect hosts"
	}
	if m.SectorIdentifierURI != "" {
		if u, err := url.Parse(m.SectorIdentifierURI); err != nil || u.Scheme != "https" {
			fields["sector_identifier_uri"] = "must be an https url"
		}
	}

	if m.BackchannelTokenDeliveryMode != "" {
		switch m.BackchannelTokenDeliveryMode {
		case "poll":
		case "ping", "push":
			if m.BackchannelNotificationEndpoint == "" {
				fields["backchannel_client_notification_endpoint"] = "required for ping and push delivery"
			}
		default:
			fields["backchannel_token_delivery_mode"] = fmt.Sprintf("unsupported mode %q", m.BackchannelTokenDeliveryMode)
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// HasGrantType reports whether gt is registered for the client.
func (m *Metadata) HasGrantType(gt string) bool {
	return slices.Contains(m.GrantTypes, gt)
}

// HasResponseType reports whether rt is registered for the client.
func (m *Metadata) HasResponseType(rt string) bool {
	return slices.Contains(m.ResponseTypes, rt)
}

// HasRedirectURI reports whether uri is byte-equal to a registered uri.
func (m *Metadata) HasRedirectURI(uri string) bool {
	return slices.Contains(m.RedirectURIs, uri)
}

// Public reports whether the client authenticates at the token endpoint.
func (m *Metadata) Public() bool {
	return m.TokenEndpointAuthMethod == "none"
}

func needsRedirect(grantTypes []string) bool {
	if len(grantTypes) == 0 {
		return true
	}
	return slices.Contains(grantTypes, "authorization_code") || slices.Contains(grantTypes, "implicit")
}

func checkRedirectURI(raw string, allowHTTP bool) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return fmt.Sprintf("malformed uri %q", raw)
	}
	if u.Fragment != "" {
		return "redirect_uris must not carry fragments"
	}
	switch u.Scheme {
	case "https":
		return ""
	case "http":
		if allowHTTP || isLoopback(u.Hostname()) {
			return ""
		}
		return "http redirect_uris are only allowed for loopback"
	default:
		// Custom schemes for native apps.
		return ""
	}
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func redirectHosts(uris []string) []string {
	var hosts []string
	for _, raw := range uris {
		if u, err := url.Parse(raw); err == nil && u.Host != "" && !slices.Contains(hosts, u.Host) {
			hosts = append(hosts, u.Host)
		}
	}
	return hosts
}
