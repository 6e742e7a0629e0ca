// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package authorize implements the authorization endpoint engine: request
// validation, response-mode selection, the pre-redirect versus redirect
// error policy, and response assembly for code, implicit, and hybrid flows.
package authorize

import (
	"encoding/json"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// maxStateNonceLength bounds state and nonce values.
const maxStateNonceLength = 512

// Request is a parsed authorization request, before validation.
type Request struct {
	ClientID     string
	RedirectURI  string
	ResponseType string
	Scope        []string
	State        string
	Nonce        string

	CodeChallenge       string
	CodeChallengeMethod string

	// DPoPJKT pins the issued code to a proof key, from the dpop_jkt
	// parameter or a DPoP proof presented at the PAR endpoint.
	DPoPJKT string

	ResponseMode string
	MaxAge       int
	Prompt       []string
	UILocales    []string
	ACRValues    []string
	Claims       json.RawMessage

	// RequestURI and RequestObject are consumed before validation; they
	// are kept for PAR and JAR handling in the endpoint layer.
	RequestURI    string
	RequestObject string
}

// ParseRequest reads an authorization request from query or form values.
func ParseRequest(values url.Values) *Request {
	req := &Request{
		ClientID:            values.Get("client_id"),
		RedirectURI:         values.Get("redirect_uri"),
		ResponseType:        normalizeResponseType(values.Get("response_type")),
		Scope:               strings.Fields(values.Get("scope")),
		State:               values.Get("state"),
		Nonce:               values.Get("nonce"),
		CodeChallenge:       values.Get("code_challenge"),
		CodeChallengeMethod: values.Get("code_challenge_method"),
		DPoPJKT:             values.Get("dpop_jkt"),
		ResponseMode:        values.Get("response_mode"),
		Prompt:              strings.Fields(values.Get("prompt")),
		UILocales:           strings.Fields(values.Get("ui_locales")),
		ACRValues:           strings.Fields(values.Get("acr_values")),
		RequestURI:          values.Get("request_uri"),
		RequestObject:       values.Get("request"),
	}
	if raw := values.Get("claims"); raw != "" {
		req.Claims = json.RawMessage(raw)
	}
	if raw := values.Get("max_age"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			req.MaxAge = v
		}
	}
	return req
}

// normalizeResponseType sorts multi-valued response types into the
// canonical "code id_token token" order so comparisons are stable.
func normalizeResponseType(rt string) string {
	parts := strings.Fields(rt)
	if len(parts) <= 1 {
		return rt
	}
	rank := map[string]int{"code": 0, "id_token": 1, "token": 2}
	slices.SortFunc(parts, func(a, b string) int {
		ra, aok := rank[a]
		rb, bok := rank[b]
		if !aok || !bok {
			return strings.Compare(a, b)
		}
		return ra - rb
	})
	return strings.Join(parts, " ")
}

// wantsCode reports whether the response type issues an authorization code.
func (r *Request) wantsCode() bool {
	return slices.Contains(strings.Fields(r.ResponseType), "code")
}

// wantsIDToken reports whether the response type issues an ID token
// directly from the authorization endpoint.
func (r *Request) wantsIDToken() bool {
	return slices.Contains(strings.Fields(r.ResponseType), "id_token")
}

// wantsToken reports whether the response type issues an access token
// directly from the authorization endpoint.
func (r *Request) wantsToken() bool {
	return slices.Contains(strings.Fields(r.ResponseType), "token")
}

// codeOnly reports a pure authorization-code request.
func (r *Request) codeOnly() bool {
	return r.ResponseType == "code"
}
