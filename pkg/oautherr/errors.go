// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package oautherr defines the protocol error values shared by every
// authorization and token endpoint. Errors carry the RFC 6749 error code,
// a human-readable description, and the HTTP status used when the error is
// returned directly rather than via redirect.
package oautherr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error is a typed OAuth/OIDC protocol error.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Is matches errors by protocol code so wrapped errors compare against the
// package sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// WithDescription returns a copy of the error with a formatted description.
// The receiver is never mutated; sentinels stay pristine.
func (e *Error) WithDescription(format string, args ...any) *Error {
	clone := *e
	clone.Description = fmt.Sprintf(format, args...)
	return &clone
}

// Protocol error sentinels. Descriptions here are deliberately generic;
// callers attach specifics with WithDescription.
var (
	ErrInvalidRequest          = &Error{Code: "invalid_request", Status: http.StatusBadRequest}
	ErrInvalidClient           = &Error{Code: "invalid_client", Status: http.StatusUnauthorized}
	ErrInvalidGrant            = &Error{Code: "invalid_grant", Status: http.StatusBadRequest}
	ErrUnauthorizedClient      = &Error{Code: "unauthorized_client", Status: http.StatusBadRequest}
	ErrUnsupportedGrantType    = &Error{Code: "unsupported_grant_type", Status: http.StatusBadRequest}
	ErrUnsupportedResponseType = &Error{Code: "unsupported_response_type", Status: http.StatusBadRequest}
	ErrInvalidScope            = &Error{Code: "invalid_scope", Status: http.StatusBadRequest}
	ErrAccessDenied            = &Error{Code: "access_denied", Status: http.StatusForbidden}
	ErrInteractionRequired     = &Error{Code: "interaction_required", Status: http.StatusBadRequest}
	ErrLoginRequired           = &Error{Code: "login_required", Status: http.StatusBadRequest}
	ErrConsentRequired         = &Error{Code: "consent_required", Status: http.StatusBadRequest}
	ErrAuthorizationPending    = &Error{Code: "authorization_pending", Status: http.StatusBadRequest}
	ErrSlowDown                = &Error{Code: "slow_down", Status: http.StatusBadRequest}
	ErrExpiredToken            = &Error{Code: "expired_token", Status: http.StatusBadRequest}
	ErrInvalidDPoPProof        = &Error{Code: "invalid_dpop_proof", Status: http.StatusBadRequest}
	ErrInvalidToken            = &Error{Code: "invalid_token", Status: http.StatusUnauthorized}
	ErrInvalidTarget           = &Error{Code: "invalid_target", Status: http.StatusBadRequest}
	ErrInvalidRedirectURI      = &Error{Code: "invalid_redirect_uri", Status: http.StatusBadRequest}
	ErrInvalidClientMetadata   = &Error{Code: "invalid_client_metadata", Status: http.StatusBadRequest}
	ErrConflict                = &Error{Code: "conflict", Status: http.StatusConflict}
	ErrNotFound                = &Error{Code: "not_found", Status: http.StatusNotFound}
	ErrServerError             = &Error{Code: "server_error", Status: http.StatusInternalServerError}
	ErrTemporarilyUnavailable  = &Error{Code: "temporarily_unavailable", Status: http.StatusServiceUnavailable}
)

// From converts any error into a protocol error. Non-protocol errors map to
// server_error so internals are never disclosed on the wire.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrServerError
}

// WriteJSON writes the error as an RFC 6749 JSON error response.
func WriteJSON(w http.ResponseWriter, err error) {
	e := From(err)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e)
}
