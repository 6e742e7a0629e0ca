// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/authrim/authrim/pkg/authorize"
	"github.com/authrim/authrim/pkg/oautherr"
	"github.com/authrim/authrim/pkg/par"
	"github.com/authrim/authrim/pkg/session"
)

// handleAuthorize is the authorization endpoint. It resolves PAR and JAR
// indirection, validates the request, and either finalizes against the
// current session or starts an interactive transaction.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oautherr.WriteJSON(w, oautherr.ErrInvalidRequest.WithDescription("malformed request"))
		return
	}
	ctx := r.Context()
	values := r.Form
	clientID := values.Get("client_id")

	// PAR indirection: the stored request replaces the query entirely.
	if requestURI := values.Get("request_uri"); strings.HasPrefix(requestURI, par.RequestURIPrefix) {
		stored, err := s.deps.PAR.Consume(ctx, requestURI, clientID)
		if err != nil {
			if errors.Is(err, par.ErrNotFound) || errors.Is(err, par.ErrClientMismatch) {
				oautherr.WriteJSON(w, oautherr.ErrInvalidRequest.WithDescription("unknown or expired request_uri"))
				return
			}
			oautherr.WriteJSON(w, err)
			return
		}
		stored.Set("client_id", clientID)
		values = stored
	}

	// JAR: a signed (possibly encrypted) request object overrides the query.
	if requestJWT := values.Get("request"); requestJWT != "" {
		client, err := s.deps.Registry.Get(ctx, clientID)
		if err != nil {
			oautherr.WriteJSON(w, oautherr.ErrInvalidClient.WithDescription("unknown client_id"))
			return
		}
		merged, err := par.VerifyRequestObject(ctx, s.deps.Ring, client, requestJWT, values)
		if err != nil {
			oautherr.WriteJSON(w, oautherr.ErrInvalidRequest.WithDescription("request object rejected"))
			return
		}
		values = merged
	}

	req := authorize.ParseRequest(values)
	v, err := s.deps.Authz.Validate(ctx, req)
	if err != nil {
		s.writeAuthorizeFailure(w, r, err)
		return
	}

	sess := s.sessionFromRequest(r)
	needsLogin := sess == nil || slices.Contains(req.Prompt, "login")
	if needsLogin {
		if slices.Contains(req.Prompt, "none") {
			s.writeAuthorizeFailure(w, r, s.deps.Authz.Fail(v, oautherr.ErrLoginRequired))
			return
		}
		raw, merr := json.Marshal(req)
		if merr != nil {
			oautherr.WriteJSON(w, merr)
			return
		}
		txn, terr := s.deps.Txns.Begin(ctx, raw)
		if terr != nil {
			oautherr.WriteJSON(w, terr)
			return
		}
		s.renderLoginForm(w, txn.ID, req.ClientID)
		return
	}

	missing, err := s.deps.Consent.Missing(ctx, sess.UserID, v.Client.ID, req.Scope)
	if err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	if len(missing) > 0 {
		if slices.Contains(req.Prompt, "none") {
			s.writeAuthorizeFailure(w, r, s.deps.Authz.Fail(v, oautherr.ErrConsentRequired))
			return
		}
		// First-party default: grant silently on an authenticated session.
		if err := s.deps.Consent.Grant(ctx, sess.UserID, v.Client.ID, req.Scope); err != nil {
			oautherr.WriteJSON(w, err)
			return
		}
	}

	s.finalize(w, r, v, sess)
}

// handleAuthorizeLogin completes the interactive transaction started at
// the authorization endpoint: it authenticates the user, establishes the
// session, records consent, and delivers the response.
func (s *Server) handleAuthorizeLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oautherr.WriteJSON(w, oautherr.ErrInvalidRequest)
		return
	}
	ctx := r.Context()

	txn, err := s.deps.Txns.Get(ctx, r.PostFormValue("txn_id"))
	if err != nil {
		oautherr.WriteJSON(w, oautherr.ErrInvalidRequest.WithDescription("unknown or expired transaction"))
		return
	}
	var req authorize.Request
	if err := json.Unmarshal(txn.Request, &req); err != nil {
		oautherr.WriteJSON(w, err)
		return
	}

	// Revalidate; client state may have changed mid-transaction.
	v, err := s.deps.Authz.Validate(ctx, &req)
	if err != nil {
		s.writeAuthorizeFailure(w, r, err)
		return
	}

	if err := s.deps.Txns.Advance(ctx, txn, authorize.StateAuthenticating); err != nil {
		oautherr.WriteJSON(w, oautherr.ErrInvalidRequest.WithDescription("transaction in wrong state"))
		return
	}

	userID, err := s.findOrCreateUser(ctx, v.Client.TenantID, r.PostFormValue("email"))
	if err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	txn.UserID = userID

	sess, err := s.deps.Sessions.Create(ctx, &session.Session{
		UserID:  userID,
		Methods: []string{"email"},
		AMR:     []string{"pwd"},
	}, 0)
	if err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	s.setSessionCookie(w, sess.ID)

	if err := s.deps.Txns.Advance(ctx, txn, authorize.StateConsent); err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	if err := s.deps.Consent.Grant(ctx, userID, v.Client.ID, req.Scope); err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	if err := s.deps.Txns.Advance(ctx, txn, authorize.StateApproved); err != nil {
		oautherr.WriteJSON(w, err)
		return
	}

	s.finalize(w, r, v, sess)

	_ = s.deps.Txns.Advance(ctx, txn, authorize.StateFinalized)
	_ = s.deps.Txns.Delete(ctx, txn.ID)
}

func (s *Server) finalize(w http.ResponseWriter, r *http.Request, v *authorize.Validated, sess *session.Session) {
	resp, err := s.deps.Authz.Finalize(r.Context(), v, &authorize.Subject{
		UserID:    sess.UserID,
		SessionID: sess.ID,
		AuthTime:  sess.AuthTime,
		ACR:       sess.ACR,
		AMR:       sess.AMR,
	})
	if err != nil {
		s.writeAuthorizeFailure(w, r, err)
		return
	}
	s.deliver(w, r, resp)
}

// deliver sends the success payload per the resolved response mode.
func (s *Server) deliver(w http.ResponseWriter, r *http.Request, resp *authorize.Response) {
	if resp.Mode == "form_post" {
		s.renderFormPost(w, resp.RedirectURI, resp.Params)
		return
	}
	http.Redirect(w, r, authorize.BuildRedirect(resp.RedirectURI, resp.Mode, resp.Params), http.StatusFound)
}

// writeAuthorizeFailure delivers a validation failure: redirect when the
// engine marked the error deliverable, direct JSON otherwise.
func (s *Server) writeAuthorizeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var f *authorize.Failure
	if errors.As(err, &f) && f.Redirect != "" {
		http.Redirect(w, r, f.Redirect, http.StatusFound)
		return
	}
	oautherr.WriteJSON(w, err)
}

func (s *Server) renderLoginForm(w http.ResponseWriter, txnID, clientID string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><title>Sign in</title></head><body>
<h1>Sign in</h1>
<p>Continue to %s</p>
<form method="post" action="/authorize/login">
<input type="hidden" name="txn_id" value="%s">
<label>Email <input type="email" name="email" autofocus></label>
<button type="submit">Continue</button>
</form>
</body></html>`, html.EscapeString(clientID), html.EscapeString(txnID))
}

// renderFormPost emits the OAuth form_post response document.
func (s *Server) renderFormPost(w http.ResponseWriter, redirectURI string, params url.Values) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	var fields strings.Builder
	for name, vals := range params {
		for _, val := range vals {
			fmt.Fprintf(&fields, `<input type="hidden" name="%s" value="%s">`,
				html.EscapeString(name), html.EscapeString(val))
		}
	}
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><title>Submitting…</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="%s">%s<noscript><button type="submit">Continue</button></noscript></form>
</body></html>`, html.EscapeString(redirectURI), fields.String())
}
