// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/crypto"
	"github.com/authrim/authrim/pkg/federation"
	"github.com/authrim/authrim/pkg/oautherr"
	"github.com/authrim/authrim/pkg/session"
	"github.com/authrim/authrim/pkg/token"
)

// bearerToken pulls the access token out of the Authorization header,
// accepting both Bearer and DPoP schemes.
func bearerToken(r *http.Request) (value, scheme string) {
	auth := r.Header.Get("Authorization")
	for _, s := range []string{"Bearer ", "DPoP "} {
		if len(auth) > len(s) && strings.EqualFold(auth[:len(s)], s) {
			return auth[len(s):], strings.TrimSpace(s)
		}
	}
	return "", ""
}

func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tokenValue, scheme := bearerToken(r)
	if tokenValue == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
		oautherr.WriteJSON(w, oautherr.ErrInvalidToken.WithDescription("missing access token"))
		return
	}

	intro, err := s.deps.Tokens.Introspect(ctx, tokenValue, "")
	if err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	if !intro.Active {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		oautherr.WriteJSON(w, oautherr.ErrInvalidToken)
		return
	}

	// A key-bound token must arrive under DPoP with a fresh proof.
	if jkt, ok := intro.CNF["jkt"].(string); ok && jkt != "" {
		proof := r.Header.Get("DPoP")
		if scheme != "DPoP" || proof == "" {
			w.Header().Set("WWW-Authenticate", `DPoP error="invalid_token"`)
			oautherr.WriteJSON(w, oautherr.ErrInvalidToken.WithDescription("token is DPoP-bound"))
			return
		}
		proofJKT, perr := token.VerifyDPoPProof(proof, r.Method, s.cfg.IssuerURL+"/userinfo", tokenValue)
		if perr != nil || proofJKT != jkt {
			oautherr.WriteJSON(w, oautherr.ErrInvalidDPoPProof)
			return
		}
	}

	claims := map[string]any{"sub": intro.Sub}
	scopes := strings.Fields(intro.Scope)
	client, cerr := s.deps.Registry.Get(ctx, intro.ClientID)
	if cerr == nil && client.SubjectType != "pairwise" {
		// Profile claims resolve through the local account; pairwise
		// subjects are deliberately unresolvable.
		s.addProfileClaims(ctx, claims, intro.Sub, scopes)
	}

	if client != nil && client.UserinfoSigAlg != "" {
		claims["iss"] = s.cfg.IssuerURL
		claims["aud"] = client.ID
		signed, serr := s.deps.Ring.SignClaims(claims, "JWT")
		if serr != nil {
			oautherr.WriteJSON(w, serr)
			return
		}
		body := signed
		if client.UserinfoEncAlg != "" {
			key, kerr := s.deps.Ring.ResolveClientKey(ctx, client.JWKS, client.JWKSURI)
			if kerr != nil {
				oautherr.WriteJSON(w, kerr)
				return
			}
			body, serr = s.deps.Ring.EncryptForClient([]byte(signed), key, client.UserinfoEncAlg, client.UserinfoEncEnc)
			if serr != nil {
				oautherr.WriteJSON(w, serr)
				return
			}
		}
		w.Header().Set("Content-Type", "application/jwt")
		_, _ = w.Write([]byte(body))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(claims)
}

func (s *Server) addProfileClaims(ctx context.Context, claims map[string]any, userID string, scopes []string) {
	var email, name string
	var verified int
	err := s.deps.DB.QueryRowContext(ctx,
		`SELECT email, email_verified, name FROM users WHERE id = ?`, userID).Scan(&email, &verified, &name)
	if err != nil {
		return
	}
	for _, scope := range scopes {
		switch scope {
		case "email":
			claims["email"] = email
			claims["email_verified"] = verified == 1
		case "profile":
			if name != "" {
				claims["name"] = name
			}
		}
	}
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	client, err := s.authenticateClient(r)
	if err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	intro, err := s.deps.Tokens.Introspect(r.Context(), r.PostFormValue("token"), client.ID)
	if err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(intro)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticateClient(r); err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	if err := s.deps.Tokens.Revoke(r.Context(), r.PostFormValue("token")); err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var meta clients.Metadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		oautherr.WriteJSON(w, oautherr.ErrInvalidClientMetadata.WithDescription("malformed metadata document"))
		return
	}
	reg, err := s.deps.Registry.Register(r.Context(), &meta)
	if err != nil {
		var verr *clients.ValidationError
		if errors.As(err, &verr) {
			oautherr.WriteJSON(w, oautherr.ErrInvalidClientMetadata.WithDescription("%s", verr.Error()))
			return
		}
		oautherr.WriteJSON(w, err)
		return
	}

	out := struct {
		*clients.Registration
		RegistrationClientURI string `json:"registration_client_uri"`
	}{reg, s.cfg.IssuerURL + "/register/" + reg.ID}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) managementClient(r *http.Request) (*clients.Metadata, error) {
	regToken, _ := bearerToken(r)
	meta, err := s.deps.Registry.GetForManagement(r.Context(), chi.URLParam(r, "clientID"), regToken)
	if err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			return nil, oautherr.ErrNotFound
		}
		if errors.Is(err, clients.ErrBadRegistrationToken) {
			return nil, oautherr.ErrInvalidToken.WithDescription("registration access token rejected")
		}
		return nil, err
	}
	return meta, nil
}

func (s *Server) handleClientConfig(w http.ResponseWriter, r *http.Request) {
	meta, err := s.managementClient(r)
	if err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(meta)
}

func (s *Server) handleClientUpdate(w http.ResponseWriter, r *http.Request) {
	if _, err := s.managementClient(r); err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	var meta clients.Metadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		oautherr.WriteJSON(w, oautherr.ErrInvalidClientMetadata)
		return
	}
	clientID := chi.URLParam(r, "clientID")
	if err := s.deps.Registry.Update(r.Context(), clientID, &meta); err != nil {
		var verr *clients.ValidationError
		if errors.As(err, &verr) {
			oautherr.WriteJSON(w, oautherr.ErrInvalidClientMetadata.WithDescription("%s", verr.Error()))
			return
		}
		oautherr.WriteJSON(w, err)
		return
	}
	meta.ID = clientID
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(&meta)
}

func (s *Server) handleClientDelete(w http.ResponseWriter, r *http.Request) {
	if _, err := s.managementClient(r); err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	if err := s.deps.Registry.Delete(r.Context(), chi.URLParam(r, "clientID")); err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePAR(w http.ResponseWriter, r *http.Request) {
	client, err := s.authenticateClient(r)
	if err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	if r.PostFormValue("request_uri") != "" {
		oautherr.WriteJSON(w, oautherr.ErrInvalidRequest.WithDescription("request_uri is not accepted at the PAR endpoint"))
		return
	}

	params := url.Values{}
	for k, vs := range r.PostForm {
		if k == "client_secret" {
			continue
		}
		params[k] = vs
	}
	params.Set("client_id", client.ID)

	// A DPoP proof at PAR pins the eventual code to the proof key. It must
	// agree with an explicit dpop_jkt parameter when both are present.
	if proof := r.Header.Get("DPoP"); proof != "" {
		jkt, perr := token.VerifyDPoPProof(proof, r.Method, s.cfg.IssuerURL+"/as/par", "")
		if perr != nil {
			oautherr.WriteJSON(w, oautherr.ErrInvalidDPoPProof.WithDescription("proof rejected"))
			return
		}
		if hinted := params.Get("dpop_jkt"); hinted != "" && hinted != jkt {
			oautherr.WriteJSON(w, oautherr.ErrInvalidRequest.WithDescription("dpop_jkt does not match the DPoP proof key"))
			return
		}
		params.Set("dpop_jkt", jkt)
	}

	requestURI, expiresIn, err := s.deps.PAR.Push(r.Context(), client.ID, params)
	if err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"request_uri": requestURI,
		"expires_in":  int64(expiresIn.Seconds()),
	})
}

func (s *Server) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	client, err := s.authenticateClient(r)
	if err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	if !client.HasGrantType(grantDeviceCode) {
		oautherr.WriteJSON(w, oautherr.ErrUnauthorizedClient)
		return
	}

	dc, err := s.deps.Device.Authorize(r.Context(), client.ID, strings.Fields(r.PostFormValue("scope")))
	if err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"device_code":               dc.DeviceCode,
		"user_code":                 dc.UserCode,
		"verification_uri":          s.cfg.IssuerURL + "/device/verify",
		"verification_uri_complete": s.cfg.IssuerURL + "/device/verify?user_code=" + url.QueryEscape(dc.UserCode),
		"expires_in":                int64(s.deps.Device.Expiry().Seconds()),
		"interval":                  s.deps.Device.Interval(),
	})
}

func (s *Server) handleDeviceVerifyForm(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><title>Device activation</title></head><body>
<h1>Activate device</h1>
<form method="post" action="/device/verify">
<label>Code <input name="user_code" value="%s" autofocus></label>
<button name="approve" value="true" type="submit">Approve</button>
<button name="approve" value="false" type="submit">Deny</button>
</form>
</body></html>`, html.EscapeString(r.URL.Query().Get("user_code")))
}

func (s *Server) handleDeviceVerify(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFromRequest(r)
	if sess == nil {
		oautherr.WriteJSON(w, oautherr.ErrLoginRequired.WithDescription("sign in before activating a device"))
		return
	}
	approved := r.PostFormValue("approve") == "true"
	if err := s.deps.Device.Verify(r.Context(), r.PostFormValue("user_code"), sess.UserID, approved); err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"approved": approved})
}

func (s *Server) handleBackchannelAuthorize(w http.ResponseWriter, r *http.Request) {
	client, err := s.authenticateClient(r)
	if err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	if !client.HasGrantType(grantCIBA) {
		oautherr.WriteJSON(w, oautherr.ErrUnauthorizedClient)
		return
	}
	loginHint := r.PostFormValue("login_hint")
	if loginHint == "" {
		oautherr.WriteJSON(w, oautherr.ErrInvalidRequest.WithDescription("login_hint is required"))
		return
	}

	req, err := s.deps.CIBA.Start(r.Context(), client,
		strings.Fields(r.PostFormValue("scope")),
		loginHint,
		r.PostFormValue("binding_message"),
		r.PostFormValue("client_notification_token"))
	if err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"auth_req_id": req.AuthReqID,
		"expires_in":  (req.ExpiresAt - req.CreatedAt) / 1000,
		"interval":    req.Interval,
	})
}

// handleBackchannelDecide records the authentication-device decision. It
// is guarded by the admin secret; a production deployment fronts it with
// the authentication device channel.
func (s *Server) handleBackchannelDecide(w http.ResponseWriter, r *http.Request) {
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if s.cfg.AdminAPISecret == "" || !crypto.ConstantTimeEquals(got, s.cfg.AdminAPISecret) {
		oautherr.WriteJSON(w, oautherr.ErrInvalidToken)
		return
	}
	if err := r.ParseForm(); err != nil {
		oautherr.WriteJSON(w, oautherr.ErrInvalidRequest)
		return
	}
	err := s.deps.CIBA.Decide(r.Context(),
		r.PostFormValue("auth_req_id"),
		r.PostFormValue("user_id"),
		r.PostFormValue("approve") == "true")
	if err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleFederationStart(w http.ResponseWriter, r *http.Request) {
	authURL, err := s.deps.Federation.Begin(r.Context(),
		chi.URLParam(r, "provider"), r.URL.Query().Get("tenant"))
	if err != nil {
		if errors.Is(err, federation.ErrUnknownProvider) {
			oautherr.WriteJSON(w, oautherr.ErrNotFound.WithDescription("unknown identity provider"))
			return
		}
		oautherr.WriteJSON(w, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) handleFederationCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.deps.Federation.Callback(r.Context(),
		chi.URLParam(r, "provider"), q.Get("state"), q.Get("code"))
	if err != nil {
		if errors.Is(err, federation.ErrStateMismatch) || errors.Is(err, federation.ErrNonceMismatch) {
			oautherr.WriteJSON(w, oautherr.ErrInvalidRequest.WithDescription("federated login rejected"))
			return
		}
		oautherr.WriteJSON(w, err)
		return
	}

	if res.Action != federation.ActionLinkOffer {
		sess, serr := s.deps.Sessions.Create(r.Context(), &session.Session{
			UserID:              res.UserID,
			Methods:             []string{"federated"},
			AMR:                 []string{"fed"},
			ExternalProviderID:  res.Provider,
			ExternalProviderSub: res.Subject,
		}, 0)
		if serr != nil {
			oautherr.WriteJSON(w, serr)
			return
		}
		s.setSessionCookie(w, sess.ID)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"action":  res.Action,
		"user_id": res.UserID,
	})
}

func (s *Server) handleFederationLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oautherr.WriteJSON(w, oautherr.ErrInvalidRequest)
		return
	}
	err := s.deps.Federation.BackchannelLogout(r.Context(),
		chi.URLParam(r, "provider"), r.PostFormValue("logout_token"))
	if err != nil {
		if errors.Is(err, federation.ErrLogoutToken) {
			oautherr.WriteJSON(w, oautherr.ErrInvalidRequest.WithDescription("logout token rejected"))
			return
		}
		oautherr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
