// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/authrim/authrim/pkg/challenge"
)

// backchannelLogoutEvent is the member the events claim must carry.
const backchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// ErrLogoutToken is returned when a back-channel logout token fails
// validation.
var ErrLogoutToken = errors.New("invalid logout token")

type logoutClaims struct {
	Events map[string]json.RawMessage `json:"events"`
	Nonce  string                     `json:"nonce"`
	JTI    string                     `json:"jti"`
	Sub    string                     `json:"sub"`
	SID    string                     `json:"sid"`
}

// BackchannelLogout handles an OIDC back-channel logout token from an
// upstream provider: verifies it against the provider's JWKS, prevents jti
// replay, clears stored upstream tokens, and terminates every local
// session established through that identity.
func (e *Engine) BackchannelLogout(ctx context.Context, providerID, rawToken string) error {
	p, err := e.provider(providerID)
	if err != nil {
		return err
	}

	tok, err := p.verifier.Verify(ctx, rawToken)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLogoutToken, err)
	}

	var claims logoutClaims
	if err := tok.Claims(&claims); err != nil {
		return fmt.Errorf("%w: failed to read claims: %v", ErrLogoutToken, err)
	}
	if _, ok := claims.Events[backchannelLogoutEvent]; !ok {
		return fmt.Errorf("%w: missing backchannel-logout events claim", ErrLogoutToken)
	}
	// A logout token must not carry a nonce.
	if claims.Nonce != "" {
		return fmt.Errorf("%w: nonce is prohibited", ErrLogoutToken)
	}
	if claims.JTI == "" {
		return fmt.Errorf("%w: missing jti", ErrLogoutToken)
	}
	if claims.Sub == "" && claims.SID == "" {
		return fmt.Errorf("%w: neither sub nor sid present", ErrLogoutToken)
	}

	// Replay prevention: store-once on the jti.
	err = e.challenges.Put(ctx, &challenge.Challenge{
		Type: challenge.TypeLogoutJTI,
		ID:   providerID + "/" + claims.JTI,
	})
	if errors.Is(err, challenge.ErrDuplicate) {
		return fmt.Errorf("%w: jti replayed", ErrLogoutToken)
	}
	if err != nil {
		return fmt.Errorf("failed to record logout jti: %w", err)
	}

	if claims.Sub != "" {
		if _, derr := e.db.ExecContext(ctx,
			`UPDATE linked_identities SET tokens_encrypted = '' WHERE provider_id = ? AND provider_user_id = ?`,
			providerID, claims.Sub); derr != nil {
			e.logger.Warn("failed to clear upstream tokens on logout",
				"provider", providerID, "error", derr)
		}

		terminated, failed, serr := e.sessions.TerminateByProvider(ctx, providerID, claims.Sub)
		if serr != nil {
			return fmt.Errorf("failed to terminate sessions: %w", serr)
		}
		e.logger.Info("backchannel logout processed",
			"provider", providerID, "terminated", terminated, "failed", failed)
	}
	return nil
}
