// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// dpopIATWindow is how far a proof's iat may deviate from server time.
const dpopIATWindow = 5 * time.Minute

// ErrDPoP wraps every proof-verification failure; callers map it to the
// invalid_dpop_proof error code.
var ErrDPoP = errors.New("invalid DPoP proof")

var dpopAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.ES256, jose.ES384, jose.ES512, jose.EdDSA,
}

type dpopClaims struct {
	HTM string `json:"htm"`
	HTU string `json:"htu"`
	IAT int64  `json:"iat"`
	JTI string `json:"jti"`
	ATH string `json:"ath,omitempty"`
}

// VerifyDPoPProof validates a DPoP proof JWT for the given request method
// and url and returns the proof key's thumbprint (the cnf.jkt value).
// accessToken is non-empty at resource endpoints, where the proof must
// carry a matching ath claim.
func VerifyDPoPProof(proof, method, requestURL, accessToken string) (jkt string, err error) {
	jws, err := jose.ParseSigned(proof, dpopAlgorithms)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDPoP, err)
	}
	if len(jws.Signatures) != 1 {
		return "", fmt.Errorf("%w: exactly one signature required", ErrDPoP)
	}
	header := jws.Signatures[0].Protected

	if typ, _ := header.ExtraHeaders[jose.HeaderType].(string); typ != "dpop+jwt" {
		return "", fmt.Errorf("%w: typ must be dpop+jwt", ErrDPoP)
	}
	key := header.JSONWebKey
	if key == nil {
		return "", fmt.Errorf("%w: missing jwk header", ErrDPoP)
	}
	if !key.IsPublic() || !key.Valid() {
		return "", fmt.Errorf("%w: jwk must be a valid public key", ErrDPoP)
	}

	payload, err := jws.Verify(key)
	if err != nil {
		return "", fmt.Errorf("%w: signature verification failed", ErrDPoP)
	}

	var claims dpopClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDPoP, err)
	}
	if claims.JTI == "" {
		return "", fmt.Errorf("%w: missing jti", ErrDPoP)
	}
	if !strings.EqualFold(claims.HTM, method) {
		return "", fmt.Errorf("%w: htm mismatch", ErrDPoP)
	}
	if !htuMatches(claims.HTU, requestURL) {
		return "", fmt.Errorf("%w: htu mismatch", ErrDPoP)
	}

	skew := time.Since(time.Unix(claims.IAT, 0))
	if skew > dpopIATWindow || skew < -dpopIATWindow {
		return "", fmt.Errorf("%w: iat outside acceptance window", ErrDPoP)
	}

	if accessToken != "" {
		sum := sha256.Sum256([]byte(accessToken))
		if claims.ATH != base64.RawURLEncoding.EncodeToString(sum[:]) {
			return "", fmt.Errorf("%w: ath mismatch", ErrDPoP)
		}
	}

	raw, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDPoP, err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// htuMatches compares htu against the request url ignoring query and
// fragment, per RFC 9449.
func htuMatches(htu, requestURL string) bool {
	a, err := url.Parse(htu)
	if err != nil {
		return false
	}
	b, err := url.Parse(requestURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host) && a.Path == b.Path
}
