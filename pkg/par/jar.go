// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package par

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/keyring"
)

var (
	// ErrJARVerification is returned when a request object fails to
	// decrypt or verify.
	ErrJARVerification = errors.New("request object verification failed")

	// ErrJARClientMismatch is returned when the request object's client_id
	// disagrees with the outer request.
	ErrJARClientMismatch = errors.New("request object client_id mismatch")
)

var jarSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// VerifyRequestObject unwraps a JAR request JWT and merges its claims over
// the query parameters. A 5-part token is decrypted with the server's key
// first; the inner (or sole) JWS is verified against the client's JWKS.
// Claims in the object override duplicated query parameters.
func VerifyRequestObject(ctx context.Context, ring *keyring.KeyRing, client *clients.Metadata, requestJWT string, query url.Values) (url.Values, error) {
	token := requestJWT

	// JWE-then-JWS: compact JWEs have five parts, JWSs three.
	if strings.Count(token, ".") == 4 {
		inner, err := ring.Decrypt(token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrJARVerification, err)
		}
		token = string(inner)
	}

	keys, err := ring.ResolveClientSigningKeys(ctx, client.JWKS, client.JWKSURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJARVerification, err)
	}

	jws, err := jose.ParseSigned(token, jarSignatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJARVerification, err)
	}

	var payload []byte
	for _, k := range keys.Keys {
		if p, verr := jws.Verify(k); verr == nil {
			payload = p
			break
		}
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: no client key verified the signature", ErrJARVerification)
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJARVerification, err)
	}

	if cid, ok := claims["client_id"].(string); ok && cid != client.ID {
		return nil, ErrJARClientMismatch
	}

	merged := url.Values{}
	for k, v := range query {
		merged[k] = v
	}
	for k, v := range claims {
		switch val := v.(type) {
		case string:
			merged.Set(k, val)
		case float64:
			merged.Set(k, strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", val), "0"), "."))
		case bool:
			merged.Set(k, fmt.Sprintf("%t", val))
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			merged.Set(k, string(raw))
		}
	}
	return merged, nil
}
