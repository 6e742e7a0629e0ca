// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package token mints and introspects the three token artifacts: ID tokens,
// access tokens, and refresh handles.
package token

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"hash"
)

// LeftHash computes the OIDC half-hash used for at_hash, c_hash, and
// s_hash: the left half of the digest matching the signing algorithm's
// hash family, base64url without padding.
func LeftHash(value, alg string) string {
	var h hash.Hash
	switch alg {
	case "RS384", "ES384", "PS384":
		h = sha512.New384()
	case "RS512", "ES512", "PS512", "EdDSA":
		h = sha512.New()
	default:
		h = sha256.New()
	}
	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
