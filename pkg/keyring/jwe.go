// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// keyAlgorithms is the closed set of JWE key-management algorithms accepted
// for client-bound encryption and inbound request objects.
var keyAlgorithms = []jose.KeyAlgorithm{
	jose.RSA_OAEP, jose.RSA_OAEP_256, jose.ECDH_ES, jose.ECDH_ES_A256KW,
}

// contentEncryptions is the closed set of accepted JWE content encryptions.
var contentEncryptions = []jose.ContentEncryption{
	jose.A128GCM, jose.A256GCM, jose.A128CBC_HS256,
}

// supportedKeyAlgorithm reports whether alg is in the accepted set.
func supportedKeyAlgorithm(alg string) bool {
	for _, a := range keyAlgorithms {
		if string(a) == alg {
			return true
		}
	}
	return false
}

// supportedContentEncryption reports whether enc is in the accepted set.
func supportedContentEncryption(enc string) bool {
	for _, e := range contentEncryptions {
		if string(e) == enc {
			return true
		}
	}
	return false
}

// EncryptForClient wraps payload (typically a signed JWT) in a compact JWE
// for the given client key. cty is set to "JWT" so recipients unwrap nested
// tokens correctly.
func (k *KeyRing) EncryptForClient(payload []byte, clientKey *jose.JSONWebKey, alg, enc string) (string, error) {
	if !supportedKeyAlgorithm(alg) {
		return "", fmt.Errorf("unsupported JWE algorithm %q", alg)
	}
	if !supportedContentEncryption(enc) {
		return "", fmt.Errorf("unsupported JWE encryption %q", enc)
	}

	opts := (&jose.EncrypterOptions{}).WithContentType("JWT").WithType("JWT")
	encrypter, err := jose.NewEncrypter(
		jose.ContentEncryption(enc),
		jose.Recipient{Algorithm: jose.KeyAlgorithm(alg), Key: clientKey},
		opts,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create encrypter: %w", err)
	}

	jwe, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt payload: %w", err)
	}
	return jwe.CompactSerialize()
}

// Decrypt unwraps a compact JWE addressed to the server, trying every held
// private key newest first. Used for encrypted JAR request objects.
func (k *KeyRing) Decrypt(token string) ([]byte, error) {
	jwe, err := jose.ParseEncrypted(token, keyAlgorithms, contentEncryptions)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWE: %w", err)
	}

	for _, key := range k.privateKeys() {
		if payload, err := jwe.Decrypt(key.Signer); err == nil {
			return payload, nil
		}
	}
	return nil, fmt.Errorf("no held key can decrypt the JWE")
}
