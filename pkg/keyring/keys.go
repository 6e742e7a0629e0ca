// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// SigningKey is one member of the ring: a private key plus its derived
// identity and algorithm.
type SigningKey struct {
	KeyID     string
	Algorithm jose.SignatureAlgorithm
	Signer    crypto.Signer
	CreatedAt time.Time
}

// LoadSigningKey loads a private key from a PEM file.
// Supports RSA (PKCS1 and PKCS8), ECDSA (SEC1 and PKCS8), and Ed25519 (PKCS8).
func LoadSigningKey(keyPath string) (crypto.Signer, error) {
	keyPEM, err := os.ReadFile(keyPath) // #nosec G304 - keyPath comes from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from signing key")
	}

	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return rsaKey, nil
	}
	if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return ecKey, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("signing key does not implement crypto.Signer")
	}
	return signer, nil
}

// DeriveKeyID computes the RFC 7638 JWK thumbprint of the public key,
// base64url encoded without padding.
func DeriveKeyID(key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// DeriveAlgorithm maps a key to its JWS signing algorithm.
func DeriveAlgorithm(key crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch k := key.Public().(type) {
	case *rsa.PublicKey:
		return jose.RS256, nil
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		default:
			return "", fmt.Errorf("unsupported elliptic curve: %s", k.Curve.Params().Name)
		}
	case ed25519.PublicKey:
		return jose.EdDSA, nil
	default:
		return "", fmt.Errorf("unsupported key type %T", k)
	}
}

// newSigningKey derives the key id and algorithm for a loaded signer.
func newSigningKey(signer crypto.Signer) (*SigningKey, error) {
	kid, err := DeriveKeyID(signer)
	if err != nil {
		return nil, err
	}
	alg, err := DeriveAlgorithm(signer)
	if err != nil {
		return nil, err
	}
	return &SigningKey{
		KeyID:     kid,
		Algorithm: alg,
		Signer:    signer,
		CreatedAt: time.Now(),
	}, nil
}

// GenerateEphemeralKey creates a P-256 key for development and tests.
func GenerateEphemeralKey() (*SigningKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	return newSigningKey(key)
}
