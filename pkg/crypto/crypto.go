// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package crypto implements the symmetric primitives used to protect
// persisted tokens and one-time codes: an AES-256-GCM envelope, HMAC-based
// OTP hashing with constant-time verification, and CSPRNG helpers.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the required envelope key length (AES-256).
const KeySize = 32

var (
	// ErrInvalidKeySize is returned when the envelope key is not 32 bytes.
	ErrInvalidKeySize = errors.New("encryption key must be 32 bytes")

	// ErrCiphertextTooShort is returned when the ciphertext cannot contain
	// a nonce and an authentication tag.
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Encrypt seals plaintext with AES-256-GCM and returns
// base64url(nonce || ciphertext || tag).
func Encrypt(plaintext, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered or truncated input fails closed.
func Decrypt(encoded string, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(sealed) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// HashEmailCode binds an OTP code to the email, session, and issue time so a
// stored hash cannot be replayed in another context. Returns lowercase hex.
func HashEmailCode(code, email, sessionID string, issuedAt int64, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(code))
	mac.Write([]byte(strings.ToLower(email)))
	mac.Write([]byte(sessionID))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(issuedAt))
	mac.Write(ts[:])
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyEmailCode recomputes the code hash and compares in constant time.
func VerifyEmailCode(stored, code, email, sessionID string, issuedAt int64, secret []byte) bool {
	computed := HashEmailCode(code, email, sessionID, issuedAt, secret)
	return subtle.ConstantTimeCompare([]byte(stored), []byte(computed)) == 1
}

// HashEmail returns the hex SHA-256 of the lowercased email. Used as a blind
// index for tombstone lookups.
func HashEmail(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(email)))
	return hex.EncodeToString(sum[:])
}

// GenerateOTP returns a zero-padded six-digit code from the CSPRNG.
func GenerateOTP() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	n := binary.BigEndian.Uint32(buf[:]) % 1000000
	return fmt.Sprintf("%06d", n), nil
}

// RandomToken returns a base64url opaque token of at least length chars.
// Used for authorization codes, request URIs, and registration tokens.
func RandomToken(length int) (string, error) {
	// 3 random bytes yield 4 base64url chars.
	raw := make([]byte, (length*3+3)/4)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ConstantTimeEquals compares two strings without leaking length-adjusted
// timing on the match path.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
