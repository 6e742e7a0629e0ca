// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0xA5}, KeySize)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	plaintext := []byte(`{"access_token":"secret-value"}`)
	sealed, err := Encrypt(plaintext, testKey())
	require.NoError(t, err)

	got, err := Decrypt(sealed, testKey())
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptProducesFreshNonce(t *testing.T) {
	t.Parallel()

	a, err := Encrypt([]byte("same"), testKey())
	require.NoError(t, err)
	b, err := Encrypt([]byte("same"), testKey())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptTamperedCiphertextFailsClosed(t *testing.T) {
	t.Parallel()

	sealed, err := Encrypt([]byte("payload"), testKey())
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.RawURLEncoding.EncodeToString(raw)

	_, err = Decrypt(tampered, testKey())
	assert.Error(t, err)
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	t.Parallel()

	short := base64.RawURLEncoding.EncodeToString([]byte{1, 2, 3})
	_, err := Decrypt(short, testKey())
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestEncryptRejectsBadKeySize(t *testing.T) {
	t.Parallel()

	_, err := Encrypt([]byte("x"), []byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestEmailCodeHashBinding(t *testing.T) {
	t.Parallel()

	secret := []byte("hmac-secret")
	h := HashEmailCode("123456", "User@Example.com", "sess-1", 1700000000000, secret)

	// Case-insensitive on email.
	assert.True(t, VerifyEmailCode(h, "123456", "user@example.com", "sess-1", 1700000000000, secret))
	// Any bound field changing breaks verification.
	assert.False(t, VerifyEmailCode(h, "123457", "user@example.com", "sess-1", 1700000000000, secret))
	assert.False(t, VerifyEmailCode(h, "123456", "other@example.com", "sess-1", 1700000000000, secret))
	assert.False(t, VerifyEmailCode(h, "123456", "user@example.com", "sess-2", 1700000000000, secret))
	assert.False(t, VerifyEmailCode(h, "123456", "user@example.com", "sess-1", 1700000000001, secret))
}

func TestHashEmailLowercases(t *testing.T) {
	t.Parallel()

	assert.Equal(t, HashEmail("User@Example.COM"), HashEmail("user@example.com"))
	assert.Len(t, HashEmail("user@example.com"), 64)
}

func TestGenerateOTPFormat(t *testing.T) {
	t.Parallel()

	for range 32 {
		otp, err := GenerateOTP()
		require.NoError(t, err)
		assert.Regexp(t, `^\d{6}$`, otp)
	}
}

func TestRandomTokenLength(t *testing.T) {
	t.Parallel()

	tok, err := RandomToken(128)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(tok), 128)
	assert.NotContains(t, tok, "=")
}
