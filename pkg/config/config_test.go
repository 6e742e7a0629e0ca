// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// No t.Parallel here: Load reads the process environment.

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ISSUER_URL", "https://op.example")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://op.example", cfg.IssuerURL)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultAdminAddr, cfg.AdminAddr)
	assert.Equal(t, DefaultTokenExpiry, cfg.TokenExpiry)
	assert.Equal(t, DefaultCodeExpiry, cfg.CodeExpiry)
	assert.Equal(t, DefaultRevocationShards, cfg.RevocationShards)
	assert.Equal(t, "development", cfg.Profile)
	assert.Empty(t, cfg.FederationProviders)
}

func TestLoadTrimsTrailingSlash(t *testing.T) {
	t.Setenv("ISSUER_URL", "https://op.example/")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://op.example", cfg.IssuerURL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ISSUER_URL", "https://op.example")
	t.Setenv("LISTEN_ADDR", ":8443")
	t.Setenv("TOKEN_EXPIRY", "15m")
	t.Setenv("PROFILE", "fapi-2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8443", cfg.ListenAddr)
	assert.Equal(t, 15*time.Minute, cfg.TokenExpiry)
	assert.Equal(t, "fapi-2", cfg.Profile)
}

func TestLoadRequiresIssuer(t *testing.T) {
	t.Setenv("ISSUER_URL", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ISSUER_URL")
}

func TestLoadRejectsRelativeIssuer(t *testing.T) {
	t.Setenv("ISSUER_URL", "op.example")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsLongCodeExpiry(t *testing.T) {
	t.Setenv("ISSUER_URL", "https://op.example")
	t.Setenv("CODE_EXPIRY", "11m")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CODE_EXPIRY")
}

func TestLoadEncryptionKey(t *testing.T) {
	t.Setenv("ISSUER_URL", "https://op.example")
	t.Setenv("RP_TOKEN_ENCRYPTION_KEY",
		"000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Len(t, cfg.RPTokenEncryptionKey, 32)
}

func TestLoadRejectsShortEncryptionKey(t *testing.T) {
	t.Setenv("ISSUER_URL", "https://op.example")
	t.Setenv("RP_TOKEN_ENCRYPTION_KEY", "deadbeef")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadPairwiseSalt(t *testing.T) {
	t.Setenv("ISSUER_URL", "https://op.example")
	t.Setenv("PAIRWISE_SALT", "long-lived-pairwise-salt")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []byte("long-lived-pairwise-salt"), cfg.PairwiseSalt)
}

func TestLoadFederationProvidersFromFile(t *testing.T) {
	t.Setenv("ISSUER_URL", "https://op.example")
	t.Setenv("RP_TOKEN_ENCRYPTION_KEY",
		"000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")

	path := filepath.Join(t.TempDir(), "authrim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
federation_providers:
  - id: acme
    issuer_url: https://idp.acme.example
    client_id: authrim-rp
    client_secret: s3cret
    scopes: [openid, email]
    attribute_mapping:
      email: email
      name: profile.display_name
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.FederationProviders, 1)
	p := cfg.FederationProviders[0]
	assert.Equal(t, "acme", p.ID)
	assert.Equal(t, "https://idp.acme.example", p.IssuerURL)
	assert.Equal(t, []string{"openid", "email"}, p.Scopes)
	assert.Equal(t, "profile.display_name", p.AttributeMapping["name"])
}

func TestLoadFederationRequiresEncryptionKey(t *testing.T) {
	t.Setenv("ISSUER_URL", "https://op.example")

	path := filepath.Join(t.TempDir(), "authrim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
federation_providers:
  - id: acme
    issuer_url: https://idp.acme.example
    client_id: authrim-rp
`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RP_TOKEN_ENCRYPTION_KEY")
}

func TestLoadFederationProviderValidation(t *testing.T) {
	t.Setenv("ISSUER_URL", "https://op.example")
	t.Setenv("RP_TOKEN_ENCRYPTION_KEY",
		"000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")

	path := filepath.Join(t.TempDir(), "authrim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
federation_providers:
  - id: acme
    issuer_url: https://idp.acme.example
`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client_id")
}
