// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads runtime configuration from the environment and an
// optional YAML file. Environment variables are authoritative; the file only
// supplies values the environment leaves unset.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when neither the environment nor the file sets a value.
const (
	DefaultTokenExpiry      = 1 * time.Hour
	DefaultCodeExpiry       = 10 * time.Minute
	DefaultStateExpiry      = 10 * time.Minute
	DefaultNonceExpiry      = 10 * time.Minute
	DefaultRevocationShards = 8
	DefaultListenAddr       = ":8080"
	DefaultAdminAddr        = ":9090"
)

// Config is the process configuration. It is loaded once at startup and
// passed by handle; packages never read the environment themselves.
type Config struct {
	// IssuerURL is the external issuer identifier (ISSUER_URL).
	IssuerURL string

	// Listen addresses for the protocol and admin surfaces.
	ListenAddr string
	AdminAddr  string

	// Lifetimes for issued material.
	TokenExpiry time.Duration
	CodeExpiry  time.Duration
	StateExpiry time.Duration
	NonceExpiry time.Duration

	// AllowHTTPRedirect permits plain-http redirect URIs beyond loopback.
	AllowHTTPRedirect bool

	// RPTokenEncryptionKey is the 32-byte AES key (64 hex chars) used to
	// envelope-encrypt persisted upstream tokens (RP_TOKEN_ENCRYPTION_KEY).
	RPTokenEncryptionKey []byte

	// PairwiseSalt keys the pairwise subject derivation (PAIRWISE_SALT).
	// It must stay stable for the issuer's lifetime; rotating it changes
	// every pairwise sub.
	PairwiseSalt []byte

	// AdminAPISecret guards the admin endpoints (ADMIN_API_SECRET).
	AdminAPISecret string

	// RevocationShards is the initial shard count for the revocation index
	// (AUTHRIM_REVOCATION_SHARDS).
	RevocationShards int

	// Profile selects the active certification profile (basic-op, fapi-2, ...).
	Profile string

	// Redis connection for the KV adapter; empty selects the in-memory store.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// SQLitePath is the relational store location; empty selects in-memory.
	SQLitePath string

	// SigningKeyDir holds PEM signing keys; empty generates an ephemeral key.
	SigningKeyDir string

	// FederationProviders lists upstream identity providers. Only settable
	// through the config file.
	FederationProviders []FederationProvider
}

// FederationProvider declares one upstream identity provider.
type FederationProvider struct {
	ID               string            `mapstructure:"id"`
	IssuerURL        string            `mapstructure:"issuer_url"`
	ClientID         string            `mapstructure:"client_id"`
	ClientSecret     string            `mapstructure:"client_secret"`
	Scopes           []string          `mapstructure:"scopes"`
	AttributeMapping map[string]string `mapstructure:"attribute_mapping"`
}

// Load reads configuration from the environment (and configFile when set).
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("admin_addr", DefaultAdminAddr)
	v.SetDefault("token_expiry", DefaultTokenExpiry.String())
	v.SetDefault("code_expiry", DefaultCodeExpiry.String())
	v.SetDefault("state_expiry", DefaultStateExpiry.String())
	v.SetDefault("nonce_expiry", DefaultNonceExpiry.String())
	v.SetDefault("authrim_revocation_shards", DefaultRevocationShards)
	v.SetDefault("profile", "development")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		IssuerURL:         strings.TrimSuffix(v.GetString("issuer_url"), "/"),
		ListenAddr:        v.GetString("listen_addr"),
		AdminAddr:         v.GetString("admin_addr"),
		TokenExpiry:       v.GetDuration("token_expiry"),
		CodeExpiry:        v.GetDuration("code_expiry"),
		StateExpiry:       v.GetDuration("state_expiry"),
		NonceExpiry:       v.GetDuration("nonce_expiry"),
		AllowHTTPRedirect: v.GetBool("allow_http_redirect"),
		AdminAPISecret:    v.GetString("admin_api_secret"),
		RevocationShards:  v.GetInt("authrim_revocation_shards"),
		Profile:           v.GetString("profile"),
		RedisAddr:         v.GetString("redis_addr"),
		RedisPassword:     v.GetString("redis_password"),
		RedisDB:           v.GetInt("redis_db"),
		SQLitePath:        v.GetString("sqlite_path"),
		SigningKeyDir:     v.GetString("signing_key_dir"),
	}

	if keyHex := v.GetString("rp_token_encryption_key"); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("RP_TOKEN_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("RP_TOKEN_ENCRYPTION_KEY must be 64 hex chars, got %d", len(keyHex))
		}
		cfg.RPTokenEncryptionKey = key
	}

	if salt := v.GetString("pairwise_salt"); salt != "" {
		cfg.PairwiseSalt = []byte(salt)
	}

	if err := v.UnmarshalKey("federation_providers", &cfg.FederationProviders); err != nil {
		return nil, fmt.Errorf("failed to parse federation_providers: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.IssuerURL == "" {
		return errors.New("ISSUER_URL is required")
	}
	if !strings.HasPrefix(c.IssuerURL, "https://") && !strings.HasPrefix(c.IssuerURL, "http://") {
		return fmt.Errorf("ISSUER_URL must be an absolute URL, got %q", c.IssuerURL)
	}
	if c.CodeExpiry > 10*time.Minute {
		return fmt.Errorf("CODE_EXPIRY must not exceed 600s, got %s", c.CodeExpiry)
	}
	if c.RevocationShards < 1 {
		return fmt.Errorf("AUTHRIM_REVOCATION_SHARDS must be positive, got %d", c.RevocationShards)
	}
	if len(c.FederationProviders) > 0 && len(c.RPTokenEncryptionKey) == 0 {
		return errors.New("RP_TOKEN_ENCRYPTION_KEY is required when federation providers are configured")
	}
	for _, p := range c.FederationProviders {
		if p.ID == "" || p.IssuerURL == "" || p.ClientID == "" {
			return fmt.Errorf("federation provider %q needs id, issuer_url, and client_id", p.ID)
		}
	}
	return nil
}
