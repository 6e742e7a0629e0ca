// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/audit"
	"github.com/authrim/authrim/pkg/authorize"
	"github.com/authrim/authrim/pkg/challenge"
	"github.com/authrim/authrim/pkg/ciba"
	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/code"
	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/deviceflow"
	"github.com/authrim/authrim/pkg/federation"
	"github.com/authrim/authrim/pkg/keyring"
	"github.com/authrim/authrim/pkg/logger"
	"github.com/authrim/authrim/pkg/metrics"
	"github.com/authrim/authrim/pkg/par"
	"github.com/authrim/authrim/pkg/policy"
	"github.com/authrim/authrim/pkg/refresh"
	"github.com/authrim/authrim/pkg/revocation"
	"github.com/authrim/authrim/pkg/server"
	"github.com/authrim/authrim/pkg/session"
	"github.com/authrim/authrim/pkg/settings"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/storage"
	"github.com/authrim/authrim/pkg/token"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization server",
	Long: `Start the authorization server.

The protocol surface and the admin surface listen on separate addresses.
Configuration comes from the environment, optionally supplemented by a
config file.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a config file (optional)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log := logger.Get()

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	host := actor.NewHost()
	defer host.Shutdown()

	var kv storage.KV
	if cfg.RedisAddr != "" {
		kv, err = storage.NewRedisKV(ctx, storage.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: "authrim:",
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	} else {
		log.Warn("no redis configured, state is process-local and volatile")
		kv = storage.NewMemoryKV(storage.WithCleanupInterval(time.Minute))
	}
	defer func() { _ = kv.Close() }()

	db, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open relational store: %w", err)
	}
	defer func() { _ = db.Close() }()

	var ring *keyring.KeyRing
	if cfg.SigningKeyDir != "" {
		ring, err = keyring.NewFromDirectory(cfg.SigningKeyDir)
	} else {
		log.Warn("no signing key directory configured, using an ephemeral key")
		ring, err = keyring.NewEphemeral()
	}
	if err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}

	profile, err := clients.LookupProfile(cfg.Profile)
	if err != nil {
		return err
	}
	log.Info("starting authrim", "issuer", cfg.IssuerURL, "profile", profile.Name)
	if len(cfg.PairwiseSalt) == 0 {
		log.Warn("no pairwise salt configured, pairwise subjects are derivable from public inputs")
	}

	router := sharding.NewRouter(sharding.NewKVStore(kv),
		sharding.WithDefaultShardCount(sharding.DomainRevocation, cfg.RevocationShards))

	registry := clients.NewRegistry(db, log,
		clients.WithProfile(profile),
		clients.WithAllowHTTPRedirect(cfg.AllowHTTPRedirect),
		clients.WithSectorValidator(func(ctx context.Context, meta *clients.Metadata) error {
			return policy.ValidateSectorDocument(ctx, nil, meta)
		}))
	rotator := refresh.NewRotator(host, kv, router, log)
	revoked := revocation.NewIndex(host, kv, router, log)
	tokens := token.NewService(ring, rotator, revoked, kv, cfg.IssuerURL, log,
		token.WithAccessTokenTTL(cfg.TokenExpiry))
	codes := code.NewStore(host, kv, code.WithTTL(cfg.CodeExpiry))
	sessions := session.NewStore(host, kv, router, log)

	var fed *federation.Engine
	if len(cfg.FederationProviders) > 0 {
		fed = federation.NewEngine(db, kv, challenge.NewStore(host, kv), sessions,
			cfg.RPTokenEncryptionKey, cfg.IssuerURL, log)
		for _, p := range cfg.FederationProviders {
			if err := fed.AddProvider(ctx, federation.ProviderConfig{
				ID:               p.ID,
				IssuerURL:        p.IssuerURL,
				ClientID:         p.ClientID,
				ClientSecret:     p.ClientSecret,
				Scopes:           p.Scopes,
				AttributeMapping: p.AttributeMapping,
			}); err != nil {
				return fmt.Errorf("failed to register provider %s: %w", p.ID, err)
			}
		}
	}

	srv, err := server.New(cfg, server.Deps{
		Registry:     registry,
		Codes:        codes,
		Tokens:       tokens,
		Authz:        authorize.NewEngine(registry, codes, tokens, profile, log),
		Txns:         authorize.NewTxnStore(kv),
		Sessions:     sessions,
		Consent:      policy.NewConsentStore(kv),
		Rotator:      rotator,
		PAR:          par.NewStore(host, kv),
		Ring:         ring,
		Device:       deviceflow.NewFlow(host, kv),
		CIBA:         ciba.NewEngine(host, kv, log),
		Router:       router,
		Settings:     settings.NewService(db, log),
		Audit:        audit.NewLog(db, log),
		DB:           db,
		Metrics:      metrics.New(),
		Federation:   fed,
		PairwiseSalt: cfg.PairwiseSalt,
	}, log)
	if err != nil {
		return err
	}

	return srv.Serve(ctx)
}
