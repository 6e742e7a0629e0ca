// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package clients

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/authrim/authrim/pkg/crypto"
	"github.com/authrim/authrim/pkg/storage"
)

var (
	// ErrNotFound is returned for unknown or disabled clients.
	ErrNotFound = errors.New("client not found")

	// ErrBadSecret is returned when client authentication fails.
	ErrBadSecret = errors.New("client secret mismatch")

	// ErrBadRegistrationToken guards the RFC 7592 management surface.
	ErrBadRegistrationToken = errors.New("registration access token mismatch")
)

// Registration is the dynamic-registration response: full metadata plus
// the one-time-visible credentials.
type Registration struct {
	Metadata
	ClientSecret            string `json:"client_secret,omitempty"`
	RegistrationAccessToken string `json:"registration_access_token"`
	ClientIDIssuedAt        int64  `json:"client_id_issued_at"`
}

// SectorValidator checks a pairwise client's sector_identifier_uri
// document against its registered redirect uris.
type SectorValidator func(ctx context.Context, meta *Metadata) error

// Registry persists clients and serves lookups for the protocol engines.
type Registry struct {
	db     storage.RelationalDB
	logger *slog.Logger

	allowHTTPRedirect bool
	profile           Profile
	sectorValidator   SectorValidator
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithAllowHTTPRedirect relaxes redirect validation for development.
func WithAllowHTTPRedirect(allow bool) RegistryOption {
	return func(r *Registry) {
		r.allowHTTPRedirect = allow
	}
}

// WithSectorValidator installs the sector document check run on register
// and update for pairwise clients carrying a sector_identifier_uri.
func WithSectorValidator(fn SectorValidator) RegistryOption {
	return func(r *Registry) {
		r.sectorValidator = fn
	}
}

// WithProfile sets the active certification profile for new registrations.
func WithProfile(p Profile) RegistryOption {
	return func(r *Registry) {
		r.profile = p
	}
}

// NewRegistry creates a client registry over db.
func NewRegistry(db storage.RelationalDB, logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{db: db, logger: logger}
	r.profile, _ = LookupProfile(DefaultProfile)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// hashSecret digests high-entropy credentials for storage. Client secrets
// and registration tokens are random, so a plain digest suffices.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Register creates a client from submitted metadata, applying the active
// profile's defaults. Confidential clients receive a generated secret.
func (r *Registry) Register(ctx context.Context, meta *Metadata) (*Registration, error) {
	if meta.Profile != "" {
		p, err := LookupProfile(meta.Profile)
		if err != nil {
			return nil, &ValidationError{Fields: map[string]string{"certification_profile": err.Error()}}
		}
		p.ApplyDefaults(meta)
	} else {
		r.profile.ApplyDefaults(meta)
	}

	if meta.TokenEndpointAuthMethod == "none" && !r.profile.AllowPublicClients {
		return nil, &ValidationError{Fields: map[string]string{
			"token_endpoint_auth_method": "public clients are not allowed by the active profile",
		}}
	}
	if err := meta.Validate(r.allowHTTPRedirect); err != nil {
		return nil, err
	}
	if err := r.validateSector(ctx, meta); err != nil {
		return nil, err
	}

	meta.ID = "client-" + uuid.NewString()
	// Public clients always do PKCE.
	if meta.Public() {
		meta.PKCERequired = true
	}

	reg := &Registration{Metadata: *meta, ClientIDIssuedAt: time.Now().Unix()}

	var secretHash string
	if !meta.Public() {
		secret, err := crypto.RandomToken(64)
		if err != nil {
			return nil, fmt.Errorf("failed to generate client secret: %w", err)
		}
		reg.ClientSecret = secret
		secretHash = hashSecret(secret)
	}

	regToken, err := crypto.RandomToken(48)
	if err != nil {
		return nil, fmt.Errorf("failed to generate registration token: %w", err)
	}
	reg.RegistrationAccessToken = regToken

	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode client metadata: %w", err)
	}

	now := time.Now().UnixMilli()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO clients (id, tenant_id, metadata, secret_hash, registration_token_hash, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		meta.ID, meta.TenantID, string(raw), secretHash, hashSecret(regToken), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to store client: %w", err)
	}

	r.logger.Info("client registered", "client_id", meta.ID, "tenant_id", meta.TenantID,
		"auth_method", meta.TokenEndpointAuthMethod)
	return reg, nil
}

// validateSector fetches and checks the sector identifier document for
// pairwise clients that declare one. The document must list every
// registered redirect uri.
func (r *Registry) validateSector(ctx context.Context, meta *Metadata) error {
	if r.sectorValidator == nil || meta.SubjectType != "pairwise" || meta.SectorIdentifierURI == "" {
		return nil
	}
	if err := r.sectorValidator(ctx, meta); err != nil {
		return &ValidationError{Fields: map[string]string{"sector_identifier_uri": err.Error()}}
	}
	return nil
}

// Get returns an enabled client by id.
func (r *Registry) Get(ctx context.Context, clientID string) (*Metadata, error) {
	meta, _, _, err := r.fetch(ctx, clientID)
	return meta, err
}

// Authenticate checks a client secret. Public clients authenticate with an
// empty secret.
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (*Metadata, error) {
	meta, secretHash, _, err := r.fetch(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if meta.Public() {
		if secret != "" {
			return nil, ErrBadSecret
		}
		return meta, nil
	}
	if !crypto.ConstantTimeEquals(hashSecret(secret), secretHash) {
		return nil, ErrBadSecret
	}
	return meta, nil
}

// GetForManagement returns the client after checking the registration
// access token, for the RFC 7592 read/update/delete surface.
func (r *Registry) GetForManagement(ctx context.Context, clientID, regToken string) (*Metadata, error) {
	meta, _, tokenHash, err := r.fetch(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !crypto.ConstantTimeEquals(hashSecret(regToken), tokenHash) {
		return nil, ErrBadRegistrationToken
	}
	return meta, nil
}

// Update replaces metadata for an existing client. The id is immutable.
func (r *Registry) Update(ctx context.Context, clientID string, meta *Metadata) error {
	r.profile.ApplyDefaults(meta)
	if err := meta.Validate(r.allowHTTPRedirect); err != nil {
		return err
	}
	if err := r.validateSector(ctx, meta); err != nil {
		return err
	}
	meta.ID = clientID

	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode client metadata: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE clients SET metadata = ?, updated_at = ? WHERE id = ? AND enabled = 1`,
		string(raw), time.Now().UnixMilli(), clientID)
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete disables a client. Rows are kept for audit trails.
func (r *Registry) Delete(ctx context.Context, clientID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE clients SET enabled = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), clientID)
	if err != nil {
		return fmt.Errorf("failed to disable client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.logger.Info("client disabled", "client_id", clientID)
	return nil
}

func (r *Registry) fetch(ctx context.Context, clientID string) (*Metadata, string, string, error) {
	var raw, secretHash, tokenHash string
	err := r.db.QueryRowContext(ctx,
		`SELECT metadata, secret_hash, registration_token_hash FROM clients WHERE id = ? AND enabled = 1`,
		clientID).Scan(&raw, &secretHash, &tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", "", ErrNotFound
	}
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to load client: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, "", "", fmt.Errorf("failed to decode client metadata: %w", err)
	}
	return &meta, secretHash, tokenHash, nil
}
