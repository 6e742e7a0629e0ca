// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package settings implements hierarchical runtime configuration: typed
// setting categories resolved client over tenant over platform over
// built-in defaults, with optimistic-concurrency patching.
package settings

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/authrim/authrim/pkg/oautherr"
	"github.com/authrim/authrim/pkg/storage"
)

// Scope is the level a settings row is stored at.
type Scope string

// Scopes, from most to least specific.
const (
	ScopeClient   Scope = "client"
	ScopeTenant   Scope = "tenant"
	ScopePlatform Scope = "platform"
)

// Source says where an effective value came from.
const (
	SourceKV      = "kv"
	SourceInherit = "inherit"
	SourceEnv     = "env"
	SourceDefault = "default"
)

// disabledKey is the reserved marker for a disabled category override.
const disabledKey = "_disabled"

// ValueType constrains a setting key.
type ValueType string

// Key value types.
const (
	TypeString ValueType = "string"
	TypeInt    ValueType = "int"
	TypeBool   ValueType = "bool"
	TypeEnum   ValueType = "enum"
)

// KeyDef declares one setting key.
type KeyDef struct {
	Type    ValueType
	Default any

	// Enum lists the allowed values for TypeEnum keys.
	Enum []string

	// Min and Max bound TypeInt keys when both are non-zero or Min < Max.
	Min, Max int64
}

// Category groups keys; platform-only categories cannot be overridden at
// tenant or client scope.
type Category struct {
	Name         string
	PlatformOnly bool
	Keys         map[string]KeyDef
}

// Catalog is the built-in category registry.
var Catalog = map[string]Category{
	"authentication": {
		Name: "authentication",
		Keys: map[string]KeyDef{
			"password_min_length":    {Type: TypeInt, Default: int64(12), Min: 8, Max: 128},
			"mfa_required":           {Type: TypeBool, Default: false},
			"session_lifetime_hours": {Type: TypeInt, Default: int64(24), Min: 1, Max: 720},
			"allowed_login_methods":  {Type: TypeString, Default: "password,webauthn,email_code"},
		},
	},
	"token": {
		Name: "token",
		Keys: map[string]KeyDef{
			"access_token_ttl_seconds":  {Type: TypeInt, Default: int64(3600), Min: 60, Max: 86400},
			"refresh_token_ttl_days":    {Type: TypeInt, Default: int64(30), Min: 1, Max: 365},
			"id_token_ttl_seconds":      {Type: TypeInt, Default: int64(3600), Min: 60, Max: 86400},
			"refresh_rotation_enabled":  {Type: TypeBool, Default: true},
			"access_token_format":       {Type: TypeEnum, Default: "jwt", Enum: []string{"jwt", "opaque"}},
			"reuse_grace_window_seconds": {Type: TypeInt, Default: int64(30), Min: 0, Max: 300},
		},
	},
	"security": {
		Name: "security",
		Keys: map[string]KeyDef{
			"require_pkce":           {Type: TypeBool, Default: true},
			"require_par":            {Type: TypeBool, Default: false},
			"require_dpop":           {Type: TypeBool, Default: false},
			"allowed_subject_types":  {Type: TypeString, Default: "public,pairwise"},
			"certification_profile":  {Type: TypeEnum, Default: "basic-op", Enum: []string{"basic-op", "implicit-op", "hybrid-op", "fapi-1-advanced", "fapi-2", "fapi-2-dpop", "fapi-ciba", "development"}},
		},
	},
	"ui": {
		Name: "ui",
		Keys: map[string]KeyDef{
			"display_name": {Type: TypeString, Default: "Authrim"},
			"logo_url":     {Type: TypeString, Default: ""},
			"theme":        {Type: TypeEnum, Default: "system", Enum: []string{"light", "dark", "system"}},
		},
	},
	"infrastructure": {
		Name:         "infrastructure",
		PlatformOnly: true,
		Keys: map[string]KeyDef{
			"kv_backend":          {Type: TypeEnum, Default: "memory", Enum: []string{"memory", "redis"}},
			"session_shard_count": {Type: TypeInt, Default: int64(16), Min: 1, Max: 4096},
			"refresh_shard_count": {Type: TypeInt, Default: int64(16), Min: 1, Max: 4096},
		},
	},
	"encryption": {
		Name:         "encryption",
		PlatformOnly: true,
		Keys: map[string]KeyDef{
			"signing_algorithm":    {Type: TypeEnum, Default: "ES256", Enum: []string{"RS256", "ES256", "EdDSA"}},
			"key_rotation_days":    {Type: TypeInt, Default: int64(90), Min: 1, Max: 365},
			"keep_retired_keys":    {Type: TypeInt, Default: int64(2), Min: 0, Max: 10},
		},
	},
}

var (
	// ErrUnknownCategory is returned for categories not in the catalog.
	ErrUnknownCategory = errors.New("unknown settings category")

	// ErrPlatformOnly is returned when a platform-only category is
	// patched below platform scope.
	ErrPlatformOnly = errors.New("category is platform-only")
)

// ConflictError reports an if-match failure, carrying the version the
// caller must re-read.
type ConflictError struct {
	CurrentVersion string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("settings version mismatch, current version is %s", e.CurrentVersion)
}

// Unwrap maps the conflict onto the protocol error space.
func (e *ConflictError) Unwrap() error {
	return oautherr.ErrConflict
}

// Service resolves and patches settings.
type Service struct {
	db     storage.RelationalDB
	logger *slog.Logger

	// mu serializes read-modify-write patches.
	mu sync.Mutex

	// envPrefix is prepended to env override lookups.
	envPrefix string
}

// NewService creates a settings service over the relational store.
func NewService(db storage.RelationalDB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, logger: logger, envPrefix: "AUTHRIM_SETTING_"}
}

// Version computes the canonical version tag of a value map. Maps marshal
// with sorted keys, so equal content always hashes equally.
func Version(values map[string]any) string {
	raw, _ := json.Marshal(values)
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// emptyVersion tags a scope with no stored row.
var emptyVersion = Version(map[string]any{})

// Effective is a resolved category view.
type Effective struct {
	Category string            `json:"category"`
	Values   map[string]any    `json:"values"`
	Sources  map[string]string `json:"sources"`

	// Version is the stored version at the queried scope, for use as
	// if-match on a later patch.
	Version string `json:"version"`
}

// Resolve computes the effective values for category as seen from the
// given scope. clientID may be empty for tenant scope, and both may be
// empty for platform scope.
func (s *Service) Resolve(ctx context.Context, category, tenantID, clientID string) (*Effective, error) {
	def, ok := Catalog[category]
	if !ok {
		return nil, ErrUnknownCategory
	}

	// Load every layer up front; more specific layers win.
	type layer struct {
		scope  Scope
		id     string
		values map[string]any
	}
	layers := []layer{{ScopePlatform, "", nil}}
	if tenantID != "" && !def.PlatformOnly {
		layers = append(layers, layer{ScopeTenant, tenantID, nil})
	}
	if clientID != "" && !def.PlatformOnly {
		layers = append(layers, layer{ScopeClient, clientID, nil})
	}
	// queriedStored keeps the raw row at the queried scope: Version must
	// reflect what Apply compares against even for a disabled row.
	var queriedStored map[string]any
	for i := range layers {
		values, _, err := s.loadRow(ctx, layers[i].scope, layers[i].id, category)
		if err != nil {
			return nil, err
		}
		if i == len(layers)-1 {
			queriedStored = values
		}
		if values != nil && values[disabledKey] == true {
			// A disabled override contributes nothing.
			values = nil
		}
		layers[i].values = values
	}
	eff := &Effective{
		Category: category,
		Values:   make(map[string]any, len(def.Keys)),
		Sources:  make(map[string]string, len(def.Keys)),
	}

	for key, kd := range def.Keys {
		if env, ok := s.envOverride(category, key, kd); ok {
			eff.Values[key] = env
			eff.Sources[key] = SourceEnv
			continue
		}

		found := false
		for i := len(layers) - 1; i >= 0; i-- {
			v, ok := layers[i].values[key]
			if !ok {
				continue
			}
			eff.Values[key] = normalize(kd, v)
			if i == len(layers)-1 {
				eff.Sources[key] = SourceKV
			} else {
				eff.Sources[key] = SourceInherit
			}
			found = true
			break
		}
		if !found {
			eff.Values[key] = kd.Default
			eff.Sources[key] = SourceDefault
		}
	}

	if queriedStored == nil {
		eff.Version = emptyVersion
	} else {
		eff.Version = Version(queriedStored)
	}
	return eff, nil
}

// Patch is one optimistic-concurrency update.
type Patch struct {
	// IfMatch must equal the current stored version. For a scope with no
	// stored row, pass the version returned by Resolve.
	IfMatch string

	Set   map[string]any
	Clear []string

	// Disable marks the whole category override inert without deleting
	// the stored values.
	Disable *bool
}

// PatchResult reports the applied update.
type PatchResult struct {
	Version  string
	Rejected []string
}

// Apply validates and applies a patch at the given scope atomically.
// Unknown keys are reported in Rejected and skipped; a version mismatch
// fails the whole patch with a ConflictError.
func (s *Service) Apply(ctx context.Context, scope Scope, scopeID, category string, p Patch) (*PatchResult, error) {
	def, ok := Catalog[category]
	if !ok {
		return nil, ErrUnknownCategory
	}
	if def.PlatformOnly && scope != ScopePlatform {
		return nil, fmt.Errorf("%w: %s", ErrPlatformOnly, category)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	values, exists, err := s.loadRow(ctx, scope, scopeID, category)
	if err != nil {
		return nil, err
	}
	current := emptyVersion
	if values != nil {
		current = Version(values)
	} else {
		values = make(map[string]any)
	}
	if p.IfMatch != current {
		return nil, &ConflictError{CurrentVersion: current}
	}

	var rejected []string
	for key, v := range p.Set {
		kd, ok := def.Keys[key]
		if !ok {
			rejected = append(rejected, key)
			continue
		}
		nv, err := validate(kd, v)
		if err != nil {
			return nil, oautherr.ErrInvalidRequest.WithDescription(
				"invalid value for %s.%s: %v", category, key, err)
		}
		values[key] = nv
	}
	for _, key := range p.Clear {
		if _, ok := def.Keys[key]; !ok {
			rejected = append(rejected, key)
			continue
		}
		delete(values, key)
	}
	if p.Disable != nil {
		if *p.Disable {
			values[disabledKey] = true
		} else {
			delete(values, disabledKey)
		}
	}
	sort.Strings(rejected)

	version := Version(values)
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	now := time.Now().UnixMilli()
	if exists {
		_, err = s.db.ExecContext(ctx,
			`UPDATE settings SET kvs = ?, version = ?, updated_at = ? WHERE scope = ? AND scope_id = ? AND category = ?`,
			string(raw), version, now, string(scope), scopeID, category)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO settings (scope, scope_id, category, kvs, version, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			string(scope), scopeID, category, string(raw), version, now)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store settings: %w", err)
	}

	s.logger.Info("settings updated",
		"scope", scope, "scope_id", scopeID, "category", category, "version", version)
	return &PatchResult{Version: version, Rejected: rejected}, nil
}

// Categories lists catalog names visible at a scope.
func Categories(scope Scope) []string {
	var names []string
	for name, def := range Catalog {
		if def.PlatformOnly && scope != ScopePlatform {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) loadRow(ctx context.Context, scope Scope, scopeID, category string) (map[string]any, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT kvs FROM settings WHERE scope = ? AND scope_id = ? AND category = ?`,
		string(scope), scopeID, category).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load settings row: %w", err)
	}
	var values map[string]any
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, false, fmt.Errorf("failed to decode settings row: %w", err)
	}
	return values, true, nil
}

// envOverride checks for an operator env var of the form
// AUTHRIM_SETTING_{CATEGORY}_{KEY}, uppercased.
func (s *Service) envOverride(category, key string, kd KeyDef) (any, bool) {
	name := s.envPrefix + strings.ToUpper(category) + "_" + strings.ToUpper(key)
	raw, ok := os.LookupEnv(name)
	if !ok {
		return nil, false
	}
	v, err := validate(kd, raw)
	if err != nil {
		s.logger.Warn("ignoring invalid settings env override", "var", name, "error", err)
		return nil, false
	}
	return v, true
}

// validate coerces and checks a candidate value against its key type.
func validate(kd KeyDef, v any) (any, error) {
	switch kd.Type {
	case TypeString:
		sv, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return sv, nil

	case TypeBool:
		switch bv := v.(type) {
		case bool:
			return bv, nil
		case string:
			if bv == "true" {
				return true, nil
			}
			if bv == "false" {
				return false, nil
			}
		}
		return nil, fmt.Errorf("expected bool, got %v", v)

	case TypeInt:
		iv, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if kd.Min < kd.Max && (iv < kd.Min || iv > kd.Max) {
			return nil, fmt.Errorf("value %d out of range [%d, %d]", iv, kd.Min, kd.Max)
		}
		return iv, nil

	case TypeEnum:
		sv, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		for _, allowed := range kd.Enum {
			if sv == allowed {
				return sv, nil
			}
		}
		return nil, fmt.Errorf("value %q not in %v", sv, kd.Enum)
	}
	return nil, fmt.Errorf("unknown value type %q", kd.Type)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int64(n), nil
	case string:
		var iv int64
		if _, err := fmt.Sscanf(n, "%d", &iv); err != nil {
			return 0, fmt.Errorf("expected integer, got %q", n)
		}
		return iv, nil
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

// normalize re-coerces a stored JSON value back into the key's Go type
// (JSON round-trips integers as float64).
func normalize(kd KeyDef, v any) any {
	nv, err := validate(kd, v)
	if err != nil {
		return kd.Default
	}
	return nv
}
