// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package refresh implements refresh-token families: per-family rotation
// with reuse detection. Within a family the only live member is the highest
// sequence; presenting any superseded member burns the whole family.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/storage"
)

const (
	// DefaultTTL is the family lifetime: rotation extends individual
	// tokens but never the family horizon.
	DefaultTTL = 30 * 24 * time.Hour

	// DefaultGraceWindow permits one idempotent retry of a rotation,
	// covering clients that time out after the response was committed.
	// The window is tracked per family.
	DefaultGraceWindow = 30 * time.Second

	// ReasonReuse marks families revoked by reuse detection.
	ReasonReuse = "reused_refresh_token"
)

var (
	// ErrNotFound is returned for unknown families.
	ErrNotFound = errors.New("refresh token family not found")

	// ErrRevoked is returned when the family has been revoked.
	ErrRevoked = errors.New("refresh token family revoked")

	// ErrExpired is returned when the family horizon has passed.
	ErrExpired = errors.New("refresh token family expired")

	// ErrReuseDetected is returned when a superseded token is presented.
	// The family is already revoked when the caller sees this.
	ErrReuseDetected = errors.New("refresh token reuse detected")
)

// Family is the rotation lineage from one original grant.
type Family struct {
	ID       string   `json:"id"`
	UserID   string   `json:"user_id"`
	ClientID string   `json:"client_id"`
	Scope    []string `json:"scope"`

	Generation int `json:"generation"`
	Shard      int `json:"shard"`

	LatestSeq int    `json:"latest_seq"`
	LatestJTI string `json:"latest_jti"`

	Revoked       bool   `json:"revoked"`
	RevokedReason string `json:"revoked_reason,omitempty"`
	RevokedAt     int64  `json:"revoked_at,omitempty"`

	CreatedAt int64 `json:"created_at"`
	ExpiresAt int64 `json:"expires_at"`

	// Grace tracking: the predecessor jti may repeat its rotation once
	// within the window and receive the same successor.
	GraceJTI   string `json:"grace_jti,omitempty"`
	GraceUntil int64  `json:"grace_until,omitempty"`
}

// Token is the result of a mint or rotation.
type Token struct {
	JTI       string
	FamilyID  string
	Seq       int
	UserID    string
	ClientID  string
	Scope     []string
	ExpiresAt int64
}

// Rotator is the refresh-family actor facade.
type Rotator struct {
	host   *actor.Host
	kv     storage.KV
	router *sharding.Router
	logger *slog.Logger

	ttl     time.Duration
	grace   time.Duration
	onReuse func()
}

// Option configures a Rotator.
type Option func(*Rotator)

// WithTTL overrides the family lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(r *Rotator) {
		r.ttl = ttl
	}
}

// WithGraceWindow overrides the idempotent-retry window.
func WithGraceWindow(d time.Duration) Option {
	return func(r *Rotator) {
		r.grace = d
	}
}

// WithReuseObserver registers a callback fired on each reuse detection.
func WithReuseObserver(fn func()) Option {
	return func(r *Rotator) {
		r.onReuse = fn
	}
}

// NewRotator creates a refresh rotator.
func NewRotator(host *actor.Host, kv storage.KV, router *sharding.Router, logger *slog.Logger, opts ...Option) *Rotator {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Rotator{
		host:   host,
		kv:     kv,
		router: router,
		logger: logger,
		ttl:    DefaultTTL,
		grace:  DefaultGraceWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func familyKey(familyID string) string {
	return "rtfam/" + familyID
}

// Mint creates a new family on the current generation and returns its first
// token (seq 0).
func (r *Rotator) Mint(ctx context.Context, userID, clientID string, scope []string) (*Token, error) {
	gen, shard, err := r.router.MintPlacement(ctx, sharding.DomainRefresh)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	fam := &Family{
		ID:         uuid.NewString(),
		UserID:     userID,
		ClientID:   clientID,
		Scope:      slices.Clone(scope),
		Generation: gen,
		Shard:      shard,
		LatestSeq:  0,
		CreatedAt:  now.UnixMilli(),
		ExpiresAt:  now.Add(r.ttl).UnixMilli(),
	}
	fam.LatestJTI = sharding.FormatRefreshJTI(gen, shard, fam.ID, 0)

	instance, err := r.router.RouteRefresh(ctx, fam.LatestJTI)
	if err != nil {
		return nil, err
	}
	_, err = r.host.Do(ctx, instance, func(ctx context.Context) (any, error) {
		return nil, r.save(ctx, fam)
	})
	if err != nil {
		return nil, err
	}
	return fam.token(), nil
}

// Rotate exchanges oldJTI for the next member of its family. Presenting a
// superseded jti revokes the entire family and fails with ErrReuseDetected;
// the sole exception is a single retry of the most recent rotation within
// the grace window, which idempotently returns the same successor.
func (r *Rotator) Rotate(ctx context.Context, oldJTI string) (*Token, error) {
	_, _, familyID, seq, ok := sharding.ParseRefreshJTI(oldJTI)
	if !ok {
		return nil, ErrNotFound
	}

	instance, err := r.router.RouteRefresh(ctx, oldJTI)
	if err != nil {
		return nil, err
	}

	return actor.Call(ctx, r.host, instance, func(ctx context.Context) (*Token, error) {
		fam, err := r.load(ctx, familyID)
		if err != nil {
			return nil, err
		}
		if fam.Revoked {
			return nil, ErrRevoked
		}

		now := time.Now()
		if now.UnixMilli() > fam.ExpiresAt {
			return nil, ErrExpired
		}

		switch {
		case oldJTI == fam.LatestJTI:
			// Normal rotation.
		case oldJTI == fam.GraceJTI && now.UnixMilli() < fam.GraceUntil:
			// Idempotent retry: hand back the committed successor
			// without advancing.
			return fam.token(), nil
		default:
			// Reuse of a superseded member: burn the family.
			fam.revoke(ReasonReuse, now)
			if err := r.save(ctx, fam); err != nil {
				return nil, err
			}
			if r.onReuse != nil {
				r.onReuse()
			}
			r.logger.Warn("refresh token reuse detected, family revoked",
				"family", fam.ID, "client_id", fam.ClientID, "presented_seq", seq)
			return nil, ErrReuseDetected
		}

		fam.GraceJTI = fam.LatestJTI
		fam.GraceUntil = now.Add(r.grace).UnixMilli()
		fam.LatestSeq++
		fam.LatestJTI = sharding.FormatRefreshJTI(fam.Generation, fam.Shard, fam.ID, fam.LatestSeq)
		if err := r.save(ctx, fam); err != nil {
			return nil, err
		}
		return fam.token(), nil
	})
}

// Validate reports whether jti is the live member of a live family.
// Introspection uses it without mutating rotation state.
func (r *Rotator) Validate(ctx context.Context, jti string) (*Token, error) {
	_, _, familyID, _, ok := sharding.ParseRefreshJTI(jti)
	if !ok {
		return nil, ErrNotFound
	}
	instance, err := r.router.RouteRefresh(ctx, jti)
	if err != nil {
		return nil, err
	}
	return actor.Call(ctx, r.host, instance, func(ctx context.Context) (*Token, error) {
		fam, err := r.load(ctx, familyID)
		if err != nil {
			return nil, err
		}
		if fam.Revoked {
			return nil, ErrRevoked
		}
		if time.Now().UnixMilli() > fam.ExpiresAt {
			return nil, ErrExpired
		}
		if jti != fam.LatestJTI {
			return nil, ErrRevoked
		}
		return fam.token(), nil
	})
}

// RevokeFamily revokes the family owning jti, regardless of member.
func (r *Rotator) RevokeFamily(ctx context.Context, jti, reason string) error {
	_, _, familyID, _, ok := sharding.ParseRefreshJTI(jti)
	if !ok {
		return ErrNotFound
	}
	instance, err := r.router.RouteRefresh(ctx, jti)
	if err != nil {
		return err
	}
	_, err = r.host.Do(ctx, instance, func(ctx context.Context) (any, error) {
		fam, err := r.load(ctx, familyID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if fam.Revoked {
			return nil, nil
		}
		fam.revoke(reason, time.Now())
		return nil, r.save(ctx, fam)
	})
	return err
}

// BatchRevoke revokes each jti. Presenting any non-latest member revokes
// its whole family, same as the rotation path.
func (r *Rotator) BatchRevoke(ctx context.Context, jtis []string, reason string) error {
	var errs []error
	for _, jti := range jtis {
		if err := r.RevokeFamily(ctx, jti, reason); err != nil {
			errs = append(errs, fmt.Errorf("revoke %s: %w", jti, err))
		}
	}
	return errors.Join(errs...)
}

func (f *Family) token() *Token {
	return &Token{
		JTI:       f.LatestJTI,
		FamilyID:  f.ID,
		Seq:       f.LatestSeq,
		UserID:    f.UserID,
		ClientID:  f.ClientID,
		Scope:     slices.Clone(f.Scope),
		ExpiresAt: f.ExpiresAt,
	}
}

func (f *Family) revoke(reason string, now time.Time) {
	f.Revoked = true
	f.RevokedReason = reason
	f.RevokedAt = now.UnixMilli()
	f.GraceJTI = ""
	f.GraceUntil = 0
}

func (r *Rotator) load(ctx context.Context, familyID string) (*Family, error) {
	raw, found, err := r.kv.Get(ctx, familyKey(familyID))
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh family: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	var fam Family
	if err := json.Unmarshal(raw, &fam); err != nil {
		return nil, fmt.Errorf("failed to decode refresh family: %w", err)
	}
	return &fam, nil
}

func (r *Rotator) save(ctx context.Context, fam *Family) error {
	raw, err := json.Marshal(fam)
	if err != nil {
		return fmt.Errorf("failed to encode refresh family: %w", err)
	}
	// Revoked families are retained until the horizon so reuse attempts
	// keep failing loudly rather than turning into not_found.
	ttl := time.Until(time.UnixMilli(fam.ExpiresAt))
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := r.kv.Put(ctx, familyKey(fam.ID), raw, ttl); err != nil {
		return fmt.Errorf("failed to store refresh family: %w", err)
	}
	return nil
}
