// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit records administrative actions and account-deletion
// tombstones, including the retention sweep that ages tombstones out.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/authrim/authrim/pkg/crypto"
	"github.com/authrim/authrim/pkg/storage"
)

// DefaultRetention is how long tombstones are kept before the sweep
// removes them.
const DefaultRetention = 90 * 24 * time.Hour

// Entry is one audit record.
type Entry struct {
	ID     string `json:"id"`
	Actor  string `json:"actor"`
	Action string `json:"action"`
	Target string `json:"target"`

	// Before and After snapshot the mutated object, when applicable.
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`

	Timestamp int64 `json:"ts"`
}

// Tombstone marks a deleted account. The email survives only as a blind
// index so re-registration checks work without retaining the address.
type Tombstone struct {
	ID              string `json:"id"`
	TenantID        string `json:"tenant_id,omitempty"`
	EmailBlindIndex string `json:"email_blind_index,omitempty"`
	DeletedAt       int64  `json:"deleted_at"`
	DeletedBy       string `json:"deleted_by,omitempty"`
	DeletionReason  string `json:"deletion_reason,omitempty"`
	RetentionUntil  int64  `json:"retention_until"`

	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Log writes audit entries and manages tombstones.
type Log struct {
	db        storage.RelationalDB
	logger    *slog.Logger
	retention time.Duration
}

// Option configures a Log.
type Option func(*Log)

// WithRetention overrides the tombstone retention period.
func WithRetention(d time.Duration) Option {
	return func(l *Log) {
		l.retention = d
	}
}

// NewLog creates an audit log over the relational store.
func NewLog(db storage.RelationalDB, logger *slog.Logger, opts ...Option) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{db: db, logger: logger, retention: DefaultRetention}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records one entry. The id and timestamp are filled when unset.
func (l *Log) Append(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	before := string(e.Before)
	after := string(e.After)

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, actor, action, target, before_state, after_state, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Actor, e.Action, e.Target, before, after, e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Query lists entries in a time window, newest first.
func (l *Log) Query(ctx context.Context, from, to time.Time, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, actor, action, target, before_state, after_state, ts
		 FROM audit_log WHERE ts >= ? AND ts <= ? ORDER BY ts DESC LIMIT ?`,
		from.UnixMilli(), to.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var before, after string
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &before, &after, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if before != "" {
			e.Before = json.RawMessage(before)
		}
		if after != "" {
			e.After = json.RawMessage(after)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// RecordDeletion writes the tombstone for a deleted account. The raw
// email is hashed into the blind index and discarded.
func (l *Log) RecordDeletion(ctx context.Context, userID, tenantID, email, deletedBy, reason string, metadata json.RawMessage) (*Tombstone, error) {
	now := time.Now()
	ts := &Tombstone{
		ID:             userID,
		TenantID:       tenantID,
		DeletedAt:      now.UnixMilli(),
		DeletedBy:      deletedBy,
		DeletionReason: reason,
		RetentionUntil: now.Add(l.retention).UnixMilli(),
		Metadata:       metadata,
	}
	if email != "" {
		ts.EmailBlindIndex = crypto.HashEmail(email)
	}
	meta := string(metadata)
	if meta == "" {
		meta = "{}"
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO tombstones (id, tenant_id, email_blind_index, deleted_at, deleted_by, deletion_reason, retention_until, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.ID, ts.TenantID, ts.EmailBlindIndex, ts.DeletedAt, ts.DeletedBy, ts.DeletionReason, ts.RetentionUntil, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to record tombstone: %w", err)
	}

	if err := l.Append(ctx, &Entry{
		Actor:  deletedBy,
		Action: "user.delete",
		Target: userID,
	}); err != nil {
		l.logger.Warn("failed to audit account deletion", "user", userID, "error", err)
	}
	return ts, nil
}

// IsEmailTombstoned reports whether a live tombstone covers the email,
// matched through the blind index.
func (l *Log) IsEmailTombstoned(ctx context.Context, tenantID, email string) (bool, error) {
	var id string
	err := l.db.QueryRowContext(ctx,
		`SELECT id FROM tombstones WHERE tenant_id = ? AND email_blind_index = ? AND retention_until > ? LIMIT 1`,
		tenantID, crypto.HashEmail(email), time.Now().UnixMilli()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check tombstone index: %w", err)
	}
	return true, nil
}

// SweepResult reports one retention sweep.
type SweepResult struct {
	Examined int `json:"examined"`
	Removed  int `json:"removed"`
	DryRun   bool `json:"dry_run"`
}

// SweepTombstones removes tombstones whose retention lapsed. With dryRun
// set it only counts.
func (l *Log) SweepTombstones(ctx context.Context, dryRun bool) (*SweepResult, error) {
	now := time.Now().UnixMilli()
	res := &SweepResult{DryRun: dryRun}

	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tombstones`).Scan(&res.Examined); err != nil {
		return nil, fmt.Errorf("failed to count tombstones: %w", err)
	}
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tombstones WHERE retention_until <= ?`, now).Scan(&res.Removed); err != nil {
		return nil, fmt.Errorf("failed to count expired tombstones: %w", err)
	}
	if dryRun || res.Removed == 0 {
		return res, nil
	}

	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM tombstones WHERE retention_until <= ?`, now); err != nil {
		return nil, fmt.Errorf("failed to sweep tombstones: %w", err)
	}
	l.logger.Info("tombstone sweep completed", "examined", res.Examined, "removed", res.Removed)
	return res, nil
}
