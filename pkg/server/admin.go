// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/authrim/authrim/pkg/audit"
	"github.com/authrim/authrim/pkg/oautherr"
	"github.com/authrim/authrim/pkg/settings"
	"github.com/authrim/authrim/pkg/sharding"
)

var adminDomains = map[string]sharding.Domain{
	"session":    sharding.DomainSession,
	"refresh":    sharding.DomainRefresh,
	"revocation": sharding.DomainRevocation,
}

func (s *Server) handleShardingConfig(w http.ResponseWriter, r *http.Request) {
	domain, ok := adminDomains[chi.URLParam(r, "domain")]
	if !ok {
		http.Error(w, "unknown sharding domain", http.StatusNotFound)
		return
	}
	cfg, err := s.deps.Router.Config(r.Context(), domain)
	if err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cfg)
}

func (s *Server) handleShardingUpdate(w http.ResponseWriter, r *http.Request) {
	domain, ok := adminDomains[chi.URLParam(r, "domain")]
	if !ok {
		http.Error(w, "unknown sharding domain", http.StatusNotFound)
		return
	}
	var body struct {
		ShardCount int    `json:"shard_count"`
		UpdatedBy  string `json:"updated_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ShardCount < 1 {
		http.Error(w, "shard_count must be a positive integer", http.StatusBadRequest)
		return
	}

	before, _ := s.deps.Router.Config(r.Context(), domain)
	cfg, err := s.deps.Router.SetShardCount(r.Context(), domain, body.ShardCount, body.UpdatedBy)
	if err != nil {
		oautherr.WriteJSON(w, err)
		return
	}

	if s.deps.Audit != nil {
		beforeRaw, _ := json.Marshal(before)
		afterRaw, _ := json.Marshal(cfg)
		_ = s.deps.Audit.Append(r.Context(), &audit.Entry{
			Actor:  body.UpdatedBy,
			Action: "sharding.reshard",
			Target: string(domain),
			Before: beforeRaw,
			After:  afterRaw,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cfg)
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	q := r.URL.Query()

	eff, err := s.deps.Settings.Resolve(r.Context(), category, q.Get("tenant"), q.Get("client"))
	if err != nil {
		if errors.Is(err, settings.ErrUnknownCategory) {
			http.Error(w, "unknown category", http.StatusNotFound)
			return
		}
		oautherr.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(eff)
}

func (s *Server) handleSettingsPatch(w http.ResponseWriter, r *http.Request) {
	scope := settings.Scope(chi.URLParam(r, "scope"))
	category := chi.URLParam(r, "category")
	scopeID := r.URL.Query().Get("id")

	var body struct {
		IfMatch string         `json:"if_match"`
		Set     map[string]any `json:"set"`
		Clear   []string       `json:"clear"`
		Disable *bool          `json:"disable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed patch document", http.StatusBadRequest)
		return
	}
	patch := settings.Patch{IfMatch: body.IfMatch, Set: body.Set, Clear: body.Clear, Disable: body.Disable}

	res, err := s.deps.Settings.Apply(r.Context(), scope, scopeID, category, patch)
	if err != nil {
		var conflict *settings.ConflictError
		switch {
		case errors.As(err, &conflict):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":           "version_conflict",
				"current_version": conflict.CurrentVersion,
			})
		case errors.Is(err, settings.ErrUnknownCategory):
			http.Error(w, "unknown category", http.StatusNotFound)
		case errors.Is(err, settings.ErrPlatformOnly):
			http.Error(w, "category is platform-only", http.StatusForbidden)
		default:
			oautherr.WriteJSON(w, err)
		}
		return
	}

	if s.deps.Audit != nil {
		_ = s.deps.Audit.Append(r.Context(), &audit.Entry{
			Actor:  "admin",
			Action: "settings.patch",
			Target: string(scope) + "/" + scopeID + "/" + category,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := time.Now().Add(-24 * time.Hour)
	to := time.Now()
	if raw := q.Get("from"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			from = t
		}
	}
	if raw := q.Get("to"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			to = t
		}
	}

	entries, err := s.deps.Audit.Query(r.Context(), from, to, 0)
	if err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

func (s *Server) handleTombstoneSweep(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"
	res, err := s.deps.Audit.SweepTombstones(r.Context(), dryRun)
	if err != nil {
		oautherr.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}
