// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/storage"
)

func TestPairwiseSubjectProperties(t *testing.T) {
	t.Parallel()

	salt := []byte("pairwise-salt")

	a := PairwiseSubject("rp-a.example", "user-1", salt)
	b := PairwiseSubject("rp-b.example", "user-1", salt)
	assert.NotEqual(t, a, b, "same user, different sectors")

	c := PairwiseSubject("rp-a.example", "user-2", salt)
	assert.NotEqual(t, a, c, "different users, same sector")

	again := PairwiseSubject("rp-a.example", "user-1", salt)
	assert.Equal(t, a, again, "deterministic for fixed salt")
}

func TestSubjectForPublicAndPairwise(t *testing.T) {
	t.Parallel()

	salt := []byte("salt")

	public := &clients.Metadata{SubjectType: "public"}
	sub, err := SubjectFor(public, "user-1", salt)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)

	pairwise := &clients.Metadata{
		SubjectType:  "pairwise",
		RedirectURIs: []string{"https://rp.example/cb"},
	}
	sub, err = SubjectFor(pairwise, "user-1", salt)
	require.NoError(t, err)
	assert.Equal(t, PairwiseSubject("rp.example", "user-1", salt), sub)

	// Sector uri host wins over redirect host.
	pairwise.SectorIdentifierURI = "https://sector.example/redirects.json"
	sub, err = SubjectFor(pairwise, "user-1", salt)
	require.NoError(t, err)
	assert.Equal(t, PairwiseSubject("sector.example", "user-1", salt), sub)
}

func TestValidateSectorDocument(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sector.json":
			_ = json.NewEncoder(w).Encode([]string{
				"https://a.example/cb", "https://b.example/cb",
			})
		case "/broken.json":
			_, _ = w.Write([]byte(`{"not":"an array"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)

	meta := &clients.Metadata{
		SubjectType:         "pairwise",
		RedirectURIs:        []string{"https://a.example/cb", "https://b.example/cb"},
		SectorIdentifierURI: ts.URL + "/sector.json",
	}
	require.NoError(t, ValidateSectorDocument(t.Context(), ts.Client(), meta))

	// A redirect uri missing from the document fails.
	meta.RedirectURIs = append(meta.RedirectURIs, "https://c.example/cb")
	err := ValidateSectorDocument(t.Context(), ts.Client(), meta)
	assert.ErrorIs(t, err, ErrSectorDocument)

	// Non-array body fails.
	meta.RedirectURIs = []string{"https://a.example/cb"}
	meta.SectorIdentifierURI = ts.URL + "/broken.json"
	err = ValidateSectorDocument(t.Context(), ts.Client(), meta)
	assert.ErrorIs(t, err, ErrSectorDocument)

	// Non-200 fails.
	meta.SectorIdentifierURI = ts.URL + "/missing.json"
	err = ValidateSectorDocument(t.Context(), ts.Client(), meta)
	assert.ErrorIs(t, err, ErrSectorDocument)

	// An unreachable host is a fetch error, not a document error.
	meta.SectorIdentifierURI = "https://sector.invalid/sector.json"
	err = ValidateSectorDocument(t.Context(), &http.Client{Timeout: time.Second}, meta)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSectorDocument)
}

func TestConsentStore(t *testing.T) {
	t.Parallel()

	kv := storage.NewMemoryKV(storage.WithCleanupInterval(time.Minute))
	t.Cleanup(func() { _ = kv.Close() })
	store := NewConsentStore(kv)
	ctx := t.Context()

	missing, err := store.Missing(ctx, "user-1", "client-1", []string{"openid", "profile"})
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "profile"}, missing)

	require.NoError(t, store.Grant(ctx, "user-1", "client-1", []string{"openid"}))
	missing, err = store.Missing(ctx, "user-1", "client-1", []string{"openid", "profile"})
	require.NoError(t, err)
	assert.Equal(t, []string{"profile"}, missing)

	// Grants merge.
	require.NoError(t, store.Grant(ctx, "user-1", "client-1", []string{"profile"}))
	missing, err = store.Missing(ctx, "user-1", "client-1", []string{"openid", "profile"})
	require.NoError(t, err)
	assert.Empty(t, missing)

	require.NoError(t, store.Revoke(ctx, "user-1", "client-1"))
	missing, err = store.Missing(ctx, "user-1", "client-1", []string{"openid"})
	require.NoError(t, err)
	assert.Equal(t, []string{"openid"}, missing)
}

func flowJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestLoadGraphValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		graph any
	}{
		{
			name: "no start",
			graph: map[string]any{"nodes": []map[string]any{
				{"id": "end", "type": "end"},
			}},
		},
		{
			name: "dangling next",
			graph: map[string]any{"nodes": []map[string]any{
				{"id": "start", "type": "start", "next": "missing"},
				{"id": "end", "type": "end"},
			}},
		},
		{
			name: "decision without default",
			graph: map[string]any{"nodes": []map[string]any{
				{"id": "start", "type": "start", "next": "d"},
				{"id": "d", "type": "decision", "branches": []map[string]any{
					{"priority": 1, "predicate": map[string]any{"field": "success", "op": "isTrue"}, "target": "end"},
				}},
				{"id": "end", "type": "end"},
			}},
		},
		{
			name: "cycle",
			graph: map[string]any{"nodes": []map[string]any{
				{"id": "start", "type": "start", "next": "a"},
				{"id": "a", "type": "login", "next": "b"},
				{"id": "b", "type": "consent", "next": "a"},
				{"id": "end", "type": "end"},
			}},
		},
		{
			name: "unknown operator",
			graph: map[string]any{"nodes": []map[string]any{
				{"id": "start", "type": "start", "next": "d"},
				{"id": "d", "type": "decision", "branches": []map[string]any{
					{"priority": 1, "predicate": map[string]any{"field": "success", "op": "matches"}, "target": "end"},
					{"priority": 2, "target": "end"},
				}},
				{"id": "end", "type": "end"},
			}},
		},
		{
			name: "unknown node type",
			graph: map[string]any{"nodes": []map[string]any{
				{"id": "start", "type": "start", "next": "x"},
				{"id": "x", "type": "teleport", "next": "end"},
				{"id": "end", "type": "end"},
			}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadGraph(flowJSON(t, tc.graph))
			assert.ErrorIs(t, err, ErrFlowInvalid)
		})
	}
}

func TestEvaluateDecisionBranches(t *testing.T) {
	t.Parallel()

	graph, err := LoadGraph(flowJSON(t, map[string]any{"nodes": []map[string]any{
		{"id": "start", "type": "start", "next": "login"},
		{"id": "login", "type": "login", "next": "route"},
		{"id": "route", "type": "decision", "branches": []map[string]any{
			{"priority": 1, "predicate": map[string]any{"field": "result.mfa_level", "op": "gt", "value": 1}, "target": "done"},
			{"priority": 2, "predicate": map[string]any{"field": "success", "op": "isFalse"}, "target": "denied"},
			{"priority": 3, "target": "consent"},
		}},
		{"id": "consent", "type": "consent", "next": "done"},
		{"id": "done", "type": "end"},
		{"id": "denied", "type": "error"},
	}}))
	require.NoError(t, err)

	run := func(out Outcome) (terminal *Node, visited []string, err error) {
		terminal, err = graph.Evaluate(t.Context(), func(_ context.Context, n *Node) (Outcome, error) {
			visited = append(visited, n.ID)
			if n.Type == NodeLogin {
				return out, nil
			}
			return Outcome{Success: true}, nil
		})
		return terminal, visited, err
	}

	// Strong MFA skips consent.
	terminal, visited, err := run(Outcome{Success: true, Result: json.RawMessage(`{"mfa_level": 2}`)})
	require.NoError(t, err)
	assert.Equal(t, "done", terminal.ID)
	assert.Equal(t, []string{"login"}, visited)

	// Failed login hits the error node.
	terminal, _, err = run(Outcome{Success: false})
	assert.ErrorIs(t, err, ErrFlowHalted)
	assert.Equal(t, "denied", terminal.ID)

	// Plain success takes the default branch through consent.
	terminal, visited, err = run(Outcome{Success: true, Result: json.RawMessage(`{"mfa_level": 1}`)})
	require.NoError(t, err)
	assert.Equal(t, "done", terminal.ID)
	assert.Equal(t, []string{"login", "consent"}, visited)
}

func TestPredicateOperators(t *testing.T) {
	t.Parallel()

	prev := Outcome{Success: true, Result: json.RawMessage(`{"acr":"silver","age":42,"verified":true}`)}

	cases := []struct {
		pred  Predicate
		match bool
	}{
		{Predicate{Field: "success", Op: OpIsTrue}, true},
		{Predicate{Field: "success", Op: OpIsFalse}, false},
		{Predicate{Field: "result.verified", Op: OpIsTrue}, true},
		{Predicate{Field: "result.acr", Op: OpEq, Value: json.RawMessage(`"silver"`)}, true},
		{Predicate{Field: "result.acr", Op: OpNeq, Value: json.RawMessage(`"gold"`)}, true},
		{Predicate{Field: "result.acr", Op: OpIn, Value: json.RawMessage(`["bronze","silver"]`)}, true},
		{Predicate{Field: "result.acr", Op: OpIn, Value: json.RawMessage(`["gold"]`)}, false},
		{Predicate{Field: "result.age", Op: OpGt, Value: json.RawMessage(`40`)}, true},
		{Predicate{Field: "result.age", Op: OpLt, Value: json.RawMessage(`40`)}, false},
		{Predicate{Field: "result.missing", Op: OpEq, Value: json.RawMessage(`"x"`)}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.match, matchPredicate(&tc.pred, prev), "%s %s", tc.pred.Field, tc.pred.Op)
	}
}
