// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy implements authorization policy: pairwise subject
// derivation, consent decisions, and the declarative decision-flow graph
// evaluated during authorization.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/authrim/authrim/pkg/clients"
)

// ErrSectorDocument is returned when sector_identifier_uri does not
// resolve to a JSON array covering every redirect uri.
var ErrSectorDocument = errors.New("sector identifier document invalid")

// PairwiseSubject derives the per-sector stable subject. Deterministic for
// a fixed salt; distinct across sectors and across users.
func PairwiseSubject(sectorHost, localID string, salt []byte) string {
	h := sha256.New()
	h.Write([]byte(sectorHost))
	h.Write([]byte(localID))
	h.Write(salt)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// SubjectFor returns the sub claim for user localID at client: the local id
// for public subject types, the pairwise derivation otherwise.
func SubjectFor(meta *clients.Metadata, localID string, salt []byte) (string, error) {
	if meta.SubjectType != "pairwise" {
		return localID, nil
	}
	host, err := SectorHost(meta)
	if err != nil {
		return "", err
	}
	return PairwiseSubject(host, localID, salt), nil
}

// SectorHost resolves the pairwise sector: the sector_identifier_uri host
// when set, else the host of the sole redirect uri.
func SectorHost(meta *clients.Metadata) (string, error) {
	if meta.SectorIdentifierURI != "" {
		u, err := url.Parse(meta.SectorIdentifierURI)
		if err != nil {
			return "", fmt.Errorf("malformed sector_identifier_uri: %w", err)
		}
		return u.Hostname(), nil
	}
	if len(meta.RedirectURIs) == 0 {
		return "", errors.New("pairwise client has no redirect_uris")
	}
	u, err := url.Parse(meta.RedirectURIs[0])
	if err != nil {
		return "", fmt.Errorf("malformed redirect_uri: %w", err)
	}
	return u.Hostname(), nil
}

// ValidateSectorDocument fetches sector_identifier_uri and checks the JSON
// array covers every registered redirect uri. Called at registration time
// for pairwise clients with multiple redirect hosts.
func ValidateSectorDocument(ctx context.Context, client *http.Client, meta *clients.Metadata) error {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.SectorIdentifierURI, nil)
	if err != nil {
		return fmt.Errorf("failed to build sector document request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch sector document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrSectorDocument, resp.StatusCode)
	}

	var listed []string
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		return fmt.Errorf("%w: %v", ErrSectorDocument, err)
	}

	covered := make(map[string]bool, len(listed))
	for _, u := range listed {
		covered[u] = true
	}
	for _, u := range meta.RedirectURIs {
		if !covered[u] {
			return fmt.Errorf("%w: redirect_uri %s not listed", ErrSectorDocument, u)
		}
	}
	return nil
}
