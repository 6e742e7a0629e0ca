// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package clients

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/storage"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(t.Context(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	return NewRegistry(newTestDB(t), nil, opts...)
}

func TestRegisterAndAuthenticate(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	ctx := t.Context()

	created, err := reg.Register(ctx, &Metadata{
		Name:         "Test RP",
		RedirectURIs: []string{"https://rp.example/cb"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.NotEmpty(t, created.ClientSecret)
	assert.NotEmpty(t, created.RegistrationAccessToken)
	// basic-op defaults.
	assert.Equal(t, []string{"code"}, created.ResponseTypes)
	assert.Equal(t, "client_secret_basic", created.TokenEndpointAuthMethod)
	assert.Equal(t, "public", created.SubjectType)

	got, err := reg.Authenticate(ctx, created.ID, created.ClientSecret)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = reg.Authenticate(ctx, created.ID, "wrong-secret")
	assert.ErrorIs(t, err, ErrBadSecret)
}

func TestPublicClientGetsPKCE(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	created, err := reg.Register(t.Context(), &Metadata{
		RedirectURIs:            []string{"https://spa.example/cb"},
		TokenEndpointAuthMethod: "none",
	})
	require.NoError(t, err)
	assert.Empty(t, created.ClientSecret)
	assert.True(t, created.PKCERequired)

	got, err := reg.Authenticate(t.Context(), created.ID, "")
	require.NoError(t, err)
	assert.True(t, got.Public())
}

func TestRegistrationAccessTokenGuardsManagement(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	ctx := t.Context()

	created, err := reg.Register(ctx, &Metadata{RedirectURIs: []string{"https://rp.example/cb"}})
	require.NoError(t, err)

	_, err = reg.GetForManagement(ctx, created.ID, created.RegistrationAccessToken)
	require.NoError(t, err)

	_, err = reg.GetForManagement(ctx, created.ID, "forged-token")
	assert.ErrorIs(t, err, ErrBadRegistrationToken)
}

func TestValidationErrors(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	ctx := t.Context()

	cases := []struct {
		name  string
		meta  Metadata
		field string
	}{
		{
			name:  "missing redirect",
			meta:  Metadata{},
			field: "redirect_uris",
		},
		{
			name: "plain http redirect",
			meta: Metadata{
				RedirectURIs: []string{"http://rp.example/cb"},
			},
			field: "redirect_uris",
		},
		{
			name: "fragment in redirect",
			meta: Metadata{
				RedirectURIs: []string{"https://rp.example/cb#frag"},
			},
			field: "redirect_uris",
		},
		{
			name: "unknown grant type",
			meta: Metadata{
				RedirectURIs: []string{"https://rp.example/cb"},
				GrantTypes:   []string{"password"},
			},
			field: "grant_types",
		},
		{
			name: "pairwise multi host without sector",
			meta: Metadata{
				RedirectURIs: []string{"https://a.example/cb", "https://b.example/cb"},
				SubjectType:  "pairwise",
			},
			field: "sector_identifier_uri",
		},
		{
			name: "private_key_jwt without jwks",
			meta: Metadata{
				RedirectURIs:            []string{"https://rp.example/cb"},
				TokenEndpointAuthMethod: "private_key_jwt",
			},
			field: "token_endpoint_auth_method",
		},
		{
			name: "ping without notification endpoint",
			meta: Metadata{
				RedirectURIs:                 []string{"https://rp.example/cb"},
				BackchannelTokenDeliveryMode: "ping",
			},
			field: "backchannel_client_notification_endpoint",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Register(ctx, &tc.meta)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tc.field)
		})
	}
}

func TestLoopbackHTTPAllowed(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	_, err := reg.Register(t.Context(), &Metadata{
		RedirectURIs: []string{"http://127.0.0.1:8123/cb", "http://localhost/cb"},
	})
	assert.NoError(t, err)
}

func TestUpdateAndDelete(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	ctx := t.Context()

	created, err := reg.Register(ctx, &Metadata{RedirectURIs: []string{"https://rp.example/cb"}})
	require.NoError(t, err)

	updated := created.Metadata
	updated.RedirectURIs = []string{"https://rp.example/cb2"}
	require.NoError(t, reg.Update(ctx, created.ID, &updated))

	got, err := reg.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://rp.example/cb2"}, got.RedirectURIs)

	require.NoError(t, reg.Delete(ctx, created.ID))
	_, err = reg.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSectorValidatorRunsOnRegisterAndUpdate(t *testing.T) {
	t.Parallel()

	var calls int
	reg := newTestRegistry(t, WithSectorValidator(func(_ context.Context, meta *Metadata) error {
		calls++
		if meta.SectorIdentifierURI == "https://bad.example/sector.json" {
			return errors.New("sector document unreachable")
		}
		return nil
	}))
	ctx := t.Context()

	pairwise := func(sectorURI string) *Metadata {
		return &Metadata{
			RedirectURIs:        []string{"https://a.example/cb", "https://b.example/cb"},
			SubjectType:         "pairwise",
			SectorIdentifierURI: sectorURI,
		}
	}

	// A failing sector document refuses the registration.
	_, err := reg.Register(ctx, pairwise("https://bad.example/sector.json"))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "sector_identifier_uri")
	assert.Equal(t, 1, calls)

	created, err := reg.Register(ctx, pairwise("https://good.example/sector.json"))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	// Update re-runs the check against the new sector uri.
	updated := created.Metadata
	updated.SectorIdentifierURI = "https://bad.example/sector.json"
	err = reg.Update(ctx, created.ID, &updated)
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "sector_identifier_uri")
	assert.Equal(t, 3, calls)

	// Public subject types never trigger the fetch.
	_, err = reg.Register(ctx, &Metadata{RedirectURIs: []string{"https://rp.example/cb"}})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestProfileDefaults(t *testing.T) {
	t.Parallel()

	fapi, err := LookupProfile("fapi-2-dpop")
	require.NoError(t, err)

	meta := &Metadata{
		RedirectURIs:            []string{"https://bank.example/cb"},
		TokenEndpointAuthMethod: "private_key_jwt",
		JWKSURI:                 "https://bank.example/jwks.json",
		Profile:                 "fapi-2-dpop",
	}
	fapi.ApplyDefaults(meta)
	assert.True(t, meta.PKCERequired)
	assert.True(t, meta.RequirePAR)
	assert.True(t, meta.DPoPRequired)

	_, err = LookupProfile("no-such-profile")
	assert.Error(t, err)
}
