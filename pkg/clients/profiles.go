// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package clients

import "fmt"

// Profile bundles the conformance defaults applied at registration time.
// The active profile also gates what the authorize and token endpoints
// advertise and accept.
type Profile struct {
	Name string

	ResponseTypes    []string
	TokenAuthMethods []string

	AllowNoneAlgorithm bool
	AllowPublicClients bool
	PKCERequired       bool
	RequirePAR         bool
	RequireDPoP        bool
}

var profiles = map[string]Profile{
	"basic-op": {
		Name:               "basic-op",
		ResponseTypes:      []string{"code"},
		TokenAuthMethods:   []string{"client_secret_basic", "client_secret_post"},
		AllowPublicClients: true,
	},
	"implicit-op": {
		Name:               "implicit-op",
		ResponseTypes:      []string{"id_token", "id_token token"},
		TokenAuthMethods:   []string{"client_secret_basic", "client_secret_post"},
		AllowNoneAlgorithm: true,
		AllowPublicClients: true,
	},
	"hybrid-op": {
		Name:               "hybrid-op",
		ResponseTypes:      []string{"code", "code id_token", "code token", "code id_token token"},
		TokenAuthMethods:   []string{"client_secret_basic", "client_secret_post", "private_key_jwt"},
		AllowPublicClients: true,
	},
	"fapi-1-advanced": {
		Name:             "fapi-1-advanced",
		ResponseTypes:    []string{"code id_token"},
		TokenAuthMethods: []string{"private_key_jwt", "tls_client_auth"},
		PKCERequired:     true,
		RequirePAR:       true,
	},
	"fapi-2": {
		Name:             "fapi-2",
		ResponseTypes:    []string{"code"},
		TokenAuthMethods: []string{"private_key_jwt", "tls_client_auth"},
		PKCERequired:     true,
		RequirePAR:       true,
	},
	"fapi-2-dpop": {
		Name:             "fapi-2-dpop",
		ResponseTypes:    []string{"code"},
		TokenAuthMethods: []string{"private_key_jwt"},
		PKCERequired:     true,
		RequirePAR:       true,
		RequireDPoP:      true,
	},
	"fapi-ciba": {
		Name:             "fapi-ciba",
		ResponseTypes:    []string{"code"},
		TokenAuthMethods: []string{"private_key_jwt", "tls_client_auth"},
		PKCERequired:     true,
	},
	"development": {
		Name: "development",
		ResponseTypes: []string{
			"code", "id_token", "token",
			"code id_token", "code token", "id_token token", "code id_token token",
		},
		TokenAuthMethods: []string{
			"client_secret_basic", "client_secret_post", "client_secret_jwt",
			"private_key_jwt", "tls_client_auth", "none",
		},
		AllowNoneAlgorithm: true,
		AllowPublicClients: true,
	},
}

// DefaultProfile applies when neither the client nor the deployment names one.
const DefaultProfile = "basic-op"

// LookupProfile resolves a profile by name.
func LookupProfile(name string) (Profile, error) {
	if name == "" {
		name = DefaultProfile
	}
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown certification profile %q", name)
	}
	return p, nil
}

// ApplyDefaults fills unset metadata fields from the profile and enforces
// its hard requirements.
func (p Profile) ApplyDefaults(m *Metadata) {
	if len(m.ResponseTypes) == 0 {
		m.ResponseTypes = append([]string(nil), p.ResponseTypes...)
	}
	if len(m.GrantTypes) == 0 {
		m.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if m.TokenEndpointAuthMethod == "" && len(p.TokenAuthMethods) > 0 {
		m.TokenEndpointAuthMethod = p.TokenAuthMethods[0]
	}
	if m.SubjectType == "" {
		m.SubjectType = "public"
	}
	if p.PKCERequired {
		m.PKCERequired = true
	}
	if p.RequirePAR {
		m.RequirePAR = true
	}
	if p.RequireDPoP {
		m.DPoPRequired = true
	}
}
