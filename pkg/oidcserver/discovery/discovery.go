/*
Copyright 2022-2023 EscherCloud.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package discovery implements the two metadata endpoints: the OIDC
// discovery document and the JSON Web Key Set, both of which are static
// and derived entirely from configuration and the signing credentials.
package discovery

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nexusid/oidc-server/pkg/oidcserver/config"
	"github.com/nexusid/oidc-server/pkg/oidcserver/crypt"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Pipeline serves the discovery document and JWKS.
type Pipeline struct {
	Config      *config.Options
	Credentials *crypt.SigningCredentials
}

// New constructs a discovery Pipeline from its collaborators.
func New(cfg *config.Options, creds *crypt.SigningCredentials) *Pipeline {
	return &Pipeline{Config: cfg, Credentials: creds}
}

// document is the subset of the OIDC discovery document this core
// publishes.
type document struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

func absoluteURL(issuer, path string) string {
	return strings.TrimSuffix(issuer, "/") + path
}

// Document builds the discovery document from the current configuration,
// deriving grant_types_supported and response_types_supported from what's
// actually enabled rather than publishing a fixed list: a reader relying on
// this document must never be told a grant or response type is available
// when the endpoint or key material it depends on isn't.
func (p *Pipeline) Document() *document {
	authEnabled := p.Config.AuthorizationEnabled()
	tokenEnabled := p.Config.TokenEnabled()
	hasSigningKeys := p.Credentials != nil && len(p.Credentials.Keys) > 0

	d := &document{
		Issuer:                            p.Config.Issuer,
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		ScopesSupported:                   []string{"openid", "profile", "email", "offline_access"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "client_secret_basic"},
		ClaimsSupported:                   []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "name", "email", "email_verified"},
		CodeChallengeMethodsSupported:     []string{"plain", "S256"},
	}

	if authEnabled {
		d.AuthorizationEndpoint = absoluteURL(p.Config.Issuer, p.Config.AuthorizationEndpoint)
		d.ResponseModesSupported = []string{"query", "fragment", "form_post"}
		d.GrantTypesSupported = append(d.GrantTypesSupported, "implicit")
	}

	if tokenEnabled {
		d.TokenEndpoint = absoluteURL(p.Config.Issuer, p.Config.TokenEndpoint)
		d.GrantTypesSupported = append(d.GrantTypesSupported, "refresh_token")

		if authEnabled {
			d.GrantTypesSupported = append(d.GrantTypesSupported, "authorization_code")
		}

		if !authEnabled {
			d.GrantTypesSupported = append(d.GrantTypesSupported, "password", "client_credentials")
		}
	}

	if p.Config.IntrospectionEnabled() {
		d.IntrospectionEndpoint = absoluteURL(p.Config.Issuer, p.Config.IntrospectionEndpoint)
	}

	if p.Config.EndSessionEnabled() {
		d.EndSessionEndpoint = absoluteURL(p.Config.Issuer, p.Config.EndSessionEndpoint)
	}

	if p.Config.JWKSEnabled() {
		d.JWKSURI = absoluteURL(p.Config.Issuer, p.Config.JWKSEndpoint)
	}

	var responseTypes []string

	if tokenEnabled {
		responseTypes = append(responseTypes, "code")
	}

	if authEnabled {
		responseTypes = append(responseTypes, "token")

		if hasSigningKeys {
			responseTypes = append(responseTypes, "id_token")

			if tokenEnabled {
				responseTypes = append(responseTypes, "code id_token", "code id_token token")
			}
		}
	}

	d.ResponseTypesSupported = responseTypes

	return d
}

// HandleDiscovery serves the discovery document.
func (p *Pipeline) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(p.Document())
	if err != nil {
		log.FromContext(r.Context()).Error(err, "failed to marshal discovery document")
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(body); err != nil {
		log.FromContext(r.Context()).Error(err, "failed to write discovery document")
	}
}

// HandleJWKS serves the JSON Web Key Set.
func (p *Pipeline) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(p.Credentials.JWKS())
	if err != nil {
		log.FromContext(r.Context()).Error(err, "failed to marshal JWKS")
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(body); err != nil {
		log.FromContext(r.Context()).Error(err, "failed to write JWKS")
	}
}
