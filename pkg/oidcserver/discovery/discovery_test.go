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

package discovery_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusid/oidc-server/pkg/oidcserver/config"
	"github.com/nexusid/oidc-server/pkg/oidcserver/crypt"
	"github.com/nexusid/oidc-server/pkg/oidcserver/discovery"
)

func baseConfig() *config.Options {
	return &config.Options{
		Issuer:                    "https://issuer.example.com",
		AuthorizationCodeLifetime: 2 * time.Minute,
		AccessTokenLifetime:       time.Hour,
		IDTokenLifetime:           time.Hour,
		RefreshTokenLifetime:      14 * 24 * time.Hour,
		RequestCacheLifetime:      10 * time.Minute,
	}
}

func testCredentials(t *testing.T) *crypt.SigningCredentials {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	return &crypt.SigningCredentials{Keys: []*crypt.SigningKey{{KeyID: "key-1", Private: key}}}
}

// TestResponseTypesSupportedConditionalInclusion pins down that
// response_types_supported only advertises combinations the currently
// enabled endpoints and key material can actually produce.
func TestResponseTypesSupportedConditionalInclusion(t *testing.T) {
	cfg := baseConfig()
	cfg.TokenEndpoint = "/oauth2/token"

	// Token endpoint alone, no authorization endpoint, no signing keys:
	// only "code" is ever produced via back-channel grants.
	p := discovery.New(cfg, &crypt.SigningCredentials{})
	doc := p.Document()
	assert.Equal(t, []string{"code"}, doc.ResponseTypesSupported)

	// Enabling authorization without signing keys adds "token" (implicit
	// access-token-only) but not "id_token", since there's nothing to sign
	// it with.
	cfg.AuthorizationEndpoint = "/oauth2/authorize"
	doc = p.Document()
	assert.Equal(t, []string{"code", "token"}, doc.ResponseTypesSupported)

	// Adding signing keys unlocks id_token and the hybrid combinations.
	p = discovery.New(cfg, testCredentials(t))
	doc = p.Document()
	assert.Equal(t, []string{"code", "token", "id_token", "code id_token", "code id_token token"}, doc.ResponseTypesSupported)
}

func TestDocumentOmitsDisabledEndpoints(t *testing.T) {
	cfg := baseConfig()

	p := discovery.New(cfg, &crypt.SigningCredentials{})
	doc := p.Document()

	assert.Empty(t, doc.AuthorizationEndpoint)
	assert.Empty(t, doc.TokenEndpoint)
	assert.Empty(t, doc.JWKSURI)
	assert.Empty(t, doc.GrantTypesSupported)
}

func TestDocumentBuildsAbsoluteEndpointURLs(t *testing.T) {
	cfg := baseConfig()
	cfg.AuthorizationEndpoint = "/oauth2/authorize"
	cfg.TokenEndpoint = "/oauth2/token"
	cfg.JWKSEndpoint = "/.well-known/jwks.json"

	p := discovery.New(cfg, testCredentials(t))
	doc := p.Document()

	assert.Equal(t, "https://issuer.example.com/oauth2/authorize", doc.AuthorizationEndpoint)
	assert.Equal(t, "https://issuer.example.com/oauth2/token", doc.TokenEndpoint)
	assert.Equal(t, "https://issuer.example.com/.well-known/jwks.json", doc.JWKSURI)
}

func TestGrantTypesSupportedForTokenOnlyDeployment(t *testing.T) {
	cfg := baseConfig()
	cfg.TokenEndpoint = "/oauth2/token"

	p := discovery.New(cfg, &crypt.SigningCredentials{})
	doc := p.Document()

	assert.Equal(t, []string{"refresh_token", "password", "client_credentials"}, doc.GrantTypesSupported)
}

func TestHandleDiscoveryServesJSON(t *testing.T) {
	cfg := baseConfig()
	cfg.AuthorizationEndpoint = "/oauth2/authorize"

	p := discovery.New(cfg, testCredentials(t))

	r := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	w := httptest.NewRecorder()

	p.HandleDiscovery(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "https://issuer.example.com", body["issuer"])
}

func TestHandleJWKSServesKeySet(t *testing.T) {
	p := discovery.New(baseConfig(), testCredentials(t))

	r := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	w := httptest.NewRecorder()

	p.HandleJWKS(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Keys []map[string]interface{} `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Keys, 1)
	assert.Equal(t, "key-1", body.Keys[0]["kid"])
}
