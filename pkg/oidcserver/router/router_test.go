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

package router_test

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusid/oidc-server/pkg/oidcserver/config"
	"github.com/nexusid/oidc-server/pkg/oidcserver/crypt"
	"github.com/nexusid/oidc-server/pkg/oidcserver/discovery"
	"github.com/nexusid/oidc-server/pkg/oidcserver/router"
)

func TestMountOnlyWiresEnabledEndpoints(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	creds := &crypt.SigningCredentials{Keys: []*crypt.SigningKey{{KeyID: "key-1", Private: key}}}

	cfg := &config.Options{
		Issuer:                    "https://issuer.example.com",
		JWKSEndpoint:              "/.well-known/jwks.json",
		DiscoveryEndpoint:         "/.well-known/openid-configuration",
		AuthorizationCodeLifetime: 2 * time.Minute,
		AccessTokenLifetime:       time.Hour,
		IDTokenLifetime:           time.Hour,
		RefreshTokenLifetime:      14 * 24 * time.Hour,
		RequestCacheLifetime:      10 * time.Minute,
	}

	discoveryPipeline := discovery.New(cfg, creds)

	r := chi.NewRouter()
	router.Mount(r, cfg, nil, nil, nil, nil, discoveryPipeline)

	jwksReq := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	jwksW := httptest.NewRecorder()
	r.ServeHTTP(jwksW, jwksReq)
	assert.Equal(t, http.StatusOK, jwksW.Code)

	discoveryReq := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	discoveryW := httptest.NewRecorder()
	r.ServeHTTP(discoveryW, discoveryReq)
	assert.Equal(t, http.StatusOK, discoveryW.Code)

	// Token/authorization/introspection/end-session were never enabled, so
	// the router has no route for them at all.
	tokenReq := httptest.NewRequest(http.MethodPost, "/oauth2/token", nil)
	tokenW := httptest.NewRecorder()
	r.ServeHTTP(tokenW, tokenReq)
	assert.Equal(t, http.StatusNotFound, tokenW.Code)
}
