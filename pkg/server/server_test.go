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

package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusid/oidc-server/pkg/oidcserver/config"
	"github.com/nexusid/oidc-server/pkg/oidcserver/crypt"
	"github.com/nexusid/oidc-server/pkg/oidcserver/discovery"
	"github.com/nexusid/oidc-server/pkg/server"
)

func TestGetServerMountsMetricsAndRespectsListenAddress(t *testing.T) {
	creds := &crypt.SigningCredentials{}

	cfg := config.Options{
		JWKSEndpoint:      "/.well-known/jwks.json",
		DiscoveryEndpoint: "/.well-known/openid-configuration",
	}

	s := &server.Server{
		Options:     server.Options{ListenAddress: ":12345", ReadTimeout: time.Second, WriteTimeout: time.Second},
		OIDCOptions: cfg,
		Discovery:   discovery.New(&cfg, creds),
	}

	httpServer := s.GetServer()
	require.NotNil(t, httpServer)
	assert.Equal(t, ":12345", httpServer.Addr)

	w := httptest.NewRecorder()
	httpServer.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	httpServer.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	httpServer.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetupOpenTelemetryWithoutOTLPEndpointSucceeds(t *testing.T) {
	s := &server.Server{}

	err := s.SetupOpenTelemetry(context.Background())
	require.NoError(t, err)
}
