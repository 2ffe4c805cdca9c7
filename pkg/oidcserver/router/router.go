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

// Package router classifies and mounts the core's six HTTP endpoints onto
// a chi.Router, wiring each to its pipeline and counting requests per
// endpoint.
package router

import (
	"net/http"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexusid/oidc-server/pkg/oidcserver/authorization"
	"github.com/nexusid/oidc-server/pkg/oidcserver/config"
	"github.com/nexusid/oidc-server/pkg/oidcserver/discovery"
	"github.com/nexusid/oidc-server/pkg/oidcserver/logout"
	"github.com/nexusid/oidc-server/pkg/oidcserver/token"
	"github.com/nexusid/oidc-server/pkg/oidcserver/validation"
)

// EndpointKind names one of the fixed endpoints the core serves, used to
// label metrics and log lines uniformly regardless of the path the host
// chose to mount them under.
type EndpointKind string

const (
	EndpointAuthorization EndpointKind = "authorization"
	EndpointToken         EndpointKind = "token"
	EndpointIntrospection EndpointKind = "introspection"
	EndpointEndSession    EndpointKind = "end_session"
	EndpointJWKS          EndpointKind = "jwks"
	EndpointDiscovery     EndpointKind = "discovery"
)

// requestsTotal counts requests handled by each endpoint, labelled by
// endpoint only; there is no outcome label. Pipelines write their own
// 4xx/5xx status directly, which the HTTP middleware stack's own
// logging/tracing layer captures per status code.
//
//nolint:gochecknoglobals
var requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "oidc_server_endpoint_requests_total",
	Help: "Total requests served per OIDC endpoint.",
}, []string{"endpoint"})

func init() {
	prometheus.MustRegister(requestsTotal)
}

func instrument(kind EndpointKind, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestsTotal.WithLabelValues(string(kind)).Inc()
		handler(w, r)
	}
}

// Mount registers the authorization, token, introspection, end-session,
// JWKS and discovery endpoints onto router at the paths named in cfg.
func Mount(
	r chi.Router,
	cfg *config.Options,
	authorizationPipeline *authorization.Pipeline,
	tokenPipeline *token.Pipeline,
	validationPipeline *validation.Pipeline,
	logoutPipeline *logout.Pipeline,
	discoveryPipeline *discovery.Pipeline,
) {
	if cfg.AuthorizationEnabled() {
		r.HandleFunc(cfg.AuthorizationEndpoint, instrument(EndpointAuthorization, func(w http.ResponseWriter, req *http.Request) {
			authorizationPipeline.Handle(req.Context(), w, req)
		}))
	}

	if cfg.TokenEnabled() {
		r.Post(cfg.TokenEndpoint, instrument(EndpointToken, func(w http.ResponseWriter, req *http.Request) {
			tokenPipeline.Handle(req.Context(), w, req)
		}))
	}

	if cfg.IntrospectionEnabled() {
		// RFC 7662 introspection callers may use either method; POST with
		// a form body is the common case but GET is accepted too.
		r.Get(cfg.IntrospectionEndpoint, instrument(EndpointIntrospection, func(w http.ResponseWriter, req *http.Request) {
			validationPipeline.Handle(req.Context(), w, req)
		}))
		r.Post(cfg.IntrospectionEndpoint, instrument(EndpointIntrospection, func(w http.ResponseWriter, req *http.Request) {
			validationPipeline.Handle(req.Context(), w, req)
		}))
	}

	if cfg.EndSessionEnabled() {
		r.HandleFunc(cfg.EndSessionEndpoint, instrument(EndpointEndSession, func(w http.ResponseWriter, req *http.Request) {
			logoutPipeline.Handle(req.Context(), w, req)
		}))
	}

	if cfg.JWKSEnabled() {
		r.Get(cfg.JWKSEndpoint, instrument(EndpointJWKS, discoveryPipeline.HandleJWKS))
	}

	if cfg.DiscoveryEnabled() {
		r.Get(cfg.DiscoveryEndpoint, instrument(EndpointDiscovery, discoveryPipeline.HandleDiscovery))
	}
}
