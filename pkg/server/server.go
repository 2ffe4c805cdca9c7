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

package server

import (
	"context"
	"flag"
	"net/http"

	chi "github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/nexusid/oidc-server/pkg/oidcserver/authorization"
	"github.com/nexusid/oidc-server/pkg/oidcserver/config"
	"github.com/nexusid/oidc-server/pkg/oidcserver/discovery"
	"github.com/nexusid/oidc-server/pkg/oidcserver/logout"
	"github.com/nexusid/oidc-server/pkg/oidcserver/router"
	"github.com/nexusid/oidc-server/pkg/oidcserver/token"
	"github.com/nexusid/oidc-server/pkg/oidcserver/validation"
	"github.com/nexusid/oidc-server/pkg/server/handler"
	"github.com/nexusid/oidc-server/pkg/server/middleware"

	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Server wires the core's five pipelines onto an HTTP listener.
type Server struct {
	// Options are server specific options e.g. listener address etc.
	Options Options

	// ZapOptions configure logging.
	ZapOptions zap.Options

	// OIDCOptions configures the endpoints, lifetimes and behavioural
	// flags every pipeline below is built from.
	OIDCOptions config.Options

	// Authorization serves the authorization endpoint.
	Authorization *authorization.Pipeline

	// Token serves the token endpoint.
	Token *token.Pipeline

	// Validation serves the introspection endpoint.
	Validation *validation.Pipeline

	// Logout serves the end-session endpoint.
	Logout *logout.Pipeline

	// Discovery serves the discovery document and JWKS.
	Discovery *discovery.Pipeline
}

func (s *Server) AddFlags(flags *pflag.FlagSet) {
	s.Options.AddFlags(pflag.CommandLine)
	s.ZapOptions.BindFlags(flag.CommandLine)
	s.OIDCOptions.AddFlags(pflag.CommandLine)
}

func (s *Server) SetupLogging() {
	log.SetLogger(zap.New(zap.UseFlagOptions(&s.ZapOptions)))
}

// SetupOpenTelemetry adds a span processor that will print root spans to the
// logs by default, and optionally ship the spans to an OTLP listener.
func (s *Server) SetupOpenTelemetry(ctx context.Context) error {
	otel.SetLogger(log.Log)

	opts := []trace.TracerProviderOption{
		trace.WithSpanProcessor(&middleware.LoggingSpanProcessor{}),
	}

	if s.Options.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(s.Options.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)

		if err != nil {
			return err
		}

		opts = append(opts, trace.WithBatcher(exporter))
	}

	otel.SetTracerProvider(trace.NewTracerProvider(opts...))

	return nil
}

// GetServer builds the chi-routed *http.Server ready to listen, mounting
// every enabled OIDC endpoint plus a Prometheus metrics endpoint.
func (s *Server) GetServer() *http.Server {
	// Middleware specified here is applied to all requests pre-routing.
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Timeout(s.Options.RequestTimeout))
	r.NotFound(http.HandlerFunc(handler.NotFound))
	r.MethodNotAllowed(http.HandlerFunc(handler.MethodNotAllowed))

	r.Handle("/metrics", promhttp.Handler())

	router.Mount(r, &s.OIDCOptions, s.Authorization, s.Token, s.Validation, s.Logout, s.Discovery)

	return &http.Server{
		Addr:              s.Options.ListenAddress,
		ReadTimeout:       s.Options.ReadTimeout,
		ReadHeaderTimeout: s.Options.ReadHeaderTimeout,
		WriteTimeout:      s.Options.WriteTimeout,
		Handler:           r,
	}
}
