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

// Package config defines the endpoint configuration the pipelines and
// discovery document are built from: the issuer and endpoint paths, token
// lifetimes, and a small set of behavioural flags.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
)

// Options is the full set of endpoint configuration, bindable to a pflag
// flag set and validated before use.
type Options struct {
	// Issuer is the "iss" value embedded in every issued id_token and
	// published in the discovery document. Required.
	Issuer string `validate:"required,url"`

	// AuthorizationEndpoint is the path the authorization pipeline is
	// mounted on. An empty path means the endpoint is disabled.
	AuthorizationEndpoint string

	// TokenEndpoint is the path the token pipeline is mounted on. An
	// empty path means the endpoint is disabled.
	TokenEndpoint string

	// IntrospectionEndpoint is the path the validation pipeline is
	// mounted on. An empty path means the endpoint is disabled.
	IntrospectionEndpoint string

	// EndSessionEndpoint is the path the logout pipeline is mounted on.
	// An empty path means the endpoint is disabled.
	EndSessionEndpoint string

	// JWKSEndpoint is the path the signing key set is published on. An
	// empty path means the endpoint is disabled.
	JWKSEndpoint string

	// SigningKeyPath is an optional path to a PEM encoded RSA private
	// key to sign tokens with. When empty an ephemeral key is generated
	// at startup, which is fine for development but means every
	// restart invalidates every token signed under the previous key.
	SigningKeyPath string

	// DiscoveryEndpoint is the well-known metadata document path. An
	// empty path means the endpoint is disabled.
	DiscoveryEndpoint string

	// AuthorizationCodeLifetime bounds how long an issued authorization
	// code remains redeemable.
	AuthorizationCodeLifetime time.Duration `validate:"required"`

	// AccessTokenLifetime bounds the validity window of an issued
	// access token.
	AccessTokenLifetime time.Duration `validate:"required"`

	// IDTokenLifetime bounds the validity window of an issued id_token.
	IDTokenLifetime time.Duration `validate:"required"`

	// RefreshTokenLifetime bounds how long an issued refresh token
	// remains redeemable.
	RefreshTokenLifetime time.Duration `validate:"required"`

	// RequestCacheLifetime bounds how long a suspended authorization
	// request survives while the host authenticates the user.
	RequestCacheLifetime time.Duration `validate:"required"`

	// AllowInsecureHTTP permits redirect_uri values that aren't https,
	// for local development; it must never be set in production.
	AllowInsecureHTTP bool

	// UseSlidingExpiration gives the refresh token issued by a
	// refresh_token grant a fresh expiry measured from the moment of the
	// refresh; when unset, the new refresh token keeps the expiry of the
	// one it replaces. Access tokens and id_tokens always get their full
	// configured lifetime from the moment they are issued, and are not
	// capped at the refresh token's expiry, whichever way this is set.
	UseSlidingExpiration bool

	// ApplicationCanDisplayErrors is registered as a flag but no pipeline
	// reads it: errors that cannot be redirected back to the client are
	// always rendered by the built-in oidcerrors page, and nothing is
	// passed through to the host application, whichever way it is set.
	ApplicationCanDisplayErrors bool
}

// AddFlags registers every option on f.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&o.Issuer, "oidc-issuer", "", "The issuer URL embedded in issued tokens and the discovery document.")
	f.StringVar(&o.AuthorizationEndpoint, "oidc-authorization-endpoint", "/oauth2/authorize", "Path the authorization endpoint is served from.")
	f.StringVar(&o.TokenEndpoint, "oidc-token-endpoint", "/oauth2/token", "Path the token endpoint is served from.")
	f.StringVar(&o.IntrospectionEndpoint, "oidc-introspection-endpoint", "/oauth2/introspect", "Path the introspection endpoint is served from.")
	f.StringVar(&o.EndSessionEndpoint, "oidc-end-session-endpoint", "/oauth2/logout", "Path the end-session endpoint is served from.")
	f.StringVar(&o.JWKSEndpoint, "oidc-jwks-endpoint", "/.well-known/jwks.json", "Path the JSON Web Key Set is served from.")
	f.StringVar(&o.SigningKeyPath, "oidc-signing-key-path", "", "PEM encoded RSA private key to sign tokens with; an ephemeral key is generated if unset.")
	f.StringVar(&o.DiscoveryEndpoint, "oidc-discovery-endpoint", "/.well-known/openid-configuration", "Path the discovery document is served from.")
	f.DurationVar(&o.AuthorizationCodeLifetime, "oidc-authorization-code-lifetime", 2*time.Minute, "How long an issued authorization code remains redeemable.")
	f.DurationVar(&o.AccessTokenLifetime, "oidc-access-token-lifetime", time.Hour, "How long an issued access token remains valid.")
	f.DurationVar(&o.IDTokenLifetime, "oidc-id-token-lifetime", time.Hour, "How long an issued id_token remains valid.")
	f.DurationVar(&o.RefreshTokenLifetime, "oidc-refresh-token-lifetime", 14*24*time.Hour, "How long an issued refresh token remains redeemable.")
	f.DurationVar(&o.RequestCacheLifetime, "oidc-request-cache-lifetime", 10*time.Minute, "How long a suspended authorization request is held while the user authenticates.")
	f.BoolVar(&o.AllowInsecureHTTP, "oidc-allow-insecure-http", false, "Permit non-https redirect_uri values; development only.")
	f.BoolVar(&o.UseSlidingExpiration, "oidc-use-sliding-expiration", false, "Give refresh tokens issued on refresh a fresh expiry instead of the original grant's.")
	f.BoolVar(&o.ApplicationCanDisplayErrors, "oidc-application-can-display-errors", false, "Not read by any pipeline; errors that cannot be redirected always render the built-in error page.")
}

// Validate checks the options are internally consistent, returning every
// violation found rather than only the first.
func (o *Options) Validate() error {
	if err := validator.New().Struct(o); err != nil {
		return fmt.Errorf("invalid oidc server options: %w", err)
	}

	return nil
}

// AuthorizationEnabled reports whether the authorization endpoint is
// mounted: an endpoint is enabled iff its path is set.
func (o *Options) AuthorizationEnabled() bool {
	return o.AuthorizationEndpoint != ""
}

// TokenEnabled reports whether the token endpoint is mounted.
func (o *Options) TokenEnabled() bool {
	return o.TokenEndpoint != ""
}

// IntrospectionEnabled reports whether the introspection endpoint is
// mounted.
func (o *Options) IntrospectionEnabled() bool {
	return o.IntrospectionEndpoint != ""
}

// EndSessionEnabled reports whether the end-session endpoint is mounted.
func (o *Options) EndSessionEnabled() bool {
	return o.EndSessionEndpoint != ""
}

// JWKSEnabled reports whether the JWKS endpoint is mounted.
func (o *Options) JWKSEnabled() bool {
	return o.JWKSEndpoint != ""
}

// DiscoveryEnabled reports whether the discovery endpoint is mounted.
func (o *Options) DiscoveryEnabled() bool {
	return o.DiscoveryEndpoint != ""
}
