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

// Package hooks defines the extension surface the host application uses
// to plug identity, consent, and policy into the pipelines: a record of
// function handles rather than an interface to be subclassed, so a host
// that only cares about a few of the hooks can leave the rest nil and
// get the pipeline's default behaviour for them.
package hooks

import (
	"context"
	"net/http"

	"github.com/nexusid/oidc-server/pkg/oidcserver/message"
	"github.com/nexusid/oidc-server/pkg/oidcserver/ticket"
)

// Outcome is the four-valued result every hook invocation reduces to.
type Outcome int

const (
	// NoDecision means the hook declined to act; the pipeline proceeds
	// with its own default behaviour.
	NoDecision Outcome = iota

	// Validated means the hook inspected the request and found no
	// problem with it; the pipeline continues to its next step.
	Validated

	// Rejected means the hook found a problem; Err on the Result
	// carries the error to report to the client, and the pipeline
	// stops immediately.
	Rejected

	// Handled means the hook has already written the HTTP response
	// itself (for example, it issued its own redirect); the pipeline
	// must not write anything further.
	Handled

	// Skipped means the hook asked for the remainder of the current
	// stage to be skipped without being treated as an error, used by
	// hooks that implement an alternate, equally valid path (for
	// example, silently refreshing an existing session instead of
	// prompting for credentials).
	Skipped
)

// Result is returned by every hook invocation.
type Result struct {
	Outcome Outcome
	Err     error
}

func result(outcome Outcome) Result {
	return Result{Outcome: outcome}
}

// NoDecisionResult is returned by a hook that chooses not to act.
func NoDecisionResult() Result {
	return result(NoDecision)
}

// ValidatedResult is returned by a hook that approves the request.
func ValidatedResult() Result {
	return result(Validated)
}

// RejectedResult is returned by a hook that rejects the request with err.
func RejectedResult(err error) Result {
	return Result{Outcome: Rejected, Err: err}
}

// HandledResult is returned by a hook that has written its own response.
func HandledResult() Result {
	return result(Handled)
}

// SkippedResult is returned by a hook that wants the remaining default
// behaviour of the current stage bypassed without it being an error.
func SkippedResult() Result {
	return result(Skipped)
}

// SignInResult is the outcome of a request for end-user authentication: a
// ticket describing who signed in, alongside the usual hook Result.
type SignInResult struct {
	Result
	Ticket *ticket.Ticket
}

// Provider is the full set of extension points a host application may
// implement. Every field is optional; a nil field means the pipeline uses
// its built-in default for that decision.
type Provider struct {
	// OnValidateAuthorizeRequest inspects an incoming authorization
	// request (client_id, redirect_uri, response_type, scope) after
	// the built-in validation has passed, letting the host reject requests
	// for reasons the core protocol doesn't know about (for example, an
	// unknown or disabled client_id).
	OnValidateAuthorizeRequest func(ctx context.Context, r *http.Request, m *message.Message) Result

	// OnValidateClientRedirectURI checks that redirect_uri is registered
	// for client_id. The core has no client registry of its own, so a
	// host that never sets this hook is rejecting every request with a
	// redirect_uri that reaches this check, a surprising default that
	// the host is expected to override.
	OnValidateClientRedirectURI func(ctx context.Context, clientID, redirectURI string) Result

	// OnSignIn is invoked once request validation passes and the
	// pipeline needs an authenticated principal. The host authenticates
	// the user (by whatever means: an existing session cookie, a login
	// form, delegation to an upstream IdP) and returns a populated
	// ticket, or signals that it has taken over the response (for
	// example, to redirect to a login page) via Handled.
	OnSignIn func(ctx context.Context, r *http.Request, w http.ResponseWriter, m *message.Message) SignInResult

	// OnGrantScopes filters or augments the scopes the principal is
	// actually granted, letting the host enforce consent or per-client
	// scope restrictions.
	OnGrantScopes func(ctx context.Context, clientID string, requested []string) []string

	// OnValidateTokenRequest inspects a token endpoint request before
	// grant-specific validation runs.
	OnValidateTokenRequest func(ctx context.Context, r *http.Request, m *message.Message) Result

	// OnAuthenticateClient authenticates the client presenting a token
	// request (client_secret_basic, client_secret_post, or any scheme
	// the host wants to support).
	OnAuthenticateClient func(ctx context.Context, clientID, clientSecret string, m *message.Message) Result

	// OnGrantResourceOwnerCredentials authenticates a resource owner
	// password credentials grant's username/password pair. A host that
	// leaves this nil is rejecting every such grant, since the core has
	// no user store of its own.
	OnGrantResourceOwnerCredentials func(ctx context.Context, username, password string, m *message.Message) SignInResult

	// OnGrantClientCredentials authorizes a client_credentials grant for
	// the authenticated client, returning the service ticket to issue
	// tokens against.
	OnGrantClientCredentials func(ctx context.Context, clientID string, m *message.Message) SignInResult

	// OnValidateRefreshToken lets the host veto reuse of an otherwise
	// valid refresh token (for example, because the account it belongs
	// to has since been disabled).
	OnValidateRefreshToken func(ctx context.Context, t *ticket.Ticket) Result

	// OnDecorateTicket gives the host a final chance to add or remove
	// claims from a ticket immediately before its tokens are minted.
	OnDecorateTicket func(ctx context.Context, t *ticket.Ticket, m *message.Message)

	// OnValidateIntrospectionRequest authenticates a caller of the
	// introspection endpoint; a host that leaves this nil accepts every
	// introspection caller without restriction.
	OnValidateIntrospectionRequest func(ctx context.Context, r *http.Request, m *message.Message) Result

	// OnValidateLogoutRequest inspects an end-session request before
	// the built-in validation runs.
	OnValidateLogoutRequest func(ctx context.Context, r *http.Request, m *message.Message) Result

	// OnValidateClientLogoutRedirectURI checks that post_logout_redirect_uri
	// is registered for the client the logout request names, the same way
	// OnValidateClientRedirectURI gates the authorization endpoint's
	// redirect_uri. The core has no client registry of its own, so a host
	// that never sets this hook is rejecting every logout request that
	// carries a post_logout_redirect_uri, rather than risk an open redirect
	// by honouring an unregistered one.
	OnValidateClientLogoutRedirectURI func(ctx context.Context, m *message.Message, postLogoutRedirectURI string) Result

	// OnSignOut is invoked once a logout request has been validated,
	// letting the host terminate whatever session state it owns (for
	// example, clearing a session cookie) before the post-logout
	// redirect is emitted.
	OnSignOut func(ctx context.Context, r *http.Request, w http.ResponseWriter, m *message.Message) Result
}
