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

// Package authorization implements the authorization endpoint state
// machine: validating the incoming request, obtaining (directly, or via a
// suspend/resume round trip through the host application's sign-in
// surface) an authenticated ticket, granting scopes, and emitting
// whichever combination of code/access_token/id_token the response_type
// calls for in the correct response mode.
package authorization

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nexusid/oidc-server/pkg/oidcserver/cache"
	"github.com/nexusid/oidc-server/pkg/oidcserver/config"
	"github.com/nexusid/oidc-server/pkg/oidcserver/hooks"
	"github.com/nexusid/oidc-server/pkg/oidcserver/issuance"
	"github.com/nexusid/oidc-server/pkg/oidcserver/message"
	"github.com/nexusid/oidc-server/pkg/oidcserver/oidcerrors"
	"github.com/nexusid/oidc-server/pkg/oidcserver/rcontext"
	"github.com/nexusid/oidc-server/pkg/oidcserver/ticket"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Pipeline implements the authorization endpoint.
type Pipeline struct {
	Config       *config.Options
	Hooks        *hooks.Provider
	Minter       *issuance.Minter
	RequestCache *cache.RequestCache
	Tickets      *ticket.Store
}

// New constructs an authorization Pipeline from its collaborators.
func New(cfg *config.Options, h *hooks.Provider, minter *issuance.Minter, rc *cache.RequestCache, tickets *ticket.Store) *Pipeline {
	return &Pipeline{Config: cfg, Hooks: h, Minter: minter, RequestCache: rc, Tickets: tickets}
}

const (
	responseModeParam = "response_mode"
	uniqueIDParam      = "unique_id"
)

// supportedResponseType reports whether value is a response_type this
// core knows how to handle: any non-empty, order-insensitive combination
// of "code", "token", and "id_token".
func supportedResponseType(value string) bool {
	if value == "" {
		return false
	}

	for _, t := range strings.Fields(value) {
		switch t {
		case "code", "token", "id_token":
		default:
			return false
		}
	}

	return true
}

func hasType(responseType, t string) bool {
	for _, rt := range strings.Fields(responseType) {
		if rt == t {
			return true
		}
	}

	return false
}

// defaultResponseMode returns the response mode to use when the request
// didn't name one explicitly: fragment for any flow that issues a token
// directly from this endpoint (implicit and hybrid), query otherwise.
func defaultResponseMode(responseType string) message.ResponseMode {
	if hasType(responseType, "token") || hasType(responseType, "id_token") {
		return message.ResponseModeFragment
	}

	return message.ResponseModeQuery
}

func resolveResponseMode(m *message.Message) message.ResponseMode {
	if raw := m.Get(responseModeParam); raw != "" {
		return message.ResponseMode(raw)
	}

	return defaultResponseMode(m.Get("response_type"))
}

// validateRedirectURI requires an absolute URI with no fragment, and
// (unless insecure HTTP is explicitly allowed) an https scheme.
func (p *Pipeline) validateRedirectURI(redirectURI string) error {
	u, err := url.Parse(redirectURI)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("redirect_uri must be an absolute URI")
	}

	if u.Fragment != "" || strings.Contains(redirectURI, "#") {
		return fmt.Errorf("redirect_uri must not contain a fragment")
	}

	if u.Scheme == "http" && !p.Config.AllowInsecureHTTP {
		return fmt.Errorf("redirect_uri must use https")
	}

	return nil
}

// reassemble implements the authorization request reassembly step: when m
// carries a unique_id, the parameters of the request cached under it are
// restored into m, but only for keys m doesn't already carry — a live
// parameter always wins over a stashed one on collision.
func (p *Pipeline) reassemble(ctx context.Context, m *message.Message) error {
	id := m.Get(uniqueIDParam)
	if id == "" {
		return nil
	}

	cached, err := p.RequestCache.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("authorization request has expired: %w", err)
	}

	for _, k := range cached.Keys() {
		if !m.Has(k) {
			m.Set(k, cached.Get(k))
		}
	}

	return nil
}

// ensureUniqueID assigns and persists a unique_id for m if it doesn't
// already carry one, so the host's sign-in hook can correlate a resumed
// request back to the one that suspended it.
func (p *Pipeline) ensureUniqueID(ctx context.Context, m *message.Message) error {
	if m.Get(uniqueIDParam) != "" {
		return nil
	}

	id, err := p.RequestCache.Put(ctx, m)
	if err != nil {
		return fmt.Errorf("failed to persist authorization request: %w", err)
	}

	m.Set(uniqueIDParam, id)

	return nil
}

// Handle serves the authorization endpoint for a fresh, unvalidated
// request: an end user's user agent arriving with response_type,
// client_id, redirect_uri, scope and friends.
func (p *Pipeline) Handle(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(ctx)

	m, err := message.Parse(r)
	if err != nil {
		oidcerrors.InvalidRequest("malformed request").WithError(err).WritePage(w, r)
		return
	}

	// Request reassembly: a request resuming from the host's sign-in
	// surface carries only unique_id (plus whatever the host chose to
	// echo); everything else is restored from the request this same
	// unique_id was assigned to, originally.
	if err := p.reassemble(ctx, m); err != nil {
		oidcerrors.InvalidRequest("authorization request has timed out").WithError(err).WritePage(w, r)
		return
	}

	clientID := m.Get("client_id")
	if clientID == "" {
		oidcerrors.InvalidRequest("client_id is required").WritePage(w, r)
		return
	}

	// Recorded on the context so that hooks invoked further down the
	// pipeline (and any host code that suspends/resumes the request) can
	// retrieve it without it being threaded through every call.
	ctx = rcontext.WithClientID(ctx, clientID)

	redirectURI := m.Get("redirect_uri")

	// redirect_uri is only mandatory for an OpenID Connect request; a bare
	// OAuth2 authorization request may omit it. When it is omitted the
	// redirect_uri checks and OnValidateClientRedirectURI are skipped, and
	// the response is emitted against an empty redirect_uri.
	if redirectURI == "" && m.HasScope("openid") {
		oidcerrors.InvalidRequest("redirect_uri is required").WritePage(w, r)
		return
	}

	if redirectURI != "" {
		if err := p.validateRedirectURI(redirectURI); err != nil {
			oidcerrors.InvalidRequest(err.Error()).WritePage(w, r)
			return
		}

		if p.Hooks.OnValidateClientRedirectURI == nil {
			oidcerrors.ServerError("no client redirect URI validator configured").WritePage(w, r)
			return
		}

		if res := p.Hooks.OnValidateClientRedirectURI(ctx, clientID, redirectURI); res.Outcome != hooks.Validated {
			oidcerrors.InvalidRequest("redirect_uri is not registered for client_id").WritePage(w, r)
			return
		}
	}

	// Every error from here on can be safely reported back to the
	// client via redirect, since client_id/redirect_uri are now trusted.
	mode := resolveResponseMode(m)

	responseType := m.Get("response_type")

	if !supportedResponseType(responseType) {
		p.emitError(w, r, mode, redirectURI, m.Get("state"), oidcerrors.UnsupportedResponseType("unsupported response_type"))
		return
	}

	tokenIssuedDirectly := hasType(responseType, "token") || hasType(responseType, "id_token")

	// response_mode=query would put an access_token or id_token in a URL
	// query string, where it ends up in server logs and browser history;
	// RFC 6749 only allows query for the code flow.
	if m.Get(responseModeParam) == string(message.ResponseModeQuery) && tokenIssuedDirectly {
		p.emitError(w, r, mode, redirectURI, m.Get("state"), oidcerrors.InvalidRequest("response_mode=query cannot be used with a response_type that issues a token directly"))
		return
	}

	if tokenIssuedDirectly && m.HasScope("openid") && m.Get("nonce") == "" {
		p.emitError(w, r, mode, redirectURI, m.Get("state"), oidcerrors.InvalidRequest("nonce is required when a token is issued directly from the authorization endpoint"))
		return
	}

	if hasType(responseType, "id_token") && !strings.Contains(m.Get("scope"), "openid") {
		p.emitError(w, r, mode, redirectURI, m.Get("state"), oidcerrors.InvalidRequest("id_token response_type requires the openid scope"))
		return
	}

	if hasType(responseType, "code") && !p.Config.TokenEnabled() {
		p.emitError(w, r, mode, redirectURI, m.Get("state"), oidcerrors.UnsupportedResponseType("code response_type requires the token endpoint to be enabled"))
		return
	}

	if hasType(responseType, "id_token") && (p.Minter == nil || p.Minter.Credentials == nil || len(p.Minter.Credentials.Keys) == 0) {
		p.emitError(w, r, mode, redirectURI, m.Get("state"), oidcerrors.UnsupportedResponseType("id_token response_type requires signing credentials to be configured"))
		return
	}

	if p.Hooks.OnValidateAuthorizeRequest != nil {
		if res := p.Hooks.OnValidateAuthorizeRequest(ctx, r, m); res.Outcome == hooks.Rejected {
			p.emitError(w, r, mode, redirectURI, m.Get("state"), res.Err)
			return
		}
	}

	if p.Hooks.OnSignIn == nil {
		p.emitError(w, r, mode, redirectURI, m.Get("state"), oidcerrors.ServerError("no sign-in handler configured"))
		return
	}

	// From here, the host application takes over to obtain consent and an
	// authenticated principal; it may need to suspend the request across a
	// redirect to a login surface, so the request is persisted under a
	// unique_id before the hook runs, whether or not this particular
	// invocation ends up using it.
	if err := p.ensureUniqueID(ctx, m); err != nil {
		p.emitError(w, r, mode, redirectURI, m.Get("state"), oidcerrors.ServerError("failed to persist authorization request").WithError(err))
		return
	}

	ctx = rcontext.WithCorrelationID(ctx, m.Get(uniqueIDParam))

	signIn := p.Hooks.OnSignIn(ctx, r, w, m)

	switch signIn.Outcome {
	case hooks.Handled:
		// The hook has suspended the request itself (typically via
		// Pipeline.Suspend) and already written a redirect to its
		// sign-in surface.
		return
	case hooks.Rejected:
		p.emitError(w, r, mode, redirectURI, m.Get("state"), signIn.Err)
		return
	case hooks.Validated:
		p.finish(ctx, w, r, m, signIn.Ticket)
	default:
		logger.Info("sign-in hook returned no decision, treating as login required")
		p.emitError(w, r, mode, redirectURI, m.Get("state"), oidcerrors.LoginRequired("authentication is required"))
	}
}

// Suspend persists the in-flight request m and returns an opaque
// correlation ID, for a sign-in hook that needs to redirect the user agent
// out to an interactive login surface and resume later via Resume.
func (p *Pipeline) Suspend(ctx context.Context, m *message.Message) (string, error) {
	return p.RequestCache.Put(ctx, m)
}

// Resume completes a request previously suspended with Suspend, once the
// host application has obtained ticket out of band (for example, a login
// form handler that calls this from its POST target).
func (p *Pipeline) Resume(ctx context.Context, w http.ResponseWriter, r *http.Request, correlationID string, t *ticket.Ticket) {
	ctx = rcontext.WithCorrelationID(ctx, correlationID)

	m, err := p.RequestCache.Get(ctx, correlationID)
	if err != nil {
		oidcerrors.InvalidRequest("authorization request has expired").WithError(err).WritePage(w, r)
		return
	}

	ctx = rcontext.WithClientID(ctx, m.Get("client_id"))
	m.Set(uniqueIDParam, correlationID)

	_ = p.RequestCache.Delete(ctx, correlationID)

	if t == nil {
		mode := resolveResponseMode(m)
		p.emitError(w, r, mode, m.Get("redirect_uri"), m.Get("state"), oidcerrors.AccessDenied("sign-in was not completed"))

		return
	}

	p.finish(ctx, w, r, m, t)
}

// finish grants scopes, mints whichever of code/access_token/id_token the
// response_type requires, and emits the response in the resolved mode.
func (p *Pipeline) finish(ctx context.Context, w http.ResponseWriter, r *http.Request, m *message.Message, t *ticket.Ticket) {
	redirectURI := m.Get("redirect_uri")
	mode := resolveResponseMode(m)
	responseType := m.Get("response_type")
	clientID := m.Get("client_id")

	// A successful sign-in consumes the suspended request: it is read-many
	// up to this point (a host may re-render its login page on a failed
	// attempt without losing the original parameters) but exactly-once
	// from here on.
	if id := m.Get(uniqueIDParam); id != "" {
		_ = p.RequestCache.Delete(ctx, id)
	}

	requested := m.Scopes()

	granted := requested

	if p.Hooks.OnGrantScopes != nil {
		granted = p.Hooks.OnGrantScopes(ctx, clientID, requested)
	}

	t.Properties.Set(ticket.PropertyClientID, clientID)
	t.Properties.Set(ticket.PropertyRedirectURI, redirectURI)
	t.Properties.Set(ticket.PropertyScope, strings.Join(granted, " "))
	t.Properties.Set(ticket.PropertyIssuedUTC, nowRFC3339())

	if nonce := m.Get("nonce"); nonce != "" {
		t.Properties.Set(ticket.PropertyNonce, nonce)
	}

	if challenge := m.Get("code_challenge"); challenge != "" {
		t.Properties.Set(ticket.PropertyCodeChallenge, challenge)

		method := m.Get("code_challenge_method")
		if method == "" {
			method = "plain"
		}

		t.Properties.Set(ticket.PropertyCodeChallengeMethod, method)
	}

	if p.Hooks.OnDecorateTicket != nil {
		p.Hooks.OnDecorateTicket(ctx, t, m)
	}

	out := message.New()

	if state := m.Get("state"); state != "" {
		out.Set("state", state)
	}

	var code, accessToken string

	if hasType(responseType, "code") {
		issued, err := p.Tickets.Create(ctx, ticket.KindCode, t)
		if err != nil {
			p.emitError(w, r, mode, redirectURI, m.Get("state"), oidcerrors.ServerError("failed to issue authorization code").WithError(err))
			return
		}

		code = issued

		out.Set("code", code)
	}

	if hasType(responseType, "token") {
		issued, expiresIn, err := p.Minter.MintAccessToken(t)
		if err != nil {
			p.emitError(w, r, mode, redirectURI, m.Get("state"), oidcerrors.ServerError("failed to issue access token").WithError(err))
			return
		}

		accessToken = issued

		out.Set("access_token", accessToken)
		out.Set("token_type", "Bearer")
		out.Set("expires_in", fmt.Sprintf("%d", expiresIn))
	}

	if hasType(responseType, "id_token") {
		idToken, err := p.Minter.MintIDToken(t, code, accessToken)
		if err != nil {
			p.emitError(w, r, mode, redirectURI, m.Get("state"), oidcerrors.ServerError("failed to issue id_token").WithError(err))
			return
		}

		out.Set("id_token", idToken)
	}

	if err := message.Emit(w, r, mode, redirectURI, out); err != nil {
		log.FromContext(ctx).Error(err, "failed to emit authorization response")
	}
}

func (p *Pipeline) emitError(w http.ResponseWriter, r *http.Request, mode message.ResponseMode, redirectURI, state string, err error) {
	e, ok := err.(*oidcerrors.Error)
	if !ok {
		e = oidcerrors.ServerError(err.Error())
	}

	if redirectURI == "" {
		e.WritePage(w, r)
		return
	}

	out := message.New()
	out.Set("error", string(e.Code()))

	if e.Description() != "" {
		out.Set("error_description", e.Description())
	}

	if state != "" {
		out.Set("state", state)
	}

	if err := message.Emit(w, r, mode, redirectURI, out); err != nil {
		e.WritePage(w, r)
	}
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
