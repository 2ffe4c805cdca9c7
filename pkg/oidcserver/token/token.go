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

// Package token implements the token endpoint state machine: client
// authentication, grant-specific validation, and minting whichever
// combination of access_token/id_token/refresh_token the grant and the
// original authorization call for.
package token

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nexusid/oidc-server/pkg/oidcserver/config"
	"github.com/nexusid/oidc-server/pkg/oidcserver/hooks"
	"github.com/nexusid/oidc-server/pkg/oidcserver/issuance"
	"github.com/nexusid/oidc-server/pkg/oidcserver/message"
	"github.com/nexusid/oidc-server/pkg/oidcserver/oidcerrors"
	"github.com/nexusid/oidc-server/pkg/oidcserver/ticket"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Pipeline implements the token endpoint.
type Pipeline struct {
	Config  *config.Options
	Hooks   *hooks.Provider
	Minter  *issuance.Minter
	Tickets *ticket.Store
}

// New constructs a token Pipeline from its collaborators.
func New(cfg *config.Options, h *hooks.Provider, minter *issuance.Minter, tickets *ticket.Store) *Pipeline {
	return &Pipeline{Config: cfg, Hooks: h, Minter: minter, Tickets: tickets}
}

// Handle serves the token endpoint.
func (p *Pipeline) Handle(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(ctx)

	m, err := message.Parse(r)
	if err != nil {
		oidcerrors.InvalidRequest("malformed request").WithError(err).WriteJSON(w, r)
		return
	}

	clientID, clientSecret, err := clientCredentials(r, m)
	if err != nil {
		oidcerrors.InvalidClient(err.Error()).WriteJSON(w, r)
		return
	}

	if p.Hooks.OnValidateTokenRequest != nil {
		if res := p.Hooks.OnValidateTokenRequest(ctx, r, m); res.Outcome == hooks.Rejected {
			p.writeError(w, r, res.Err)
			return
		}
	}

	if p.Hooks.OnAuthenticateClient == nil {
		oidcerrors.ServerError("no client authenticator configured").WriteJSON(w, r)
		return
	}

	if res := p.Hooks.OnAuthenticateClient(ctx, clientID, clientSecret, m); res.Outcome != hooks.Validated {
		if res.Err != nil {
			p.writeError(w, r, res.Err)
			return
		}

		oidcerrors.InvalidClient("client authentication failed").WriteJSON(w, r)

		return
	}

	grantType := m.Get("grant_type")
	if grantType == "" {
		grantType = "authorization_code"
	}

	switch grantType {
	case "authorization_code":
		p.handleAuthorizationCode(ctx, w, r, m, clientID)
	case "refresh_token":
		p.handleRefreshToken(ctx, w, r, m, clientID)
	case "client_credentials":
		p.handleClientCredentials(ctx, w, r, m, clientID)
	case "password":
		p.handlePassword(ctx, w, r, m, clientID)
	default:
		logger.Info("unsupported grant_type", "grant_type", grantType)
		oidcerrors.UnsupportedGrantType("unsupported grant_type").WriteJSON(w, r)
	}
}

func (p *Pipeline) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if e, ok := err.(*oidcerrors.Error); ok {
		e.WriteJSON(w, r)
		return
	}

	oidcerrors.ServerError(err.Error()).WriteJSON(w, r)
}

func (p *Pipeline) handleAuthorizationCode(ctx context.Context, w http.ResponseWriter, r *http.Request, m *message.Message, clientID string) {
	code := m.Get("code")
	if code == "" {
		oidcerrors.InvalidRequest("code is required").WriteJSON(w, r)
		return
	}

	t, err := p.Tickets.Receive(ctx, ticket.KindCode, code)
	if err != nil {
		oidcerrors.InvalidGrant("authorization code is invalid or has expired").WithError(err).WriteJSON(w, r)
		return
	}

	if t.Properties.Get(ticket.PropertyClientID) != clientID {
		oidcerrors.InvalidGrant("authorization code was not issued to this client").WriteJSON(w, r)
		return
	}

	if redirectURI := t.Properties.Get(ticket.PropertyRedirectURI); redirectURI != "" {
		if m.Get("redirect_uri") != "" && m.Get("redirect_uri") != redirectURI {
			oidcerrors.InvalidGrant("redirect_uri does not match the authorization request").WriteJSON(w, r)
			return
		}
	}

	if challenge := t.Properties.Get(ticket.PropertyCodeChallenge); challenge != "" {
		if err := verifyPKCE(challenge, t.Properties.Get(ticket.PropertyCodeChallengeMethod), m.Get("code_verifier")); err != nil {
			oidcerrors.InvalidGrant(err.Error()).WriteJSON(w, r)
			return
		}
	}

	p.issueTokens(ctx, w, r, t, m)
}

func (p *Pipeline) handleRefreshToken(ctx context.Context, w http.ResponseWriter, r *http.Request, m *message.Message, clientID string) {
	rt := m.Get("refresh_token")
	if rt == "" {
		oidcerrors.InvalidRequest("refresh_token is required").WriteJSON(w, r)
		return
	}

	t, err := p.Tickets.Receive(ctx, ticket.KindRefreshToken, rt)
	if err != nil {
		oidcerrors.InvalidGrant("refresh_token is invalid or has expired").WithError(err).WriteJSON(w, r)
		return
	}

	if t.Properties.Get(ticket.PropertyClientID) != clientID {
		oidcerrors.InvalidGrant("refresh_token was not issued to this client").WriteJSON(w, r)
		return
	}

	if requested := m.Get("scope"); requested != "" {
		if !isSubset(strings.Fields(requested), strings.Fields(t.Properties.Get(ticket.PropertyScope))) {
			oidcerrors.InvalidGrant("refresh_token does not grant the requested scope").WriteJSON(w, r)
			return
		}
	}

	if requested := m.Get("resource"); requested != "" {
		if !isSubset(strings.Fields(requested), strings.Fields(t.Properties.Get(ticket.PropertyResource))) {
			oidcerrors.InvalidGrant("refresh_token does not grant the requested resource").WriteJSON(w, r)
			return
		}
	}

	if p.Hooks.OnValidateRefreshToken != nil {
		if res := p.Hooks.OnValidateRefreshToken(ctx, t); res.Outcome == hooks.Rejected {
			p.writeError(w, r, res.Err)
			return
		}
	}

	if p.Config.UseSlidingExpiration {
		t.Properties.Set(ticket.PropertyIssuedUTC, nowRFC3339())
	}

	p.issueTokens(ctx, w, r, t, m)
}

// isSubset reports whether every element of want is present in have.
func isSubset(want, have []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}

	for _, w := range want {
		if !set[w] {
			return false
		}
	}

	return true
}

func (p *Pipeline) handleClientCredentials(ctx context.Context, w http.ResponseWriter, r *http.Request, m *message.Message, clientID string) {
	if p.Hooks.OnGrantClientCredentials == nil {
		oidcerrors.UnauthorizedClient("client_credentials grant is not supported").WriteJSON(w, r)
		return
	}

	res := p.Hooks.OnGrantClientCredentials(ctx, clientID, m)
	if res.Outcome != hooks.Validated {
		p.writeError(w, r, orDefault(res.Err, oidcerrors.AccessDenied("client_credentials grant was denied")))
		return
	}

	t := res.Ticket
	t.Properties.Set(ticket.PropertyClientID, clientID)
	t.Properties.Set(ticket.PropertyScope, m.Get("scope"))

	p.issueTokens(ctx, w, r, t, m)
}

func (p *Pipeline) handlePassword(ctx context.Context, w http.ResponseWriter, r *http.Request, m *message.Message, clientID string) {
	if p.Hooks.OnGrantResourceOwnerCredentials == nil {
		oidcerrors.UnauthorizedClient("password grant is not supported").WriteJSON(w, r)
		return
	}

	res := p.Hooks.OnGrantResourceOwnerCredentials(ctx, m.Get("username"), m.Get("password"), m)
	if res.Outcome != hooks.Validated {
		p.writeError(w, r, orDefault(res.Err, oidcerrors.AccessDenied("invalid username or password")))
		return
	}

	t := res.Ticket
	t.Properties.Set(ticket.PropertyClientID, clientID)
	t.Properties.Set(ticket.PropertyScope, m.Get("scope"))

	p.issueTokens(ctx, w, r, t, m)
}

// issueTokens emits each token kind the request's response_type calls for:
// an empty response_type means every kind, a compatibility default for
// clients that omit the parameter entirely. A kind is included when
// response_type is empty or contains its name, matching the three token
// kinds the core can mint: "token" (access token, always named that way
// in response_type), "id_token", and "refresh_token".
func (p *Pipeline) issueTokens(ctx context.Context, w http.ResponseWriter, r *http.Request, t *ticket.Ticket, m *message.Message) {
	if p.Hooks.OnDecorateTicket != nil {
		p.Hooks.OnDecorateTicket(ctx, t, message.New())
	}

	responseTypes := strings.Fields(m.Get("response_type"))
	wantsAccessToken := len(responseTypes) == 0 || isSubset([]string{"token"}, responseTypes)
	wantsIDToken := len(responseTypes) == 0 || isSubset([]string{"id_token"}, responseTypes)
	wantsRefreshToken := len(responseTypes) == 0 || isSubset([]string{"refresh_token"}, responseTypes)

	openidRequested := strings.Contains(m.Get("scope"), "openid") || strings.Contains(t.Properties.Get(ticket.PropertyScope), "openid")

	out := message.New()

	var accessToken string

	if wantsAccessToken {
		token, expiresIn, err := p.Minter.MintAccessToken(t)
		if err != nil {
			oidcerrors.ServerError("failed to issue access token").WithError(err).WriteJSON(w, r)
			return
		}

		accessToken = token

		out.Set("access_token", accessToken)
		out.Set("token_type", "Bearer")
		out.Set("expires_in", fmt.Sprintf("%d", expiresIn))
	}

	if scope := t.Properties.Get(ticket.PropertyScope); scope != "" {
		out.Set("scope", scope)
	}

	if wantsIDToken {
		idToken, err := p.Minter.MintIDToken(t, "", accessToken)
		if err != nil {
			if openidRequested {
				oidcerrors.ServerError("failed to issue id_token").WithError(err).WriteJSON(w, r)
				return
			}
		} else {
			out.Set("id_token", idToken)
		}
	}

	if wantsRefreshToken {
		// A fresh grant, or a sliding-expiration refresh, gets a new
		// expiry measured from now; otherwise the ticket already carries
		// the original grant's expires_utc, which the store TTLs the new
		// refresh token to instead of its own configured default.
		if p.Config.UseSlidingExpiration || t.Properties.Get(ticket.PropertyExpiresUTC) == "" {
			t.Properties.Set(ticket.PropertyExpiresUTC, time.Now().UTC().Add(p.Config.RefreshTokenLifetime).Format(time.RFC3339))
		}

		rt, err := p.Tickets.Create(ctx, ticket.KindRefreshToken, t)
		if err != nil {
			oidcerrors.ServerError("failed to issue refresh token").WithError(err).WriteJSON(w, r)
			return
		}

		out.Set("refresh_token", rt)
	}

	if err := message.EmitJSON(w, r, http.StatusOK, out); err != nil {
		log.FromContext(ctx).Error(err, "failed to emit token response")
	}
}

func orDefault(err, fallback error) error {
	if err != nil {
		return err
	}

	return fallback
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// clientCredentials extracts the client_id/client_secret pair, preferring
// HTTP Basic authentication and falling back to the client_secret_post
// body parameters.
func clientCredentials(r *http.Request, m *message.Message) (string, string, error) {
	if user, pass, ok := r.BasicAuth(); ok {
		return user, pass, nil
	}

	clientID := m.Get("client_id")
	if clientID == "" {
		return "", "", fmt.Errorf("client_id is required")
	}

	return clientID, m.Get("client_secret"), nil
}

// verifyPKCE checks verifier against challenge under method ("plain" or
// "S256"), per RFC 7636.
func verifyPKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}

	var computed string

	switch method {
	case "", "plain":
		computed = verifier
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(sum[:])
	default:
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}
