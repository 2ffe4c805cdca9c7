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

// Package validation implements the token introspection endpoint:
// resolving a presented token/id_token/refresh_token, checking its
// expiry and audience, and reporting its claims back to the caller.
package validation

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/nexusid/oidc-server/pkg/oidcserver/crypt"
	"github.com/nexusid/oidc-server/pkg/oidcserver/hooks"
	"github.com/nexusid/oidc-server/pkg/oidcserver/message"
	"github.com/nexusid/oidc-server/pkg/oidcserver/oidcerrors"
	"github.com/nexusid/oidc-server/pkg/oidcserver/ticket"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Pipeline implements the introspection endpoint.
type Pipeline struct {
	Hooks       *hooks.Provider
	Credentials *crypt.SigningCredentials
	Tickets     *ticket.Store
}

// New constructs a validation Pipeline from its collaborators.
func New(h *hooks.Provider, creds *crypt.SigningCredentials, tickets *ticket.Store) *Pipeline {
	return &Pipeline{Hooks: h, Credentials: creds, Tickets: tickets}
}

// jwtClaims is the registered claim set every access token and id_token
// this core issues carries, enough to answer an introspection request.
type jwtClaims struct {
	Subject  string   `json:"sub"`
	ClientID string   `json:"client_id"`
	Scope    string   `json:"scope"`
	Issuer   string   `json:"iss"`
	Audience []string `json:"aud"`
	IssuedAt int64    `json:"iat"`
	Expiry   int64    `json:"exp"`
}

// resolved is the common shape Handle reduces any of the three token
// kinds down to before emitting a response.
type resolved struct {
	audiences []string
	expiresAt time.Time
	claims    []claimPair
}

type claimPair struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Handle serves the introspection endpoint. Exactly one of "token",
// "id_token", or "refresh_token" must be present; any other combination
// is invalid_request.
func (p *Pipeline) Handle(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(ctx)

	m, err := message.Parse(r)
	if err != nil {
		oidcerrors.InvalidRequest("malformed request").WithError(err).WriteJSON(w, r)
		return
	}

	present := 0

	for _, key := range []string{"token", "id_token", "refresh_token"} {
		if m.Get(key) != "" {
			present++
		}
	}

	if present != 1 {
		oidcerrors.InvalidRequest("exactly one of token, id_token, or refresh_token is required").WriteJSON(w, r)
		return
	}

	var (
		res  *resolved
		kind string
	)

	switch {
	case m.Get("token") != "":
		kind = "access token"
		res, err = p.resolveJWT(m.Get("token"))
	case m.Get("id_token") != "":
		kind = "id token"
		res, err = p.resolveJWT(m.Get("id_token"))
	default:
		kind = "refresh token"
		res, err = p.resolveRefreshToken(ctx, m.Get("refresh_token"))
	}

	if err != nil {
		logger.Info("introspection target failed to resolve", "kind", kind, "error", err)
		oidcerrors.InvalidGrant("Invalid " + kind + " received").WriteJSON(w, r)

		return
	}

	if !res.expiresAt.IsZero() && time.Now().UTC().After(res.expiresAt) {
		oidcerrors.InvalidGrant("Expired " + kind + " received").WriteJSON(w, r)
		return
	}

	if requestedAudiences := requestedAudiences(m); len(requestedAudiences) > 0 && len(res.audiences) > 0 {
		if !isSubset(requestedAudiences, res.audiences) {
			oidcerrors.InvalidGrant("token was not issued for the requested audience").WriteJSON(w, r)
			return
		}
	}

	if p.Hooks.OnValidateIntrospectionRequest != nil {
		if result := p.Hooks.OnValidateIntrospectionRequest(ctx, r, m); result.Outcome == hooks.Rejected {
			if result.Err != nil {
				if e, ok := result.Err.(*oidcerrors.Error); ok {
					e.WriteJSON(w, r)
					return
				}
			}

			oidcerrors.InvalidClient("introspection caller is not authorized").WriteJSON(w, r)

			return
		}
	}

	p.emit(w, r, res)
}

// resolveJWT verifies a compact-serialized access token or id_token and
// reduces its registered claims to the common resolved shape.
func (p *Pipeline) resolveJWT(token string) (*resolved, error) {
	var claims jwtClaims

	if err := p.Credentials.Verify(token, &claims); err != nil {
		return nil, err
	}

	pairs := []claimPair{
		{Type: "sub", Value: claims.Subject},
		{Type: "client_id", Value: claims.ClientID},
		{Type: "iss", Value: claims.Issuer},
	}

	if claims.Scope != "" {
		pairs = append(pairs, claimPair{Type: "scope", Value: claims.Scope})
	}

	var expiresAt time.Time
	if claims.Expiry != 0 {
		expiresAt = time.Unix(claims.Expiry, 0).UTC()
	}

	return &resolved{audiences: claims.Audience, expiresAt: expiresAt, claims: pairs}, nil
}

// resolveRefreshToken redeems and inspects an opaque refresh token,
// reporting its ticket's stored properties as claims. Unlike a redemption
// at the token endpoint, introspection looks the token up without a
// corresponding reissue, so the entry is gone once inspected here too:
// the store has no peek-only operation, consistent with every other
// single-use ticket in this core.
func (p *Pipeline) resolveRefreshToken(ctx context.Context, token string) (*resolved, error) {
	t, err := p.Tickets.Receive(ctx, ticket.KindRefreshToken, token)
	if err != nil {
		return nil, err
	}

	var expiresAt time.Time
	if expires := t.Properties.Get(ticket.PropertyExpiresUTC); expires != "" {
		if parsed, err := time.Parse(time.RFC3339, expires); err == nil {
			expiresAt = parsed
		}
	}

	var audiences []string
	if aud := t.Properties.Get(ticket.PropertyAudiences); aud != "" {
		audiences = strings.Fields(aud)
	}

	pairs := []claimPair{
		{Type: "sub", Value: t.Principal.First("sub")},
		{Type: "client_id", Value: t.Properties.Get(ticket.PropertyClientID)},
		{Type: "scope", Value: t.Properties.Get(ticket.PropertyScope)},
	}

	return &resolved{audiences: audiences, expiresAt: expiresAt, claims: pairs}, nil
}

// introspectionResponse is the JSON shape the introspection endpoint emits:
// not the flat string map the other pipelines emit, since claims is a
// nested array rather than a scalar value.
type introspectionResponse struct {
	Audiences []string    `json:"audiences,omitempty"`
	ExpiresIn int64       `json:"expires_in,omitempty"`
	Claims    []claimPair `json:"claims"`
}

func (p *Pipeline) emit(w http.ResponseWriter, r *http.Request, res *resolved) {
	body := introspectionResponse{Audiences: res.audiences, Claims: res.claims}

	if !res.expiresAt.IsZero() {
		body.ExpiresIn = int64(time.Until(res.expiresAt).Seconds())
		if body.ExpiresIn < 0 {
			body.ExpiresIn = 0
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		log.FromContext(r.Context()).Error(err, "failed to marshal introspection response")
		oidcerrors.ServerError("failed to marshal introspection response").WriteJSON(w, r)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(payload); err != nil {
		log.FromContext(r.Context()).Error(err, "failed to write introspection response")
	}
}

func requestedAudiences(m *message.Message) []string {
	var out []string

	if aud := m.Get("audience"); aud != "" {
		out = append(out, strings.Fields(aud)...)
	}

	if res := m.Get("resource"); res != "" {
		out = append(out, strings.Fields(res)...)
	}

	return out
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

