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

// Package issuance mints the two JWT token kinds, access tokens and
// id_tokens, from a ticket. Both pipelines that can produce tokens
// directly (authorization, for the implicit and hybrid flows, and token,
// for every grant) share this logic so the claim sets and c_hash/at_hash
// handling can never drift between the two call sites.
package issuance

import (
	"fmt"
	"strings"
	"time"

	"github.com/nexusid/oidc-server/pkg/oidcserver/crypt"
	"github.com/nexusid/oidc-server/pkg/oidcserver/ticket"
)

// Minter mints signed access tokens and id_tokens.
type Minter struct {
	Credentials *crypt.SigningCredentials
	Issuer      string

	AccessTokenLifetime time.Duration
	IDTokenLifetime     time.Duration
}

// NewMinter returns a Minter using creds to sign tokens as issuer.
func NewMinter(creds *crypt.SigningCredentials, issuer string, accessTokenLifetime, idTokenLifetime time.Duration) *Minter {
	return &Minter{Credentials: creds, Issuer: issuer, AccessTokenLifetime: accessTokenLifetime, IDTokenLifetime: idTokenLifetime}
}

func audiences(t *ticket.Ticket) []string {
	if aud := t.Properties.Get(ticket.PropertyAudiences); aud != "" {
		return strings.Fields(aud)
	}

	return []string{t.Properties.Get(ticket.PropertyClientID)}
}

// MintAccessToken signs a JWT carrying every claim on t's principal tagged
// for the access_token destination, plus the standard registered claims.
func (m *Minter) MintAccessToken(t *ticket.Ticket) (string, int, error) {
	now := time.Now().UTC()
	lifetime := m.AccessTokenLifetime

	claims := map[string]interface{}{
		"iss":       m.Issuer,
		"sub":       t.Principal.Subject(),
		"aud":       audiences(t),
		"client_id": t.Properties.Get(ticket.PropertyClientID),
		"scope":     t.Properties.Get(ticket.PropertyScope),
		"iat":       now.Unix(),
		"exp":       now.Add(lifetime).Unix(),
	}

	for _, c := range t.Principal.Filter(ticket.DestinationAccessToken) {
		claims[c.Type] = c.Value
	}

	token, err := m.Credentials.Sign(claims)
	if err != nil {
		return "", 0, fmt.Errorf("failed to mint access token: %w", err)
	}

	return token, int(lifetime.Seconds()), nil
}

// MintIDToken signs a JWT carrying every claim on t's principal tagged for
// the id_token destination, plus the standard registered claims and,
// when code and/or accessToken are non-empty, their matching c_hash/
// at_hash half-digests.
func (m *Minter) MintIDToken(t *ticket.Ticket, code, accessToken string) (string, error) {
	sub := t.Principal.Subject()
	if sub == "" {
		return "", fmt.Errorf("a unique identifier cannot be found")
	}

	now := time.Now().UTC()

	claims := map[string]interface{}{
		"iss": m.Issuer,
		"sub": sub,
		// An id_token's audience is always its own client, never the
		// resource audiences an access token for the same ticket might
		// carry: it's a proof of identity handed to a single relying
		// party, not a credential to be presented to a resource server.
		"aud":       []string{t.Properties.Get(ticket.PropertyClientID)},
		"client_id": t.Properties.Get(ticket.PropertyClientID),
		"iat":       now.Unix(),
		"exp":       now.Add(m.IDTokenLifetime).Unix(),
	}

	if authTime := t.Properties.Get(ticket.PropertyAuthTime); authTime != "" {
		claims["auth_time"] = authTime
	}

	if nonce := t.Properties.Get(ticket.PropertyNonce); nonce != "" {
		claims["nonce"] = nonce
	}

	if code != "" {
		claims["c_hash"] = crypt.HashClaim(code)
	}

	if accessToken != "" {
		claims["at_hash"] = crypt.HashClaim(accessToken)
	}

	for _, c := range t.Principal.Filter(ticket.DestinationIDToken) {
		claims[c.Type] = c.Value
	}

	token, err := m.Credentials.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("failed to mint id_token: %w", err)
	}

	return token, nil
}
