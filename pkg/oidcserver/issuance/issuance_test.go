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

package issuance_test

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusid/oidc-server/pkg/oidcserver/crypt"
	"github.com/nexusid/oidc-server/pkg/oidcserver/issuance"
	"github.com/nexusid/oidc-server/pkg/oidcserver/ticket"
)

func newTestMinter(t *testing.T) *issuance.Minter {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	creds := &crypt.SigningCredentials{
		Keys: []*crypt.SigningKey{{KeyID: "key-1", Private: key}},
	}

	return issuance.NewMinter(creds, "https://issuer.example.com", time.Hour, time.Hour)
}

func newTestTicket() *ticket.Ticket {
	tk := ticket.New("scheme-1")
	tk.Principal.Claims = append(tk.Principal.Claims,
		ticket.NewClaim("sub", "user-1", ticket.DestinationAccessToken, ticket.DestinationIDToken),
		ticket.NewClaim("email", "user@example.com", ticket.DestinationIDToken),
	)
	tk.Properties.Set(ticket.PropertyClientID, "client-1")
	tk.Properties.Set(ticket.PropertyScope, "openid profile")

	return tk
}

func TestMintAccessTokenClaims(t *testing.T) {
	minter := newTestMinter(t)
	tk := newTestTicket()

	token, expiresIn, err := minter.MintAccessToken(tk)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, int(time.Hour.Seconds()), expiresIn)

	var claims map[string]interface{}
	require.NoError(t, minter.Credentials.Verify(token, &claims))

	assert.Equal(t, "https://issuer.example.com", claims["iss"])
	assert.Equal(t, "user-1", claims["sub"])
	assert.Equal(t, "client-1", claims["client_id"])
	assert.Equal(t, "openid profile", claims["scope"])
	// email is only tagged for id_token, must not leak into the access token.
	assert.NotContains(t, claims, "email")
}

func TestMintIDTokenRequiresSubject(t *testing.T) {
	minter := newTestMinter(t)
	tk := ticket.New("scheme-1")

	_, err := minter.MintIDToken(tk, "", "")
	assert.Error(t, err)
}

func TestMintIDTokenIncludesHashClaims(t *testing.T) {
	minter := newTestMinter(t)
	tk := newTestTicket()
	tk.Properties.Set(ticket.PropertyNonce, "nonce-value")

	token, err := minter.MintIDToken(tk, "auth-code-123", "access-token-456")
	require.NoError(t, err)

	var claims map[string]interface{}
	require.NoError(t, minter.Credentials.Verify(token, &claims))

	assert.Equal(t, "user-1", claims["sub"])
	assert.Equal(t, "nonce-value", claims["nonce"])
	assert.Equal(t, "user@example.com", claims["email"])
	assert.Equal(t, crypt.HashClaim("auth-code-123"), claims["c_hash"])
	assert.Equal(t, crypt.HashClaim("access-token-456"), claims["at_hash"])
}

func TestMintIDTokenOmitsHashClaimsWhenNotApplicable(t *testing.T) {
	minter := newTestMinter(t)
	tk := newTestTicket()

	token, err := minter.MintIDToken(tk, "", "")
	require.NoError(t, err)

	var claims map[string]interface{}
	require.NoError(t, minter.Credentials.Verify(token, &claims))

	assert.NotContains(t, claims, "c_hash")
	assert.NotContains(t, claims, "at_hash")
}

func TestAudiencesFallsBackToClientID(t *testing.T) {
	minter := newTestMinter(t)
	tk := newTestTicket()

	token, _, err := minter.MintAccessToken(tk)
	require.NoError(t, err)

	var claims map[string]interface{}
	require.NoError(t, minter.Credentials.Verify(token, &claims))

	assert.Equal(t, []interface{}{"client-1"}, claims["aud"])
}

func TestAudiencesUsesExplicitPropertyWhenSet(t *testing.T) {
	minter := newTestMinter(t)
	tk := newTestTicket()
	tk.Properties.Set(ticket.PropertyAudiences, "aud-a aud-b")

	token, _, err := minter.MintAccessToken(tk)
	require.NoError(t, err)

	var claims map[string]interface{}
	require.NoError(t, minter.Credentials.Verify(token, &claims))

	assert.Equal(t, []interface{}{"aud-a", "aud-b"}, claims["aud"])
}

// TestMintIDTokenAudienceIsAlwaysClientID confirms an id_token's aud names
// only the client it was issued to, even when the ticket carries resource
// audiences an access token minted from the same ticket would include.
func TestMintIDTokenAudienceIsAlwaysClientID(t *testing.T) {
	minter := newTestMinter(t)
	tk := newTestTicket()
	tk.Properties.Set(ticket.PropertyAudiences, "https://api.example.com")

	token, err := minter.MintIDToken(tk, "", "")
	require.NoError(t, err)

	var claims map[string]interface{}
	require.NoError(t, minter.Credentials.Verify(token, &claims))

	assert.Equal(t, []interface{}{"client-1"}, claims["aud"])
}
