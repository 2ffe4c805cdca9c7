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

package crypt_test

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusid/oidc-server/pkg/oidcserver/crypt"
)

func mustGenerateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	return key
}

func TestHashClaimVector(t *testing.T) {
	// Hand computed: SHA-256("abcdefg") left half, base64url, no padding.
	got := crypt.HashClaim("abcdefg")

	assert.Equal(t, "fRpUEnsiJQL1t5tfsIAwYQ", got)
	assert.Len(t, got, 22)
	assert.NotContains(t, got, "+")
	assert.NotContains(t, got, "/")
	assert.NotContains(t, got, "=")

	// Deterministic: hashing the same value twice must produce the same
	// claim, unlike RandomString.
	assert.Equal(t, got, crypt.HashClaim("abcdefg"))
	assert.NotEqual(t, got, crypt.HashClaim("abcdefgh"))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	creds := &crypt.SigningCredentials{
		Keys: []*crypt.SigningKey{
			{KeyID: "key-1", Private: mustGenerateKey(t), Encoding: crypt.KeyEncodingRawRSA},
		},
	}

	claims := map[string]interface{}{
		"sub": "user-1",
		"aud": "client-1",
	}

	token, err := creds.Sign(claims)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	var out map[string]interface{}
	require.NoError(t, creds.Verify(token, &out))
	assert.Equal(t, "user-1", out["sub"])
	assert.Equal(t, "client-1", out["aud"])
}

func TestVerifyUnknownKeyID(t *testing.T) {
	signing := &crypt.SigningCredentials{
		Keys: []*crypt.SigningKey{{KeyID: "signer", Private: mustGenerateKey(t)}},
	}

	token, err := signing.Sign(map[string]interface{}{"sub": "user-1"})
	require.NoError(t, err)

	verifying := &crypt.SigningCredentials{
		Keys: []*crypt.SigningKey{{KeyID: "other-key", Private: mustGenerateKey(t)}},
	}

	var out map[string]interface{}
	assert.Error(t, verifying.Verify(token, &out))
}

func TestPrimaryIsFirstKey(t *testing.T) {
	first := &crypt.SigningKey{KeyID: "first", Private: mustGenerateKey(t)}
	second := &crypt.SigningKey{KeyID: "second", Private: mustGenerateKey(t)}

	creds := &crypt.SigningCredentials{Keys: []*crypt.SigningKey{first, second}}

	primary, err := creds.Primary()
	require.NoError(t, err)
	assert.Equal(t, "first", primary.KeyID)
}

func TestPrimaryNoKeysConfigured(t *testing.T) {
	creds := &crypt.SigningCredentials{}

	_, err := creds.Primary()
	assert.ErrorIs(t, err, crypt.ErrNoSigningKeys)
}

func TestByKeyIDNotFound(t *testing.T) {
	creds := &crypt.SigningCredentials{
		Keys: []*crypt.SigningKey{{KeyID: "known", Private: mustGenerateKey(t)}},
	}

	_, err := creds.ByKeyID("unknown")
	assert.Error(t, err)
}

func TestJWKSIncludesAllKeys(t *testing.T) {
	creds := &crypt.SigningCredentials{
		Keys: []*crypt.SigningKey{
			{KeyID: "key-1", Private: mustGenerateKey(t)},
			{KeyID: "key-2", Private: mustGenerateKey(t)},
		},
	}

	set := creds.JWKS()
	require.Len(t, set.Keys, 2)
	assert.Equal(t, "key-1", set.Keys[0].KeyID)
	assert.Equal(t, "key-2", set.Keys[1].KeyID)
	assert.Equal(t, "sig", set.Keys[0].Use)
}

func TestRandomStringIsUnpredictableAndUnpadded(t *testing.T) {
	a, err := crypt.RandomString(32)
	require.NoError(t, err)

	b, err := crypt.RandomString(32)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "=")
}
