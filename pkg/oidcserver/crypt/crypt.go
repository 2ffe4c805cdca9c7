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

// Package crypt implements the token signing and verification primitives:
// an ordered set of RS256 signing keys (the first is primary, the rest are
// retained for verifying tokens signed before a rotation), JWKS
// serialization of the public halves, and the opaque random-string and
// half-hash helpers the pipelines use for authorization codes, refresh
// tokens, and the c_hash/at_hash claims.
package crypt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
)

// KeyEncoding distinguishes how a signing key's public half should be
// serialized into the JWKS document: some deployments carry an X.509
// certificate chain alongside the key, others hand out a bare RSA key.
type KeyEncoding int

const (
	KeyEncodingRawRSA KeyEncoding = iota
	KeyEncodingX509Wrapped
)

// SigningKey is a single RS256 key pair plus the metadata needed to publish
// its public half.
type SigningKey struct {
	// KeyID is the "kid" published in the JWKS and embedded in issued JWT
	// headers.
	KeyID string

	// Private is the key used to sign.
	Private *rsa.PrivateKey

	// Encoding controls how the public half is rendered in the JWKS.
	Encoding KeyEncoding

	// Certificate is the X.509 certificate to publish when Encoding is
	// KeyEncodingX509Wrapped.
	Certificate *x509.Certificate
}

// SigningCredentials is an ordered collection of signing keys. The first
// entry is used to sign new tokens; all entries are offered for
// verification so tokens signed under a key that has since been rotated
// out of the primary position remain valid until they expire.
type SigningCredentials struct {
	Keys []*SigningKey
}

// ErrNoSigningKeys is returned when an operation needs a primary signing
// key but none has been configured.
var ErrNoSigningKeys = fmt.Errorf("no signing keys configured")

// Primary returns the key used to sign new tokens.
func (c *SigningCredentials) Primary() (*SigningKey, error) {
	if len(c.Keys) == 0 {
		return nil, ErrNoSigningKeys
	}

	return c.Keys[0], nil
}

// ByKeyID locates a key by its "kid", used when verifying a presented JWT
// to pick the matching public key.
func (c *SigningCredentials) ByKeyID(kid string) (*SigningKey, error) {
	for _, k := range c.Keys {
		if k.KeyID == kid {
			return k, nil
		}
	}

	return nil, fmt.Errorf("%w: unknown key id %q", ErrNoSigningKeys, kid)
}

// jwk renders a single signing key's public half in JSON Web Key form.
func (k *SigningKey) jwk() jose.JSONWebKey {
	jwk := jose.JSONWebKey{
		Key:       &k.Private.PublicKey,
		KeyID:     k.KeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}

	if k.Encoding == KeyEncodingX509Wrapped && k.Certificate != nil {
		jwk.Certificates = []*x509.Certificate{k.Certificate}
	}

	return jwk
}

// JWKS renders the full set of signing keys' public halves as a JSON Web
// Key Set, the body served from the jwks_uri endpoint.
func (c *SigningCredentials) JWKS() *jose.JSONWebKeySet {
	set := &jose.JSONWebKeySet{}

	for _, k := range c.Keys {
		set.Keys = append(set.Keys, k.jwk())
	}

	return set
}

// Sign produces a compact serialized JWS over claims using the primary
// signing key.
func (c *SigningCredentials) Sign(claims interface{}) (string, error) {
	key, err := c.Primary()
	if err != nil {
		return "", err
	}

	signerOpts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", key.KeyID)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key.Private}, signerOpts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	builder := jwt.Signed(signer).Claims(claims)

	token, err := builder.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return token, nil
}

// Verify parses a compact serialized JWS, checks its signature against the
// key named in its header, and unmarshals its claims into out.
func (c *SigningCredentials) Verify(token string, out interface{}) error {
	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}

	if len(parsed.Headers) == 0 {
		return fmt.Errorf("token has no headers")
	}

	key, err := c.ByKeyID(parsed.Headers[0].KeyID)
	if err != nil {
		return err
	}

	if err := parsed.Claims(&key.Private.PublicKey, out); err != nil {
		return fmt.Errorf("failed to verify token: %w", err)
	}

	return nil
}

// RandomString returns a cryptographically random, URL-safe opaque string
// of n raw bytes, used for authorization codes, refresh tokens, and
// correlation IDs. The returned string has no padding and is safe to embed
// in a URL query parameter.
func RandomString(n int) (string, error) {
	buf := make([]byte, n)

	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashClaim computes the c_hash/at_hash claim value for value: the
// left-most half of its SHA-256 digest, base64url encoded without padding.
// This is byte-for-byte equivalent to the standard base64 encoding of that
// left half with "+"/"/" replaced by "-"/"_" and "=" stripped,
// which is how the algorithm is usually described; RawURLEncoding produces
// the identical string directly.
func HashClaim(value string) string {
	sum := sha256.Sum256([]byte(value))
	half := sum[:len(sum)/2]

	return base64.RawURLEncoding.EncodeToString(half)
}
