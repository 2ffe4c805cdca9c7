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

package ticket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexusid/oidc-server/pkg/oidcserver/cache"
	"github.com/nexusid/oidc-server/pkg/oidcserver/crypt"
)

// persistedTicket is the JSON-on-the-wire shape of a Ticket, used for both
// the authorization code and refresh token cache entries. Claim
// destinations serialize as a plain list since map[Destination]bool would
// round-trip just as well but is less compact and less obviously ordered
// in a debugger dump.
type persistedTicket struct {
	Scheme     string            `json:"scheme"`
	Properties map[string]string `json:"properties"`
	Claims     []persistedClaim  `json:"claims"`
}

type persistedClaim struct {
	Type         string        `json:"type"`
	Value        string        `json:"value"`
	Destinations []Destination `json:"destinations,omitempty"`
}

func toPersisted(t *Ticket) *persistedTicket {
	p := &persistedTicket{
		Scheme:     t.Scheme,
		Properties: t.Properties.Items,
	}

	for _, c := range t.Principal.Claims {
		var dests []Destination

		for d, ok := range c.Destinations {
			if ok {
				dests = append(dests, d)
			}
		}

		p.Claims = append(p.Claims, persistedClaim{Type: c.Type, Value: c.Value, Destinations: dests})
	}

	return p
}

func fromPersisted(p *persistedTicket) *Ticket {
	t := New(p.Scheme)

	t.Properties.Items = p.Properties
	if t.Properties.Items == nil {
		t.Properties.Items = map[string]string{}
	}

	for _, c := range p.Claims {
		t.Principal.Claims = append(t.Principal.Claims, NewClaim(c.Type, c.Value, c.Destinations...))
	}

	return t
}

// Kind names the single-use semantics a stored ticket is subject to.
type Kind string

const (
	// KindCode is an authorization code: single use, short lived.
	KindCode Kind = "code"

	// KindRefreshToken is a refresh token: single use per redemption
	// (rotated on every refresh), longer lived.
	KindRefreshToken Kind = "refresh_token"
)

// Store persists tickets keyed by an opaque, randomly generated value, the
// value itself being the authorization code or refresh token string
// handed to the client.
type Store struct {
	store    cache.Store
	codeTTL  time.Duration
	refreshTTL time.Duration
}

// NewStore returns a Store backed by the given blob cache, with the given
// default lifetimes for codes and refresh tokens.
func NewStore(store cache.Store, codeTTL, refreshTTL time.Duration) *Store {
	return &Store{store: store, codeTTL: codeTTL, refreshTTL: refreshTTL}
}

// Create mints a fresh opaque token of the requested kind, persists t
// under it, and returns the token string to hand to the client.
func (s *Store) Create(ctx context.Context, kind Kind, t *Ticket) (string, error) {
	token, err := crypt.RandomString(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate %s: %w", kind, err)
	}

	blob, err := json.Marshal(toPersisted(t))
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s ticket: %w", kind, err)
	}

	ttl := s.codeTTL
	if kind == KindRefreshToken {
		ttl = s.refreshTTL
	}

	// A ticket that carries its own expires_utc (set by the issuing
	// pipeline) governs the cache TTL directly, so a code or refresh
	// token never outlives the grant it represents.
	if expires := t.Properties.Get(PropertyExpiresUTC); expires != "" {
		if parsed, err := time.Parse(time.RFC3339, expires); err == nil {
			if d := time.Until(parsed); d > 0 {
				ttl = d
			}
		}
	}

	if err := s.store.Set(ctx, string(kind)+":"+token, blob, ttl); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", kind, err)
	}

	return token, nil
}

// Receive redeems token, returning its ticket. Per the single-use
// invariant, the entry is deleted whether or not the caller ultimately
// accepts it: a code or refresh token is spent the instant it is looked
// up, never on a separate explicit consume step. The lookup and the delete
// are two separate Store calls, so two concurrent redemptions of the same
// token can both read it before either deletes it.
func (s *Store) Receive(ctx context.Context, kind Kind, token string) (*Ticket, error) {
	key := string(kind) + ":" + token

	blob, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if err := s.store.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to invalidate %s: %w", kind, err)
	}

	var p persistedTicket

	if err := json.Unmarshal(blob, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s ticket: %w", kind, err)
	}

	return fromPersisted(&p), nil
}
