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

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/nexusid/oidc-server/pkg/oidcserver/crypt"
	"github.com/nexusid/oidc-server/pkg/oidcserver/message"
)

// RequestCache suspends an in-flight authorization request across the
// round trip to the host application's sign-in/consent surface: the
// authorization pipeline persists the original request under an opaque
// key, redirects the user agent out to the application, and later resumes
// from the same key once the application posts the outcome back.
type RequestCache struct {
	store Store
	ttl   time.Duration
}

// NewRequestCache wraps store with the blob codec and a default TTL for
// suspended requests.
func NewRequestCache(store Store, ttl time.Duration) *RequestCache {
	return &RequestCache{store: store, ttl: ttl}
}

// Put persists m and returns the opaque correlation ID it was stored
// under.
func (c *RequestCache) Put(ctx context.Context, m *message.Message) (string, error) {
	id, err := crypt.RandomString(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate correlation id: %w", err)
	}

	blob, err := EncodeBlob(m.Keys(), m.AsMap())
	if err != nil {
		return "", fmt.Errorf("failed to encode request cache entry: %w", err)
	}

	if err := c.store.Set(ctx, id, blob, c.ttl); err != nil {
		return "", fmt.Errorf("failed to store request cache entry: %w", err)
	}

	return id, nil
}

// Get resumes the request stored under id, without removing it: a
// suspended request may be consulted more than once before the flow that
// owns it finally completes or is abandoned.
func (c *RequestCache) Get(ctx context.Context, id string) (*message.Message, error) {
	blob, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	keys, values, err := DecodeBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode request cache entry: %w", err)
	}

	m := message.New()

	for _, k := range keys {
		m.Set(k, values[k])
	}

	return m, nil
}

// Delete removes the request stored under id, once the flow it belongs to
// has completed.
func (c *RequestCache) Delete(ctx context.Context, id string) error {
	return c.store.Delete(ctx, id)
}
