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

// Package cache implements the pluggable TTL-based blob key/value store
// that backs both the request cache (in-flight authorization requests
// suspended while the host application authenticates the user) and the
// ticket store (issued authorization codes and refresh tokens). Two
// implementations are provided: an in-memory store suitable for a single
// replica, and a Redis-backed store for a horizontally scaled deployment.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key has no entry, or its entry has
// expired and been reaped.
var ErrNotFound = errors.New("cache entry not found")

// Store is the minimal blob key/value interface the request cache and
// ticket store are built on. Every entry carries its own TTL so a single
// store can multiplex callers with different expiry policies.
type Store interface {
	// Set stores value under key, to be forgotten after ttl elapses.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key, a no-op if it doesn't exist. Deletion is
	// explicit: authorization codes and refresh tokens are single-use
	// and must be unusable the instant they're redeemed.
	Delete(ctx context.Context, key string) error
}

// memoryEntry pairs a blob with the absolute instant it was asked to
// expire at, since the underlying expirable LRU only knows how to apply
// one TTL to the whole cache and the request cache and ticket store share
// a single instance with very different lifetimes (a 2 minute code next
// to a 14 day refresh token). expiresAt is the zero Time for an entry that
// should never expire on its own.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type memoryStore struct {
	values *lru.LRU[string, memoryEntry]
}

// NewMemoryStore returns a Store backed by an in-process LRU that honours
// each entry's own ttl from Set, rather than the single cache-wide TTL the
// underlying expirable LRU otherwise applies. capacity bounds the number
// of live entries; ttl, when positive, additionally bounds every entry's
// maximum lifetime regardless of what Set is asked for, and is typically
// left zero to let per-entry ttl alone govern expiry.
func NewMemoryStore(capacity int, ttl time.Duration) Store {
	return &memoryStore{
		values: lru.NewLRU[string, memoryEntry](capacity, nil, ttl),
	}
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: value}

	if ttl > 0 {
		entry.expiresAt = time.Now().UTC().Add(ttl)
	}

	s.values.Add(key, entry)

	return nil
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	entry, ok := s.values.Get(key)
	if !ok {
		return nil, ErrNotFound
	}

	if !entry.expiresAt.IsZero() && time.Now().UTC().After(entry.expiresAt) {
		s.values.Remove(key)
		return nil, ErrNotFound
	}

	return entry.value, nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.values.Remove(key)

	return nil
}

// redisStore is a Store backed by a Redis instance, letting the request
// cache and ticket store be shared across replicas of the authorization
// server.
type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore returns a Store backed by client. prefix is prepended to
// every key, namespacing this Store within a shared Redis instance; the
// request cache and the ticket store share one Store and so one prefix.
func NewRedisStore(client *redis.Client, prefix string) Store {
	return &redisStore{client: client, prefix: prefix}
}

func (s *redisStore) key(key string) string {
	return s.prefix + key
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	return nil
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	return value, nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}

	return nil
}
