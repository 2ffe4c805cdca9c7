/*
Copyright 2022 EscherCloud.

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

// Package rcontext carries request-scoped values between the host
// application's hooks and the pipelines: the resolved client_id and the
// correlation ID persisted alongside a cached authorization request.
package rcontext

import (
	"context"

	"github.com/nexusid/oidc-server/pkg/oidcserver/oidcerrors"
)

type contextKey string

const (
	clientIDKey      contextKey = "client_id"
	correlationIDKey contextKey = "correlation_id"
)

func newContextString(ctx context.Context, key contextKey, s string) context.Context {
	if s == "" {
		return ctx
	}

	return context.WithValue(ctx, key, s)
}

func fromContextString(ctx context.Context, key contextKey) (string, error) {
	value := ctx.Value(key)
	if value == nil {
		return "", oidcerrors.ServerError("context key not present").WithValues("key", key)
	}

	s, ok := value.(string)
	if !ok {
		return "", oidcerrors.ServerError("context value not a string").WithValues("key", key)
	}

	return s, nil
}

// WithClientID records the client_id resolved from the request.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return newContextString(ctx, clientIDKey, clientID)
}

// ClientID extracts the client_id recorded earlier in the pipeline.
func ClientID(ctx context.Context) (string, error) {
	return fromContextString(ctx, clientIDKey)
}

// WithCorrelationID records the opaque key under which the in-flight
// authorization request is cached, so hooks can look it up again without
// threading it through every function signature.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return newContextString(ctx, correlationIDKey, id)
}

// CorrelationID extracts the correlation ID recorded earlier in the pipeline.
func CorrelationID(ctx context.Context) (string, error) {
	return fromContextString(ctx, correlationIDKey)
}
