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

// Package logout implements the end-session endpoint: validating an
// RP-initiated logout request, giving the host a chance to terminate
// whatever session state it owns, and redirecting back to
// post_logout_redirect_uri.
package logout

import (
	"context"
	"net/http"

	"github.com/nexusid/oidc-server/pkg/oidcserver/hooks"
	"github.com/nexusid/oidc-server/pkg/oidcserver/message"
	"github.com/nexusid/oidc-server/pkg/oidcserver/oidcerrors"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Pipeline implements the end-session endpoint.
type Pipeline struct {
	Hooks *hooks.Provider
}

// New constructs a logout Pipeline.
func New(h *hooks.Provider) *Pipeline {
	return &Pipeline{Hooks: h}
}

// Handle serves the end-session endpoint.
func (p *Pipeline) Handle(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(ctx)

	m, err := message.Parse(r)
	if err != nil {
		oidcerrors.InvalidRequest("malformed request").WithError(err).WritePage(w, r)
		return
	}

	if p.Hooks.OnValidateLogoutRequest != nil {
		if res := p.Hooks.OnValidateLogoutRequest(ctx, r, m); res.Outcome == hooks.Rejected {
			writeError(w, r, res.Err)
			return
		}
	}

	redirectURI := m.Get("post_logout_redirect_uri")

	// post_logout_redirect_uri is attacker-controllable, so it must be
	// validated against the client's registration before it's trusted for
	// a redirect; a host that leaves the hook nil gets a safe default of
	// rejecting every such request rather than an open redirect.
	if redirectURI != "" {
		if p.Hooks.OnValidateClientLogoutRedirectURI == nil {
			oidcerrors.ServerError("no client logout redirect URI validator configured").WritePage(w, r)
			return
		}

		if res := p.Hooks.OnValidateClientLogoutRedirectURI(ctx, m, redirectURI); res.Outcome != hooks.Validated {
			oidcerrors.InvalidRequest("post_logout_redirect_uri is not registered for this client").WritePage(w, r)
			return
		}
	}

	if p.Hooks.OnSignOut != nil {
		res := p.Hooks.OnSignOut(ctx, r, w, m)

		switch res.Outcome {
		case hooks.Handled:
			return
		case hooks.Rejected:
			writeError(w, r, res.Err)
			return
		}
	}

	if redirectURI == "" {
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusNoContent)

		return
	}

	out := message.New()

	for _, key := range m.Keys() {
		if key == "post_logout_redirect_uri" {
			continue
		}

		out.Set(key, m.Get(key))
	}

	if err := message.EmitQuery(w, r, redirectURI, out); err != nil {
		logger.Error(err, "failed to emit logout redirect")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if e, ok := err.(*oidcerrors.Error); ok {
		e.WritePage(w, r)
		return
	}

	oidcerrors.ServerError(err.Error()).WritePage(w, r)
}
