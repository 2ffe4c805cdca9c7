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

package message_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusid/oidc-server/pkg/oidcserver/message"
)

func TestParseGETQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/authorize?client_id=abc&scope=openid+profile", nil)

	m, err := message.Parse(r)
	require.NoError(t, err)

	assert.Equal(t, "abc", m.Get("client_id"))
	assert.Equal(t, []string{"openid", "profile"}, m.Scopes())
	assert.True(t, m.HasScope("openid"))
	assert.False(t, m.HasScope("email"))
}

func TestParsePOSTForm(t *testing.T) {
	body := strings.NewReader(url.Values{"grant_type": {"authorization_code"}, "code": {"xyz"}}.Encode())

	r := httptest.NewRequest(http.MethodPost, "/token", body)
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	m, err := message.Parse(r)
	require.NoError(t, err)

	assert.Equal(t, "authorization_code", m.Get("grant_type"))
	assert.Equal(t, "xyz", m.Get("code"))
}

func TestHasDistinguishesAbsentFromEmpty(t *testing.T) {
	m := message.New()
	m.Set("state", "")

	assert.True(t, m.Has("state"))
	assert.False(t, m.Has("nonce"))
	assert.Equal(t, "", m.Get("nonce"))
}

func TestSetPreservesInsertionOrder(t *testing.T) {
	m := message.New()
	m.Set("b", "2")
	m.Set("a", "1")
	m.Set("b", "3")

	assert.Equal(t, []string{"b", "a"}, m.Keys())
	assert.Equal(t, "3", m.Get("b"))
}

func TestDeleteRemovesFromOrder(t *testing.T) {
	m := message.New()
	m.Set("a", "1")
	m.Set("b", "2")
	m.Delete("a")

	assert.Equal(t, []string{"b"}, m.Keys())
	assert.False(t, m.Has("a"))
}

func TestCloneIsIndependent(t *testing.T) {
	m := message.New()
	m.Set("a", "1")

	c := m.Clone()
	c.Set("a", "2")
	c.Set("b", "3")

	assert.Equal(t, "1", m.Get("a"))
	assert.False(t, m.Has("b"))
	assert.Equal(t, "2", c.Get("a"))
}

func TestAsMapFromMapRoundTrip(t *testing.T) {
	m := message.New()
	m.Set("a", "1")
	m.Set("b", "2")

	rebuilt := message.FromMap(m.AsMap())

	assert.Equal(t, "1", rebuilt.Get("a"))
	assert.Equal(t, "2", rebuilt.Get("b"))
	assert.Equal(t, []string{"a", "b"}, rebuilt.Keys())
}

func TestEmitQueryAppendsToQueryString(t *testing.T) {
	m := message.New()
	m.Set("code", "abc123")
	m.Set("state", "xyz")

	r := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	w := httptest.NewRecorder()

	require.NoError(t, message.EmitQuery(w, r, "https://rp.example.com/cb?existing=1", m))

	assert.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)

	assert.Equal(t, "abc123", loc.Query().Get("code"))
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	assert.Equal(t, "1", loc.Query().Get("existing"))
	assert.Empty(t, loc.Fragment)
}

func TestEmitFragmentPutsValuesInFragmentNotQuery(t *testing.T) {
	m := message.New()
	m.Set("access_token", "secret-token")

	r := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	w := httptest.NewRecorder()

	require.NoError(t, message.EmitFragment(w, r, "https://rp.example.com/cb", m))

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)

	assert.Empty(t, loc.Query().Get("access_token"))

	fragValues, err := url.ParseQuery(loc.Fragment)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", fragValues.Get("access_token"))
}

func TestEmitFormPostRendersAutoSubmittingForm(t *testing.T) {
	m := message.New()
	m.Set("id_token", "jwt-value")

	r := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	w := httptest.NewRecorder()

	require.NoError(t, message.EmitFormPost(w, r, "https://rp.example.com/cb", m))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "jwt-value")
	assert.Contains(t, w.Body.String(), "document.forms[0].submit()")
}

func TestEmitFormPostEscapesAttributeValues(t *testing.T) {
	m := message.New()
	m.Set("state", `"><script>alert(1)</script>`)

	r := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	w := httptest.NewRecorder()

	require.NoError(t, message.EmitFormPost(w, r, "https://rp.example.com/cb", m))

	body := w.Body.String()
	assert.NotContains(t, body, `"><script>`)
	assert.Contains(t, body, "&lt;script&gt;")
	assert.Contains(t, body, "&#34;")
}

func TestEmitJSONWritesFlatObject(t *testing.T) {
	m := message.New()
	m.Set("access_token", "t")
	m.Set("token_type", "Bearer")

	r := httptest.NewRequest(http.MethodPost, "/token", nil)
	w := httptest.NewRecorder()

	require.NoError(t, message.EmitJSON(w, r, http.StatusOK, m))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{"access_token":"t","token_type":"Bearer"}`, w.Body.String())
}

func TestEmitDispatchesOnMode(t *testing.T) {
	m := message.New()
	m.Set("code", "abc")

	r := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	w := httptest.NewRecorder()

	require.NoError(t, message.Emit(w, r, message.ResponseModeFragment, "https://rp.example.com/cb", m))

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.NotEmpty(t, loc.Fragment)
}
