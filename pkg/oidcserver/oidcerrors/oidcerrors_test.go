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

package oidcerrors_test

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusid/oidc-server/pkg/oidcserver/oidcerrors"
)

func TestConstructorsSetStatusAndCode(t *testing.T) {
	e := oidcerrors.InvalidGrant("the code has expired")

	assert.Equal(t, http.StatusBadRequest, e.Status())
	assert.Equal(t, oidcerrors.CodeInvalidGrant, e.Code())
	assert.Equal(t, "the code has expired", e.Description())
	assert.ErrorIs(t, e, oidcerrors.ErrRequest)
}

func TestWriteJSONRendersRFC6749Body(t *testing.T) {
	e := oidcerrors.InvalidClient("unknown client")

	r := httptest.NewRequest(http.MethodPost, "/oauth2/token", nil)
	w := httptest.NewRecorder()

	e.WriteJSON(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"invalid_client","error_description":"unknown client"}`, w.Body.String())
}

func TestWriteJSONOmitsBodyWhenCodeEmpty(t *testing.T) {
	e := oidcerrors.NotFound()

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	w := httptest.NewRecorder()

	e.WriteJSON(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestWritePageEscapesDescription(t *testing.T) {
	e := oidcerrors.InvalidRequest("<script>alert(1)</script>")

	r := httptest.NewRequest(http.MethodGet, "/oauth2/authorize", nil)
	w := httptest.NewRecorder()

	e.WritePage(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.NotContains(t, w.Body.String(), "<script>alert(1)</script>")
	assert.Contains(t, w.Body.String(), "&lt;script&gt;")
}

func TestHandleErrorRendersKnownError(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/oauth2/token", nil)
	w := httptest.NewRecorder()

	oidcerrors.HandleError(w, r, oidcerrors.InvalidGrant("expired"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid_grant","error_description":"expired"}`, w.Body.String())
}

func TestHandleErrorRendersUnknownErrorAsServerError(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/oauth2/token", nil)
	w := httptest.NewRecorder()

	oidcerrors.HandleError(w, r, errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "server_error")
}

func TestWithErrorAndWithValuesAreChainable(t *testing.T) {
	cause := fmt.Errorf("underlying cause")

	e := oidcerrors.ServerError("failed to persist").WithError(cause).WithValues("request_id", "abc")

	assert.Equal(t, "failed to persist", e.Description())

	r := httptest.NewRequest(http.MethodPost, "/oauth2/token", nil)
	w := httptest.NewRecorder()

	e.WriteJSON(w, r)
	require.Equal(t, http.StatusInternalServerError, w.Code)
}
