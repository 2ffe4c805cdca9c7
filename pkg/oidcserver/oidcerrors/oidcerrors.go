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

// Package oidcerrors implements the error model shared by every endpoint:
// a single wrapped error type that knows how to render itself two ways,
// as an RFC 6749 JSON body or as a plain error page for browser-driven
// requests that have nowhere to redirect to. Redirecting an error back to
// the client is done by the authorization pipeline from the error's code
// and description.
package oidcerrors

import (
	"encoding/json"
	"errors"
	"html"
	"net/http"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// ErrRequest is the sentinel all Error values unwrap to, so callers can use
// errors.Is/errors.As without reaching into this package's internals.
var ErrRequest = errors.New("oidc request error")

// Code is the terse "error" value of RFC 6749 section 5.2 and its OIDC
// extensions.
type Code string

const (
	CodeInvalidRequest       Code = "invalid_request"
	CodeUnauthorizedClient   Code = "unauthorized_client"
	CodeAccessDenied         Code = "access_denied"
	CodeUnsupportedResponse  Code = "unsupported_response_type"
	CodeInvalidScope         Code = "invalid_scope"
	CodeServerError          Code = "server_error"
	CodeTemporarilyUnavail   Code = "temporarily_unavailable"
	CodeInvalidClient        Code = "invalid_client"
	CodeInvalidGrant         Code = "invalid_grant"
	CodeUnsupportedGrantType Code = "unsupported_grant_type"
	CodeInvalidToken         Code = "invalid_token"
	CodeLoginRequired        Code = "login_required"
)

// Error wraps ErrRequest with everything needed to render a response in any
// of the three styles the pipelines need.
type Error struct {
	// status is the HTTP status code for JSON/page rendering. It is
	// irrelevant for redirect rendering, which is always a 3xx.
	status int

	// code is the short machine-readable error code.
	code Code

	// description is returned to the client and logged.
	description string

	// err, if set, is the underlying cause. Never rendered to the client.
	err error

	// values are extra key/value pairs attached for logging only.
	values []interface{}
}

func newError(status int, code Code, description string) *Error {
	return &Error{status: status, code: code, description: description}
}

// WithError attaches an underlying cause, logged but never exposed to
// the client.
func (e *Error) WithError(err error) *Error {
	e.err = err
	return e
}

// WithValues attaches extra key/value pairs for logging.
func (e *Error) WithValues(values ...interface{}) *Error {
	e.values = values
	return e
}

func (e *Error) Unwrap() error {
	return ErrRequest
}

func (e *Error) Error() string {
	return e.description
}

// Code returns the RFC 6749 error code.
func (e *Error) Code() Code {
	return e.code
}

// Status returns the HTTP status code associated with the error.
func (e *Error) Status() int {
	return e.status
}

// Description returns the client-facing description.
func (e *Error) Description() string {
	return e.description
}

func (e *Error) logValues() []interface{} {
	var details []interface{}

	if e.description != "" {
		details = append(details, "detail", e.description)
	}

	if e.err != nil {
		details = append(details, "error", e.err)
	}

	if e.values != nil {
		details = append(details, e.values...)
	}

	return details
}

// jsonBody is the RFC 6749 section 5.2 error response shape.
type jsonBody struct {
	Error            Code   `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteJSON renders the error as a JSON response body, used by the token
// and introspection endpoints.
func (e *Error) WriteJSON(w http.ResponseWriter, r *http.Request) {
	l := log.FromContext(r.Context())
	l.Info("request error", e.logValues()...)

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	// Bodyless statuses carry no OAuth2 error code (router-level errors).
	if e.code == "" {
		w.WriteHeader(e.status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.status)

	body, err := json.Marshal(jsonBody{Error: e.code, ErrorDescription: e.description})
	if err != nil {
		l.Error(err, "failed to marshal error response")
		return
	}

	if _, err := w.Write(body); err != nil {
		l.Error(err, "failed to write error response")
	}
}

// WritePage renders the error as a minimal, human readable error page, for
// requests that have no redirect_uri to report back to (for example a
// malformed or missing client_id at the authorization endpoint).
func (e *Error) WritePage(w http.ResponseWriter, r *http.Request) {
	l := log.FromContext(r.Context())
	l.Info("request error", e.logValues()...)

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(e.status)

	_, _ = w.Write([]byte("<!DOCTYPE html><html><head><title>Error</title></head><body><h1>" +
		string(e.code) + "</h1><p>" + html.EscapeString(e.description) + "</p></body></html>"))
}

// toError returns the top-level error without any HTTP status/code semantics,
// for the top level HandleError function to recognise it.
func toError(err error) *Error {
	var e *Error

	if !errors.As(err, &e) {
		return nil
	}

	return e
}

// HandleError is the top level error handler invoked from all path handlers
// on error. It renders as JSON, the caller is responsible for choosing
// WritePage/redirect rendering where that is the correct behaviour for the
// endpoint (only the authorization endpoint can redirect).
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	l := log.FromContext(r.Context())

	if e := toError(err); e != nil {
		e.WriteJSON(w, r)
		return
	}

	l.Error(err, "unhandled error")
	ServerError("unhandled error").WithError(err).WriteJSON(w, r)
}

func InvalidRequest(description string) *Error {
	return newError(http.StatusBadRequest, CodeInvalidRequest, description)
}

func UnauthorizedClient(description string) *Error {
	return newError(http.StatusBadRequest, CodeUnauthorizedClient, description)
}

func AccessDenied(description string) *Error {
	return newError(http.StatusForbidden, CodeAccessDenied, description)
}

func UnsupportedResponseType(description string) *Error {
	return newError(http.StatusBadRequest, CodeUnsupportedResponse, description)
}

func InvalidScope(description string) *Error {
	return newError(http.StatusBadRequest, CodeInvalidScope, description)
}

func ServerError(description string) *Error {
	return newError(http.StatusInternalServerError, CodeServerError, description)
}

func InvalidClient(description string) *Error {
	return newError(http.StatusUnauthorized, CodeInvalidClient, description)
}

func InvalidGrant(description string) *Error {
	return newError(http.StatusBadRequest, CodeInvalidGrant, description)
}

func UnsupportedGrantType(description string) *Error {
	return newError(http.StatusBadRequest, CodeUnsupportedGrantType, description)
}

func InvalidToken(description string) *Error {
	return newError(http.StatusUnauthorized, CodeInvalidToken, description)
}

func LoginRequired(description string) *Error {
	return newError(http.StatusBadRequest, CodeLoginRequired, description)
}

// NotFound is a plain 404 with no OAuth2 error body, for paths the router
// itself doesn't recognise.
func NotFound() *Error {
	return &Error{status: http.StatusNotFound, description: "resource not found"}
}

// MethodNotAllowed is a plain 405, for paths that exist but don't support
// the requested method.
func MethodNotAllowed() *Error {
	return &Error{status: http.StatusMethodNotAllowed, description: "method not allowed"}
}
