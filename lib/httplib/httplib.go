/*
Copyright 2024 QKD Lab, Inc.

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

// Package httplib implements common utility functions for writing
// classic HTTP handlers
package httplib

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/qkdlab/kmed/lib/defaults"
	"github.com/qkdlab/kmed/lib/keystore"
	"github.com/qkdlab/kmed/lib/sae"
)

// HandlerFunc specifies an HTTP handler function that returns the
// response object or an error
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler returns a new httprouter.Handle func from a handler func
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON reads an HTTP JSON request body and unmarshals it into the
// passed object
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, defaults.MaxHTTPRequestSize))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("malformed request body: %v", err)
	}
	return nil
}

// ErrorResponse is the wire shape of every non-2xx response.
type ErrorResponse struct {
	// Message is the human readable cause.
	Message string `json:"message"`
	// Details optionally carries structured context.
	Details []map[string]string `json:"details,omitempty"`
}

// ReplyJSON serializes obj and writes it with the given status code.
func ReplyJSON(w http.ResponseWriter, code int, obj any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		// the status line is already on the wire; nothing to do
		return
	}
}

// ReplyError writes the error body with the status matching the error
// kind
func ReplyError(w http.ResponseWriter, err error) {
	ReplyJSON(w, StatusFromError(err), ErrorResponse{Message: trace.UserMessage(err)})
}

// StatusFromError maps the error taxonomy to HTTP status codes.
func StatusFromError(err error) int {
	switch {
	case sae.IsUnauthenticatedError(err):
		return http.StatusUnauthorized
	case keystore.IsGoneError(err):
		return http.StatusGone
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsLimitExceeded(err):
		// pool exhaustion is a service condition, not a client quota
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
