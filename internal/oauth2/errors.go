// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package oauth2

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a protocol-level OAuth2 error (RFC 6749 Section 5.2).
// The wrapped cause is never serialized.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	State       string `json:"state,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("oauth2 error: %s (%s): %v", e.Code, e.Description, e.cause)
	}
	return fmt.Sprintf("oauth2 error: %s (%s)", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// OAuth2 Standard Error Codes
const (
	ErrInvalidRequest          = "invalid_request"
	ErrInvalidClient           = "invalid_client"
	ErrInvalidGrant            = "invalid_grant"
	ErrUnauthorizedClient      = "unauthorized_client"
	ErrUnsupportedGrantType    = "unsupported_grant_type"
	ErrUnsupportedResponseType = "unsupported_response_type"
	ErrInvalidScope            = "invalid_scope"
	ErrAccessDenied            = "access_denied"
	ErrInvalidToken            = "invalid_token"
	ErrServerError             = "server_error"
	ErrTemporarilyUnavailable  = "temporarily_unavailable"
)

// NewError creates a new protocol error
func NewError(code, description string) *Error {
	return &Error{
		Code:        code,
		Description: description,
	}
}

// WithState attaches a state parameter to the error
func (e *Error) WithState(state string) *Error {
	e.State = state
	return e
}

// Wrap records the internal cause for logs and errors.Is.
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

// HTTPStatus returns the status code RFC 6749 and RFC 6750 assign to the error code.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case ErrInvalidClient, ErrInvalidToken, ErrAccessDenied:
		return http.StatusUnauthorized
	case ErrServerError:
		return http.StatusInternalServerError
	case ErrTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// AsError returns err as a protocol error, mapping anything else to server_error.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return NewError(ErrServerError, "internal error").Wrap(err)
}

// HasCode reports whether err is a protocol error with the given code.
func HasCode(err error, code string) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Code == code
}
