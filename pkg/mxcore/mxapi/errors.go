// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mxapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrCode is the internal enum the fixed table of M_* wire codes maps to.
// Codes not in the table decode to ErrCodeUnknown.
type ErrCode int

const (
	ErrCodeUnknown ErrCode = iota
	ErrCodeForbidden
	ErrCodeUnknownToken
	ErrCodeMissingToken
	ErrCodeBadJSON
	ErrCodeNotJSON
	ErrCodeNotFound
	ErrCodeLimitExceeded
	ErrCodeUnrecognized
	ErrCodeUserDeactivated
	ErrCodeInvalidUsername
	ErrCodeExclusive
)

var wireErrCodes = map[string]ErrCode{
	"M_FORBIDDEN":        ErrCodeForbidden,
	"M_UNKNOWN_TOKEN":    ErrCodeUnknownToken,
	"M_MISSING_TOKEN":    ErrCodeMissingToken,
	"M_BAD_JSON":         ErrCodeBadJSON,
	"M_NOT_JSON":         ErrCodeNotJSON,
	"M_NOT_FOUND":        ErrCodeNotFound,
	"M_LIMIT_EXCEEDED":   ErrCodeLimitExceeded,
	"M_UNRECOGNIZED":     ErrCodeUnrecognized,
	"M_USER_DEACTIVATED": ErrCodeUserDeactivated,
	"M_INVALID_USERNAME": ErrCodeInvalidUsername,
	"M_EXCLUSIVE":        ErrCodeExclusive,
}

// MatrixError is a standard-form error response from the homeserver.
type MatrixError struct {
	Code       ErrCode
	WireCode   string
	Message    string
	StatusCode int
	RetryAfter time.Duration
}

func (me *MatrixError) Error() string {
	return fmt.Sprintf("%s (HTTP %d): %s", me.WireCode, me.StatusCode, me.Message)
}

// NetworkError wraps a transport-level failure (connection refused, timeout,
// DNS failure). These are the transient class of the retry policy.
type NetworkError struct {
	Method string
	URL    string
	Inner  error
}

func (ne *NetworkError) Error() string {
	return fmt.Sprintf("request to %s %s failed: %v", ne.Method, ne.URL, ne.Inner)
}

func (ne *NetworkError) Unwrap() error {
	return ne.Inner
}

var (
	// ErrMalformedResponse is returned when a 2xx response body does not
	// parse. Treated as transient: proxies and captive portals cause this.
	ErrMalformedResponse = errors.New("malformed response from homeserver")
	// ErrUnsupportedServer is returned when the homeserver does not
	// advertise a supported API version. Fatal, never retried.
	ErrUnsupportedServer = errors.New("homeserver does not support a compatible API version")
)

func parseMatrixError(resp *http.Response, rawBody []byte) error {
	var wire struct {
		ErrCode      string `json:"errcode"`
		Error        string `json:"error"`
		RetryAfterMS int64  `json:"retry_after_ms"`
	}
	if err := json.Unmarshal(rawBody, &wire); err != nil || wire.ErrCode == "" {
		return fmt.Errorf("%w: HTTP %d with non-Matrix body", ErrMalformedResponse, resp.StatusCode)
	}
	return &MatrixError{
		Code:       wireErrCodes[wire.ErrCode],
		WireCode:   wire.ErrCode,
		Message:    wire.Error,
		StatusCode: resp.StatusCode,
		RetryAfter: time.Duration(wire.RetryAfterMS) * time.Millisecond,
	}
}

// IsTransientNetwork reports whether the error belongs to the retry-with-
// backoff class: transport failures and malformed response bodies.
func IsTransientNetwork(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr) || errors.Is(err, ErrMalformedResponse)
}

// IsAuthInvalid reports whether the error means the access token is no
// longer valid and a re-login is required.
func IsAuthInvalid(err error) bool {
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		return false
	}
	return matrixErr.Code == ErrCodeUnknownToken || matrixErr.Code == ErrCodeMissingToken
}

// IsBadCredentials reports whether a login attempt was rejected for wrong
// username/password, which must surface for interactive re-entry.
func IsBadCredentials(err error) bool {
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		return false
	}
	return matrixErr.Code == ErrCodeForbidden || matrixErr.Code == ErrCodeUserDeactivated
}

// RateLimit extracts the server-mandated retry delay from an
// M_LIMIT_EXCEEDED error. The fallback applies when the server did not
// include retry_after_ms.
func RateLimit(err error, fallback time.Duration) (time.Duration, bool) {
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) || matrixErr.Code != ErrCodeLimitExceeded {
		return 0, false
	}
	if matrixErr.RetryAfter <= 0 {
		return fallback, true
	}
	return matrixErr.RetryAfter, true
}
