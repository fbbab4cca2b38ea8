// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Common error codes returned by the key server.
var (
	MNotFound     = RespError{ErrCode: "NOT_FOUND", StatusCode: http.StatusNotFound}
	MBadJSON      = RespError{ErrCode: "BAD_JSON", StatusCode: http.StatusBadRequest}
	MInvalidParam = RespError{ErrCode: "INVALID_PARAM", StatusCode: http.StatusBadRequest}
	MUnrecognized = RespError{ErrCode: "UNRECOGNIZED", StatusCode: http.StatusNotFound}
	MUnknown      = RespError{ErrCode: "UNKNOWN", StatusCode: http.StatusInternalServerError}
)

// RespError is the JSON error body returned by the key server.
type RespError struct {
	ErrCode    string `json:"errcode"`
	Err        string `json:"error,omitempty"`
	StatusCode int    `json:"-"`
}

func (e RespError) Error() string {
	if e.Err == "" {
		return e.ErrCode
	}
	return e.ErrCode + ": " + e.Err
}

// Is compares error codes, so errors.Is(err, MNotFound) works for any message.
func (e RespError) Is(err error) bool {
	e2, ok := err.(RespError)
	if !ok {
		if e3, ok := err.(*RespError); ok && e3 != nil {
			e2 = *e3
		} else {
			return false
		}
	}
	return e2.ErrCode == e.ErrCode
}

// WithMessage returns a copy of the error with the given formatted message.
func (e RespError) WithMessage(msg string, args ...any) RespError {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	e.Err = msg
	return e
}

// Write writes the error as a JSON response using the status code stored in the error.
func (e RespError) Write(w http.ResponseWriter) {
	statusCode := e.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusInternalServerError
	}
	jsonResponse(w, statusCode, &e)
}

// HTTPError is returned by the client for any request that failed or returned a non-2xx status.
type HTTPError struct {
	Request  *http.Request
	Response *http.Response

	ResponseBody string
	RespError    *RespError

	Message      string
	WrappedError error
}

func (e HTTPError) IsStatus(code int) bool {
	return e.Response != nil && e.Response.StatusCode == code
}

func (e HTTPError) Is(err error) bool {
	return (e.RespError != nil && errors.Is(*e.RespError, err)) || (e.WrappedError != nil && errors.Is(e.WrappedError, err))
}

func (e HTTPError) Error() string {
	if e.WrappedError != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.WrappedError)
	} else if e.RespError != nil {
		return fmt.Sprintf("failed to %s %s: %s (HTTP %d): %s", e.Request.Method, e.Request.URL.Path,
			e.RespError.ErrCode, e.Response.StatusCode, e.RespError.Err)
	} else if e.Response != nil {
		msg := fmt.Sprintf("failed to %s %s: HTTP %d", e.Request.Method, e.Request.URL.Path, e.Response.StatusCode)
		if len(e.ResponseBody) > 0 {
			msg = fmt.Sprintf("%s: %s", msg, e.ResponseBody)
		}
		return msg
	}
	return e.Message
}

func (e HTTPError) Unwrap() error {
	if e.WrappedError != nil {
		return e.WrappedError
	} else if e.RespError != nil {
		return *e.RespError
	}
	return nil
}

func jsonResponse(w http.ResponseWriter, code int, data any) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
