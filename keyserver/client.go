// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quuynXp/LinguaMonkey-sub004/id"
)

const DefaultUserAgent = "lm-e2ee/0.1"

// Client talks to the key-exchange server.
//
// Requests are never retried inline. A failed upload is simply attempted again the next time
// the caller initializes.
type Client struct {
	BaseURL     *url.URL
	AccessToken string
	UserAgent   string
	Client      *http.Client
	Log         zerolog.Logger
}

// NewClient creates a key server client for the given base URL, e.g. https://example.com/api.
func NewClient(baseURL, accessToken string) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base URL scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return &Client{
		BaseURL:     parsed,
		AccessToken: accessToken,
		UserAgent:   DefaultUserAgent,
		Client:      &http.Client{Timeout: 30 * time.Second},
		Log:         zerolog.Nop(),
	}, nil
}

// BuildURL appends the given path parts to the base URL, escaping each part.
func (cli *Client) BuildURL(parts ...string) string {
	u := *cli.BaseURL
	escaped := make([]string, len(parts))
	for i, part := range parts {
		escaped[i] = url.PathEscape(part)
	}
	u.RawPath = u.Path + "/" + strings.Join(escaped, "/")
	u.Path = u.Path + "/" + strings.Join(parts, "/")
	return u.String()
}

type FullRequest struct {
	Method       string
	URL          string
	RequestJSON  any
	ResponseJSON any
	// SensitiveContent omits the request body from logs.
	SensitiveContent bool
}

type logBodyContextKey struct{}

var requestID int32

func (params *FullRequest) compileRequest(ctx context.Context, log *zerolog.Logger) (*http.Request, error) {
	var reqBody io.Reader
	var logBody any
	if params.RequestJSON != nil {
		data, err := json.Marshal(params.RequestJSON)
		if err != nil {
			return nil, HTTPError{
				Message:      "failed to marshal JSON",
				WrappedError: err,
			}
		}
		if params.SensitiveContent {
			logBody = "<sensitive content omitted>"
		} else {
			logBody = params.RequestJSON
		}
		reqBody = bytes.NewReader(data)
	}
	reqID := atomic.AddInt32(&requestID, 1)
	ctx = log.With().Int32("req_id", reqID).Logger().WithContext(ctx)
	ctx = context.WithValue(ctx, logBodyContextKey{}, logBody)
	req, err := http.NewRequestWithContext(ctx, params.Method, params.URL, reqBody)
	if err != nil {
		return nil, HTTPError{
			Message:      "failed to create request",
			WrappedError: err,
		}
	}
	if params.RequestJSON != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (cli *Client) cliOrContextLog(ctx context.Context) *zerolog.Logger {
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled || log == zerolog.DefaultContextLogger {
		return &cli.Log
	}
	return log
}

// MakeFullRequest sends a request and decodes a 2xx JSON response into params.ResponseJSON.
//
// Non-2xx responses are returned as an [HTTPError], with RespError set if the body could be parsed.
func (cli *Client) MakeFullRequest(ctx context.Context, params FullRequest) ([]byte, error) {
	req, err := params.compileRequest(ctx, cli.cliOrContextLog(ctx))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", cli.UserAgent)
	if cli.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+cli.AccessToken)
	}
	startTime := time.Now()
	res, err := cli.Client.Do(req)
	duration := time.Since(startTime)
	if res != nil {
		defer res.Body.Close()
	}
	if err != nil {
		err = HTTPError{
			Request:  req,
			Response: res,

			Message:      "request error",
			WrappedError: err,
		}
		cli.LogRequestDone(req, res, err, duration)
		return nil, err
	}
	var body []byte
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, err = ParseErrorResponse(req, res)
	} else {
		body, err = handleNormalResponse(req, res, params.ResponseJSON)
	}
	cli.LogRequestDone(req, res, err, duration)
	return body, err
}

func (cli *Client) LogRequestDone(req *http.Request, resp *http.Response, err error, duration time.Duration) {
	var evt *zerolog.Event
	if err != nil {
		evt = zerolog.Ctx(req.Context()).Err(err)
	} else {
		evt = zerolog.Ctx(req.Context()).Debug()
	}
	evt = evt.
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Dur("duration", duration)
	if resp != nil {
		evt = evt.Int("status_code", resp.StatusCode)
	}
	if body := req.Context().Value(logBodyContextKey{}); body != nil {
		evt.Interface("req_body", body)
	}
	if err != nil {
		evt.Msg("Request failed")
	} else {
		evt.Msg("Request completed")
	}
}

func readResponseBody(req *http.Request, res *http.Response) ([]byte, error) {
	contents, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, HTTPError{
			Request:  req,
			Response: res,

			Message:      "failed to read response body",
			WrappedError: err,
		}
	}
	return contents, nil
}

func handleNormalResponse(req *http.Request, res *http.Response, responseJSON any) ([]byte, error) {
	if contents, err := readResponseBody(req, res); err != nil {
		return nil, err
	} else if responseJSON == nil {
		return contents, nil
	} else if err = json.Unmarshal(contents, responseJSON); err != nil {
		return nil, HTTPError{
			Request:  req,
			Response: res,

			Message:      "failed to unmarshal response body",
			ResponseBody: string(contents),
			WrappedError: err,
		}
	} else {
		return contents, nil
	}
}

func ParseErrorResponse(req *http.Request, res *http.Response) ([]byte, error) {
	contents, err := readResponseBody(req, res)
	if err != nil {
		return contents, err
	}

	respErr := &RespError{}
	if _ = json.Unmarshal(contents, respErr); respErr.ErrCode == "" {
		respErr = nil
	} else {
		respErr.StatusCode = res.StatusCode
	}

	return contents, HTTPError{
		Request:      req,
		Response:     res,
		ResponseBody: string(contents),
		RespError:    respErr,
	}
}

// UploadBundle publishes a fresh prekey bundle for the given user.
func (cli *Client) UploadBundle(ctx context.Context, userID id.UserID, bundle *PreKeyBundle) error {
	_, err := cli.MakeFullRequest(ctx, FullRequest{
		Method:      http.MethodPost,
		URL:         cli.BuildURL("keys", "upload", userID.String()),
		RequestJSON: bundle,
	})
	return err
}

// FetchBundle fetches the current prekey bundle of the target user.
func (cli *Client) FetchBundle(ctx context.Context, targetID id.UserID) (*PreKeyBundle, error) {
	var bundle PreKeyBundle
	_, err := cli.MakeFullRequest(ctx, FullRequest{
		Method:       http.MethodGet,
		URL:          cli.BuildURL("keys", "fetch", targetID.String()),
		ResponseJSON: &bundle,
	})
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

// UploadBackup overwrites the user's key backup.
func (cli *Client) UploadBackup(ctx context.Context, userID id.UserID, backup *KeyBackup) error {
	_, err := cli.MakeFullRequest(ctx, FullRequest{
		Method:           http.MethodPost,
		URL:              cli.BuildURL("keys", "backup", userID.String()),
		RequestJSON:      backup,
		SensitiveContent: true,
	})
	return err
}

// GetBackup fetches the user's key backup. It returns nil without an error if the server has none.
func (cli *Client) GetBackup(ctx context.Context, userID id.UserID) (*KeyBackup, error) {
	var backup KeyBackup
	_, err := cli.MakeFullRequest(ctx, FullRequest{
		Method:       http.MethodGet,
		URL:          cli.BuildURL("keys", "backup", userID.String()),
		ResponseJSON: &backup,
	})
	if errors.Is(err, MNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &backup, nil
}
