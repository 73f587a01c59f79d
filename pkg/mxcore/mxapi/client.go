// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mxapi contains the low-level Matrix client-server API plumbing:
// request/response handling, the fixed set of r0 endpoints the engine uses,
// error code mapping and homeserver discovery.
package mxapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// DefaultUserAgent is sent with every request.
var DefaultUserAgent = "mxcore/0.1.0"

// Client is a plain HTTP client for the Matrix client-server API. It holds
// no sync or crypto state; the engine layers sit on top of it.
type Client struct {
	HomeserverURL string
	AccessToken   string
	UserAgent     string

	HTTP *http.Client
	Log  zerolog.Logger
}

// NewClient creates a client for the given homeserver base URL. The URL is
// validated here so request building can concatenate strings directly.
func NewClient(homeserverURL string, log zerolog.Logger) (*Client, error) {
	if homeserverURL == "" {
		return nil, fmt.Errorf("mxapi: homeserver URL is required")
	}
	parsed, err := url.Parse(homeserverURL)
	if err != nil {
		return nil, fmt.Errorf("mxapi: invalid homeserver URL %q: %w", homeserverURL, err)
	} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("mxapi: invalid homeserver URL scheme %q", parsed.Scheme)
	}
	return &Client{
		HomeserverURL: strings.TrimRight(homeserverURL, "/"),
		UserAgent:     DefaultUserAgent,
		HTTP: &http.Client{
			// The long-poll server-side timeout is 30 seconds, the transport
			// timeout must never fire before the server would have returned
			// an empty sync response.
			Timeout: 180 * time.Second,
		},
		Log: log,
	}, nil
}

// BuildURL builds a request URL from path segments, escaping each segment.
func (cli *Client) BuildURL(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, segment := range segments {
		escaped[i] = url.PathEscape(segment)
	}
	return cli.HomeserverURL + "/_matrix/client/" + strings.Join(escaped, "/")
}

// Request performs a request against the homeserver and unmarshals a 2xx
// response body into responseBody (which may be nil). Authenticated requests
// carry the access token as a query parameter. Non-2xx Matrix error bodies
// are returned as *MatrixError; transport-level failures as *NetworkError.
func (cli *Client) Request(ctx context.Context, method, requestURL string, query url.Values, requestBody, responseBody any) error {
	if cli.AccessToken != "" {
		if query == nil {
			query = url.Values{}
		}
		query.Set("access_token", cli.AccessToken)
	}
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("mxapi: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return fmt.Errorf("mxapi: failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", cli.UserAgent)
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := cli.HTTP.Do(req)
	if err != nil {
		return &NetworkError{Method: method, URL: requestURL, Inner: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Method: method, URL: requestURL, Inner: err}
	}
	cli.Log.Trace().
		Str("method", method).
		Str("url", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Matrix API request finished")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseMatrixError(resp, rawBody)
	}
	if responseBody != nil {
		if err = json.Unmarshal(rawBody, responseBody); err != nil {
			// A 2xx with a garbage body is a protocol violation, not a
			// retriable network hiccup.
			return fmt.Errorf("%w: %s %s returned unparseable body: %v", ErrMalformedResponse, method, req.URL.Path, err)
		}
	}
	return nil
}

// Versions fetches the API versions supported by the homeserver.
func (cli *Client) Versions(ctx context.Context) (*RespVersions, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var resp RespVersions
	err := cli.Request(ctx, http.MethodGet, cli.HomeserverURL+"/_matrix/client/versions", nil, nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login performs a password login.
func (cli *Client) Login(ctx context.Context, req *ReqLogin) (*RespLogin, error) {
	var resp RespLogin
	err := cli.Request(ctx, http.MethodPost, cli.BuildURL("r0", "login"), nil, req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadKeys publishes device and/or one-time keys.
func (cli *Client) UploadKeys(ctx context.Context, req *ReqUploadKeys) (*RespUploadKeys, error) {
	var resp RespUploadKeys
	err := cli.Request(ctx, http.MethodPost, cli.BuildURL("r0", "keys", "upload"), nil, req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueryKeys fetches device identity keys for the given users.
func (cli *Client) QueryKeys(ctx context.Context, req *ReqQueryKeys) (*RespQueryKeys, error) {
	var resp RespQueryKeys
	err := cli.Request(ctx, http.MethodPost, cli.BuildURL("r0", "keys", "query"), nil, req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClaimKeys claims one-time keys for the given devices.
func (cli *Client) ClaimKeys(ctx context.Context, req *ReqClaimKeys) (*RespClaimKeys, error) {
	var resp RespClaimKeys
	err := cli.Request(ctx, http.MethodPost, cli.BuildURL("r0", "keys", "claim"), nil, req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// JoinedRooms fetches the list of rooms the user is joined to.
func (cli *Client) JoinedRooms(ctx context.Context) (*RespJoinedRooms, error) {
	var resp RespJoinedRooms
	err := cli.Request(ctx, http.MethodGet, cli.BuildURL("r0", "joined_rooms"), nil, nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RoomState fetches the full current state of a room.
func (cli *Client) RoomState(ctx context.Context, roomID id.RoomID) (RespRoomState, error) {
	var resp RespRoomState
	err := cli.Request(ctx, http.MethodGet, cli.BuildURL("r0", "rooms", roomID.String(), "state"), nil, nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// RoomMessages paginates a room timeline from the given cursor.
func (cli *Client) RoomMessages(ctx context.Context, roomID id.RoomID, from, dir string, limit int) (*RespRoomMessages, error) {
	query := url.Values{"from": {from}, "dir": {dir}}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp RespRoomMessages
	err := cli.Request(ctx, http.MethodGet, cli.BuildURL("r0", "rooms", roomID.String(), "messages"), query, nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sync performs one long-poll sync request. since may be empty on the first
// call. The serverTimeout is how long the homeserver may hold the request.
func (cli *Client) Sync(ctx context.Context, since string, fullState bool, serverTimeout time.Duration) (*RespSync, error) {
	query := url.Values{
		"timeout": {strconv.FormatInt(serverTimeout.Milliseconds(), 10)},
	}
	if since != "" {
		query.Set("since", since)
	}
	if fullState {
		query.Set("full_state", "true")
	}
	var resp RespSync
	err := cli.Request(ctx, http.MethodGet, cli.BuildURL("r0", "sync"), query, nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendMessageEvent sends a message event to a room with the given transaction
// ID and returns the server-assigned event ID.
func (cli *Client) SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType, txnID string, content any) (*RespSendEvent, error) {
	var resp RespSendEvent
	requestURL := cli.BuildURL("r0", "rooms", roomID.String(), "send", eventType, txnID)
	err := cli.Request(ctx, http.MethodPut, requestURL, nil, content, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendToDevice sends direct to-device events, batched per user and device.
func (cli *Client) SendToDevice(ctx context.Context, eventType, txnID string, req *ReqSendToDevice) error {
	requestURL := cli.BuildURL("r0", "sendToDevice", eventType, txnID)
	return cli.Request(ctx, http.MethodPut, requestURL, nil, req, nil)
}

// SetTyping reports the user's typing state in a room.
func (cli *Client) SetTyping(ctx context.Context, roomID id.RoomID, userID id.UserID, typing bool, timeout time.Duration) error {
	req := ReqTyping{Typing: typing}
	if typing {
		req.Timeout = timeout.Milliseconds()
	}
	requestURL := cli.BuildURL("r0", "rooms", roomID.String(), "typing", userID.String())
	return cli.Request(ctx, http.MethodPut, requestURL, nil, &req, nil)
}

// SetReadMarkers advances the fully-read marker and read receipt in a room.
func (cli *Client) SetReadMarkers(ctx context.Context, roomID id.RoomID, req *ReqReadMarkers) error {
	requestURL := cli.BuildURL("r0", "rooms", roomID.String(), "read_markers")
	return cli.Request(ctx, http.MethodPost, requestURL, nil, req, nil)
}
