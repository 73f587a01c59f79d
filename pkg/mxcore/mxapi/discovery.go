// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mxapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"maunium.net/go/mautrix/id"
)

// DefaultHomeserver is used when a bare username is given and the server
// name's well-known document is missing.
const DefaultHomeserver = "https://matrix.org"

// SupportedVersions is the known-good API version range. The engine refuses
// to talk to servers that advertise none of these.
var SupportedVersions = []string{"r0.6.0", "r0.6.1"}

// ParseUserID splits a Matrix user ID into localpart and server name.
// A bare localpart (no leading sigil or no colon) returns an empty server.
func ParseUserID(userID string) (localpart, server string) {
	if !strings.HasPrefix(userID, "@") {
		return userID, ""
	}
	localpart, server, found := strings.Cut(userID[1:], ":")
	if !found {
		return localpart, ""
	}
	return localpart, server
}

// DiscoverHomeserver resolves the homeserver base URL for a server name via
// its .well-known document. A 404 falls back to DefaultHomeserver; any other
// failure is fatal, since there is no homeserver to sync against.
func DiscoverHomeserver(ctx context.Context, httpClient *http.Client, serverName string) (string, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	wellKnownURL := "https://" + serverName + "/.well-known/matrix/client"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return "", fmt.Errorf("mxapi: failed to create well-known request: %w", err)
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", &NetworkError{Method: http.MethodGet, URL: wellKnownURL, Inner: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusNotFound {
		return DefaultHomeserver, nil
	} else if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mxapi: well-known lookup for %s returned HTTP %d", serverName, resp.StatusCode)
	}
	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &NetworkError{Method: http.MethodGet, URL: wellKnownURL, Inner: err}
	}
	var wellKnown struct {
		Homeserver struct {
			BaseURL string `json:"base_url"`
		} `json:"m.homeserver"`
	}
	if err = json.Unmarshal(rawBody, &wellKnown); err != nil {
		return "", fmt.Errorf("mxapi: invalid well-known document for %s: %w", serverName, err)
	} else if wellKnown.Homeserver.BaseURL == "" {
		return "", fmt.Errorf("mxapi: well-known document for %s has no homeserver base URL", serverName)
	}
	return strings.TrimRight(wellKnown.Homeserver.BaseURL, "/"), nil
}

// VerifyServerVersions checks that the homeserver advertises a version in
// the supported range and returns ErrUnsupportedServer otherwise.
func (cli *Client) VerifyServerVersions(ctx context.Context) error {
	resp, err := cli.Versions(ctx)
	if err != nil {
		return err
	}
	for _, version := range SupportedVersions {
		if resp.Contains(version) {
			return nil
		}
	}
	return fmt.Errorf("%w (got %v)", ErrUnsupportedServer, resp.Versions)
}

// FullUserID qualifies a bare localpart against a server name.
func FullUserID(localpart, serverName string) id.UserID {
	return id.UserID("@" + localpart + ":" + serverName)
}
