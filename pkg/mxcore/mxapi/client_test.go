// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
package mxapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/mxcore/pkg/mxcore/mxapi"
)

func newTestClient(t *testing.T, handler http.Handler) *mxapi.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	cli, err := mxapi.NewClient(server.URL, zerolog.Nop())
	require.NoError(t, err)
	return cli
}

func TestNewClient_RejectsBadURLs(t *testing.T) {
	_, err := mxapi.NewClient("", zerolog.Nop())
	assert.Error(t, err)
	_, err = mxapi.NewClient("ftp://example.org", zerolog.Nop())
	assert.Error(t, err)
}

func TestVerifyServerVersions(t *testing.T) {
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_matrix/client/versions", r.URL.Path)
		_, _ = w.Write([]byte(`{"versions": ["r0.5.0", "r0.6.1"]}`))
	}))
	assert.NoError(t, cli.VerifyServerVersions(context.Background()))

	tooNew := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"versions": ["v1.1", "v1.2"]}`))
	}))
	err := tooNew.VerifyServerVersions(context.Background())
	assert.ErrorIs(t, err, mxapi.ErrUnsupportedServer)
}

func TestRequest_AccessTokenAsQueryParam(t *testing.T) {
	var gotToken string
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.URL.Query().Get("access_token")
		_, _ = w.Write([]byte(`{"joined_rooms": []}`))
	}))
	cli.AccessToken = "syt_secret"
	_, err := cli.JoinedRooms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "syt_secret", gotToken)
}

func TestRequest_MatrixErrorMapping(t *testing.T) {
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errcode": "M_FORBIDDEN", "error": "Invalid password"}`))
	}))
	_, err := cli.Login(context.Background(), &mxapi.ReqLogin{Type: "m.login.password"})
	require.Error(t, err)
	assert.True(t, mxapi.IsBadCredentials(err))
	assert.False(t, mxapi.IsTransientNetwork(err))
}

func TestRequest_UnknownErrcodeIsGeneric(t *testing.T) {
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errcode": "M_SOMETHING_NEW", "error": "?"}`))
	}))
	_, err := cli.JoinedRooms(context.Background())
	require.Error(t, err)
	var matrixErr *mxapi.MatrixError
	require.ErrorAs(t, err, &matrixErr)
	assert.Equal(t, mxapi.ErrCodeUnknown, matrixErr.Code)
}

func TestRequest_RateLimitDelay(t *testing.T) {
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"errcode": "M_LIMIT_EXCEEDED", "error": "Slow down", "retry_after_ms": 2000}`))
	}))
	_, err := cli.SendMessageEvent(context.Background(), "!room:example.org", "m.room.message", "txn", map[string]string{})
	require.Error(t, err)
	delay, limited := mxapi.RateLimit(err, time.Second)
	assert.True(t, limited)
	assert.Equal(t, 2*time.Second, delay)

	// Fallback applies when the server omits retry_after_ms.
	noDelay := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"errcode": "M_LIMIT_EXCEEDED", "error": "Slow down"}`))
	}))
	_, err = noDelay.JoinedRooms(context.Background())
	delay, limited = mxapi.RateLimit(err, time.Second)
	assert.True(t, limited)
	assert.Equal(t, time.Second, delay)
}

func TestRequest_MalformedSuccessBody(t *testing.T) {
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>captive portal</html>`))
	}))
	_, err := cli.JoinedRooms(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, mxapi.ErrMalformedResponse)
	assert.True(t, mxapi.IsTransientNetwork(err))
}

func TestRequest_ConnectionRefusedIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	cli, err := mxapi.NewClient(server.URL, zerolog.Nop())
	require.NoError(t, err)
	server.Close()

	_, err = cli.JoinedRooms(context.Background())
	require.Error(t, err)
	assert.True(t, mxapi.IsTransientNetwork(err))
}

func TestSync_QueryParameters(t *testing.T) {
	var gotQuery map[string][]string
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte(`{"next_batch": "nb1"}`))
	}))
	resp, err := cli.Sync(context.Background(), "since-token", true, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "nb1", resp.NextBatch)
	assert.Equal(t, []string{"since-token"}, gotQuery["since"])
	assert.Equal(t, []string{"true"}, gotQuery["full_state"])
	assert.Equal(t, []string{"30000"}, gotQuery["timeout"])

	// First syncs go out without a since token.
	cli2 := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte(`{"next_batch": "nb1"}`))
	}))
	_, err = cli2.Sync(context.Background(), "", false, 30*time.Second)
	require.NoError(t, err)
	assert.NotContains(t, gotQuery, "since")
	assert.NotContains(t, gotQuery, "full_state")
}

func TestDiscoverHomeserver(t *testing.T) {
	// Discovery always speaks https, so the mock needs a TLS listener and
	// its pre-trusted client.
	wellKnown := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/.well-known/matrix/client", r.URL.Path)
		_, _ = w.Write([]byte(`{"m.homeserver": {"base_url": "https://synapse.example.org"}}`))
	}))
	defer wellKnown.Close()

	url, err := mxapi.DiscoverHomeserver(context.Background(), wellKnown.Client(), hostOf(t, wellKnown.URL))
	require.NoError(t, err)
	assert.Equal(t, "https://synapse.example.org", url)
}

func TestDiscoverHomeserver_404FallsBackToDefault(t *testing.T) {
	server := httptest.NewTLSServer(http.NotFoundHandler())
	defer server.Close()

	url, err := mxapi.DiscoverHomeserver(context.Background(), server.Client(), hostOf(t, server.URL))
	require.NoError(t, err)
	assert.Equal(t, mxapi.DefaultHomeserver, url)
}

func TestDiscoverHomeserver_ServerErrorIsFatal(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := mxapi.DiscoverHomeserver(context.Background(), server.Client(), hostOf(t, server.URL))
	assert.Error(t, err)
}

func TestParseUserID(t *testing.T) {
	localpart, server := mxapi.ParseUserID("@alice:example.org")
	assert.Equal(t, "alice", localpart)
	assert.Equal(t, "example.org", server)

	localpart, server = mxapi.ParseUserID("alice")
	assert.Equal(t, "alice", localpart)
	assert.Empty(t, server)

	assert.EqualValues(t, "@alice:example.org", mxapi.FullUserID("alice", "example.org"))
}

func hostOf(t *testing.T, rawURL string) string {
	t.Helper()
	const prefix = "https://"
	require.True(t, len(rawURL) > len(prefix))
	return rawURL[len(prefix):]
}
