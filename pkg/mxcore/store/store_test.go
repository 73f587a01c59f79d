// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/mxcore/pkg/mxcore/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestStore_AccountRoundtrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	loaded, err := s.LoadAccount(ctx, "@alice:example.org", "")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	record := &store.AccountRecord{
		UserID:    "@alice:example.org",
		DeviceID:  "DEVICE1",
		Enabled:   true,
		Pickle:    "pickle-data",
		NextBatch: "s123",
	}
	require.NoError(t, s.SaveAccount(ctx, record))

	loaded, err = s.LoadAccount(ctx, "@alice:example.org", "DEVICE1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "pickle-data", loaded.Pickle)
	assert.Equal(t, "s123", loaded.NextBatch)
	assert.True(t, loaded.Enabled)
}

func TestStore_AccountUpsertIsWholeRecord(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAccount(ctx, &store.AccountRecord{
		UserID: "@alice:example.org", DeviceID: "DEVICE1", Enabled: true, Pickle: "p1", NextBatch: "s1",
	}))
	require.NoError(t, s.SaveAccount(ctx, &store.AccountRecord{
		UserID: "@alice:example.org", DeviceID: "DEVICE1", Enabled: true, Pickle: "p2", NextBatch: "s2",
	}))

	loaded, err := s.LoadAccount(ctx, "@alice:example.org", "")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "p2", loaded.Pickle)
	assert.Equal(t, "s2", loaded.NextBatch)
}

func TestStore_DeleteAccount(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAccount(ctx, &store.AccountRecord{
		UserID: "@alice:example.org", DeviceID: "DEVICE1", Enabled: true,
	}))
	require.NoError(t, s.DeleteAccount(ctx, "@alice:example.org"))

	loaded, err := s.LoadAccount(ctx, "@alice:example.org", "")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestStore_SessionUniqueness(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveAccount(ctx, &store.AccountRecord{
		UserID: "@alice:example.org", DeviceID: "DEVICE1", Enabled: true,
	}))

	sess := &store.SessionRecord{
		UserID:    "@alice:example.org",
		DeviceID:  "DEVICE1",
		RoomID:    "!room:example.org",
		SessionID: "sess-1",
		SenderKey: "sender-key",
		Kind:      store.SessionMegolmInbound,
		Pickle:    "original",
	}
	require.NoError(t, s.AddSession(ctx, sess))

	dup := *sess
	dup.Pickle = "overwrite-attempt"
	err := s.AddSession(ctx, &dup)
	assert.ErrorIs(t, err, store.ErrSessionExists)

	// The stored pickle must be the original, never the second insert.
	pickle, err := s.LookupSession(ctx, "@alice:example.org", "sess-1", "sender-key", store.SessionMegolmInbound)
	require.NoError(t, err)
	assert.Equal(t, "original", pickle)
}

func TestStore_LookupSessionMissingIsEmpty(t *testing.T) {
	s := openStore(t)
	pickle, err := s.LookupSession(context.Background(), "@alice:example.org", "nope", "nope", store.SessionOlmInbound)
	require.NoError(t, err)
	assert.Empty(t, pickle)
}

func TestStore_RoomCursor(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveAccount(ctx, &store.AccountRecord{
		UserID: "@alice:example.org", DeviceID: "DEVICE1", Enabled: true,
	}))

	prevBatch, err := s.LoadRoom(ctx, "@alice:example.org", "!room:example.org")
	require.NoError(t, err)
	assert.Empty(t, prevBatch)

	require.NoError(t, s.SaveRoom(ctx, "@alice:example.org", "!room:example.org", "t1-abc"))
	require.NoError(t, s.SaveRoom(ctx, "@alice:example.org", "!room:example.org", "t2-def"))

	prevBatch, err = s.LoadRoom(ctx, "@alice:example.org", "!room:example.org")
	require.NoError(t, err)
	assert.Equal(t, "t2-def", prevBatch)
}

func TestStore_FileEncryptionInfo(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	info := &store.FileEncryptionInfo{
		FileURL:   "mxc://example.org/abc",
		IV:        "iv",
		Key:       "key",
		SHA256:    "hash",
		Version:   "v2",
		Algorithm: "A256CTR",
		KeyType:   "oct",
	}
	require.NoError(t, s.SaveFileEncryptionInfo(ctx, info))
	// Append-only: a second save for the same URL is a silent no-op.
	dup := *info
	dup.Key = "other"
	require.NoError(t, s.SaveFileEncryptionInfo(ctx, &dup))

	loaded, err := s.LookupFileEncryptionInfo(ctx, "mxc://example.org/abc")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "key", loaded.Key)

	missing, err := s.LookupFileEncryptionInfo(ctx, "mxc://example.org/missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_ClosedFailsFast(t *testing.T) {
	s := openStore(t)
	s.Close()

	err := s.SaveAccount(context.Background(), &store.AccountRecord{UserID: "@a:b", DeviceID: "D"})
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = s.LookupSession(context.Background(), "@a:b", "x", "y", store.SessionOlmInbound)
	assert.ErrorIs(t, err, store.ErrClosed)

	// Closing twice is fine.
	s.Close()
}
