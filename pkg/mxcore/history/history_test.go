// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
package history_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mxcore/pkg/mxcore/history"
	"go.mau.fi/mxcore/pkg/mxcore/rooms"
)

const testRoom = id.RoomID("!history:example.org")

func openStore(t *testing.T) *history.Store {
	t.Helper()
	hs, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = hs.Close()
	})
	return hs
}

func TestStore_AppendLoadRoundtrip(t *testing.T) {
	hs := openStore(t)
	err := hs.Append(testRoom, []*rooms.Message{
		{ID: "$a", Body: "first", Timestamp: 100},
		{ID: "$b", Body: "second", Timestamp: 200},
	})
	require.NoError(t, err)

	msgs, _, err := hs.Load(testRoom, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Body)
	assert.Equal(t, "second", msgs[1].Body)
}

func TestStore_PrependComesBeforeAppended(t *testing.T) {
	hs := openStore(t)
	require.NoError(t, hs.Append(testRoom, []*rooms.Message{{ID: "$live", Body: "live", Timestamp: 300}}))
	// Backfill arrives newest-first, as the server pages backwards.
	require.NoError(t, hs.Prepend(testRoom, []*rooms.Message{
		{ID: "$old2", Body: "old2", Timestamp: 200},
		{ID: "$old1", Body: "old1", Timestamp: 100},
	}))

	msgs, _, err := hs.Load(testRoom, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "old1", msgs[0].Body)
	assert.Equal(t, "old2", msgs[1].Body)
	assert.Equal(t, "live", msgs[2].Body)
}

func TestStore_Get(t *testing.T) {
	hs := openStore(t)
	require.NoError(t, hs.Append(testRoom, []*rooms.Message{{ID: "$a", Body: "hello", Timestamp: 100}}))

	msg, err := hs.Get(testRoom, "$a")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Body)

	_, err = hs.Get(testRoom, "$missing")
	assert.ErrorIs(t, err, history.ErrMessageNotFound)
	_, err = hs.Get("!other:example.org", "$a")
	assert.ErrorIs(t, err, history.ErrRoomNotFound)
}

func TestStore_ConfirmLocalEcho(t *testing.T) {
	hs := openStore(t)
	require.NoError(t, hs.Append(testRoom, []*rooms.Message{
		{TxnID: "txn-1", Body: "pending", Timestamp: 100, Status: rooms.StatusPending},
	}))

	require.NoError(t, hs.ConfirmLocalEcho(testRoom, "txn-1", "$confirmed"))

	msg, err := hs.Get(testRoom, "$confirmed")
	require.NoError(t, err)
	assert.Equal(t, "pending", msg.Body)
	assert.Equal(t, rooms.StatusSent, msg.Status)

	err = hs.ConfirmLocalEcho(testRoom, "txn-unknown", "$x")
	assert.ErrorIs(t, err, history.ErrMessageNotFound)
}

func TestStore_LoadPagesBackwards(t *testing.T) {
	hs := openStore(t)
	batch := make([]*rooms.Message, 5)
	for i := range batch {
		body := string(rune('a' + i))
		batch[i] = &rooms.Message{ID: id.EventID("$" + body), Body: body, Timestamp: int64(i)}
	}
	require.NoError(t, hs.Append(testRoom, batch))

	newest, ptr, err := hs.Load(testRoom, 2, 0)
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, "d", newest[0].Body)
	assert.Equal(t, "e", newest[1].Body)

	older, _, err := hs.Load(testRoom, 2, ptr)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "b", older[0].Body)
	assert.Equal(t, "c", older[1].Body)
}
