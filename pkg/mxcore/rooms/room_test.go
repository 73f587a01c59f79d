// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
package rooms_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/mxcore/pkg/mxcore/rooms"
)

func TestRoom_AddMessage_SortsByTimestamp(t *testing.T) {
	room := rooms.NewRoom("!test:example.org")
	room.AddMessage(&rooms.Message{ID: "$c", Timestamp: 300})
	room.AddMessage(&rooms.Message{ID: "$a", Timestamp: 100})
	room.AddMessage(&rooms.Message{ID: "$b", Timestamp: 200})

	msgs := room.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "$a", msgs[0].ID.String())
	assert.Equal(t, "$b", msgs[1].ID.String())
	assert.Equal(t, "$c", msgs[2].ID.String())
}

func TestRoom_AddMessage_EchoDoesNotDuplicate(t *testing.T) {
	room := rooms.NewRoom("!test:example.org")
	sent := &rooms.Message{TxnID: "txn-1", Body: "hello", Timestamp: 100, Status: rooms.StatusPending}
	room.AddMessage(sent)
	require.Equal(t, 1, room.MessageCount())

	echoed := room.AddMessage(&rooms.Message{ID: "$evt", TxnID: "txn-1", Body: "hello", Timestamp: 150})
	assert.Equal(t, 1, room.MessageCount())
	assert.Same(t, sent, echoed)
	assert.Equal(t, "$evt", sent.ID.String())
	assert.Equal(t, rooms.StatusSent, sent.Status)
}

func TestRoom_ConfirmLocalEcho(t *testing.T) {
	room := rooms.NewRoom("!test:example.org")
	msg := &rooms.Message{TxnID: "txn-2", Timestamp: 100}
	room.AddMessage(msg)

	assert.False(t, room.ConfirmLocalEcho("nope", "$evt"))
	assert.True(t, room.ConfirmLocalEcho("txn-2", "$evt"))
	assert.Equal(t, "$evt", msg.ID.String())
	assert.Equal(t, rooms.StatusSent, msg.Status)
}

func TestRoom_SendQueue_FIFOAndRequeue(t *testing.T) {
	room := rooms.NewRoom("!test:example.org")
	first := &rooms.Message{TxnID: "t1"}
	second := &rooms.Message{TxnID: "t2"}
	room.EnqueueSend(first)
	room.EnqueueSend(second)
	assert.Equal(t, 2, room.PendingCount())

	got := room.DequeueSend()
	assert.Same(t, first, got)
	assert.Equal(t, rooms.StatusSending, got.Status)

	room.RequeueSendHead(got)
	assert.Same(t, first, room.DequeueSend())
	assert.Same(t, second, room.DequeueSend())
	assert.Nil(t, room.DequeueSend())
}

func TestRoom_EncryptionIsOneWay(t *testing.T) {
	room := rooms.NewRoom("!test:example.org")
	assert.False(t, room.Encrypted())
	room.SetEncrypted()
	assert.True(t, room.Encrypted())
}

func TestRoom_MemberDeviceTracking(t *testing.T) {
	room := rooms.NewRoom("!test:example.org")
	room.SetMembership("@bob:example.org", "join")
	assert.Equal(t, []string{"@bob:example.org"}, toStrings(room.JoinedMembers()))
	assert.Len(t, room.OutdatedMembers(), 1)

	room.ReplaceDevices("@bob:example.org", nil)
	assert.Empty(t, room.OutdatedMembers())

	room.MarkDevicesOutdated("@bob:example.org")
	assert.Len(t, room.OutdatedMembers(), 1)

	room.SetMembership("@bob:example.org", "leave")
	assert.Empty(t, room.JoinedMembers())
}

func TestCache_GetOrCreate(t *testing.T) {
	cache := rooms.NewCache()
	assert.Nil(t, cache.Get("!a:example.org"))
	room := cache.GetOrCreate("!a:example.org")
	assert.Same(t, room, cache.GetOrCreate("!a:example.org"))
	assert.Len(t, cache.All(), 1)
	cache.Forget("!a:example.org")
	assert.Nil(t, cache.Get("!a:example.org"))
}

func toStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
