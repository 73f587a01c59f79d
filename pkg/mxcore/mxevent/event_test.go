// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
package mxevent_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/mxcore/pkg/mxcore/mxevent"
)

func TestDecode_Message(t *testing.T) {
	evt, err := mxevent.Decode([]byte(`{
		"type": "m.room.message",
		"event_id": "$abc",
		"sender": "@alice:example.org",
		"room_id": "!room:example.org",
		"origin_server_ts": 1700000000000,
		"content": {"msgtype": "m.text", "body": "hello"},
		"unsigned": {"transaction_id": "mxcore-abc123"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, mxevent.KindMessage, evt.Kind)
	require.NotNil(t, evt.Message)
	assert.Equal(t, "hello", evt.Message.Body)
	assert.Equal(t, "mxcore-abc123", evt.TransactionID)
	assert.EqualValues(t, 1700000000000, evt.Timestamp)
}

func TestDecode_EncryptedAlgorithmDisambiguation(t *testing.T) {
	megolm, err := mxevent.Decode([]byte(`{
		"type": "m.room.encrypted",
		"content": {
			"algorithm": "m.megolm.v1.aes-sha2",
			"sender_key": "senderkey",
			"session_id": "sess",
			"ciphertext": "AwgA..."
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, mxevent.KindEncrypted, megolm.Kind)
	require.NotNil(t, megolm.Encrypted)
	assert.EqualValues(t, "sess", megolm.Encrypted.SessionID)

	olm, err := mxevent.Decode([]byte(`{
		"type": "m.room.encrypted",
		"content": {
			"algorithm": "m.olm.v1.curve25519-aes-sha2",
			"sender_key": "senderkey",
			"ciphertext": {"recipientkey": {"type": 0, "body": "AwogG..."}}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, mxevent.KindOlmEncrypted, olm.Kind)
	require.NotNil(t, olm.OlmEncrypted)
	require.Contains(t, olm.OlmEncrypted.Ciphertext, "recipientkey")
}

func TestDecode_StateEvents(t *testing.T) {
	member, err := mxevent.Decode([]byte(`{
		"type": "m.room.member",
		"state_key": "@bob:example.org",
		"content": {"membership": "join", "displayname": "Bob"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, mxevent.KindMember, member.Kind)
	require.NotNil(t, member.StateKey)
	assert.Equal(t, "@bob:example.org", *member.StateKey)
	assert.Equal(t, "join", member.Member.Membership)

	encryption, err := mxevent.Decode([]byte(`{
		"type": "m.room.encryption",
		"state_key": "",
		"content": {"algorithm": "m.megolm.v1.aes-sha2"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, mxevent.KindEncryption, encryption.Kind)
	assert.Equal(t, mxevent.AlgorithmMegolm, encryption.Encryption.Algorithm)
}

func TestDecode_RoomKey(t *testing.T) {
	evt, err := mxevent.Decode([]byte(`{
		"type": "m.room_key",
		"content": {
			"algorithm": "m.megolm.v1.aes-sha2",
			"room_id": "!room:example.org",
			"session_id": "sess",
			"session_key": "AgAAAA...",
			"chain_index": 3
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, mxevent.KindRoomKey, evt.Kind)
	assert.EqualValues(t, 3, evt.RoomKey.ChainIndex)
}

func TestDecode_RedactionFallback(t *testing.T) {
	evt, err := mxevent.Decode([]byte(`{
		"type": "m.room.redaction",
		"redacts": "$target",
		"content": {}
	}`))
	require.NoError(t, err)
	assert.Equal(t, mxevent.KindRedaction, evt.Kind)
	assert.EqualValues(t, "$target", evt.Redaction.Redacts)
}

func TestDecode_UnknownTypeIsNotAnError(t *testing.T) {
	evt, err := mxevent.Decode([]byte(`{"type": "org.example.custom", "content": {"x": 1}}`))
	require.NoError(t, err)
	assert.Equal(t, mxevent.KindUnknown, evt.Kind)
	assert.Equal(t, "org.example.custom", evt.Type)
}

func TestDecode_MalformedContentIsAnError(t *testing.T) {
	_, err := mxevent.Decode([]byte(`{"type": "m.room.message", "content": {"body": 42}}`))
	assert.Error(t, err)

	_, err = mxevent.Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecode_Typing(t *testing.T) {
	evt, err := mxevent.Decode([]byte(`{"type": "m.typing", "content": {"user_ids": ["@a:x", "@b:x"]}}`))
	require.NoError(t, err)
	assert.Equal(t, mxevent.KindTyping, evt.Kind)
	assert.Len(t, evt.Typing.UserIDs, 2)
}
