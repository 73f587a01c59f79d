// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
package crypt_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mxcore/pkg/mxcore/crypt"
	"go.mau.fi/mxcore/pkg/mxcore/store"
)

func newEngine(t *testing.T, userID id.UserID, deviceID id.DeviceID) (*crypt.Engine, []byte) {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "crypt.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(db.Close)
	pickleKey := crypt.GeneratePickleKey()
	engine, err := crypt.NewEngine(userID, deviceID, "", pickleKey, db, zerolog.Nop())
	require.NoError(t, err)
	return engine, pickleKey
}

func TestNewEngine_PickleRoundtrip(t *testing.T) {
	engine, pickleKey := newEngine(t, "@alice:example.org", "DEVICE1")
	signingKey, identityKey, err := engine.IdentityKeys()
	require.NoError(t, err)
	require.NotEmpty(t, signingKey)
	require.NotEmpty(t, identityKey)

	pickle, err := engine.PickleAccount()
	require.NoError(t, err)
	require.NotEmpty(t, pickle)

	restored, err := crypt.NewEngine("@alice:example.org", "DEVICE1", pickle, pickleKey, nil, zerolog.Nop())
	require.NoError(t, err)
	restoredSigning, restoredIdentity, err := restored.IdentityKeys()
	require.NoError(t, err)
	assert.Equal(t, signingKey, restoredSigning)
	assert.Equal(t, identityKey, restoredIdentity)
}

func TestNewEngine_WrongPickleKey(t *testing.T) {
	engine, _ := newEngine(t, "@alice:example.org", "DEVICE1")
	pickle, err := engine.PickleAccount()
	require.NoError(t, err)

	_, err = crypt.NewEngine("@alice:example.org", "DEVICE1", pickle, crypt.GeneratePickleKey(), nil, zerolog.Nop())
	assert.ErrorIs(t, err, crypt.ErrCorruptPickle)

	_, err = crypt.NewEngine("@alice:example.org", "DEVICE1", "garbage", nil, nil, zerolog.Nop())
	assert.ErrorIs(t, err, crypt.ErrCorruptPickle)
}

func TestGenerateOneTimeKeys_CapsAtHalfMax(t *testing.T) {
	engine, _ := newEngine(t, "@alice:example.org", "DEVICE1")
	max := engine.MaxOneTimeKeys()
	require.NotZero(t, max)

	generated, err := engine.GenerateOneTimeKeys(max * 2)
	require.NoError(t, err)
	assert.Equal(t, max/2, generated)

	keys, err := engine.UnpublishedOneTimeKeys()
	require.NoError(t, err)
	assert.Len(t, keys, int(max/2))

	engine.MarkKeysAsPublished()
	keys, err = engine.UnpublishedOneTimeKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSignedObject_VerifyAndTamper(t *testing.T) {
	engine, _ := newEngine(t, "@alice:example.org", "DEVICE1")
	signingKey, _, err := engine.IdentityKeys()
	require.NoError(t, err)

	raw := json.RawMessage(`{"b": 2, "a": 1, "nested": {"y": true, "x": false}}`)
	signed, err := engine.SignedObject(raw)
	require.NoError(t, err)

	assert.True(t, engine.Verify(signed, "@alice:example.org", "DEVICE1", signingKey))

	// Key order is irrelevant to verification, only values are.
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(signed, &decoded))
	reordered, err := json.Marshal(decoded)
	require.NoError(t, err)
	assert.True(t, engine.Verify(reordered, "@alice:example.org", "DEVICE1", signingKey))

	// Any change to the signed content must break verification.
	decoded["b"] = 3
	tampered, err := json.Marshal(decoded)
	require.NoError(t, err)
	assert.False(t, engine.Verify(tampered, "@alice:example.org", "DEVICE1", signingKey))

	// A signature from a different identity must not verify either.
	other, _ := newEngine(t, "@mallory:example.org", "DEVICE2")
	otherKey, _, err := other.IdentityKeys()
	require.NoError(t, err)
	assert.False(t, engine.Verify(signed, "@alice:example.org", "DEVICE1", otherKey))
}

func TestVerify_MalformedSignature(t *testing.T) {
	engine, _ := newEngine(t, "@alice:example.org", "DEVICE1")
	signingKey, _, err := engine.IdentityKeys()
	require.NoError(t, err)

	raw := json.RawMessage(`{"a":1,"signatures":{"@alice:example.org":{"ed25519:DEVICE1":"!!not base64!!"}}}`)
	assert.False(t, engine.Verify(raw, "@alice:example.org", "DEVICE1", signingKey))

	missing := json.RawMessage(`{"a":1}`)
	assert.False(t, engine.Verify(missing, "@alice:example.org", "DEVICE1", signingKey))
}

func TestGroupSession_EncryptDecryptRoundtrip(t *testing.T) {
	engine, _ := newEngine(t, "@alice:example.org", "DEVICE1")
	ctx := context.Background()
	roomID := id.RoomID("!room:example.org")

	material, err := engine.CreateOutboundGroupSession(ctx, roomID)
	require.NoError(t, err)
	require.NotNil(t, material)
	assert.Equal(t, roomID, material.RoomID)
	assert.NotEmpty(t, material.SessionKey)

	// Creating again must be a no-op, not a rotation.
	again, err := engine.CreateOutboundGroupSession(ctx, roomID)
	require.NoError(t, err)
	assert.Nil(t, again)

	payload, err := engine.EncryptForRoom(roomID, "m.room.message", map[string]string{
		"msgtype": "m.text",
		"body":    "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, material.SessionID, payload.SessionID)

	// The sender registers its own session's inbound twin, so it can read
	// back its own messages.
	plaintext, err := engine.DecryptGroupMessage(ctx, payload.SessionID, payload.SenderKey, payload.Ciphertext)
	require.NoError(t, err)
	assert.Contains(t, string(plaintext), "secret")
	assert.Contains(t, string(plaintext), roomID.String())
}

func TestEncryptForRoom_RequiresGroupSession(t *testing.T) {
	engine, _ := newEngine(t, "@alice:example.org", "DEVICE1")
	_, err := engine.EncryptForRoom("!noroom:example.org", "m.room.message", map[string]string{})
	assert.ErrorIs(t, err, crypt.ErrNoActiveGroupSession)
}

func TestDecryptGroupMessage_UnknownSession(t *testing.T) {
	engine, _ := newEngine(t, "@alice:example.org", "DEVICE1")
	_, err := engine.DecryptGroupMessage(context.Background(), "no-such-session", "no-such-key", "AwgA")
	assert.ErrorIs(t, err, crypt.ErrUnknownSession)
}

func TestAddInboundGroupSession_NeverOverwrites(t *testing.T) {
	engine, _ := newEngine(t, "@alice:example.org", "DEVICE1")
	ctx := context.Background()
	material, err := engine.CreateOutboundGroupSession(ctx, "!room:example.org")
	require.NoError(t, err)

	// Re-adding the same session ID with different key material must not
	// replace the registered session.
	err = engine.AddInboundGroupSession(ctx, "!room:example.org", material.SessionID, "other-sender", material.SessionKey)
	require.NoError(t, err)

	payload, err := engine.EncryptForRoom("!room:example.org", "m.room.message", map[string]string{"body": "x"})
	require.NoError(t, err)
	_, err = engine.DecryptGroupMessage(ctx, payload.SessionID, payload.SenderKey, payload.Ciphertext)
	assert.NoError(t, err)
}

func TestOlmPairwise_RoundtripViaOneTimeKey(t *testing.T) {
	alice, _ := newEngine(t, "@alice:example.org", "ALICEDEV")
	bob, _ := newEngine(t, "@bob:example.org", "BOBDEV")
	ctx := context.Background()

	_, bobIdentity, err := bob.IdentityKeys()
	require.NoError(t, err)
	_, aliceIdentity, err := alice.IdentityKeys()
	require.NoError(t, err)

	_, err = bob.GenerateOneTimeKeys(1)
	require.NoError(t, err)
	otks, err := bob.UnpublishedOneTimeKeys()
	require.NoError(t, err)
	require.NotEmpty(t, otks)
	var oneTimeKey id.Curve25519
	for _, key := range otks {
		oneTimeKey = key
		break
	}

	session, err := alice.CreateOutboundSession(ctx, bobIdentity, oneTimeKey)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.True(t, alice.HasSessionWith(bobIdentity))

	msgType, ciphertext, err := alice.EncryptOlm(ctx, bobIdentity, session, []byte(`{"hello":"bob"}`))
	require.NoError(t, err)

	plaintext, err := bob.DecryptOlm(ctx, aliceIdentity, ciphertext, msgType)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"bob"}`, string(plaintext))
}

func TestCreateOutboundSession_MissingInputs(t *testing.T) {
	engine, _ := newEngine(t, "@alice:example.org", "DEVICE1")
	session, err := engine.CreateOutboundSession(context.Background(), "", "otk")
	require.NoError(t, err)
	assert.Nil(t, session)
	session, err = engine.CreateOutboundSession(context.Background(), "peer", "")
	require.NoError(t, err)
	assert.Nil(t, session)
}
