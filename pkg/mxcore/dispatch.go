// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
package mxcore

import (
	"context"
	"encoding/json"
	"errors"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/mxcore/pkg/mxcore/crypt"
	"go.mau.fi/mxcore/pkg/mxcore/mxevent"
	"go.mau.fi/mxcore/pkg/mxcore/rooms"
	"go.mau.fi/mxcore/pkg/mxcore/store"
)

func (cli *Client) handleRoomEvent(ctx context.Context, room *rooms.Room, raw json.RawMessage) {
	evt, err := mxevent.Decode(raw)
	if err != nil {
		cli.Log.Debug().Err(err).Stringer("room_id", room.ID).Msg("Dropping malformed room event")
		return
	}
	switch evt.Kind {
	case mxevent.KindMessage:
		cli.addMessage(ctx, room, evt, evt.Message)
	case mxevent.KindEncrypted:
		cli.handleEncryptedRoomEvent(ctx, room, evt)
	case mxevent.KindMember:
		cli.handleMemberEvent(room, evt)
	case mxevent.KindEncryption:
		room.SetEncrypted()
		if cli.RoomChanged != nil {
			cli.RoomChanged(room.ID)
		}
	case mxevent.KindRedaction:
		cli.Log.Debug().
			Stringer("room_id", room.ID).
			Stringer("redacts", evt.Redaction.Redacts).
			Msg("Ignoring redaction")
	case mxevent.KindOlmEncrypted, mxevent.KindRoomKey:
		// Olm payloads and room keys only arrive over to-device.
		cli.Log.Debug().Stringer("kind", evt.Kind).Msg("Unexpected to-device payload in room timeline")
	case mxevent.KindTyping, mxevent.KindReceipt:
		// Handled on the ephemeral path.
	case mxevent.KindUnknown:
		cli.Log.Trace().Str("type", evt.Type).Msg("Ignoring unhandled event type")
	}
}

func (cli *Client) handleMemberEvent(room *rooms.Room, evt *mxevent.Event) {
	if evt.StateKey == nil {
		return
	}
	userID := id.UserID(*evt.StateKey)
	room.SetMembership(userID, evt.Member.Membership)
	if evt.Member.Membership == "join" {
		room.MarkDevicesOutdated(userID)
	}
	if cli.RoomChanged != nil {
		cli.RoomChanged(room.ID)
	}
}

// addMessage appends a decrypted or plaintext message to the room model
// and the history store. An event echoing back one of this device's own
// transaction IDs updates the existing entry in place instead.
func (cli *Client) addMessage(ctx context.Context, room *rooms.Room, evt *mxevent.Event, content *mxevent.MessageContent) {
	if evt.TransactionID != "" && room.ConfirmLocalEcho(evt.TransactionID, evt.ID) {
		if err := cli.History.ConfirmLocalEcho(room.ID, evt.TransactionID, evt.ID); err != nil {
			cli.Log.Debug().Err(err).Str("txn_id", evt.TransactionID).Msg("Local echo not in history store")
		}
		cli.notify("send-confirmed", evt.Raw, nil)
		return
	}
	msg := &rooms.Message{
		ID:        evt.ID,
		Sender:    evt.Sender,
		Type:      content.MsgType,
		Body:      content.Body,
		Timestamp: evt.Timestamp,
		Status:    rooms.StatusReceived,
	}
	room.AddMessage(msg)
	if err := cli.History.Append(room.ID, []*rooms.Message{msg}); err != nil {
		cli.Log.Warn().Err(err).Stringer("room_id", room.ID).Msg("Failed to persist message")
	}
	if content.File != nil {
		cli.saveFileKeys(ctx, content.File)
	}
	cli.notify("message", evt.Raw, nil)
}

func (cli *Client) saveFileKeys(ctx context.Context, file *mxevent.EncryptedFile) {
	sha256Hash := file.Hashes["sha256"]
	err := cli.Store.SaveFileEncryptionInfo(ctx, &store.FileEncryptionInfo{
		FileURL:   file.URL,
		IV:        file.IV,
		Key:       file.Key.Key,
		SHA256:    sha256Hash,
		Version:   file.Version,
		Algorithm: file.Key.Algorithm,
		KeyType:   file.Key.KeyType,
	})
	if err != nil {
		cli.Log.Warn().Err(err).Str("file_url", file.URL).Msg("Failed to save file encryption info")
	}
}

// handleEncryptedRoomEvent decrypts a megolm event and dispatches its
// inner payload. A missing inbound session is the expected key-arrival
// race and leaves the event to be retried on a later pass, not failed.
func (cli *Client) handleEncryptedRoomEvent(ctx context.Context, room *rooms.Room, evt *mxevent.Event) {
	content := evt.Encrypted
	if content.Algorithm != mxevent.AlgorithmMegolm {
		cli.Log.Debug().Str("algorithm", content.Algorithm).Msg("Ignoring unknown encryption algorithm")
		return
	}
	plaintext, err := cli.Crypto.DecryptGroupMessage(ctx, content.SessionID, content.SenderKey, content.Ciphertext)
	if errors.Is(err, crypt.ErrUnknownSession) {
		cli.Log.Debug().
			Stringer("session_id", content.SessionID).
			Stringer("event_id", evt.ID).
			Msg("Received encrypted event before its room key")
		return
	} else if err != nil {
		cli.Log.Warn().Err(err).Stringer("event_id", evt.ID).Msg("Failed to decrypt room event")
		cli.notify("decrypt", evt.Raw, err)
		return
	}
	var inner struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err = json.Unmarshal(plaintext, &inner); err != nil {
		cli.Log.Warn().Err(err).Stringer("event_id", evt.ID).Msg("Malformed decrypted payload")
		return
	}
	if inner.Type != "m.room.message" {
		cli.Log.Trace().Str("type", inner.Type).Msg("Ignoring decrypted non-message event")
		return
	}
	msgContent := &mxevent.MessageContent{}
	if err = json.Unmarshal(inner.Content, msgContent); err != nil {
		cli.Log.Warn().Err(err).Stringer("event_id", evt.ID).Msg("Malformed decrypted message content")
		return
	}
	cli.addMessage(ctx, room, evt, msgContent)
}

func (cli *Client) handleToDeviceEvent(ctx context.Context, raw json.RawMessage) {
	evt, err := mxevent.Decode(raw)
	if err != nil {
		cli.Log.Debug().Err(err).Msg("Dropping malformed to-device event")
		return
	}
	switch evt.Kind {
	case mxevent.KindOlmEncrypted:
		cli.handleOlmEncrypted(ctx, evt)
	case mxevent.KindRoomKey:
		// Room keys must arrive olm-encrypted; a plaintext one is not
		// trustworthy.
		cli.Log.Warn().Stringer("sender", evt.Sender).Msg("Dropping unencrypted room key")
	default:
		cli.Log.Trace().Str("type", evt.Type).Msg("Ignoring unhandled to-device event")
	}
}

// handleOlmEncrypted unwraps an olm to-device message addressed to this
// device and imports the room key it carries.
func (cli *Client) handleOlmEncrypted(ctx context.Context, evt *mxevent.Event) {
	content := evt.OlmEncrypted
	_, ownKey, err := cli.Crypto.IdentityKeys()
	if err != nil {
		return
	}
	ciphertext, ok := content.Ciphertext[ownKey.String()]
	if !ok {
		cli.Log.Debug().Stringer("sender", evt.Sender).Msg("Olm message not addressed to this device")
		return
	}
	plaintext, err := cli.Crypto.DecryptOlm(ctx, content.SenderKey, ciphertext.Body, ciphertext.Type)
	if err != nil {
		cli.Log.Warn().Err(err).Stringer("sender", evt.Sender).Msg("Failed to decrypt olm message")
		cli.notify("decrypt", evt.Raw, err)
		return
	}
	if plaintext == nil {
		// Non-pre-key message with no matching session; out-of-order
		// delivery, dropped silently.
		return
	}
	var inner struct {
		Type    string                 `json:"type"`
		Content mxevent.RoomKeyContent `json:"content"`
	}
	if err = json.Unmarshal(plaintext, &inner); err != nil || inner.Type != "m.room_key" {
		cli.Log.Debug().Stringer("sender", evt.Sender).Msg("Ignoring non-room-key olm payload")
		return
	}
	if inner.Content.Algorithm != mxevent.AlgorithmMegolm {
		return
	}
	err = cli.Crypto.AddInboundGroupSession(ctx, inner.Content.RoomID, inner.Content.SessionID, content.SenderKey, inner.Content.SessionKey)
	if err != nil {
		cli.Log.Warn().Err(err).Stringer("session_id", inner.Content.SessionID).Msg("Failed to import room key")
		return
	}
	cli.Log.Debug().
		Stringer("room_id", inner.Content.RoomID).
		Stringer("session_id", inner.Content.SessionID).
		Msg("Imported room key")
}
