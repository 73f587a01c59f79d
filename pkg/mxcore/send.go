// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
package mxcore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/mxcore/pkg/mxcore/crypt"
	"go.mau.fi/mxcore/pkg/mxcore/mxapi"
	"go.mau.fi/mxcore/pkg/mxcore/mxevent"
	"go.mau.fi/mxcore/pkg/mxcore/rooms"
)

// rateLimitFallback is used when M_LIMIT_EXCEEDED arrives without a
// retry_after_ms value.
const rateLimitFallback = 2 * time.Second

// SendText queues a text message for the room and returns the local echo.
// The message appears in the room's timeline immediately with a pending
// status and is confirmed or failed asynchronously.
func (cli *Client) SendText(roomID id.RoomID, body string) *rooms.Message {
	room := cli.Rooms.GetOrCreate(roomID)
	msg := &rooms.Message{
		TxnID:     crypt.NewTransactionID(),
		Sender:    cli.userID,
		Type:      "m.text",
		Body:      body,
		Timestamp: time.Now().UnixMilli(),
		Status:    rooms.StatusPending,
	}
	room.AddMessage(msg)
	room.EnqueueSend(msg)
	if err := cli.History.Append(roomID, []*rooms.Message{msg}); err != nil {
		cli.Log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to persist outgoing message")
	}
	cli.enqueueRoom(roomID, false)
	cli.kickSend()
	return msg
}

func (cli *Client) enqueueRoom(roomID id.RoomID, atHead bool) {
	cli.sendLock.Lock()
	defer cli.sendLock.Unlock()
	for _, queued := range cli.pendingRooms {
		if queued == roomID {
			return
		}
	}
	if atHead {
		cli.pendingRooms = append([]id.RoomID{roomID}, cli.pendingRooms...)
	} else {
		cli.pendingRooms = append(cli.pendingRooms, roomID)
	}
}

func (cli *Client) dequeueRoom() id.RoomID {
	cli.sendLock.Lock()
	defer cli.sendLock.Unlock()
	if len(cli.pendingRooms) == 0 {
		return ""
	}
	roomID := cli.pendingRooms[0]
	cli.pendingRooms = cli.pendingRooms[1:]
	return roomID
}

func (cli *Client) kickSend() {
	select {
	case cli.sendKick <- struct{}{}:
	default:
	}
}

// drainSendQueue is the single consumer of the send queues: it only ever
// runs on the sync goroutine (between polls or while one is in flight), so
// across all rooms at most one send is in flight at a time and the session
// tables are never touched concurrently.
func (cli *Client) drainSendQueue(ctx context.Context) {
	for {
		cli.sendLock.Lock()
		blocked := time.Now().Before(cli.sendBlockedUntil)
		cli.sendLock.Unlock()
		if blocked {
			// Rate limited; the retry timer will kick again.
			return
		}
		roomID := cli.dequeueRoom()
		if roomID == "" {
			return
		}
		room := cli.Rooms.Get(roomID)
		if room == nil {
			continue
		}
		msg := room.DequeueSend()
		if msg == nil {
			continue
		}
		if !cli.attemptSend(ctx, room, msg) {
			return
		}
		if room.PendingCount() > 0 {
			cli.enqueueRoom(roomID, false)
		}
	}
}

// attemptSend performs one send and resolves its outcome. Returns false
// when the send gate must stay held (failure or rate limit).
func (cli *Client) attemptSend(ctx context.Context, room *rooms.Room, msg *rooms.Message) bool {
	err := cli.sendMessage(ctx, room, msg)
	if err == nil {
		if room.PendingCount() == 0 {
			cli.notify("send", nil, nil)
		}
		return true
	}
	// Failed sends go back to the head of the queue; the message stays in
	// the timeline rather than disappearing.
	room.RequeueSendHead(msg)
	cli.enqueueRoom(room.ID, true)
	if delay, limited := mxapi.RateLimit(err, rateLimitFallback); limited {
		cli.Log.Warn().Dur("retry_after", delay).Stringer("room_id", room.ID).Msg("Send rate limited")
		cli.sendLock.Lock()
		cli.sendBlockedUntil = time.Now().Add(delay)
		cli.sendLock.Unlock()
		time.AfterFunc(delay, cli.kickSend)
		return false
	}
	msg.Status = rooms.StatusFailed
	cli.Log.Warn().Err(err).Stringer("room_id", room.ID).Msg("Send failed, held until next sync tick")
	cli.notify("send", nil, err)
	return false
}

func (cli *Client) sendMessage(ctx context.Context, room *rooms.Room, msg *rooms.Message) error {
	content := &mxevent.MessageContent{
		MsgType: msg.Type,
		Body:    msg.Body,
	}
	var resp *mxapi.RespSendEvent
	var err error
	if room.Encrypted() {
		if err = cli.distributeRoomKeys(ctx, room); err != nil {
			return err
		}
		var payload *crypt.CipherPayload
		payload, err = cli.Crypto.EncryptForRoom(room.ID, "m.room.message", content)
		if err != nil {
			return err
		}
		resp, err = cli.API.SendMessageEvent(ctx, room.ID, "m.room.encrypted", msg.TxnID, payload)
	} else {
		resp, err = cli.API.SendMessageEvent(ctx, room.ID, "m.room.message", msg.TxnID, content)
	}
	if err != nil {
		return err
	}
	room.ConfirmLocalEcho(msg.TxnID, resp.EventID)
	if histErr := cli.History.ConfirmLocalEcho(room.ID, msg.TxnID, resp.EventID); histErr != nil {
		cli.Log.Debug().Err(histErr).Str("txn_id", msg.TxnID).Msg("Sent message not in history store")
	}
	// The megolm ratchet advanced; persist the fresh pickle.
	if room.Encrypted() {
		if saveErr := cli.saveAccount(ctx); saveErr != nil {
			cli.Log.Warn().Err(saveErr).Msg("Failed to persist account after encrypted send")
		}
	}
	return nil
}

// distributeRoomKeys runs the pre-send handshake for an encrypted room:
// refresh stale device lists, claim one-time keys for devices we have no
// pairwise session with, and on the first send fan the new group session
// key out to every member device in one batched to-device call.
func (cli *Client) distributeRoomKeys(ctx context.Context, room *rooms.Room) error {
	if err := cli.ensureMembers(ctx, room); err != nil {
		return err
	}
	if err := cli.refreshDeviceLists(ctx, room); err != nil {
		return err
	}
	if cli.Crypto.HasOutboundGroupSession(room.ID) {
		return nil
	}
	if err := cli.claimOneTimeKeys(ctx, room); err != nil {
		return err
	}
	material, err := cli.Crypto.CreateOutboundGroupSession(ctx, room.ID)
	if err != nil {
		return err
	}
	if material == nil {
		return nil
	}
	return cli.fanOutRoomKey(ctx, room, material)
}

// ensureMembers fetches full room state when the member list is empty,
// which happens for rooms discovered via joined_rooms rather than sync.
func (cli *Client) ensureMembers(ctx context.Context, room *rooms.Room) error {
	if len(room.JoinedMembers()) > 0 {
		return nil
	}
	state, err := cli.API.RoomState(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch room state: %w", err)
	}
	for _, raw := range state {
		cli.handleRoomEvent(ctx, room, raw)
	}
	return nil
}

func (cli *Client) refreshDeviceLists(ctx context.Context, room *rooms.Room) error {
	outdated := room.OutdatedMembers()
	if len(outdated) == 0 {
		return nil
	}
	req := &mxapi.ReqQueryKeys{DeviceKeys: make(map[id.UserID][]id.DeviceID, len(outdated))}
	for _, userID := range outdated {
		req.DeviceKeys[userID] = []id.DeviceID{}
	}
	resp, err := cli.API.QueryKeys(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to query device keys: %w", err)
	}
	for userID, deviceMap := range resp.DeviceKeys {
		devices := make(map[id.DeviceID]*rooms.Device, len(deviceMap))
		for deviceID, keys := range deviceMap {
			device := cli.buildDevice(userID, deviceID, keys)
			if device != nil {
				devices[deviceID] = device
			}
		}
		room.ReplaceDevices(userID, devices)
	}
	return nil
}

// buildDevice validates a queried device key block and extracts the
// identity keys. Devices with bad signatures are dropped entirely.
func (cli *Client) buildDevice(userID id.UserID, deviceID id.DeviceID, keys mxapi.DeviceKeys) *rooms.Device {
	identityKey := keys.Keys["curve25519:"+deviceID.String()]
	signingKey := keys.Keys["ed25519:"+deviceID.String()]
	if identityKey == "" || signingKey == "" {
		return nil
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return nil
	}
	if !cli.Crypto.VerifyDeviceKeys(raw, &keys) {
		cli.Log.Warn().
			Stringer("user_id", userID).
			Stringer("device_id", deviceID).
			Msg("Dropping device with invalid key signature")
		return nil
	}
	return &rooms.Device{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: id.Curve25519(identityKey),
		SigningKey:  id.Ed25519(signingKey),
	}
}

// claimOneTimeKeys claims one key per device that has no pairwise session
// yet and establishes outbound olm sessions from them. Devices the claim
// cannot cover are skipped; they simply miss this room key.
func (cli *Client) claimOneTimeKeys(ctx context.Context, room *rooms.Room) error {
	type deviceRef struct {
		userID   id.UserID
		deviceID id.DeviceID
	}
	req := &mxapi.ReqClaimKeys{OneTimeKeys: make(map[id.UserID]map[id.DeviceID]string)}
	// Device IDs are only unique per user, so the lookup key must carry
	// both.
	devicesByRef := make(map[deviceRef]*rooms.Device)
	for _, device := range room.AllDevices() {
		if cli.isOwnDevice(device) || cli.Crypto.HasSessionWith(device.IdentityKey) {
			continue
		}
		if req.OneTimeKeys[device.UserID] == nil {
			req.OneTimeKeys[device.UserID] = make(map[id.DeviceID]string)
		}
		req.OneTimeKeys[device.UserID][device.DeviceID] = oneTimeKeyAlgorithm
		devicesByRef[deviceRef{device.UserID, device.DeviceID}] = device
	}
	if len(req.OneTimeKeys) == 0 {
		return nil
	}
	resp, err := cli.API.ClaimKeys(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to claim one-time keys: %w", err)
	}
	for userID, deviceMap := range resp.OneTimeKeys {
		for deviceID, keyMap := range deviceMap {
			device := devicesByRef[deviceRef{userID, deviceID}]
			if device == nil {
				continue
			}
			for keyID, signedKey := range keyMap {
				if !strings.HasPrefix(keyID, oneTimeKeyAlgorithm+":") {
					continue
				}
				device.ClaimedOneTimeKey = signedKey.Key
				_, err = cli.Crypto.CreateOutboundSession(ctx, device.IdentityKey, signedKey.Key)
				if err != nil {
					cli.Log.Warn().Err(err).
						Stringer("device_id", deviceID).
						Msg("Failed to create outbound session from claimed key")
				}
				device.ClaimedOneTimeKey = ""
			}
		}
	}
	return nil
}

// fanOutRoomKey wraps the fresh group session key for every member device
// and uploads all per-device payloads in one batched send-to-device call.
func (cli *Client) fanOutRoomKey(ctx context.Context, room *rooms.Room, material *crypt.GroupKeyMaterial) error {
	req := &mxapi.ReqSendToDevice{Messages: make(map[id.UserID]map[id.DeviceID]any)}
	for _, device := range room.AllDevices() {
		if cli.isOwnDevice(device) {
			continue
		}
		share, err := cli.Crypto.WrapRoomKeyForDevice(ctx, material, device.UserID, device.DeviceID, device.IdentityKey, device.SigningKey)
		if err != nil {
			return err
		}
		if share == nil {
			// No pairwise session could be established for this device.
			cli.Log.Debug().
				Stringer("user_id", device.UserID).
				Stringer("device_id", device.DeviceID).
				Msg("Skipping room key share for unreachable device")
			continue
		}
		if req.Messages[device.UserID] == nil {
			req.Messages[device.UserID] = make(map[id.DeviceID]any)
		}
		req.Messages[device.UserID][device.DeviceID] = share
	}
	if len(req.Messages) == 0 {
		return nil
	}
	err := cli.API.SendToDevice(ctx, "m.room.encrypted", crypt.NewTransactionID(), req)
	if err != nil {
		return fmt.Errorf("failed to share room key: %w", err)
	}
	cli.Log.Debug().Stringer("room_id", room.ID).Stringer("session_id", material.SessionID).Msg("Shared room key")
	return nil
}

func (cli *Client) isOwnDevice(device *rooms.Device) bool {
	return device.UserID == cli.userID && device.DeviceID == cli.deviceID
}

// SendTyping reports this user's typing state to a room.
func (cli *Client) SendTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error {
	return cli.API.SetTyping(ctx, roomID, cli.userID, typing, timeout)
}

// MarkRead advances the fully-read and read markers to an event.
func (cli *Client) MarkRead(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	return cli.API.SetReadMarkers(ctx, roomID, &mxapi.ReqReadMarkers{
		FullyRead: eventID,
		Read:      eventID,
	})
}

// LoadHistory fetches one page of older messages from the server, stores
// them and advances the room's pagination cursor.
func (cli *Client) LoadHistory(ctx context.Context, roomID id.RoomID, limit int) ([]*rooms.Message, error) {
	room := cli.Rooms.GetOrCreate(roomID)
	resp, err := cli.API.RoomMessages(ctx, roomID, room.PrevBatch(), "b", limit)
	if err != nil {
		return nil, err
	}
	var msgs []*rooms.Message
	for _, raw := range resp.Chunk {
		evt, decodeErr := mxevent.Decode(raw)
		if decodeErr != nil || evt.Kind != mxevent.KindMessage {
			continue
		}
		msg := &rooms.Message{
			ID:        evt.ID,
			Sender:    evt.Sender,
			Type:      evt.Message.MsgType,
			Body:      evt.Message.Body,
			Timestamp: evt.Timestamp,
			Status:    rooms.StatusReceived,
		}
		room.AddMessage(msg)
		msgs = append(msgs, msg)
	}
	if len(msgs) > 0 {
		if err = cli.History.Prepend(roomID, msgs); err != nil {
			return msgs, err
		}
	}
	room.SetPrevBatch(resp.End)
	if err = cli.Store.SaveRoom(ctx, cli.userID.String(), roomID.String(), resp.End); err != nil {
		cli.Log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to save room cursor")
	}
	return msgs, nil
}
