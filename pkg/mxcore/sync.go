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
	"time"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/mxcore/pkg/mxcore/mxapi"
	"go.mau.fi/mxcore/pkg/mxcore/mxevent"
	"go.mau.fi/mxcore/pkg/mxcore/rooms"
)

// syncServerTimeout is the server-side long-poll timeout. The transport
// timeout in mxapi is deliberately longer so it never fires before the
// server would have legitimately returned an empty response.
const syncServerTimeout = 30 * time.Second

// oneTimeKeyAlgorithm is the key count bucket watched for replenishment.
const oneTimeKeyAlgorithm = "signed_curve25519"

// syncResult carries one long-poll outcome from the request goroutine back
// to the sync goroutine.
type syncResult struct {
	resp *mxapi.RespSync
	err  error
}

// syncLoop long-polls continuously: each response advances the cursor and
// the next request goes out immediately. Returns nil only on cancellation;
// a non-nil return is fatal for the whole run.
//
// Only the HTTP request itself runs off this goroutine, so send kicks can
// be served while a poll is in flight. Response processing and the send
// pipeline both stay here, which keeps the session tables single-threaded.
func (cli *Client) syncLoop(ctx context.Context) error {
	results := make(chan syncResult, 1)
	for {
		if ctx.Err() != nil {
			return nil
		}
		// full_state stays on until the first response of this process
		// establishes complete room state.
		go cli.pollSync(ctx, cli.nextBatch, !cli.firstSyncDone, results)
		resp, err := cli.waitSync(ctx, results)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			recoverable, handleErr := cli.handleSyncError(ctx, err)
			if handleErr != nil {
				return handleErr
			}
			if !recoverable {
				return err
			}
			continue
		}
		if err = cli.processSyncResponse(ctx, resp); err != nil {
			return err
		}
	}
}

func (cli *Client) pollSync(ctx context.Context, since string, fullState bool, results chan<- syncResult) {
	resp, err := cli.API.Sync(ctx, since, fullState, syncServerTimeout)
	results <- syncResult{resp: resp, err: err}
}

// waitSync blocks until the in-flight poll completes, draining the send
// queue whenever a kick arrives in the meantime. Cancellation surfaces as
// the poll erroring out, so there is no separate ctx case.
func (cli *Client) waitSync(ctx context.Context, results <-chan syncResult) (*mxapi.RespSync, error) {
	for {
		select {
		case result := <-results:
			return result.resp, result.err
		case <-cli.sendKick:
			cli.drainSendQueue(ctx)
		}
	}
}

// handleSyncError resolves a sync failure internally where a recovery is
// defined: transient errors wait out the retry policy, an invalidated
// token triggers silent re-login when a password is cached. The bool
// return is whether the loop should continue.
func (cli *Client) handleSyncError(ctx context.Context, err error) (bool, error) {
	switch {
	case mxapi.IsTransientNetwork(err):
		cli.Log.Warn().Err(err).Msg("Transient sync error, waiting to retry")
		cli.notify("sync", nil, nil)
		if waitErr := cli.waitRetry(ctx); waitErr != nil {
			return false, nil
		}
		return true, nil
	case mxapi.IsAuthInvalid(err):
		if cli.password == "" {
			cli.notify("sync", nil, err)
			return false, fmt.Errorf("access token invalidated with no password on file: %w", err)
		}
		if reauthErr := cli.reauthenticate(ctx); reauthErr != nil {
			return false, reauthErr
		}
		cli.setState(StateSyncing)
		return true, nil
	default:
		// Protocol violations and unknown server errors are fatal.
		cli.notify("sync", nil, err)
		return false, err
	}
}

func (cli *Client) processSyncResponse(ctx context.Context, resp *mxapi.RespSync) error {
	cli.nextBatch = resp.NextBatch
	cli.firstSyncDone = true

	for _, raw := range resp.ToDevice.Events {
		cli.handleToDeviceEvent(ctx, raw)
	}
	for _, userID := range resp.DeviceLists.Changed {
		cli.markUserDevicesOutdated(userID)
	}
	for roomID, joined := range resp.Rooms.Join {
		cli.processJoinedRoom(ctx, roomID, joined)
	}
	for roomID := range resp.Rooms.Leave {
		cli.Rooms.Forget(roomID)
		if cli.RoomChanged != nil {
			cli.RoomChanged(roomID)
		}
	}
	if count, ok := resp.DeviceOneTimeKeysCount[oneTimeKeyAlgorithm]; ok {
		if err := cli.replenishOneTimeKeys(ctx, count); err != nil {
			cli.Log.Warn().Err(err).Msg("Failed to replenish one-time keys")
		}
	}

	if err := cli.saveAccount(ctx); err != nil {
		return err
	}
	cli.notify("sync", nil, nil)
	// A completed sync tick is the external trigger that retries sends
	// held by a previous failure.
	cli.kickSend()
	return nil
}

func (cli *Client) processJoinedRoom(ctx context.Context, roomID id.RoomID, joined mxapi.SyncJoinedRoom) {
	room := cli.Rooms.GetOrCreate(roomID)
	for _, raw := range joined.State.Events {
		cli.handleRoomEvent(ctx, room, raw)
	}
	for _, raw := range joined.Timeline.Events {
		cli.handleRoomEvent(ctx, room, raw)
	}
	if joined.Timeline.Limited && joined.Timeline.PrevBatch != "" {
		room.SetPrevBatch(joined.Timeline.PrevBatch)
		err := cli.Store.SaveRoom(ctx, cli.userID.String(), roomID.String(), joined.Timeline.PrevBatch)
		if err != nil {
			cli.Log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to save room cursor")
		}
	}
	for _, raw := range joined.Ephemeral.Events {
		cli.handleEphemeralEvent(room, raw)
	}
	if n := joined.UnreadNotifications.NotificationCount; n > 0 && cli.RoomActivity != nil {
		cli.RoomActivity(roomID, nil, n)
	}
}

func (cli *Client) handleEphemeralEvent(room *rooms.Room, raw json.RawMessage) {
	evt, err := mxevent.Decode(raw)
	if err != nil {
		cli.Log.Debug().Err(err).Msg("Dropping malformed ephemeral event")
		return
	}
	switch evt.Kind {
	case mxevent.KindTyping:
		if cli.RoomActivity != nil {
			cli.RoomActivity(room.ID, evt.Typing.UserIDs, 0)
		}
	case mxevent.KindReceipt:
		// Read receipts are tracked by the UI layer; nothing to do here.
	default:
	}
}

// markUserDevicesOutdated flags the user in every room we share with them
// so the next encrypted send re-queries their device list.
func (cli *Client) markUserDevicesOutdated(userID id.UserID) {
	for _, room := range cli.Rooms.All() {
		room.MarkDevicesOutdated(userID)
	}
}

// replenishOneTimeKeys tops the server-side pool back up to half the
// library maximum when the published count falls below it.
func (cli *Client) replenishOneTimeKeys(ctx context.Context, published int) error {
	target := cli.Crypto.MaxOneTimeKeys() / 2
	if uint(published) >= target {
		return nil
	}
	generated, err := cli.Crypto.GenerateOneTimeKeys(target - uint(published))
	if err != nil {
		return err
	}
	if generated == 0 {
		return nil
	}
	oneTimeKeys, err := cli.Crypto.SignedOneTimeKeysForUpload()
	if err != nil {
		return err
	}
	if _, err = cli.API.UploadKeys(ctx, &mxapi.ReqUploadKeys{OneTimeKeys: oneTimeKeys}); err != nil {
		cli.notify("upload-keys", nil, err)
		return err
	}
	cli.Crypto.MarkKeysAsPublished()
	cli.Log.Debug().Uint("generated", generated).Int("published", published).Msg("Replenished one-time keys")
	cli.notify("upload-keys", nil, nil)
	return nil
}
