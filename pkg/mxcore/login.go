// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
package mxcore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.mau.fi/mxcore/pkg/mxcore/crypt"
	"go.mau.fi/mxcore/pkg/mxcore/mxapi"
	"go.mau.fi/mxcore/pkg/mxcore/store"
	"go.mau.fi/mxcore/pkg/mxcore/vault"
)

// ErrBadCredentials is surfaced when login fails with a credential error;
// the caller owns the re-entry path.
var ErrBadCredentials = errors.New("invalid username or password")

// connect walks the state machine from wherever it is up to Syncing.
// Returned errors are fatal; transient failures are retried internally.
func (cli *Client) connect(ctx context.Context) error {
	if err := cli.resolveHomeserver(ctx); err != nil {
		return err
	}
	if err := cli.verifyHomeserver(ctx); err != nil {
		return err
	}
	if err := cli.login(ctx); err != nil {
		return err
	}
	return cli.fetchRoomList(ctx)
}

func (cli *Client) resolveHomeserver(ctx context.Context) error {
	if cli.API != nil {
		return nil
	}
	cli.setState(StateResolvingHomeserver)
	localpart, server := mxapi.ParseUserID(cli.cfg.UserID)
	if server == "" {
		server = "matrix.org"
	}
	cli.userID = mxapi.FullUserID(localpart, server)
	homeserverURL := cli.cfg.Homeserver
	if homeserverURL == "" {
		var err error
		homeserverURL, err = mxapi.DiscoverHomeserver(ctx, &http.Client{Timeout: 30 * time.Second}, server)
		if err != nil {
			// Discovery failing for any reason other than a missing
			// well-known document means there is no home to sync against.
			cli.notify("resolve-homeserver", nil, err)
			return err
		}
	}
	api, err := mxapi.NewClient(homeserverURL, cli.Log.With().Str("component", "mxapi").Logger())
	if err != nil {
		return err
	}
	cli.API = api
	cli.notify("resolve-homeserver", nil, nil)
	cli.Log.Info().Str("homeserver", homeserverURL).Stringer("user_id", cli.userID).Msg("Resolved homeserver")
	return nil
}

func (cli *Client) verifyHomeserver(ctx context.Context) error {
	cli.setState(StateVerifyingHomeserver)
	for {
		err := cli.API.VerifyServerVersions(ctx)
		if err == nil {
			cli.notify("verify-homeserver", nil, nil)
			return nil
		}
		if mxapi.IsTransientNetwork(err) {
			if waitErr := cli.waitRetry(ctx); waitErr != nil {
				return waitErr
			}
			continue
		}
		cli.notify("verify-homeserver", nil, err)
		return err
	}
}

// login establishes an authenticated session: resuming a stored token when
// the vault has one, otherwise logging in with the password. The crypto
// identity is restored or created alongside, and a fresh identity is only
// persisted as enabled after its device keys are uploaded.
func (cli *Client) login(ctx context.Context) error {
	cli.setState(StateLoggingIn)
	cli.password = cli.cfg.Password
	creds, err := cli.Vault.Load(cli.userID)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	if creds != nil {
		cli.deviceID = creds.DeviceID
		cli.pickleKey = creds.PickleKey
		if creds.Password != "" {
			cli.password = creds.Password
		}
		if creds.AccessToken != "" {
			cli.API.AccessToken = creds.AccessToken
			return cli.restoreSession(ctx)
		}
	}
	return cli.passwordLogin(ctx)
}

// restoreSession resumes with a stored access token and account pickle.
func (cli *Client) restoreSession(ctx context.Context) error {
	record, err := cli.Store.LoadAccount(ctx, cli.userID.String(), cli.deviceID.String())
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	pickle := ""
	if record != nil {
		pickle = record.Pickle
		cli.nextBatch = record.NextBatch
	}
	engine, err := crypt.NewEngine(cli.userID, cli.deviceID, pickle, cli.pickleKey, cli.Store, cli.Log)
	if err != nil {
		return err
	}
	cli.Crypto = engine
	// No stored pickle means the engine just minted fresh identity keys;
	// the server must see them before the account is persisted as enabled.
	if pickle == "" {
		if err = cli.uploadDeviceKeys(ctx); err != nil {
			return err
		}
		if err = cli.saveAccount(ctx); err != nil {
			return err
		}
	}
	cli.notify("login", nil, nil)
	cli.Log.Info().Stringer("device_id", cli.deviceID).Msg("Resumed session from stored token")
	return nil
}

func (cli *Client) passwordLogin(ctx context.Context) error {
	for {
		resp, err := cli.API.Login(ctx, &mxapi.ReqLogin{
			Type: "m.login.password",
			Identifier: mxapi.UserIdentifier{
				Type: "m.id.user",
				User: cli.userID.String(),
			},
			Password: cli.password,
			// Reusing the stored device ID keeps the identity keys valid
			// across token invalidation.
			DeviceID:                 cli.deviceID,
			InitialDeviceDisplayName: "mxcore",
		})
		if err != nil {
			if mxapi.IsBadCredentials(err) {
				cli.notify("login", nil, ErrBadCredentials)
				return fmt.Errorf("%w: %s", ErrBadCredentials, err)
			}
			if mxapi.IsTransientNetwork(err) {
				if waitErr := cli.waitRetry(ctx); waitErr != nil {
					return waitErr
				}
				continue
			}
			cli.notify("login", nil, err)
			return err
		}
		return cli.finishLogin(ctx, resp)
	}
}

func (cli *Client) finishLogin(ctx context.Context, resp *mxapi.RespLogin) error {
	cli.API.AccessToken = resp.AccessToken
	cli.userID = resp.UserID
	newDevice := cli.deviceID != resp.DeviceID
	cli.deviceID = resp.DeviceID
	if len(cli.pickleKey) == 0 || newDevice {
		cli.pickleKey = crypt.GeneratePickleKey()
	}

	pickle := ""
	if !newDevice {
		record, err := cli.Store.LoadAccount(ctx, cli.userID.String(), cli.deviceID.String())
		if err != nil {
			return fmt.Errorf("failed to load account: %w", err)
		}
		if record != nil {
			pickle = record.Pickle
			cli.nextBatch = record.NextBatch
		}
	}
	engine, err := crypt.NewEngine(cli.userID, cli.deviceID, pickle, cli.pickleKey, cli.Store, cli.Log)
	if err != nil {
		return err
	}
	cli.Crypto = engine

	// Device keys go up before the account is persisted as enabled, so a
	// crash between the two never leaves an enabled account whose identity
	// the server has not seen.
	if pickle == "" {
		if err = cli.uploadDeviceKeys(ctx); err != nil {
			return err
		}
	}
	if err = cli.saveAccount(ctx); err != nil {
		return err
	}
	err = cli.Vault.Store(&vault.Credentials{
		UserID:      cli.userID,
		Homeserver:  cli.API.HomeserverURL,
		DeviceID:    cli.deviceID,
		AccessToken: resp.AccessToken,
		Password:    cli.password,
		PickleKey:   cli.pickleKey,
	})
	if err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	cli.notify("login", nil, nil)
	cli.Log.Info().Stringer("device_id", cli.deviceID).Msg("Logged in")
	return nil
}

// uploadDeviceKeys publishes the device's signed identity keys along with
// an initial batch of one-time keys.
func (cli *Client) uploadDeviceKeys(ctx context.Context) error {
	deviceKeys, err := cli.Crypto.DeviceKeysForUpload()
	if err != nil {
		return err
	}
	if _, err = cli.Crypto.GenerateOneTimeKeys(cli.Crypto.MaxOneTimeKeys() / 2); err != nil {
		return err
	}
	oneTimeKeys, err := cli.Crypto.SignedOneTimeKeysForUpload()
	if err != nil {
		return err
	}
	_, err = cli.API.UploadKeys(ctx, &mxapi.ReqUploadKeys{
		DeviceKeys:  deviceKeys,
		OneTimeKeys: oneTimeKeys,
	})
	if err != nil {
		cli.notify("upload-keys", nil, err)
		return fmt.Errorf("failed to upload device keys: %w", err)
	}
	cli.Crypto.MarkKeysAsPublished()
	cli.notify("upload-keys", nil, nil)
	return nil
}

// reauthenticate clears the invalidated token and redoes password login
// silently. Only callable when a password is on file.
func (cli *Client) reauthenticate(ctx context.Context) error {
	cli.Log.Warn().Msg("Access token invalidated, attempting silent re-login")
	cli.API.AccessToken = ""
	cli.setState(StateLoggingIn)
	return cli.passwordLogin(ctx)
}

// fetchRoomList populates the room cache on first connect. Reconnects
// within the same process skip it.
func (cli *Client) fetchRoomList(ctx context.Context) error {
	if len(cli.Rooms.All()) > 0 {
		cli.setState(StateSyncing)
		return nil
	}
	cli.setState(StateFetchingRoomList)
	for {
		resp, err := cli.API.JoinedRooms(ctx)
		if err != nil {
			if mxapi.IsTransientNetwork(err) {
				if waitErr := cli.waitRetry(ctx); waitErr != nil {
					return waitErr
				}
				continue
			}
			cli.notify("fetch-room-list", nil, err)
			return err
		}
		for _, roomID := range resp.JoinedRooms {
			room := cli.Rooms.GetOrCreate(roomID)
			prevBatch, err := cli.Store.LoadRoom(ctx, cli.userID.String(), roomID.String())
			if err == nil && prevBatch != "" {
				room.SetPrevBatch(prevBatch)
			}
		}
		cli.notify("fetch-room-list", nil, nil)
		cli.setState(StateSyncing)
		return nil
	}
}

// saveAccount upserts the whole account record: pickle and sync cursor
// travel together so the row is never partially written.
func (cli *Client) saveAccount(ctx context.Context) error {
	pickle, err := cli.Crypto.PickleAccount()
	if err != nil {
		return err
	}
	err = cli.Store.SaveAccount(ctx, &store.AccountRecord{
		UserID:    cli.userID.String(),
		DeviceID:  cli.deviceID.String(),
		Enabled:   true,
		Pickle:    pickle,
		NextBatch: cli.nextBatch,
	})
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// Logout invalidates local state for the account: vault entry and store
// row are removed. The server-side token is left to expire.
func (cli *Client) Logout(ctx context.Context) error {
	cli.Stop()
	if err := cli.Vault.Delete(cli.userID); err != nil {
		return err
	}
	return cli.Store.DeleteAccount(ctx, cli.userID.String())
}
