// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mxcore is the sync engine: it owns the login state machine, the
// long-poll loop, the encrypted send pipeline and the event dispatcher,
// gluing the transport, crypto and storage layers together.
package mxcore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mxcore/pkg/mxcore/crypt"
	"go.mau.fi/mxcore/pkg/mxcore/history"
	"go.mau.fi/mxcore/pkg/mxcore/mxapi"
	"go.mau.fi/mxcore/pkg/mxcore/rooms"
	"go.mau.fi/mxcore/pkg/mxcore/store"
	"go.mau.fi/mxcore/pkg/mxcore/vault"
)

// State is where the client currently is in its connection lifecycle.
type State int

const (
	StateUnconfigured State = iota
	StateResolvingHomeserver
	StateVerifyingHomeserver
	StateLoggingIn
	StateFetchingRoomList
	StateSyncing
	// StateDisconnected is reached from any state by an explicit Stop.
	StateDisconnected
	// StateError is terminal: unsupported server, exhausted credentials.
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateResolvingHomeserver:
		return "resolving-homeserver"
	case StateVerifyingHomeserver:
		return "verifying-homeserver"
	case StateLoggingIn:
		return "logging-in"
	case StateFetchingRoomList:
		return "fetching-room-list"
	case StateSyncing:
		return "syncing"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Connectivity is what the platform reports about the network.
type Connectivity int

const (
	ConnectivityNone Connectivity = iota
	ConnectivityLimited
	ConnectivityFull
)

// ConnectivityOracle tells the retry policy whether scheduling a retry is
// worthwhile or whether the reconnect should wait for external recovery.
type ConnectivityOracle interface {
	Connectivity() Connectivity
}

type alwaysOnline struct{}

func (alwaysOnline) Connectivity() Connectivity { return ConnectivityFull }

// Status is delivered to the registered callback on every state transition
// and completed operation. Callers must check Err to distinguish failures
// from informational updates, not Payload presence.
type Status struct {
	State   State
	Action  string
	Payload json.RawMessage
	Err     error
}

// Config is the static part of a client's setup.
type Config struct {
	// UserID may be a bare localpart; the engine resolves the homeserver
	// through well-known discovery in that case.
	UserID   string
	Password string
	// Homeserver skips discovery when set to an explicit URL.
	Homeserver string
}

// retryDelay is the fixed wait before retrying after a transient network
// error while the oracle reports full connectivity.
const retryDelay = 30 * time.Second

// Client drives one account's connection to its homeserver.
type Client struct {
	Log zerolog.Logger

	API     *mxapi.Client
	Store   *store.Store
	History *history.Store
	Vault   vault.Vault
	Crypto  *crypt.Engine
	Rooms   *rooms.Cache

	Oracle ConnectivityOracle

	// StatusFn is the single registered callback for all sync, login, key
	// upload and send completions.
	StatusFn func(Status)
	// RoomChanged fires when a room's membership or encryption state
	// changes.
	RoomChanged func(roomID id.RoomID)
	// RoomActivity fires when a room's typing or unread state changes.
	RoomActivity func(roomID id.RoomID, typing []id.UserID, unreadCount int)

	cfg       Config
	userID    id.UserID
	deviceID  id.DeviceID
	password  string
	pickleKey []byte

	stateLock sync.Mutex
	state     State

	nextBatch     string
	firstSyncDone bool

	runLock   sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}

	sendLock         sync.Mutex
	pendingRooms     []id.RoomID
	sendKick         chan struct{}
	sendBlockedUntil time.Time

	connRecovered chan struct{}
}

// New wires up a client from its collaborators. Start actually connects.
func New(cfg Config, log zerolog.Logger, db *store.Store, hist *history.Store, credVault vault.Vault) *Client {
	return &Client{
		Log:           log,
		Store:         db,
		History:       hist,
		Vault:         credVault,
		Rooms:         rooms.NewCache(),
		Oracle:        alwaysOnline{},
		cfg:           cfg,
		state:         StateUnconfigured,
		sendKick:      make(chan struct{}, 1),
		connRecovered: make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (cli *Client) State() State {
	cli.stateLock.Lock()
	defer cli.stateLock.Unlock()
	return cli.state
}

func (cli *Client) setState(state State) {
	cli.stateLock.Lock()
	cli.state = state
	cli.stateLock.Unlock()
	cli.Log.Debug().Stringer("state", state).Msg("State transition")
}

// notify reports an action to the status callback, if one is registered.
func (cli *Client) notify(action string, payload json.RawMessage, err error) {
	if cli.StatusFn == nil {
		return
	}
	cli.StatusFn(Status{
		State:   cli.State(),
		Action:  action,
		Payload: payload,
		Err:     err,
	})
}

// Start runs the connection state machine and sync loop in the background
// until Stop is called or the context is cancelled. Calling Start while a
// run is active is a no-op.
func (cli *Client) Start(ctx context.Context) {
	cli.runLock.Lock()
	defer cli.runLock.Unlock()
	if cli.runCancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	cli.runCancel = cancel
	cli.runDone = make(chan struct{})
	go cli.run(runCtx)
}

// Stop cancels the in-flight long-poll immediately and waits for the run
// loop to exit. The client transitions to Disconnected and can be started
// again with a fresh cancellation scope.
func (cli *Client) Stop() {
	cli.runLock.Lock()
	cancel := cli.runCancel
	done := cli.runDone
	cli.runCancel = nil
	cli.runDone = nil
	cli.runLock.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	cli.setState(StateDisconnected)
	cli.notify("stop", nil, nil)
}

func (cli *Client) run(ctx context.Context) {
	defer close(cli.runDone)
	for {
		err := cli.connect(ctx)
		if err == nil {
			err = cli.syncLoop(ctx)
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			cli.setState(StateError)
			cli.notify("fatal", nil, err)
			return
		}
	}
}

// NotifyConnectivityRestored tells the client the platform regained full
// connectivity; a reconnect deferred while degraded resumes immediately.
func (cli *Client) NotifyConnectivityRestored() {
	select {
	case cli.connRecovered <- struct{}{}:
	default:
	}
}

// waitRetry implements the shared retry policy: with full connectivity a
// single retry is scheduled after a fixed delay; otherwise the wait lasts
// until connectivity recovery is externally signaled.
func (cli *Client) waitRetry(ctx context.Context) error {
	if cli.Oracle.Connectivity() == ConnectivityFull {
		timer := time.NewTimer(retryDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	cli.notify("waiting-for-connectivity", nil, nil)
	select {
	case <-cli.connRecovered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UserID returns the fully qualified user ID once login has resolved it.
func (cli *Client) UserID() id.UserID {
	return cli.userID
}

// DeviceID returns the device ID assigned at login.
func (cli *Client) DeviceID() id.DeviceID {
	return cli.deviceID
}
