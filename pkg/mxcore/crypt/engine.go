// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package crypt is the encryption engine: the sole owner of olm/megolm key
// material in memory. It manages the device's long-term identity, the
// one-time key pool, pairwise olm sessions and per-room megolm sessions,
// and signs/verifies Matrix JSON objects.
//
// The in-memory session tables are only ever touched from the engine's
// owning goroutine (the network/event domain); persistence goes through the
// store's request queue.
package crypt

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"
	_ "maunium.net/go/mautrix/crypto/goolm"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mxcore/pkg/mxcore/store"
)

var (
	// ErrCorruptPickle is returned when a persisted account or session
	// pickle does not decrypt with the supplied pickle key.
	ErrCorruptPickle = errors.New("crypt: corrupt or mismatched pickle")
	// ErrCrypto wraps internal failures of the underlying olm library.
	// The engine never downgrades to a weaker mode on these; the caller
	// decides what to do.
	ErrCrypto = errors.New("crypt: internal crypto failure")
	// ErrNoActiveGroupSession is returned when encrypting for a room that
	// has no outbound megolm session yet.
	ErrNoActiveGroupSession = errors.New("crypt: no active outbound group session")
	// ErrUnknownSession is returned when an inbound megolm session is
	// neither in memory nor in the store. This is the expected "event
	// arrived before its room key" race; callers retry later.
	ErrUnknownSession = errors.New("crypt: unknown megolm session")
)

// PickleKeyLength is the size of locally generated pickle keys.
const PickleKeyLength = 32

// GeneratePickleKey creates a fresh random key for protecting pickles on
// disk. It never leaves the local machine.
func GeneratePickleKey() []byte {
	return random.Bytes(PickleKeyLength)
}

// Engine owns one device's cryptographic state.
type Engine struct {
	UserID   id.UserID
	DeviceID id.DeviceID

	account   olm.Account
	pickleKey []byte

	// Pairwise sessions by remote identity key, then session ID.
	olmSessions map[id.Curve25519]map[id.SessionID]olm.Session
	// Inbound group sessions by session ID. Never overwritten once set.
	inboundGroup map[id.SessionID]olm.InboundGroupSession
	// At most one outbound group session per room.
	outboundGroup map[id.RoomID]olm.OutboundGroupSession
	// Message index the outbound session had when it was created, so key
	// shares carry the right chain index.
	outboundChainIndex map[id.RoomID]uint32

	store *store.Store
	log   zerolog.Logger
}

// NewEngine restores a device identity from an account pickle, or creates a
// fresh identity when pickle is empty. A wrong pickle key or malformed data
// fails with ErrCorruptPickle; restoring must never silently regenerate
// identity keys.
func NewEngine(userID id.UserID, deviceID id.DeviceID, pickle string, pickleKey []byte, sessionStore *store.Store, log zerolog.Logger) (*Engine, error) {
	engine := &Engine{
		UserID:   userID,
		DeviceID: deviceID,

		pickleKey:          pickleKey,
		olmSessions:        make(map[id.Curve25519]map[id.SessionID]olm.Session),
		inboundGroup:       make(map[id.SessionID]olm.InboundGroupSession),
		outboundGroup:      make(map[id.RoomID]olm.OutboundGroupSession),
		outboundChainIndex: make(map[id.RoomID]uint32),

		store: sessionStore,
		log:   log.With().Str("component", "crypt").Logger(),
	}
	if pickle != "" {
		account, err := olm.AccountFromPickled([]byte(pickle), pickleKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPickle, err)
		}
		engine.account = account
		log.Debug().Stringer("device_id", deviceID).Msg("Restored olm account from pickle")
	} else {
		account, err := olm.NewAccount(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
		}
		engine.account = account
		log.Debug().Stringer("device_id", deviceID).Msg("Created new olm account")
	}
	return engine, nil
}

// IdentityKeys returns the device's long-term signing and identity keys.
func (e *Engine) IdentityKeys() (id.Ed25519, id.Curve25519, error) {
	ed25519, curve25519, err := e.account.IdentityKeys()
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return ed25519, curve25519, nil
}

// PickleAccount serializes the account for persistence, encrypted with the
// engine's pickle key.
func (e *Engine) PickleAccount() (string, error) {
	pickled, err := e.account.Pickle(e.pickleKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return string(pickled), nil
}

// MaxOneTimeKeys is the library-defined one-time key pool cap.
func (e *Engine) MaxOneTimeKeys() uint {
	return e.account.MaxNumberOfOneTimeKeys()
}

// GenerateOneTimeKeys tops up the one-time key pool by deficit, capped at
// half the library maximum. Returns how many keys were generated, which may
// be less than requested when the cap binds.
func (e *Engine) GenerateOneTimeKeys(deficit uint) (uint, error) {
	max := e.account.MaxNumberOfOneTimeKeys() / 2
	count := deficit
	if count > max {
		count = max
	}
	if count == 0 {
		return 0, nil
	}
	if err := e.account.GenOneTimeKeys(nil, count); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return count, nil
}

// UnpublishedOneTimeKeys returns the generated but not yet published
// one-time keys, keyed by key ID.
func (e *Engine) UnpublishedOneTimeKeys() (map[string]id.Curve25519, error) {
	keys, err := e.account.OneTimeKeys()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return keys, nil
}

// MarkKeysAsPublished flags the current one-time key pool as uploaded.
// Published keys are never offered for upload again.
func (e *Engine) MarkKeysAsPublished() {
	e.account.MarkKeysAsPublished()
}

// persistSession appends a session pickle to the store, ignoring the
// duplicate-insert error for session IDs that are already stored.
func (e *Engine) persistSession(ctx context.Context, record *store.SessionRecord) {
	if e.store == nil {
		return
	}
	err := e.store.AddSession(ctx, record)
	if err != nil && !errors.Is(err, store.ErrSessionExists) {
		e.log.Err(err).
			Str("session_id", record.SessionID).
			Stringer("kind", record.Kind).
			Msg("Failed to persist session pickle")
	}
}

// txnIDLength matches the length of locally generated transaction IDs.
const txnIDLength = 20

// NewTransactionID generates a random transaction ID for send requests.
func NewTransactionID() string {
	return "mxcore-" + random.String(txnIDLength)
}
