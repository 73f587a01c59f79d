// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypt

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mxcore/pkg/mxcore/store"
)

// CreateOutboundSession establishes a pairwise olm session towards a peer
// device from a claimed one-time key. Returns nil (no error) when either
// input is missing: the caller should move on to another device.
func (e *Engine) CreateOutboundSession(ctx context.Context, peerKey id.Curve25519, oneTimeKey id.Curve25519) (olm.Session, error) {
	if peerKey == "" || oneTimeKey == "" {
		return nil, nil
	}
	session, err := e.account.NewOutboundSession(peerKey, oneTimeKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	e.rememberOlmSession(peerKey, session)
	e.persistOlmSession(ctx, peerKey, session, store.SessionOlmOutbound)
	return session, nil
}

// SessionsWith returns the known pairwise sessions towards the given peer
// identity key. The returned map is the engine's own table; callers must
// not hold it across event-loop turns.
func (e *Engine) SessionsWith(peerKey id.Curve25519) map[id.SessionID]olm.Session {
	return e.olmSessions[peerKey]
}

// HasSessionWith reports whether at least one pairwise session exists for
// the peer identity key.
func (e *Engine) HasSessionWith(peerKey id.Curve25519) bool {
	return len(e.olmSessions[peerKey]) > 0
}

// DecryptOlm handles one incoming pairwise ciphertext from senderKey. An
// existing session that accepts the message is reused; otherwise a pre-key
// message establishes a fresh inbound session (consuming the one-time key
// it referenced). A non-pre-key message with no matching session returns
// (nil, nil): out-of-order delivery is expected, the event is dropped.
func (e *Engine) DecryptOlm(ctx context.Context, senderKey id.Curve25519, ciphertext string, msgType id.OlmMsgType) ([]byte, error) {
	for _, session := range e.olmSessions[senderKey] {
		plaintext, err := session.Decrypt(ciphertext, msgType)
		if err == nil {
			e.persistOlmSession(ctx, senderKey, session, store.SessionOlmInbound)
			return plaintext, nil
		}
	}
	if msgType != id.OlmMsgTypePreKey {
		e.log.Debug().
			Str("sender_key", senderKey.String()).
			Msg("Dropping olm message with no matching session")
		return nil, nil
	}
	session, err := e.account.NewInboundSessionFrom(&senderKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create inbound session: %v", ErrCrypto, err)
	}
	// The one-time key the pre-key message consumed is gone now; dropping
	// it from the account must happen before the next key upload.
	if err = e.account.RemoveOneTimeKeys(session); err != nil {
		return nil, fmt.Errorf("%w: failed to remove used one-time key: %v", ErrCrypto, err)
	}
	plaintext, err := session.Decrypt(ciphertext, msgType)
	if err != nil {
		return nil, fmt.Errorf("%w: new inbound session failed to decrypt its own pre-key message: %v", ErrCrypto, err)
	}
	e.rememberOlmSession(senderKey, session)
	e.persistOlmSession(ctx, senderKey, session, store.SessionOlmInbound)
	e.log.Debug().
		Str("sender_key", senderKey.String()).
		Str("session_id", session.ID().String()).
		Msg("Created inbound olm session from pre-key message")
	return plaintext, nil
}

// EncryptOlm encrypts plaintext for the peer using an established session.
func (e *Engine) EncryptOlm(ctx context.Context, peerKey id.Curve25519, session olm.Session, plaintext []byte) (id.OlmMsgType, string, error) {
	msgType, ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	e.persistOlmSession(ctx, peerKey, session, store.SessionOlmOutbound)
	return msgType, string(ciphertext), nil
}

func (e *Engine) rememberOlmSession(peerKey id.Curve25519, session olm.Session) {
	byID, ok := e.olmSessions[peerKey]
	if !ok {
		byID = make(map[id.SessionID]olm.Session)
		e.olmSessions[peerKey] = byID
	}
	byID[session.ID()] = session
}

func (e *Engine) persistOlmSession(ctx context.Context, peerKey id.Curve25519, session olm.Session, kind store.SessionKind) {
	pickled, err := session.Pickle(e.pickleKey)
	if err != nil {
		e.log.Err(err).Str("session_id", session.ID().String()).Msg("Failed to pickle olm session")
		return
	}
	e.persistSession(ctx, &store.SessionRecord{
		UserID:    e.UserID.String(),
		DeviceID:  e.DeviceID.String(),
		SessionID: session.ID().String(),
		SenderKey: peerKey.String(),
		Kind:      kind,
		Pickle:    string(pickled),
	})
}
