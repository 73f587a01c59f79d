// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypt

import (
	"context"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mxcore/pkg/mxcore/mxevent"
	"go.mau.fi/mxcore/pkg/mxcore/store"
)

// GroupKeyMaterial is what a newly created outbound group session exposes
// for sharing: everything a recipient needs to build the inbound side.
type GroupKeyMaterial struct {
	RoomID     id.RoomID
	SessionID  id.SessionID
	SessionKey string
	ChainIndex uint32
}

// CreateOutboundGroupSession creates the room's outbound megolm session.
// Returns nil when one already exists: callers must check first instead of
// relying on this to rotate, since rotating would discard the active key.
func (e *Engine) CreateOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*GroupKeyMaterial, error) {
	if _, exists := e.outboundGroup[roomID]; exists {
		return nil, nil
	}
	session := olm.NewOutboundGroupSession()
	e.outboundGroup[roomID] = session
	chainIndex := uint32(session.MessageIndex())
	e.outboundChainIndex[roomID] = chainIndex

	material := &GroupKeyMaterial{
		RoomID:     roomID,
		SessionID:  session.ID(),
		SessionKey: session.Key(),
		ChainIndex: chainIndex,
	}
	// The sender must be able to read back its own history, so an inbound
	// twin is registered for the new session immediately.
	if err := e.AddInboundGroupSession(ctx, roomID, session.ID(), e.senderKey(), material.SessionKey); err != nil {
		e.log.Err(err).
			Stringer("room_id", roomID).
			Msg("Failed to create inbound twin for new outbound group session")
	}
	if pickled, err := session.Pickle(e.pickleKey); err != nil {
		e.log.Err(err).Stringer("room_id", roomID).Msg("Failed to pickle outbound group session")
	} else {
		e.persistSession(ctx, &store.SessionRecord{
			UserID:    e.UserID.String(),
			DeviceID:  e.DeviceID.String(),
			RoomID:    roomID.String(),
			SessionID: session.ID().String(),
			SenderKey: e.senderKey().String(),
			Kind:      store.SessionMegolmOutbound,
			Pickle:    string(pickled),
		})
	}
	e.log.Info().
		Stringer("room_id", roomID).
		Str("session_id", session.ID().String()).
		Msg("Created outbound group session")
	return material, nil
}

// HasOutboundGroupSession reports whether the room already has an active
// outbound megolm session.
func (e *Engine) HasOutboundGroupSession(roomID id.RoomID) bool {
	_, exists := e.outboundGroup[roomID]
	return exists
}

// CipherPayload is the content block of an m.room.encrypted megolm event.
type CipherPayload struct {
	Algorithm  string        `json:"algorithm"`
	SenderKey  id.Curve25519 `json:"sender_key"`
	DeviceID   id.DeviceID   `json:"device_id"`
	SessionID  id.SessionID  `json:"session_id"`
	Ciphertext string        `json:"ciphertext"`
}

// EncryptForRoom encrypts a room event payload under the room's outbound
// group session. Fails with ErrNoActiveGroupSession if none exists.
func (e *Engine) EncryptForRoom(roomID id.RoomID, eventType string, content any) (*CipherPayload, error) {
	session, exists := e.outboundGroup[roomID]
	if !exists {
		return nil, ErrNoActiveGroupSession
	}
	plaintext, err := json.Marshal(map[string]any{
		"room_id": roomID,
		"type":    eventType,
		"content": content,
	})
	if err != nil {
		return nil, fmt.Errorf("crypt: failed to marshal plaintext event: %w", err)
	}
	ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return &CipherPayload{
		Algorithm:  mxevent.AlgorithmMegolm,
		SenderKey:  e.senderKey(),
		DeviceID:   e.DeviceID,
		SessionID:  session.ID(),
		Ciphertext: string(ciphertext),
	}, nil
}

// AddInboundGroupSession registers a shared megolm session key. An inbound
// session that already exists for the session ID is never overwritten.
func (e *Engine) AddInboundGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, senderKey id.Curve25519, sessionKey string) error {
	if _, exists := e.inboundGroup[sessionID]; exists {
		return nil
	}
	session, err := olm.NewInboundGroupSession([]byte(sessionKey))
	if err != nil {
		return fmt.Errorf("%w: invalid inbound group session key: %v", ErrCrypto, err)
	}
	e.inboundGroup[sessionID] = session
	if pickled, err := session.Pickle(e.pickleKey); err != nil {
		e.log.Err(err).Str("session_id", sessionID.String()).Msg("Failed to pickle inbound group session")
	} else {
		e.persistSession(ctx, &store.SessionRecord{
			UserID:    e.UserID.String(),
			DeviceID:  e.DeviceID.String(),
			RoomID:    roomID.String(),
			SessionID: sessionID.String(),
			SenderKey: senderKey.String(),
			Kind:      store.SessionMegolmInbound,
			Pickle:    string(pickled),
		})
	}
	return nil
}

// DecryptGroupMessage decrypts one megolm ciphertext. The in-memory table
// is consulted first, then a persisted pickle is loaded from the store;
// ErrUnknownSession if neither exists.
func (e *Engine) DecryptGroupMessage(ctx context.Context, sessionID id.SessionID, senderKey id.Curve25519, ciphertext string) ([]byte, error) {
	session, exists := e.inboundGroup[sessionID]
	if !exists {
		var err error
		session, err = e.loadInboundGroupSession(ctx, sessionID, senderKey)
		if err != nil {
			return nil, err
		}
		e.inboundGroup[sessionID] = session
	}
	plaintext, _, err := session.Decrypt([]byte(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return plaintext, nil
}

func (e *Engine) loadInboundGroupSession(ctx context.Context, sessionID id.SessionID, senderKey id.Curve25519) (olm.InboundGroupSession, error) {
	if e.store == nil {
		return nil, ErrUnknownSession
	}
	pickle, err := e.store.LookupSession(ctx, e.UserID.String(), sessionID.String(), senderKey.String(), store.SessionMegolmInbound)
	if err != nil {
		return nil, fmt.Errorf("crypt: failed to look up persisted session: %w", err)
	} else if pickle == "" {
		return nil, ErrUnknownSession
	}
	session, err := olm.InboundGroupSessionFromPickled([]byte(pickle), e.pickleKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPickle, err)
	}
	return session, nil
}

// EncryptedKeyShare is a per-device olm-encrypted m.room_key payload, ready
// to be placed in a send-to-device batch.
type EncryptedKeyShare struct {
	Algorithm  string                           `json:"algorithm"`
	SenderKey  id.Curve25519                    `json:"sender_key"`
	Ciphertext map[string]mxevent.OlmCiphertext `json:"ciphertext"`
}

// WrapRoomKeyForDevice builds the olm-encrypted room key share for one
// recipient device. Requires an established pairwise session towards the
// device; returns nil (no error) when there is none, which the caller
// treats as "skip this device".
func (e *Engine) WrapRoomKeyForDevice(ctx context.Context, material *GroupKeyMaterial, recipient id.UserID, recipientDevice id.DeviceID, recipientIdentityKey id.Curve25519, recipientSigningKey id.Ed25519) (*EncryptedKeyShare, error) {
	if material == nil || recipientIdentityKey == "" {
		return nil, nil
	}
	sessions := e.olmSessions[recipientIdentityKey]
	if len(sessions) == 0 {
		return nil, nil
	}
	var session olm.Session
	for _, candidate := range sessions {
		session = candidate
		break
	}
	ownSigningKey, ownIdentityKey, err := e.IdentityKeys()
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(map[string]any{
		"type":   "m.room_key",
		"sender": e.UserID,
		"keys": map[string]string{
			"ed25519": ownSigningKey.String(),
		},
		"recipient": recipient,
		"recipient_keys": map[string]string{
			"ed25519": recipientSigningKey.String(),
		},
		"content": mxevent.RoomKeyContent{
			Algorithm:  mxevent.AlgorithmMegolm,
			RoomID:     material.RoomID,
			SessionID:  material.SessionID,
			SessionKey: material.SessionKey,
			ChainIndex: material.ChainIndex,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("crypt: failed to marshal room key payload: %w", err)
	}
	msgType, ciphertext, err := e.EncryptOlm(ctx, recipientIdentityKey, session, plaintext)
	if err != nil {
		return nil, err
	}
	return &EncryptedKeyShare{
		Algorithm: mxevent.AlgorithmOlm,
		SenderKey: ownIdentityKey,
		Ciphertext: map[string]mxevent.OlmCiphertext{
			recipientIdentityKey.String(): {
				Type: msgType,
				Body: ciphertext,
			},
		},
	}, nil
}

func (e *Engine) senderKey() id.Curve25519 {
	_, curve25519, err := e.account.IdentityKeys()
	if err != nil {
		e.log.Err(err).Msg("Failed to get identity keys")
		return ""
	}
	return curve25519
}
