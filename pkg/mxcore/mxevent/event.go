// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mxevent decodes raw sync payloads into a closed set of typed
// event variants. The decode happens once at the JSON boundary; everything
// above switches exhaustively on Kind instead of matching type strings.
package mxevent

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"
)

// Kind identifies which variant an Event carries.
type Kind int

const (
	// KindUnknown carries no parsed content, only the envelope.
	KindUnknown Kind = iota
	// KindMessage is a plaintext m.room.message.
	KindMessage
	// KindEncrypted is an m.room.encrypted megolm room event.
	KindEncrypted
	// KindOlmEncrypted is an m.room.encrypted to-device event carrying
	// per-recipient olm ciphertext.
	KindOlmEncrypted
	// KindMember is an m.room.member state event.
	KindMember
	// KindEncryption is an m.room.encryption state event enabling megolm.
	KindEncryption
	// KindRoomKey is an m.room_key to-device event (already decrypted).
	KindRoomKey
	// KindRedaction is an m.room.redaction event.
	KindRedaction
	// KindTyping is the m.typing ephemeral event.
	KindTyping
	// KindReceipt is the m.receipt ephemeral event.
	KindReceipt
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindEncrypted:
		return "encrypted"
	case KindOlmEncrypted:
		return "olm-encrypted"
	case KindMember:
		return "member"
	case KindEncryption:
		return "encryption"
	case KindRoomKey:
		return "room-key"
	case KindRedaction:
		return "redaction"
	case KindTyping:
		return "typing"
	case KindReceipt:
		return "receipt"
	default:
		return "unknown"
	}
}

// Event is the envelope shared by all variants plus exactly one parsed
// content field depending on Kind. Raw always holds the original bytes.
type Event struct {
	Kind      Kind
	Type      string
	ID        id.EventID
	Sender    id.UserID
	RoomID    id.RoomID
	StateKey  *string
	Timestamp int64
	// TransactionID is set when the server echoed back an event this
	// device sent, from unsigned.transaction_id.
	TransactionID string
	Raw           json.RawMessage

	Message      *MessageContent
	Encrypted    *EncryptedContent
	OlmEncrypted *OlmEncryptedContent
	Member       *MemberContent
	Encryption   *EncryptionContent
	RoomKey      *RoomKeyContent
	Redaction    *RedactionContent
	Typing       *TypingContent
	Receipt      *ReceiptContent
}

type MessageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
	URL     string `json:"url,omitempty"`
	// File carries encrypted media metadata when the message is an
	// attachment in an encrypted room.
	File *EncryptedFile `json:"file,omitempty"`
}

// EncryptedFile is the m.file block holding media decryption parameters.
type EncryptedFile struct {
	URL     string            `json:"url"`
	Key     JSONWebKey        `json:"key"`
	IV      string            `json:"iv"`
	Hashes  map[string]string `json:"hashes"`
	Version string            `json:"v"`
}

type JSONWebKey struct {
	KeyType   string   `json:"kty"`
	KeyOps    []string `json:"key_ops"`
	Algorithm string   `json:"alg"`
	Key       string   `json:"k"`
	Ext       bool     `json:"ext"`
}

// EncryptedContent is a megolm-encrypted room event.
type EncryptedContent struct {
	Algorithm  string        `json:"algorithm"`
	SenderKey  id.Curve25519 `json:"sender_key"`
	DeviceID   id.DeviceID   `json:"device_id"`
	SessionID  id.SessionID  `json:"session_id"`
	Ciphertext string        `json:"ciphertext"`
}

// OlmEncryptedContent is an olm-encrypted to-device event; the ciphertext
// map is keyed by recipient curve25519 identity key.
type OlmEncryptedContent struct {
	Algorithm  string                   `json:"algorithm"`
	SenderKey  id.Curve25519            `json:"sender_key"`
	Ciphertext map[string]OlmCiphertext `json:"ciphertext"`
}

type OlmCiphertext struct {
	Type id.OlmMsgType `json:"type"`
	Body string        `json:"body"`
}

type MemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

type EncryptionContent struct {
	Algorithm          string `json:"algorithm"`
	RotationPeriodMS   int64  `json:"rotation_period_ms,omitempty"`
	RotationPeriodMsgs int64  `json:"rotation_period_msgs,omitempty"`
}

// RoomKeyContent is the decrypted payload of a megolm key share.
type RoomKeyContent struct {
	Algorithm  string       `json:"algorithm"`
	RoomID     id.RoomID    `json:"room_id"`
	SessionID  id.SessionID `json:"session_id"`
	SessionKey string       `json:"session_key"`
	ChainIndex uint32       `json:"chain_index"`
}

type RedactionContent struct {
	Redacts id.EventID `json:"redacts"`
	Reason  string     `json:"reason,omitempty"`
}

type TypingContent struct {
	UserIDs []id.UserID `json:"user_ids"`
}

// ReceiptContent maps event IDs to receipt type to user IDs.
type ReceiptContent map[id.EventID]map[string]map[id.UserID]struct {
	Timestamp int64 `json:"ts"`
}

const AlgorithmOlm = "m.olm.v1.curve25519-aes-sha2"
const AlgorithmMegolm = "m.megolm.v1.aes-sha2"

// Decode parses one raw event from a sync response. Unrecognized types
// produce a KindUnknown envelope rather than an error; a recognized type
// with a malformed content block is an error.
func Decode(raw json.RawMessage) (*Event, error) {
	evt := &Event{
		Kind: KindUnknown,
		Raw:  raw,
	}
	var envelope struct {
		Type      string     `json:"type"`
		ID        id.EventID `json:"event_id"`
		Sender    id.UserID  `json:"sender"`
		RoomID    id.RoomID  `json:"room_id"`
		StateKey  *string    `json:"state_key"`
		Timestamp int64      `json:"origin_server_ts"`
		Unsigned  struct {
			TransactionID string `json:"transaction_id"`
		} `json:"unsigned"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("mxevent: malformed event envelope: %w", err)
	}
	evt.Type = envelope.Type
	evt.ID = envelope.ID
	evt.Sender = envelope.Sender
	evt.RoomID = envelope.RoomID
	evt.StateKey = envelope.StateKey
	evt.Timestamp = envelope.Timestamp
	evt.TransactionID = envelope.Unsigned.TransactionID

	content := []byte(gjson.GetBytes(raw, "content").Raw)
	if len(content) == 0 {
		content = []byte("{}")
	}
	var err error
	switch envelope.Type {
	case "m.room.message":
		evt.Kind = KindMessage
		evt.Message = &MessageContent{}
		err = json.Unmarshal(content, evt.Message)
	case "m.room.encrypted":
		// The olm and megolm payloads share a type string; the algorithm
		// and the shape of the ciphertext field tell them apart.
		if gjson.GetBytes(content, "algorithm").Str == AlgorithmOlm {
			evt.Kind = KindOlmEncrypted
			evt.OlmEncrypted = &OlmEncryptedContent{}
			err = json.Unmarshal(content, evt.OlmEncrypted)
		} else {
			evt.Kind = KindEncrypted
			evt.Encrypted = &EncryptedContent{}
			err = json.Unmarshal(content, evt.Encrypted)
		}
	case "m.room.member":
		evt.Kind = KindMember
		evt.Member = &MemberContent{}
		err = json.Unmarshal(content, evt.Member)
	case "m.room.encryption":
		evt.Kind = KindEncryption
		evt.Encryption = &EncryptionContent{}
		err = json.Unmarshal(content, evt.Encryption)
	case "m.room_key":
		evt.Kind = KindRoomKey
		evt.RoomKey = &RoomKeyContent{}
		err = json.Unmarshal(content, evt.RoomKey)
	case "m.room.redaction":
		evt.Kind = KindRedaction
		evt.Redaction = &RedactionContent{}
		err = json.Unmarshal(content, evt.Redaction)
		if evt.Redaction.Redacts == "" {
			// Older servers put the target at the event level.
			evt.Redaction.Redacts = id.EventID(gjson.GetBytes(raw, "redacts").Str)
		}
	case "m.typing":
		evt.Kind = KindTyping
		evt.Typing = &TypingContent{}
		err = json.Unmarshal(content, evt.Typing)
	case "m.receipt":
		evt.Kind = KindReceipt
		evt.Receipt = &ReceiptContent{}
		err = json.Unmarshal(content, evt.Receipt)
	}
	if err != nil {
		return nil, fmt.Errorf("mxevent: malformed %s content: %w", envelope.Type, err)
	}
	return evt, nil
}
