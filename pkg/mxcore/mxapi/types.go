// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mxapi

import (
	"encoding/json"

	"maunium.net/go/mautrix/id"
)

type RespVersions struct {
	Versions []string `json:"versions"`
}

// Contains reports whether the server advertises the given API version.
func (rv *RespVersions) Contains(version string) bool {
	for _, supported := range rv.Versions {
		if supported == version {
			return true
		}
	}
	return false
}

type ReqLogin struct {
	Type                     string         `json:"type"`
	Identifier               UserIdentifier `json:"identifier"`
	Password                 string         `json:"password,omitempty"`
	DeviceID                 id.DeviceID    `json:"device_id,omitempty"`
	InitialDeviceDisplayName string         `json:"initial_device_display_name,omitempty"`
}

type UserIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type RespLogin struct {
	UserID      id.UserID   `json:"user_id"`
	AccessToken string      `json:"access_token"`
	DeviceID    id.DeviceID `json:"device_id"`
}

type ReqUploadKeys struct {
	DeviceKeys  *DeviceKeys    `json:"device_keys,omitempty"`
	OneTimeKeys map[string]any `json:"one_time_keys,omitempty"`
}

// DeviceKeys is the signed identity key block uploaded once per device and
// returned by /keys/query for remote devices.
type DeviceKeys struct {
	UserID     id.UserID                       `json:"user_id"`
	DeviceID   id.DeviceID                     `json:"device_id"`
	Algorithms []string                        `json:"algorithms"`
	Keys       map[string]string               `json:"keys"`
	Signatures map[id.UserID]map[string]string `json:"signatures,omitempty"`
	Unsigned   map[string]any                  `json:"unsigned,omitempty"`
}

// SignedOneTimeKey is the signed_curve25519 variant of a published one-time key.
type SignedOneTimeKey struct {
	Key        id.Curve25519                   `json:"key"`
	Signatures map[id.UserID]map[string]string `json:"signatures,omitempty"`
}

type RespUploadKeys struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

type ReqQueryKeys struct {
	DeviceKeys map[id.UserID][]id.DeviceID `json:"device_keys"`
	Timeout    int64                       `json:"timeout,omitempty"`
}

type RespQueryKeys struct {
	Failures   map[string]any                           `json:"failures,omitempty"`
	DeviceKeys map[id.UserID]map[id.DeviceID]DeviceKeys `json:"device_keys"`
}

type ReqClaimKeys struct {
	OneTimeKeys map[id.UserID]map[id.DeviceID]string `json:"one_time_keys"`
	Timeout     int64                                `json:"timeout,omitempty"`
}

type RespClaimKeys struct {
	Failures    map[string]any                                            `json:"failures,omitempty"`
	OneTimeKeys map[id.UserID]map[id.DeviceID]map[string]SignedOneTimeKey `json:"one_time_keys"`
}

type RespJoinedRooms struct {
	JoinedRooms []id.RoomID `json:"joined_rooms"`
}

// RespRoomState is the event list returned by the room state endpoint.
type RespRoomState []json.RawMessage

type RespRoomMessages struct {
	Start string            `json:"start"`
	End   string            `json:"end"`
	Chunk []json.RawMessage `json:"chunk"`
}

type RespSendEvent struct {
	EventID id.EventID `json:"event_id"`
}

type ReqSendToDevice struct {
	Messages map[id.UserID]map[id.DeviceID]any `json:"messages"`
}

type ReqTyping struct {
	Typing  bool  `json:"typing"`
	Timeout int64 `json:"timeout,omitempty"`
}

type ReqReadMarkers struct {
	FullyRead id.EventID `json:"m.fully_read"`
	Read      id.EventID `json:"m.read,omitempty"`
}

// RespSync is a single long-poll response. Event payloads are kept raw here;
// the engine decodes them into typed variants at its own boundary.
type RespSync struct {
	NextBatch string `json:"next_batch"`

	Rooms struct {
		Join   map[id.RoomID]SyncJoinedRoom `json:"join"`
		Invite map[id.RoomID]SyncOtherRoom  `json:"invite"`
		Leave  map[id.RoomID]SyncOtherRoom  `json:"leave"`
	} `json:"rooms"`

	ToDevice struct {
		Events []json.RawMessage `json:"events"`
	} `json:"to_device"`

	DeviceLists struct {
		Changed []id.UserID `json:"changed"`
		Left    []id.UserID `json:"left"`
	} `json:"device_lists"`

	DeviceOneTimeKeysCount map[string]int `json:"device_one_time_keys_count"`
}

type SyncJoinedRoom struct {
	State struct {
		Events []json.RawMessage `json:"events"`
	} `json:"state"`
	Timeline struct {
		Events    []json.RawMessage `json:"events"`
		Limited   bool              `json:"limited"`
		PrevBatch string            `json:"prev_batch"`
	} `json:"timeline"`
	Ephemeral struct {
		Events []json.RawMessage `json:"events"`
	} `json:"ephemeral"`
	UnreadNotifications struct {
		HighlightCount    int `json:"highlight_count"`
		NotificationCount int `json:"notification_count"`
	} `json:"unread_notifications"`
}

type SyncOtherRoom struct {
	State struct {
		Events []json.RawMessage `json:"events"`
	} `json:"state"`
}
