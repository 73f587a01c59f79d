// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
package rooms

import (
	"maunium.net/go/mautrix/id"
)

// Device is one end-to-end encryption capable device of a room member.
type Device struct {
	UserID   id.UserID
	DeviceID id.DeviceID

	IdentityKey id.Curve25519
	SigningKey  id.Ed25519

	// ClaimedOneTimeKey holds the signed curve25519 one-time key claimed
	// for this device during key distribution, until an olm session is
	// established from it.
	ClaimedOneTimeKey id.Curve25519
}

// Member is a joined user in a room, with its known device list.
type Member struct {
	UserID     id.UserID
	Membership string

	Devices map[id.DeviceID]*Device
	// DevicesOutdated is set when sync reports changed device lists, and
	// cleared after the next successful /keys/query.
	DevicesOutdated bool
}

// GetMember returns the member entry for a user, creating it on first use.
func (room *Room) GetMember(userID id.UserID) *Member {
	room.lock.Lock()
	defer room.lock.Unlock()
	member, ok := room.members[userID]
	if !ok {
		member = &Member{
			UserID:          userID,
			Devices:         make(map[id.DeviceID]*Device),
			DevicesOutdated: true,
		}
		room.members[userID] = member
	}
	return member
}

// SetMembership records a membership change from room state.
func (room *Room) SetMembership(userID id.UserID, membership string) {
	member := room.GetMember(userID)
	room.lock.Lock()
	member.Membership = membership
	if membership == "leave" || membership == "ban" {
		delete(room.members, userID)
	}
	room.lock.Unlock()
}

// JoinedMembers returns the users currently tracked in the room.
func (room *Room) JoinedMembers() []id.UserID {
	room.lock.RLock()
	defer room.lock.RUnlock()
	users := make([]id.UserID, 0, len(room.members))
	for userID := range room.members {
		users = append(users, userID)
	}
	return users
}

// MarkDevicesOutdated flags a member so the next key distribution pass
// refreshes its device list.
func (room *Room) MarkDevicesOutdated(userID id.UserID) {
	room.lock.Lock()
	defer room.lock.Unlock()
	if member, ok := room.members[userID]; ok {
		member.DevicesOutdated = true
	}
}

// OutdatedMembers returns the users whose device lists need a fresh
// /keys/query before the room's next encrypted send.
func (room *Room) OutdatedMembers() []id.UserID {
	room.lock.RLock()
	defer room.lock.RUnlock()
	var users []id.UserID
	for userID, member := range room.members {
		if member.DevicesOutdated {
			users = append(users, userID)
		}
	}
	return users
}

// ReplaceDevices swaps in a freshly queried device list for a member and
// clears the outdated flag.
func (room *Room) ReplaceDevices(userID id.UserID, devices map[id.DeviceID]*Device) {
	member := room.GetMember(userID)
	room.lock.Lock()
	member.Devices = devices
	member.DevicesOutdated = false
	room.lock.Unlock()
}

// AllDevices returns every known device across the room's members.
func (room *Room) AllDevices() []*Device {
	room.lock.RLock()
	defer room.lock.RUnlock()
	var devices []*Device
	for _, member := range room.members {
		for _, dev := range member.Devices {
			devices = append(devices, dev)
		}
	}
	return devices
}
