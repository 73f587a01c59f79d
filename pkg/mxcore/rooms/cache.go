// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
package rooms

import (
	sync "github.com/sasha-s/go-deadlock"
	"maunium.net/go/mautrix/id"
)

// Cache is the set of rooms the engine currently knows about.
type Cache struct {
	lock  sync.RWMutex
	rooms map[id.RoomID]*Room
}

func NewCache() *Cache {
	return &Cache{rooms: make(map[id.RoomID]*Room)}
}

// Get returns a room or nil.
func (cache *Cache) Get(roomID id.RoomID) *Room {
	cache.lock.RLock()
	defer cache.lock.RUnlock()
	return cache.rooms[roomID]
}

// GetOrCreate returns the room, creating an empty model on first sight.
func (cache *Cache) GetOrCreate(roomID id.RoomID) *Room {
	cache.lock.Lock()
	defer cache.lock.Unlock()
	room, ok := cache.rooms[roomID]
	if !ok {
		room = NewRoom(roomID)
		cache.rooms[roomID] = room
	}
	return room
}

// Forget drops a room from the cache after leaving it.
func (cache *Cache) Forget(roomID id.RoomID) {
	cache.lock.Lock()
	delete(cache.rooms, roomID)
	cache.lock.Unlock()
}

// All returns a snapshot of every cached room.
func (cache *Cache) All() []*Room {
	cache.lock.RLock()
	defer cache.lock.RUnlock()
	list := make([]*Room, 0, len(cache.rooms))
	for _, room := range cache.rooms {
		list = append(list, room)
	}
	return list
}
