// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rooms holds the in-memory room, member and device model the sync
// engine maintains, including each room's pending send queue.
package rooms

import (
	"sort"

	sync "github.com/sasha-s/go-deadlock"
	"maunium.net/go/mautrix/id"
)

// MessageStatus tracks an outgoing message through the send pipeline.
type MessageStatus int

const (
	// StatusReceived is a message that came in via sync.
	StatusReceived MessageStatus = iota
	// StatusPending is queued locally, not yet handed to the network.
	StatusPending
	// StatusSending is the single in-flight send.
	StatusSending
	// StatusSent got an event ID from the server.
	StatusSent
	// StatusFailed stays visible in the room timeline; failed sends do
	// not disappear.
	StatusFailed
)

// Message is one entry in a room's ordered timeline.
type Message struct {
	ID        id.EventID
	TxnID     string
	Sender    id.UserID
	Type      string
	Body      string
	Timestamp int64
	Status    MessageStatus
}

// Room is the engine's view of one joined room.
type Room struct {
	lock sync.RWMutex

	ID id.RoomID
	// encrypted is one-way: megolm can be enabled but never disabled.
	encrypted bool
	prevBatch string

	members map[id.UserID]*Member

	// messages is append-only and sorted by timestamp.
	messages []*Message
	byTxnID  map[string]*Message

	// pending is the FIFO queue of not-yet-confirmed sends.
	pending []*Message
}

// NewRoom creates an empty room model.
func NewRoom(roomID id.RoomID) *Room {
	return &Room{
		ID:      roomID,
		members: make(map[id.UserID]*Member),
		byTxnID: make(map[string]*Message),
	}
}

// SetEncrypted marks the room as megolm-encrypted. There is no way back.
func (room *Room) SetEncrypted() {
	room.lock.Lock()
	room.encrypted = true
	room.lock.Unlock()
}

// Encrypted reports whether outgoing messages must be megolm-encrypted.
func (room *Room) Encrypted() bool {
	room.lock.RLock()
	defer room.lock.RUnlock()
	return room.encrypted
}

// SetPrevBatch stores the pagination cursor for backwards history fetches.
func (room *Room) SetPrevBatch(prevBatch string) {
	room.lock.Lock()
	room.prevBatch = prevBatch
	room.lock.Unlock()
}

func (room *Room) PrevBatch() string {
	room.lock.RLock()
	defer room.lock.RUnlock()
	return room.prevBatch
}

// AddMessage inserts a message into the timeline in timestamp order. When
// the message carries a transaction ID that is already known (the server
// echoing back this device's own send), the existing entry is updated in
// place instead: the timeline never grows a duplicate.
func (room *Room) AddMessage(msg *Message) *Message {
	room.lock.Lock()
	defer room.lock.Unlock()
	if msg.TxnID != "" {
		if existing, ok := room.byTxnID[msg.TxnID]; ok {
			if msg.ID != "" {
				existing.ID = msg.ID
			}
			existing.Status = StatusSent
			return existing
		}
		room.byTxnID[msg.TxnID] = msg
	}
	index := sort.Search(len(room.messages), func(i int) bool {
		return room.messages[i].Timestamp > msg.Timestamp
	})
	room.messages = append(room.messages, nil)
	copy(room.messages[index+1:], room.messages[index:])
	room.messages[index] = msg
	return msg
}

// ConfirmLocalEcho resolves a pending send against its sync echo. Returns
// false if no message with the transaction ID is known.
func (room *Room) ConfirmLocalEcho(txnID string, eventID id.EventID) bool {
	room.lock.Lock()
	defer room.lock.Unlock()
	existing, ok := room.byTxnID[txnID]
	if !ok {
		return false
	}
	existing.ID = eventID
	existing.Status = StatusSent
	return true
}

// MessageCount returns the timeline length.
func (room *Room) MessageCount() int {
	room.lock.RLock()
	defer room.lock.RUnlock()
	return len(room.messages)
}

// Messages returns a copy of the timeline slice.
func (room *Room) Messages() []*Message {
	room.lock.RLock()
	defer room.lock.RUnlock()
	return append([]*Message(nil), room.messages...)
}

// EnqueueSend appends a message to the pending send queue.
func (room *Room) EnqueueSend(msg *Message) {
	room.lock.Lock()
	msg.Status = StatusPending
	room.pending = append(room.pending, msg)
	room.lock.Unlock()
}

// RequeueSendHead puts a message back at the head of the queue after a
// failed or rate-limited send attempt.
func (room *Room) RequeueSendHead(msg *Message) {
	room.lock.Lock()
	msg.Status = StatusPending
	room.pending = append([]*Message{msg}, room.pending...)
	room.lock.Unlock()
}

// DequeueSend pops the next pending message, or nil if the queue is empty.
func (room *Room) DequeueSend() *Message {
	room.lock.Lock()
	defer room.lock.Unlock()
	if len(room.pending) == 0 {
		return nil
	}
	msg := room.pending[0]
	room.pending = room.pending[1:]
	msg.Status = StatusSending
	return msg
}

// PendingCount returns the send queue length.
func (room *Room) PendingCount() int {
	room.lock.RLock()
	defer room.lock.RUnlock()
	return len(room.pending)
}
