// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package history persists room timelines on disk. Each room gets a stream
// bucket keyed by a monotonic position: positions above 2^63 are appended
// live messages, positions below it are backfilled history, so a cursor
// walk always yields timestamp order.
package history

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/gob"
	"errors"

	sync "github.com/sasha-s/go-deadlock"
	bolt "go.etcd.io/bbolt"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/mxcore/pkg/mxcore/rooms"
)

var (
	ErrMessageNotFound = errors.New("message not found in history")
	ErrRoomNotFound    = errors.New("room not found in history")
)

var (
	bucketStreams     = []byte("room_streams")
	bucketEventIDs    = []byte("room_event_ids")
	bucketTxnIDs      = []byte("room_txn_ids")
	bucketBackfillPtr = []byte("room_backfill_pointers")
)

const halfUint64 = ^uint64(0) >> 1

// Store is a bbolt-backed timeline archive.
type Store struct {
	sync.Mutex

	db *bolt.DB

	backfillPtr map[id.RoomID]uint64
}

// Open creates or reopens the history database at the given path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      1,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketStreams, bucketEventIDs, bucketTxnIDs, bucketBackfillPtr} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		db:          db,
		backfillPtr: make(map[id.RoomID]uint64),
	}, nil
}

func (hs *Store) Close() error {
	return hs.db.Close()
}

// Append stores messages that arrived from sync or were sent locally, at
// the live end of the room's stream.
func (hs *Store) Append(roomID id.RoomID, msgs []*rooms.Message) error {
	return hs.store(roomID, msgs, true)
}

// Prepend stores backfilled history messages before everything already in
// the stream. Callers pass them newest-first, as /messages returns them.
func (hs *Store) Prepend(roomID id.RoomID, msgs []*rooms.Message) error {
	return hs.store(roomID, msgs, false)
}

func (hs *Store) store(roomID id.RoomID, msgs []*rooms.Message, appendEnd bool) error {
	hs.Lock()
	defer hs.Unlock()
	return hs.db.Update(func(tx *bolt.Tx) error {
		rid := []byte(roomID)
		stream, err := tx.Bucket(bucketStreams).CreateBucketIfNotExists(rid)
		if err != nil {
			return err
		}
		eventIDs, err := tx.Bucket(bucketEventIDs).CreateBucketIfNotExists(rid)
		if err != nil {
			return err
		}
		txnIDs, err := tx.Bucket(bucketTxnIDs).CreateBucketIfNotExists(rid)
		if err != nil {
			return err
		}
		if stream.Sequence() < halfUint64 {
			// Live appends use the upper half of the keyspace. SetSequence
			// to one below so NextSequence lands exactly on halfUint64.
			if err = stream.SetSequence(halfUint64 - 1); err != nil {
				return err
			}
		}
		if appendEnd {
			ptr, err := stream.NextSequence()
			if err != nil {
				return err
			}
			for i, msg := range msgs {
				if err := hs.put(stream, eventIDs, txnIDs, msg, ptr+uint64(i)); err != nil {
					return err
				}
			}
			return stream.SetSequence(ptr + uint64(len(msgs)) - 1)
		}
		ptrs := tx.Bucket(bucketBackfillPtr)
		ptr, ok := hs.backfillPtr[roomID]
		if !ok {
			if raw := ptrs.Get(rid); raw != nil {
				ptr = btoi(raw)
			} else {
				ptr = halfUint64 - 1
			}
		}
		for i, msg := range msgs {
			if err := hs.put(stream, eventIDs, txnIDs, msg, ptr-uint64(i)); err != nil {
				return err
			}
		}
		ptr -= uint64(len(msgs))
		hs.backfillPtr[roomID] = ptr
		return ptrs.Put(rid, itob(ptr))
	})
}

// Get loads one message by event ID.
func (hs *Store) Get(roomID id.RoomID, eventID id.EventID) (*rooms.Message, error) {
	var msg *rooms.Message
	err := hs.db.View(func(tx *bolt.Tx) error {
		stream, index, err := hs.streamIndex(tx, []byte(roomID), bucketEventIDs, []byte(eventID))
		if err != nil {
			return err
		}
		msg, err = hs.get(stream, index)
		return err
	})
	return msg, err
}

// ConfirmLocalEcho rewrites a stored pending message in place once the
// server echoes it back with its final event ID.
func (hs *Store) ConfirmLocalEcho(roomID id.RoomID, txnID string, eventID id.EventID) error {
	hs.Lock()
	defer hs.Unlock()
	return hs.db.Update(func(tx *bolt.Tx) error {
		rid := []byte(roomID)
		stream, index, err := hs.streamIndex(tx, rid, bucketTxnIDs, []byte(txnID))
		if err != nil {
			return err
		}
		msg, err := hs.get(stream, index)
		if err != nil {
			return err
		}
		msg.ID = eventID
		msg.Status = rooms.StatusSent
		data, err := marshalMessage(msg)
		if err != nil {
			return err
		}
		if err = stream.Put(index, data); err != nil {
			return err
		}
		eventIDs, err := tx.Bucket(bucketEventIDs).CreateBucketIfNotExists(rid)
		if err != nil {
			return err
		}
		return eventIDs.Put([]byte(eventID), index)
	})
}

// Load reads up to num messages ending just before ptrStart. Pass zero to
// start from the live end. Messages come back oldest-first along with the
// pointer to continue from.
func (hs *Store) Load(roomID id.RoomID, num int, ptrStart uint64) (msgs []*rooms.Message, newPtrStart uint64, err error) {
	hs.Lock()
	defer hs.Unlock()
	err = hs.db.View(func(tx *bolt.Tx) error {
		stream := tx.Bucket(bucketStreams).Bucket([]byte(roomID))
		if stream == nil {
			return nil
		}
		if ptrStart == 0 {
			ptrStart = stream.Sequence() + 1
		}
		c := stream.Cursor()
		k, v := c.Seek(itob(ptrStart - uint64(num)))
		if k == nil || btoi(k) >= ptrStart {
			return nil
		}
		newPtrStart = btoi(k)
		for ; k != nil && btoi(k) < ptrStart; k, v = c.Next() {
			msg, parseErr := unmarshalMessage(v)
			if parseErr != nil {
				return parseErr
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	return
}

func (hs *Store) streamIndex(tx *bolt.Tx, roomID []byte, indexBucket, key []byte) (*bolt.Bucket, []byte, error) {
	keys := tx.Bucket(indexBucket).Bucket(roomID)
	if keys == nil {
		return nil, nil, ErrRoomNotFound
	}
	index := keys.Get(key)
	if index == nil {
		return nil, nil, ErrMessageNotFound
	}
	return tx.Bucket(bucketStreams).Bucket(roomID), index, nil
}

func (hs *Store) get(stream *bolt.Bucket, index []byte) (*rooms.Message, error) {
	data := stream.Get(index)
	if len(data) == 0 {
		return nil, ErrMessageNotFound
	}
	return unmarshalMessage(data)
}

func (hs *Store) put(stream, eventIDs, txnIDs *bolt.Bucket, msg *rooms.Message, key uint64) error {
	data, err := marshalMessage(msg)
	if err != nil {
		return err
	}
	keyBytes := itob(key)
	if err = stream.Put(keyBytes, data); err != nil {
		return err
	}
	if msg.ID != "" {
		if err = eventIDs.Put([]byte(msg.ID), keyBytes); err != nil {
			return err
		}
	}
	if msg.TxnID != "" {
		if err = txnIDs.Put([]byte(msg.TxnID), keyBytes); err != nil {
			return err
		}
	}
	return nil
}

func marshalMessage(msg *rooms.Message) ([]byte, error) {
	var buf bytes.Buffer
	enc, _ := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err := gob.NewEncoder(enc).Encode(msg); err != nil {
		_ = enc.Close()
		return nil, err
	} else if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalMessage(data []byte) (*rooms.Message, error) {
	msg := &rooms.Message{}
	cmpReader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err = gob.NewDecoder(cmpReader).Decode(msg); err != nil {
		_ = cmpReader.Close()
		return nil, err
	}
	return msg, cmpReader.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
