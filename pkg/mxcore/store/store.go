// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package store is the durable local store for accounts, rooms and
// cryptographic session pickles. All database access is serialized through
// one dedicated worker goroutine: callers enqueue requests and block on the
// reply channel, so the underlying sqlite handle is only ever touched from
// the worker. Closing the store drains queued requests before releasing the
// handle; requests made after Close fail fast with ErrClosed.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"go.mau.fi/mxcore/pkg/mxcore/store/upgrades"
)

var (
	// ErrClosed is returned for any request made after Close. Requesting
	// a closed store is a programming error, not a runtime condition.
	ErrClosed = errors.New("store: closed")
	// ErrUnavailable wraps filesystem or permission failures at open time.
	ErrUnavailable = errors.New("store: database unavailable")
)

// LookupTimeout bounds the blocking session lookup on the decrypt hot path.
const LookupTimeout = 10 * time.Second

const queueSize = 64

type request struct {
	fn    func(ctx context.Context) (any, error)
	reply chan result
}

type result struct {
	value any
	err   error
}

// Store owns the sqlite database. The exported methods are safe to call
// from any goroutine; they serialize through the worker.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger

	accounts *accountQuery
	rooms    *roomQuery
	sessions *sessionQuery
	media    *mediaKeyQuery

	requests chan *request
	done     chan struct{}

	closeLock sync.Mutex
	closed    bool
}

// Open opens (creating if necessary) the store at the given sqlite path and
// starts the worker. The schema is created or migrated before Open returns.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewFromConfig("mxcore", dbutil.Config{
		PoolConfig: dbutil.PoolConfig{
			Type:         "sqlite3",
			URI:          fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000", path),
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
	}, dbutil.ZeroLogger(log.With().Str("db_section", "store").Logger()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	db.UpgradeTable = upgrades.Table
	if err = db.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s := &Store{
		db:       db,
		log:      log,
		requests: make(chan *request, queueSize),
		done:     make(chan struct{}),
	}
	s.accounts = &accountQuery{db: db}
	s.rooms = &roomQuery{db: db}
	s.sessions = &sessionQuery{db: db}
	s.media = &mediaKeyQuery{db: db}
	go s.loop()
	return s, nil
}

// loop is the worker. It executes each request to completion before taking
// the next, in FIFO order, and closes the database once the queue is drained
// after Close.
func (s *Store) loop() {
	defer close(s.done)
	for req := range s.requests {
		value, err := req.fn(context.Background())
		req.reply <- result{value: value, err: err}
	}
	if err := s.db.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to close store database")
	}
}

// Close drains pending requests, then releases the database handle. After
// Close the store is inert.
func (s *Store) Close() {
	s.closeLock.Lock()
	if s.closed {
		s.closeLock.Unlock()
		return
	}
	s.closed = true
	close(s.requests)
	s.closeLock.Unlock()
	<-s.done
}

func (s *Store) enqueue(req *request) error {
	s.closeLock.Lock()
	defer s.closeLock.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.requests <- req
	return nil
}

// do enqueues one request and blocks until the worker has executed it. The
// context only bounds the wait, not the execution: a request that has been
// queued always runs, so a canceled caller cannot leave a half-applied
// write behind it in the queue.
func (s *Store) do(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	req := &request{fn: fn, reply: make(chan result, 1)}
	if err := s.enqueue(req); err != nil {
		return nil, err
	}
	select {
	case res := <-req.reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SaveAccount upserts the whole account record. Partial writes do not
// exist: every save rewrites the full row.
func (s *Store) SaveAccount(ctx context.Context, record *AccountRecord) error {
	_, err := s.do(ctx, func(ctx context.Context) (any, error) {
		return nil, s.accounts.upsert(ctx, record)
	})
	return err
}

// LoadAccount returns the stored record for the given user, or nil (with no
// error) when none exists. A non-empty deviceID narrows the match.
func (s *Store) LoadAccount(ctx context.Context, userID string, deviceID string) (*AccountRecord, error) {
	value, err := s.do(ctx, func(ctx context.Context) (any, error) {
		return s.accounts.get(ctx, userID, deviceID)
	})
	if err != nil {
		return nil, err
	}
	return value.(*AccountRecord), nil
}

// DeleteAccount removes the account row and everything hanging off it.
func (s *Store) DeleteAccount(ctx context.Context, userID string) error {
	_, err := s.do(ctx, func(ctx context.Context) (any, error) {
		return nil, s.accounts.delete(ctx, userID)
	})
	return err
}

// SaveRoom upserts the pagination cursor for a room of the given account.
func (s *Store) SaveRoom(ctx context.Context, userID, roomID, prevBatch string) error {
	_, err := s.do(ctx, func(ctx context.Context) (any, error) {
		return nil, s.rooms.upsert(ctx, userID, roomID, prevBatch)
	})
	return err
}

// LoadRoom returns the stored prev_batch for a room, or empty when the room
// is not known.
func (s *Store) LoadRoom(ctx context.Context, userID, roomID string) (string, error) {
	value, err := s.do(ctx, func(ctx context.Context) (any, error) {
		return s.rooms.getPrevBatch(ctx, userID, roomID)
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// AddSession appends one session pickle. The schema uniquely constrains
// (account, sender_key, session_id); re-adding an existing session returns
// ErrSessionExists and leaves the stored pickle untouched.
func (s *Store) AddSession(ctx context.Context, sess *SessionRecord) error {
	_, err := s.do(ctx, func(ctx context.Context) (any, error) {
		return nil, s.sessions.insert(ctx, sess)
	})
	return err
}

// LookupSession loads a persisted session pickle, blocking the caller until
// the worker answers or LookupTimeout elapses. Returns empty (not an error)
// when no matching session is stored.
func (s *Store) LookupSession(ctx context.Context, userID string, sessionID, senderKey string, kind SessionKind) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, LookupTimeout)
	defer cancel()
	value, err := s.do(ctx, func(ctx context.Context) (any, error) {
		return s.sessions.getPickle(ctx, userID, sessionID, senderKey, kind)
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// SaveFileEncryptionInfo stores media decryption parameters keyed by file
// URL. Append-only; saving the same URL twice is ignored.
func (s *Store) SaveFileEncryptionInfo(ctx context.Context, info *FileEncryptionInfo) error {
	_, err := s.do(ctx, func(ctx context.Context) (any, error) {
		return nil, s.media.insert(ctx, info)
	})
	return err
}

// LookupFileEncryptionInfo returns stored media decryption parameters, or
// nil when the URL is unknown.
func (s *Store) LookupFileEncryptionInfo(ctx context.Context, fileURL string) (*FileEncryptionInfo, error) {
	value, err := s.do(ctx, func(ctx context.Context) (any, error) {
		return s.media.get(ctx, fileURL)
	})
	if err != nil {
		return nil, err
	}
	return value.(*FileEncryptionInfo), nil
}
