// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
)

// SessionKind tags a stored pickle with the kind of ratchet it holds.
type SessionKind int

const (
	SessionOlmInbound SessionKind = iota
	SessionOlmOutbound
	SessionMegolmInbound
	SessionMegolmOutbound
)

func (sk SessionKind) String() string {
	switch sk {
	case SessionOlmInbound:
		return "olm-inbound"
	case SessionOlmOutbound:
		return "olm-outbound"
	case SessionMegolmInbound:
		return "megolm-inbound"
	case SessionMegolmOutbound:
		return "megolm-outbound"
	default:
		return fmt.Sprintf("SessionKind(%d)", int(sk))
	}
}

// ErrSessionExists is returned when adding a session whose
// (account, sender_key, session_id) is already stored.
var ErrSessionExists = errors.New("store: session already exists")

// SessionRecord is one appended session pickle.
type SessionRecord struct {
	UserID    string
	DeviceID  string
	RoomID    string
	SessionID string
	SenderKey string
	Kind      SessionKind
	Pickle    string
}

type sessionQuery struct {
	db *dbutil.Database
}

const (
	insertSessionQuery = `
		INSERT INTO session (account_rowid, room_id, session_id, sender_key, kind, pickle, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	getSessionPickleQuery = `
		SELECT pickle FROM session
		WHERE account_rowid = $1 AND session_id = $2 AND sender_key = $3 AND kind = $4
	`
)

func (sq *sessionQuery) insert(ctx context.Context, record *SessionRecord) error {
	return sq.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		accountRowID, err := (&accountQuery{db: sq.db}).rowID(ctx, record.UserID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: no account for %s", record.UserID)
		} else if err != nil {
			return err
		}
		_, err = sq.db.Exec(ctx, insertSessionQuery,
			accountRowID, record.RoomID, record.SessionID, record.SenderKey,
			int(record.Kind), record.Pickle, time.Now().UnixMilli())
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrSessionExists
		}
		return err
	})
}

func (sq *sessionQuery) getPickle(ctx context.Context, userID, sessionID, senderKey string, kind SessionKind) (string, error) {
	accountRowID, err := (&accountQuery{db: sq.db}).rowID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	var pickle string
	err = sq.db.QueryRow(ctx, getSessionPickleQuery, accountRowID, sessionID, senderKey, int(kind)).Scan(&pickle)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return pickle, nil
}
