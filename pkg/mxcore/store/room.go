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

	"go.mau.fi/util/dbutil"
)

type roomQuery struct {
	db *dbutil.Database
}

const (
	upsertRoomQuery = `
		INSERT INTO rooms (account_rowid, room_id, prev_batch) VALUES ($1, $2, $3)
		ON CONFLICT (account_rowid, room_id) DO UPDATE SET prev_batch = excluded.prev_batch
	`
	getRoomPrevBatchQuery = `
		SELECT COALESCE(prev_batch, '') FROM rooms WHERE account_rowid = $1 AND room_id = $2
	`
)

func (rq *roomQuery) upsert(ctx context.Context, userID, roomID, prevBatch string) error {
	return rq.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		accountRowID, err := (&accountQuery{db: rq.db}).rowID(ctx, userID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: no account for %s", userID)
		} else if err != nil {
			return err
		}
		_, err = rq.db.Exec(ctx, upsertRoomQuery, accountRowID, roomID, prevBatch)
		return err
	})
}

func (rq *roomQuery) getPrevBatch(ctx context.Context, userID, roomID string) (string, error) {
	accountRowID, err := (&accountQuery{db: rq.db}).rowID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	var prevBatch string
	err = rq.db.QueryRow(ctx, getRoomPrevBatchQuery, accountRowID, roomID).Scan(&prevBatch)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return prevBatch, nil
}
