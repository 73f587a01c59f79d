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

	"go.mau.fi/util/dbutil"
)

// AccountRecord is one logged-in account: unique per user, keyed through an
// internal device-id join.
type AccountRecord struct {
	UserID    string
	DeviceID  string
	Enabled   bool
	Pickle    string
	NextBatch string
}

type accountQuery struct {
	db *dbutil.Database
}

const (
	ensureUserQuery   = `INSERT INTO users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`
	getUserRowIDQuery = `SELECT rowid FROM users WHERE user_id = $1`
	ensureDeviceQuery = `
		INSERT INTO devices (user_rowid, device_id) VALUES ($1, $2)
		ON CONFLICT (user_rowid, device_id) DO NOTHING
	`
	getDeviceRowIDQuery = `SELECT rowid FROM devices WHERE user_rowid = $1 AND device_id = $2`
	upsertAccountQuery  = `
		INSERT INTO accounts (user_rowid, device_rowid, enabled, pickle, next_batch)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_rowid) DO UPDATE
			SET device_rowid = excluded.device_rowid,
			    enabled = excluded.enabled,
			    pickle = excluded.pickle,
			    next_batch = excluded.next_batch
	`
	getAccountQuery = `
		SELECT u.user_id, COALESCE(d.device_id, ''), a.enabled, COALESCE(a.pickle, ''), COALESCE(a.next_batch, '')
		FROM accounts a
		JOIN users u ON u.rowid = a.user_rowid
		LEFT JOIN devices d ON d.rowid = a.device_rowid
		WHERE u.user_id = $1
	`
	getAccountWithDeviceQuery = getAccountQuery + ` AND d.device_id = $2`
	deleteAccountQuery        = `DELETE FROM users WHERE user_id = $1`

	getAccountRowIDQuery = `
		SELECT a.rowid FROM accounts a JOIN users u ON u.rowid = a.user_rowid WHERE u.user_id = $1
	`
)

func (aq *accountQuery) upsert(ctx context.Context, record *AccountRecord) error {
	return aq.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		if _, err := aq.db.Exec(ctx, ensureUserQuery, record.UserID); err != nil {
			return err
		}
		var userRowID int64
		if err := aq.db.QueryRow(ctx, getUserRowIDQuery, record.UserID).Scan(&userRowID); err != nil {
			return err
		}
		var deviceRowID *int64
		if record.DeviceID != "" {
			if _, err := aq.db.Exec(ctx, ensureDeviceQuery, userRowID, record.DeviceID); err != nil {
				return err
			}
			deviceRowID = new(int64)
			if err := aq.db.QueryRow(ctx, getDeviceRowIDQuery, userRowID, record.DeviceID).Scan(deviceRowID); err != nil {
				return err
			}
		}
		_, err := aq.db.Exec(ctx, upsertAccountQuery, userRowID, deviceRowID, record.Enabled, record.Pickle, record.NextBatch)
		return err
	})
}

func (aq *accountQuery) get(ctx context.Context, userID, deviceID string) (*AccountRecord, error) {
	var row *sql.Row
	if deviceID == "" {
		row = aq.db.QueryRow(ctx, getAccountQuery, userID)
	} else {
		row = aq.db.QueryRow(ctx, getAccountWithDeviceQuery, userID, deviceID)
	}
	record := &AccountRecord{}
	err := row.Scan(&record.UserID, &record.DeviceID, &record.Enabled, &record.Pickle, &record.NextBatch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return record, nil
}

func (aq *accountQuery) delete(ctx context.Context, userID string) error {
	_, err := aq.db.Exec(ctx, deleteAccountQuery, userID)
	return err
}

// rowID resolves the internal account key for a user; sql.ErrNoRows when
// the account has never been saved.
func (aq *accountQuery) rowID(ctx context.Context, userID string) (rowID int64, err error) {
	err = aq.db.QueryRow(ctx, getAccountRowIDQuery, userID).Scan(&rowID)
	return
}
