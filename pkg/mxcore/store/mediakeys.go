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

// FileEncryptionInfo holds the decryption parameters for one encrypted
// media file, keyed by its mxc URL.
type FileEncryptionInfo struct {
	FileURL   string
	IV        string
	Key       string
	SHA256    string
	Version   string
	Algorithm string
	KeyType   string
}

type mediaKeyQuery struct {
	db *dbutil.Database
}

const (
	insertMediaKeyQuery = `
		INSERT INTO encryption_keys (file_url, iv, key_data, sha256, version, algorithm, key_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (file_url) DO NOTHING
	`
	getMediaKeyQuery = `
		SELECT file_url, iv, key_data, sha256, version, algorithm, key_type
		FROM encryption_keys WHERE file_url = $1
	`
)

func (mq *mediaKeyQuery) insert(ctx context.Context, info *FileEncryptionInfo) error {
	_, err := mq.db.Exec(ctx, insertMediaKeyQuery,
		info.FileURL, info.IV, info.Key, info.SHA256, info.Version, info.Algorithm, info.KeyType)
	return err
}

func (mq *mediaKeyQuery) get(ctx context.Context, fileURL string) (*FileEncryptionInfo, error) {
	info := &FileEncryptionInfo{}
	err := mq.db.QueryRow(ctx, getMediaKeyQuery, fileURL).Scan(
		&info.FileURL, &info.IV, &info.Key, &info.SHA256, &info.Version, &info.Algorithm, &info.KeyType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return info, nil
}
