// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypt

import (
	"fmt"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/mxcore/pkg/mxcore/mxapi"
	"go.mau.fi/mxcore/pkg/mxcore/mxevent"
)

// DeviceKeysForUpload builds the signed identity key block for /keys/upload.
func (e *Engine) DeviceKeysForUpload() (*mxapi.DeviceKeys, error) {
	signingKey, identityKey, err := e.IdentityKeys()
	if err != nil {
		return nil, err
	}
	deviceKeys := &mxapi.DeviceKeys{
		UserID:   e.UserID,
		DeviceID: e.DeviceID,
		Algorithms: []string{
			mxevent.AlgorithmOlm,
			mxevent.AlgorithmMegolm,
		},
		Keys: map[string]string{
			"curve25519:" + e.DeviceID.String(): identityKey.String(),
			"ed25519:" + e.DeviceID.String():    signingKey.String(),
		},
	}
	signature, err := e.Sign(deviceKeys)
	if err != nil {
		return nil, err
	}
	deviceKeys.Signatures = map[id.UserID]map[string]string{
		e.UserID: {
			"ed25519:" + e.DeviceID.String(): signature,
		},
	}
	return deviceKeys, nil
}

// SignedOneTimeKeysForUpload signs every unpublished one-time key and
// returns the one_time_keys block for /keys/upload. Returns an empty map
// when there is nothing to publish.
func (e *Engine) SignedOneTimeKeysForUpload() (map[string]any, error) {
	unpublished, err := e.UnpublishedOneTimeKeys()
	if err != nil {
		return nil, err
	}
	oneTimeKeys := make(map[string]any, len(unpublished))
	for keyID, key := range unpublished {
		signature, err := e.Sign(map[string]string{"key": key.String()})
		if err != nil {
			return nil, fmt.Errorf("crypt: failed to sign one-time key %s: %w", keyID, err)
		}
		oneTimeKeys["signed_curve25519:"+keyID] = mxapi.SignedOneTimeKey{
			Key: key,
			Signatures: map[id.UserID]map[string]string{
				e.UserID: {
					"ed25519:" + e.DeviceID.String(): signature,
				},
			},
		}
	}
	return oneTimeKeys, nil
}

// VerifyDeviceKeys checks the self-signature on a /keys/query device block.
func (e *Engine) VerifyDeviceKeys(raw []byte, deviceKeys *mxapi.DeviceKeys) bool {
	signingKey := id.Ed25519(deviceKeys.Keys["ed25519:"+deviceKeys.DeviceID.String()])
	if signingKey == "" {
		return false
	}
	return e.Verify(raw, deviceKeys.UserID, deviceKeys.DeviceID, signingKey)
}
