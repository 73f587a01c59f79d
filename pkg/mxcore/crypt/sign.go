// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mxcore/pkg/mxcore/canonicaljson"
)

// Sign signs the canonical JSON form of the given object with the device's
// ed25519 key and returns the unpadded base64 signature.
func (e *Engine) Sign(obj any) (string, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("crypt: failed to marshal object for signing: %w", err)
	}
	return e.SignRaw(raw)
}

// SignRaw is Sign for already marshaled JSON. The signatures and unsigned
// members are excluded from the signed form, per the Matrix signing rules.
func (e *Engine) SignRaw(raw json.RawMessage) (string, error) {
	stripped, err := stripUnsignable(raw)
	if err != nil {
		return "", err
	}
	canonical, err := canonicaljson.CanonicalizeRaw(stripped)
	if err != nil {
		return "", fmt.Errorf("crypt: failed to canonicalize for signing: %w", err)
	}
	signature, err := e.account.Sign(canonical)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return string(signature), nil
}

// SignedObject returns a copy of raw with this device's signature inserted
// at signatures.<user_id>.ed25519:<device_id>.
func (e *Engine) SignedObject(raw json.RawMessage) (json.RawMessage, error) {
	signature, err := e.SignRaw(raw)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("signatures.%s.ed25519:%s", escapeJSONPath(string(e.UserID)), escapeJSONPath(string(e.DeviceID)))
	signed, err := sjson.SetBytes(raw, path, signature)
	if err != nil {
		return nil, fmt.Errorf("crypt: failed to insert signature: %w", err)
	}
	return signed, nil
}

// Verify checks the signature an object carries for (userID, deviceID)
// against the given ed25519 key. The signatures and unsigned members are
// stripped from a copy before recomputing the canonical form; the caller's
// object is never modified.
func (e *Engine) Verify(raw json.RawMessage, userID id.UserID, deviceID id.DeviceID, key id.Ed25519) bool {
	sigPath := fmt.Sprintf("signatures.%s.ed25519:%s", escapeJSONPath(string(userID)), escapeJSONPath(string(deviceID)))
	signature := gjson.GetBytes(raw, sigPath).Str
	if signature == "" {
		return false
	}
	sigBytes, err := base64.RawStdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	stripped, err := stripUnsignable(raw)
	if err != nil {
		return false
	}
	canonical, err := canonicaljson.CanonicalizeRaw(stripped)
	if err != nil {
		return false
	}
	ok, err := signatures.VerifySignature(canonical, key, sigBytes)
	if err != nil {
		e.log.Debug().Err(err).
			Stringer("user_id", userID).
			Stringer("device_id", deviceID).
			Msg("Signature verification errored")
		return false
	}
	return ok
}

func stripUnsignable(raw json.RawMessage) (json.RawMessage, error) {
	stripped, err := sjson.DeleteBytes(raw, "signatures")
	if err != nil {
		return nil, fmt.Errorf("crypt: failed to strip signatures: %w", err)
	}
	stripped, err = sjson.DeleteBytes(stripped, "unsigned")
	if err != nil {
		return nil, fmt.Errorf("crypt: failed to strip unsigned: %w", err)
	}
	return stripped, nil
}

// escapeJSONPath escapes dots so user IDs survive gjson/sjson path syntax.
func escapeJSONPath(part string) string {
	escaped := make([]byte, 0, len(part))
	for i := 0; i < len(part); i++ {
		if part[i] == '.' || part[i] == '*' || part[i] == '?' || part[i] == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, part[i])
	}
	return string(escaped)
}
