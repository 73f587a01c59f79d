// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package vault stores login credentials between runs so the engine can
// resume a session without prompting and re-authenticate silently when the
// server revokes its token.
package vault

import (
	"fmt"
	"os"
	"path/filepath"

	sync "github.com/sasha-s/go-deadlock"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

// Credentials is everything needed to resume or re-establish a session.
type Credentials struct {
	UserID      id.UserID   `yaml:"mxid"`
	Homeserver  string      `yaml:"homeserver"`
	DeviceID    id.DeviceID `yaml:"device_id"`
	AccessToken string      `yaml:"access_token"`
	// Password is kept so an invalidated token can be replaced without
	// user interaction.
	Password  string `yaml:"password"`
	PickleKey []byte `yaml:"pickle_key"`
}

// Vault hands out and persists credentials for local accounts.
type Vault interface {
	Load(userID id.UserID) (*Credentials, error)
	Store(creds *Credentials) error
	Delete(userID id.UserID) error
}

type fileVault struct {
	lock sync.Mutex
	path string

	Accounts map[id.UserID]*Credentials `yaml:"accounts"`
}

// NewFileVault opens a YAML-backed vault, creating the parent directory as
// needed. The file is chmodded to be owner-readable only since it holds
// tokens and passwords.
func NewFileVault(path string) (Vault, error) {
	fv := &fileVault{
		path:     path,
		Accounts: make(map[id.UserID]*Credentials),
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fv, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read vault: %w", err)
	}
	if err = yaml.Unmarshal(data, fv); err != nil {
		return nil, fmt.Errorf("failed to parse vault: %w", err)
	}
	if fv.Accounts == nil {
		fv.Accounts = make(map[id.UserID]*Credentials)
	}
	return fv, nil
}

func (fv *fileVault) Load(userID id.UserID) (*Credentials, error) {
	fv.lock.Lock()
	defer fv.lock.Unlock()
	creds, ok := fv.Accounts[userID]
	if !ok {
		return nil, nil
	}
	cp := *creds
	return &cp, nil
}

func (fv *fileVault) Store(creds *Credentials) error {
	fv.lock.Lock()
	defer fv.lock.Unlock()
	cp := *creds
	fv.Accounts[creds.UserID] = &cp
	return fv.save()
}

func (fv *fileVault) Delete(userID id.UserID) error {
	fv.lock.Lock()
	defer fv.lock.Unlock()
	delete(fv.Accounts, userID)
	return fv.save()
}

func (fv *fileVault) save() error {
	data, err := yaml.Marshal(fv)
	if err != nil {
		return fmt.Errorf("failed to marshal vault: %w", err)
	}
	if err = os.WriteFile(fv.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write vault: %w", err)
	}
	return nil
}
