// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// Names of the values the machine keeps in its KVStore.
const (
	KeyIdentityKeyPair    = "e2ee_identity_key_pair"
	KeySigningKeyPair     = "e2ee_signing_key_pair"
	KeySignedPreKeyPair   = "e2ee_signed_prekey_pair"
	KeyActiveUserID       = "e2ee_active_user_id"
	KeyUploadedFlagPrefix = "e2ee_keys_uploaded_"
	KeyRoomKeyPrefix      = "e2ee_room_key_"
)

// KVStore is a persistent string-keyed byte store that survives process restarts.
//
// Get returns nil without an error if the key doesn't exist.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error)
}

func getJSON(ctx context.Context, store KVStore, key string, into any) (bool, error) {
	data, err := store.Get(ctx, key)
	if err != nil || data == nil {
		return false, err
	}
	return true, json.Unmarshal(data, into)
}

func putJSON(ctx context.Context, store KVStore, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, data)
}

// MemoryStore is a KVStore that only lives as long as the process. It's mostly useful for tests.
type MemoryStore struct {
	lock sync.RWMutex
	data map[string][]byte
}

var _ KVStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (ms *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	val, ok := ms.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte{}, val...), nil
}

func (ms *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	ms.lock.Lock()
	ms.data[key] = append([]byte{}, value...)
	ms.lock.Unlock()
	return nil
}

func (ms *MemoryStore) Delete(_ context.Context, key string) error {
	ms.lock.Lock()
	delete(ms.data, key)
	ms.lock.Unlock()
	return nil
}

func (ms *MemoryStore) ScanPrefix(_ context.Context, prefix string) (map[string][]byte, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	out := make(map[string][]byte)
	for key, val := range ms.data {
		if strings.HasPrefix(key, prefix) {
			out[key] = append([]byte{}, val...)
		}
	}
	return out, nil
}
