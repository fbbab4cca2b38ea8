// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyserver

import (
	"context"
	"sync"

	"github.com/quuynXp/LinguaMonkey-sub004/id"
)

// MemoryStore is a [Store] that keeps everything in memory.
type MemoryStore struct {
	lock    sync.RWMutex
	bundles map[id.UserID]*PreKeyBundle
	backups map[id.UserID]*KeyBackup
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bundles: make(map[id.UserID]*PreKeyBundle),
		backups: make(map[id.UserID]*KeyBackup),
	}
}

func (ms *MemoryStore) PutBundle(_ context.Context, userID id.UserID, bundle *PreKeyBundle) error {
	ms.lock.Lock()
	ms.bundles[userID] = bundle
	ms.lock.Unlock()
	return nil
}

func (ms *MemoryStore) GetBundle(_ context.Context, userID id.UserID) (*PreKeyBundle, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	return ms.bundles[userID], nil
}

func (ms *MemoryStore) PutBackup(_ context.Context, userID id.UserID, backup *KeyBackup) error {
	ms.lock.Lock()
	ms.backups[userID] = backup
	ms.lock.Unlock()
	return nil
}

func (ms *MemoryStore) GetBackup(_ context.Context, userID id.UserID) (*KeyBackup, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	return ms.backups[userID], nil
}
