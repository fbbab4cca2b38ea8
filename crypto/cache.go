// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"sync"

	"github.com/quuynXp/LinguaMonkey-sub004/id"
)

// BundleCache holds the verified signed prekey of each target user, so that only the first message
// to a user needs to fetch their bundle. It's safe for concurrent use.
//
// Two concurrent encryptions to an uncached target may both fetch the bundle, which is harmless.
type BundleCache struct {
	lock    sync.RWMutex
	targets map[id.UserID]*TargetKey
}

func NewBundleCache() *BundleCache {
	return &BundleCache{targets: make(map[id.UserID]*TargetKey)}
}

func (bc *BundleCache) Get(userID id.UserID) *TargetKey {
	bc.lock.RLock()
	defer bc.lock.RUnlock()
	return bc.targets[userID]
}

func (bc *BundleCache) Put(userID id.UserID, target *TargetKey) {
	bc.lock.Lock()
	bc.targets[userID] = target
	bc.lock.Unlock()
}

func (bc *BundleCache) Evict(userID id.UserID) {
	bc.lock.Lock()
	delete(bc.targets, userID)
	bc.lock.Unlock()
}

func (bc *BundleCache) Len() int {
	bc.lock.RLock()
	defer bc.lock.RUnlock()
	return len(bc.targets)
}
