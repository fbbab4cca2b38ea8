// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quuynXp/LinguaMonkey-sub004/crypto/aesgcm"
	"github.com/quuynXp/LinguaMonkey-sub004/id"
)

// roomKeyReloads is how many times DecryptMessage re-reads storage before giving up on a missing key.
const roomKeyReloads = 1

// RoomKeyStore keeps one shared AES-256 key per room, in memory and in the KVStore.
// Room keys are delivered out of band and are valid until replaced.
type RoomKeyStore struct {
	Store KVStore
	Log   *zerolog.Logger

	lock sync.RWMutex
	keys map[id.RoomID][]byte
}

func NewRoomKeyStore(store KVStore, log *zerolog.Logger) *RoomKeyStore {
	if log == nil {
		logPtr := zerolog.Nop()
		log = &logPtr
	}
	return &RoomKeyStore{
		Store: store,
		Log:   log,
		keys:  make(map[id.RoomID][]byte),
	}
}

func roomKeyName(roomID id.RoomID) string {
	return KeyRoomKeyPrefix + roomID.String()
}

// SetKey saves the key of a room, replacing any previous key.
func (rks *RoomKeyStore) SetKey(ctx context.Context, roomID id.RoomID, key []byte) error {
	if len(key) != aesgcm.KeySize {
		return aesgcm.ErrInvalidKeyLength
	}
	key = append([]byte{}, key...)
	err := rks.Store.Put(ctx, roomKeyName(roomID), []byte(base64.StdEncoding.EncodeToString(key)))
	if err != nil {
		return fmt.Errorf("failed to save room key: %w", err)
	}
	rks.lock.Lock()
	rks.keys[roomID] = key
	rks.lock.Unlock()
	return nil
}

// SetKeyBase64 is SetKey for keys delivered as base64 strings.
func (rks *RoomKeyStore) SetKeyBase64(ctx context.Context, roomID id.RoomID, key string) error {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return fmt.Errorf("failed to decode room key: %w", err)
	}
	return rks.SetKey(ctx, roomID, raw)
}

// GetKey returns a copy of the key of a room from memory, falling back to storage.
// It returns nil without an error if the room has no key.
func (rks *RoomKeyStore) GetKey(ctx context.Context, roomID id.RoomID) ([]byte, error) {
	rks.lock.RLock()
	key, ok := rks.keys[roomID]
	rks.lock.RUnlock()
	if ok {
		return bytes.Clone(key), nil
	}
	return rks.reloadKey(ctx, roomID)
}

func (rks *RoomKeyStore) reloadKey(ctx context.Context, roomID id.RoomID) ([]byte, error) {
	stored, err := rks.Store.Get(ctx, roomKeyName(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to load room key: %w", err)
	} else if stored == nil {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(string(stored))
	if err != nil || len(key) != aesgcm.KeySize {
		rks.Log.Warn().Err(err).Stringer("room_id", roomID).Msg("Ignoring malformed stored room key")
		return nil, nil
	}
	rks.lock.Lock()
	rks.keys[roomID] = key
	rks.lock.Unlock()
	return bytes.Clone(key), nil
}

// EncryptMessage encrypts a room message and returns base64(IV‖ciphertext‖tag).
func (rks *RoomKeyStore) EncryptMessage(ctx context.Context, roomID id.RoomID, plaintext string) (string, error) {
	key, err := rks.GetKey(ctx, roomID)
	if err != nil {
		return "", err
	} else if key == nil {
		return "", fmt.Errorf("%w %s", ErrNoRoomKey, roomID)
	}
	blob, err := aesgcm.EncryptCombined([]byte(plaintext), key, aesgcm.RoomIVSize)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptMessage decrypts a blob made by EncryptMessage. If the key isn't available even after
// re-reading storage, the result kind is DecryptRoomKeyLoading.
func (rks *RoomKeyStore) DecryptMessage(ctx context.Context, roomID id.RoomID, content string) DecryptResult {
	log := rks.Log.With().Stringer("room_id", roomID).Logger()
	var key []byte
	var err error
	for attempt := 0; attempt <= roomKeyReloads && key == nil; attempt++ {
		if attempt == 0 {
			key, err = rks.GetKey(ctx, roomID)
		} else {
			key, err = rks.reloadKey(ctx, roomID)
		}
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("Failed to get room key")
		}
	}
	if key == nil {
		log.Debug().Msg("Room key not available yet")
		return decryptError(DecryptRoomKeyLoading, fmt.Errorf("%w %s", ErrNoRoomKey, roomID))
	}
	blob, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return decryptError(DecryptCorrupted, fmt.Errorf("%w: %w", aesgcm.ErrInvalidEncoding, err))
	}
	plaintext, err := aesgcm.DecryptCombined(blob, key, aesgcm.RoomIVSize)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to decrypt room message")
		return decryptError(classifyDecryptError(err), err)
	}
	return decryptOK(string(plaintext))
}

// PreloadKeys loads every stored room key into memory and returns how many were loaded.
func (rks *RoomKeyStore) PreloadKeys(ctx context.Context) (int, error) {
	stored, err := rks.Store.ScanPrefix(ctx, KeyRoomKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to scan room keys: %w", err)
	}
	loaded := make(map[id.RoomID][]byte, len(stored))
	for name, value := range stored {
		roomID := id.RoomID(strings.TrimPrefix(name, KeyRoomKeyPrefix))
		key, err := base64.StdEncoding.DecodeString(string(value))
		if err != nil || len(key) != aesgcm.KeySize {
			rks.Log.Warn().Err(err).Stringer("room_id", roomID).Msg("Ignoring malformed stored room key")
			continue
		}
		loaded[roomID] = key
	}
	rks.lock.Lock()
	for roomID, key := range loaded {
		rks.keys[roomID] = key
	}
	rks.lock.Unlock()
	rks.Log.Debug().Int("count", len(loaded)).Msg("Preloaded room keys")
	return len(loaded), nil
}
