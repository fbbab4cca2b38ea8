// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package aesgcm_test

import (
	"encoding/base64"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/random"

	"github.com/quuynXp/LinguaMonkey-sub004/crypto/aesgcm"
)

func TestEncryptDecrypt(t *testing.T) {
	key := random.Bytes(aesgcm.KeySize)
	for _, plaintext := range []string{"", "hi", "xin chào 👋", string(random.Bytes(4096))} {
		iv, ciphertext, err := aesgcm.Encrypt(plaintext, key)
		require.NoError(t, err)
		rawIV, err := base64.StdEncoding.DecodeString(iv)
		require.NoError(t, err)
		assert.Len(t, rawIV, aesgcm.IVSize)

		decrypted, err := aesgcm.Decrypt(ciphertext, iv, key)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestEncryptFreshIV(t *testing.T) {
	key := random.Bytes(aesgcm.KeySize)
	iv1, ct1, err := aesgcm.Encrypt("same input", key)
	require.NoError(t, err)
	iv2, ct2, err := aesgcm.Encrypt("same input", key)
	require.NoError(t, err)
	assert.NotEqual(t, iv1, iv2)
	assert.NotEqual(t, ct1, ct2)
}

func TestEncryptConcurrentIVsUnique(t *testing.T) {
	key := random.Bytes(aesgcm.KeySize)
	const n = 200
	ivs := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			iv, _, err := aesgcm.Encrypt("x", key)
			assert.NoError(t, err)
			ivs[i] = iv
		}(i)
	}
	wg.Wait()
	seen := make(map[string]struct{}, n)
	for _, iv := range ivs {
		_, dup := seen[iv]
		require.False(t, dup, "IV reused")
		seen[iv] = struct{}{}
	}
}

func flipByte(t *testing.T, b64 string, index int) string {
	raw, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	if index < 0 {
		index += len(raw)
	}
	raw[index] ^= 0x01
	return base64.StdEncoding.EncodeToString(raw)
}

func TestDecryptTampered(t *testing.T) {
	key := random.Bytes(aesgcm.KeySize)
	iv, ciphertext, err := aesgcm.Encrypt("attack at dawn", key)
	require.NoError(t, err)

	t.Run("ciphertext", func(t *testing.T) {
		_, err := aesgcm.Decrypt(flipByte(t, ciphertext, 3), iv, key)
		assert.ErrorIs(t, err, aesgcm.ErrAuthFailed)
	})
	t.Run("tag", func(t *testing.T) {
		_, err := aesgcm.Decrypt(flipByte(t, ciphertext, -1), iv, key)
		assert.ErrorIs(t, err, aesgcm.ErrAuthFailed)
	})
	t.Run("iv", func(t *testing.T) {
		_, err := aesgcm.Decrypt(ciphertext, flipByte(t, iv, 0), key)
		assert.ErrorIs(t, err, aesgcm.ErrAuthFailed)
	})
	t.Run("wrong key", func(t *testing.T) {
		_, err := aesgcm.Decrypt(ciphertext, iv, random.Bytes(aesgcm.KeySize))
		assert.ErrorIs(t, err, aesgcm.ErrAuthFailed)
	})
	t.Run("bad base64", func(t *testing.T) {
		_, err := aesgcm.Decrypt("!!!", iv, key)
		assert.ErrorIs(t, err, aesgcm.ErrInvalidEncoding)
	})
}

func TestInvalidKeyLength(t *testing.T) {
	_, _, err := aesgcm.Encrypt("hi", make([]byte, 16))
	assert.ErrorIs(t, err, aesgcm.ErrInvalidKeyLength)
}

func TestCombined(t *testing.T) {
	key := random.Bytes(aesgcm.KeySize)
	blob, err := aesgcm.EncryptCombined([]byte("hello"), key, aesgcm.RoomIVSize)
	require.NoError(t, err)
	// 16 byte IV, 5 byte plaintext, 16 byte tag
	assert.Len(t, blob, aesgcm.RoomIVSize+5+16)

	plaintext, err := aesgcm.DecryptCombined(blob, key, aesgcm.RoomIVSize)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plaintext))

	blob[0] ^= 0xff
	_, err = aesgcm.DecryptCombined(blob, key, aesgcm.RoomIVSize)
	assert.ErrorIs(t, err, aesgcm.ErrAuthFailed)

	_, err = aesgcm.DecryptCombined(blob[:10], key, aesgcm.RoomIVSize)
	assert.ErrorIs(t, err, aesgcm.ErrCiphertextTooShort)
}
