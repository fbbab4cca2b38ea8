// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package aesgcm is a thin AES-256-GCM wrapper used for every ciphertext the e2ee core produces.
//
// Every sealing call generates a fresh random IV, so callers never pass one in.
package aesgcm

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"

	"go.mau.fi/util/random"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// IVSize is the IV length used for one-to-one envelopes.
	IVSize = 12
	// RoomIVSize is the IV length prefixed to room message blobs.
	RoomIVSize = 16
)

func newGCM(key []byte, ivSize int) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	} else if ivSize <= 0 {
		return nil, ErrInvalidIV
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if ivSize == IVSize {
		return cipher.NewGCM(block)
	}
	return cipher.NewGCMWithNonceSize(block, ivSize)
}

// Seal encrypts the plaintext with a newly generated IV of the given size.
// The returned ciphertext includes the 128-bit authentication tag.
func Seal(plaintext, key []byte, ivSize int) (iv, ciphertext []byte, err error) {
	aead, err := newGCM(key, ivSize)
	if err != nil {
		return nil, nil, err
	}
	iv = random.Bytes(ivSize)
	ciphertext = aead.Seal(nil, iv, plaintext, nil)
	return iv, ciphertext, nil
}

// Open verifies and decrypts the ciphertext. Any tag mismatch is reported as [ErrAuthFailed].
func Open(ciphertext, iv, key []byte) ([]byte, error) {
	aead, err := newGCM(key, len(iv))
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// Encrypt encrypts a string and returns the base64-encoded IV and ciphertext.
func Encrypt(plaintext string, key []byte) (ivBase64, ciphertextBase64 string, err error) {
	iv, ciphertext, err := Seal([]byte(plaintext), key, IVSize)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(iv), base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt is the inverse of [Encrypt].
func Decrypt(ciphertextBase64, ivBase64 string, key []byte) (string, error) {
	iv, err := base64.StdEncoding.DecodeString(ivBase64)
	if err != nil {
		return "", ErrInvalidEncoding
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return "", ErrInvalidEncoding
	}
	plaintext, err := Open(ciphertext, iv, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncryptCombined encrypts the plaintext and returns IV‖ciphertext‖tag as a single blob.
func EncryptCombined(plaintext, key []byte, ivSize int) ([]byte, error) {
	iv, ciphertext, err := Seal(plaintext, key, ivSize)
	if err != nil {
		return nil, err
	}
	return append(iv, ciphertext...), nil
}

// DecryptCombined splits a blob produced by [EncryptCombined] at ivSize and decrypts it.
func DecryptCombined(blob, key []byte, ivSize int) ([]byte, error) {
	if ivSize <= 0 {
		return nil, ErrInvalidIV
	} else if len(blob) < ivSize {
		return nil, ErrCiphertextTooShort
	}
	return Open(blob[ivSize:], blob[:ivSize], key)
}
