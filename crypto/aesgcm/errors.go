// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package aesgcm

import "errors"

var (
	ErrInvalidKeyLength   = errors.New("AES-GCM key must be 32 bytes")
	ErrInvalidIV          = errors.New("initialization vector is empty")
	ErrCiphertextTooShort = errors.New("ciphertext is shorter than the initialization vector")
	ErrInvalidEncoding    = errors.New("invalid base64 in ciphertext or initialization vector")

	// ErrAuthFailed is returned when the GCM tag doesn't verify, i.e. the ciphertext or IV
	// were tampered with or the wrong key was used.
	ErrAuthFailed = errors.New("authentication failed")
)
