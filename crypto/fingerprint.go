// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// Fingerprint returns a human-comparable fingerprint of an identity public key (base64 SPKI):
// the first 20 bytes of its SHA-256 hash as space-separated groups of four hex digits.
func Fingerprint(identityKey string) (string, error) {
	der, err := base64.StdEncoding.DecodeString(identityKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	hash := sha256.Sum256(der)
	hexed := fmt.Sprintf("%X", hash[:20])
	var buf strings.Builder
	for i := 0; i < len(hexed); i += 4 {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(hexed[i : i+4])
	}
	return buf.String(), nil
}

// Fingerprint returns the fingerprint of the local identity key, or an empty string if no keys are loaded.
func (mach *Machine) Fingerprint() string {
	acc := mach.Account()
	if acc == nil || acc.Identity == nil {
		return ""
	}
	fp, _ := Fingerprint(acc.Identity.PublicBase64())
	return fp
}
