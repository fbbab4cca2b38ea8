// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyserver

import (
	"go.mau.fi/util/jsontime"

	"github.com/quuynXp/LinguaMonkey-sub004/id"
)

// PreKeyBundle is the public key material a user publishes so that others can encrypt to them.
//
// All keys are base64 SPKI DER. The signature is a base64 ASN.1 ECDSA signature over the
// decoded signed prekey public key, made with the key in SigningPublicKey.
type PreKeyBundle struct {
	IdentityPublicKey     string                     `json:"identityPublicKey"`
	SigningPublicKey      string                     `json:"signingPublicKey"`
	SignedPreKeyID        id.PreKeyID                `json:"signedPreKeyId"`
	SignedPreKeyPublicKey string                     `json:"signedPreKeyPublicKey"`
	SignedPreKeySignature string                     `json:"signedPreKeySignature"`
	OneTimePreKeys        map[id.OneTimeKeyID]string `json:"oneTimePreKeys,omitempty"`
	UploadedAt            jsontime.UnixMilli         `json:"uploadedAt"`
}

// IsEmpty returns true if the bundle lacks any of the fields needed to encrypt to its owner.
func (b *PreKeyBundle) IsEmpty() bool {
	return b == nil || b.IdentityPublicKey == "" || b.SignedPreKeyID == "" ||
		b.SignedPreKeyPublicKey == "" || b.SignedPreKeySignature == ""
}

// BackupWrapping describes the client-side passphrase wrapping of a [KeyBackup], if any.
type BackupWrapping struct {
	Algorithm string `json:"algorithm"`
	Salt      string `json:"salt"`
	Rounds    int    `json:"rounds"`
}

const BackupWrappingPBKDF2AESGCM = "pbkdf2-sha512.aes-256-gcm"

// KeyBackup holds a user's private key material. Each key is a base64 PKCS#8 DER blob, optionally
// sealed with a passphrase derived key when Wrapping is set.
type KeyBackup struct {
	EncryptedIdentityPrivateKey  string             `json:"encryptedIdentityPrivateKey"`
	EncryptedSigningPrivateKey   string             `json:"encryptedSigningPrivateKey"`
	EncryptedSignedPreKeyPrivate string             `json:"encryptedSignedPreKeyPrivate"`
	SignedPreKeyID               id.PreKeyID        `json:"signedPreKeyId,omitempty"`
	// Whether the bundle containing SignedPreKeyID was accepted by the server when the backup was made.
	BundleUploaded               bool               `json:"bundleUploaded,omitempty"`
	Wrapping                     *BackupWrapping    `json:"wrapping,omitempty"`
	CreatedAt                    jsontime.UnixMilli `json:"createdAt"`
}

// IsEmpty returns true if any of the three private keys is missing.
func (kb *KeyBackup) IsEmpty() bool {
	return kb == nil || kb.EncryptedIdentityPrivateKey == "" || kb.EncryptedSigningPrivateKey == "" ||
		kb.EncryptedSignedPreKeyPrivate == ""
}
