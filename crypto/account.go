// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"crypto/ecdh"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/rs/xid"
	"go.mau.fi/util/random"

	"github.com/quuynXp/LinguaMonkey-sub004/id"
	"github.com/quuynXp/LinguaMonkey-sub004/keyserver"
)

// SignedPreKey is the medium-lived key pair whose public half is published in the bundle.
// Its private half is what every inbound envelope is decrypted with.
type SignedPreKey struct {
	ID        id.PreKeyID
	Signature string
	*KeyPair
}

type serializedSignedPreKey struct {
	ID         id.PreKeyID `json:"keyId"`
	Signature  string      `json:"signature"`
	PublicKey  string      `json:"publicKey"`
	PrivateKey string      `json:"privateKey"`
}

func (spk *SignedPreKey) MarshalJSON() ([]byte, error) {
	priv, err := spk.ExportPrivate()
	if err != nil {
		return nil, err
	}
	return json.Marshal(&serializedSignedPreKey{
		ID:         spk.ID,
		Signature:  spk.Signature,
		PublicKey:  spk.PublicBase64(),
		PrivateKey: priv,
	})
}

func (spk *SignedPreKey) UnmarshalJSON(data []byte) error {
	var raw serializedSignedPreKey
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kp, err := ImportKeyPair(raw.PrivateKey)
	if err != nil {
		return err
	} else if raw.PublicKey != "" && raw.PublicKey != kp.PublicBase64() {
		return ErrKeyMismatch
	}
	spk.ID = raw.ID
	spk.Signature = raw.Signature
	spk.KeyPair = kp
	return nil
}

// TargetKey is the key material an envelope is encrypted to: the recipient's signed prekey.
type TargetKey struct {
	PreKeyID  id.PreKeyID
	PublicKey *ecdh.PublicKey
}

// Account is the full set of long-lived key material of the local user.
type Account struct {
	Identity     *KeyPair
	Signing      *SigningKeyPair
	SignedPreKey *SignedPreKey
}

// Complete returns true if all three key pairs are present.
func (acc *Account) Complete() bool {
	return acc != nil && acc.Identity != nil && acc.Signing != nil && acc.SignedPreKey != nil
}

// OwnTargetKey returns the local signed prekey as an encryption target, used for self-envelopes.
func (acc *Account) OwnTargetKey() *TargetKey {
	return &TargetKey{
		PreKeyID:  acc.SignedPreKey.ID,
		PublicKey: acc.SignedPreKey.Public,
	}
}

func signedPreKeyMessage(pub *ecdh.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}

// NewSignedPreKey generates a fresh signed prekey and signs it with the account's signing key.
func (acc *Account) NewSignedPreKey() (*SignedPreKey, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return acc.signPreKey(id.PreKeyID(xid.New().String()), kp)
}

func (acc *Account) signPreKey(keyID id.PreKeyID, kp *KeyPair) (*SignedPreKey, error) {
	msg, err := signedPreKeyMessage(kp.Public)
	if err != nil {
		return nil, err
	}
	sig, err := acc.Signing.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to sign prekey: %w", err)
	}
	return &SignedPreKey{ID: keyID, Signature: sig, KeyPair: kp}, nil
}

// GenerateOneTimeKeys generates count one-time prekeys and returns only their public halves.
// The private halves are not kept anywhere, so the published keys can't actually be used to
// decrypt anything.
func GenerateOneTimeKeys(count int) (map[id.OneTimeKeyID]string, error) {
	keys := make(map[id.OneTimeKeyID]string, count)
	for i := 0; i < count; i++ {
		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		keyID := id.OneTimeKeyID(base64.RawURLEncoding.EncodeToString(random.Bytes(9)))
		keys[keyID] = kp.PublicBase64()
	}
	return keys, nil
}

// Bundle builds the publishable prekey bundle for this account.
func (acc *Account) Bundle(oneTimeKeys map[id.OneTimeKeyID]string) *keyserver.PreKeyBundle {
	return &keyserver.PreKeyBundle{
		IdentityPublicKey:     acc.Identity.PublicBase64(),
		SigningPublicKey:      acc.Signing.PublicBase64(),
		SignedPreKeyID:        acc.SignedPreKey.ID,
		SignedPreKeyPublicKey: acc.SignedPreKey.PublicBase64(),
		SignedPreKeySignature: acc.SignedPreKey.Signature,
		OneTimePreKeys:        oneTimeKeys,
	}
}

// VerifyBundle checks that a fetched bundle is complete and that its signed prekey was signed by the
// bundle's signing key. Only a verified bundle may be used as an encryption target.
func VerifyBundle(bundle *keyserver.PreKeyBundle) (*TargetKey, error) {
	if bundle.IsEmpty() || bundle.SigningPublicKey == "" {
		return nil, ErrEmptyBundle
	}
	if _, err := DecodePublicKey(bundle.IdentityPublicKey); err != nil {
		return nil, fmt.Errorf("bad identity key in bundle: %w", err)
	}
	signingKey, err := DecodeSigningPublicKey(bundle.SigningPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signing key: %w", ErrInvalidBundleSignature, err)
	}
	spk, err := DecodePublicKey(bundle.SignedPreKeyPublicKey)
	if err != nil {
		return nil, fmt.Errorf("bad signed prekey in bundle: %w", err)
	}
	msg, err := signedPreKeyMessage(spk)
	if err != nil {
		return nil, err
	}
	if err = VerifySignature(signingKey, msg, bundle.SignedPreKeySignature); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBundleSignature, err)
	}
	return &TargetKey{PreKeyID: bundle.SignedPreKeyID, PublicKey: spk}, nil
}
