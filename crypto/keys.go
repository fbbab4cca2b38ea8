// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidPublicKey  = errors.New("invalid public key")
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrKeyMismatch       = errors.New("stored public key doesn't match private key")
	ErrInvalidSignature  = errors.New("invalid signature")
)

// KeyPair is a P-256 ECDH key pair. It's used for the identity key, the signed prekey,
// one-time prekeys and the ephemeral keys of each encrypted message.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateKeyPair generates a new random P-256 ECDH key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// ExportPrivate returns the private key as base64 PKCS#8 DER.
func (kp *KeyPair) ExportPrivate() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(kp.Private)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ImportKeyPair parses a base64 PKCS#8 private key and recomputes the public key from it.
func ImportKeyPair(privateKey string) (*KeyPair, error) {
	der, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
	}
	var priv *ecdh.PrivateKey
	switch typedKey := parsed.(type) {
	case *ecdh.PrivateKey:
		priv = typedKey
	case *ecdsa.PrivateKey:
		priv, err = typedKey.ECDH()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
		}
	default:
		return nil, fmt.Errorf("%w: unexpected key type %T", ErrInvalidPrivateKey, parsed)
	}
	if priv.Curve() != ecdh.P256() {
		return nil, fmt.Errorf("%w: not a P-256 key", ErrInvalidPrivateKey)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// PublicBase64 returns the public key as base64 SPKI DER.
func (kp *KeyPair) PublicBase64() string {
	return EncodePublicKey(kp.Public)
}

// SharedSecret performs ECDH between this key pair's private key and the given public key.
func (kp *KeyPair) SharedSecret(pub *ecdh.PublicKey) ([]byte, error) {
	return kp.Private.ECDH(pub)
}

type serializedKeyPair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

func (kp *KeyPair) MarshalJSON() ([]byte, error) {
	priv, err := kp.ExportPrivate()
	if err != nil {
		return nil, err
	}
	return json.Marshal(&serializedKeyPair{PublicKey: kp.PublicBase64(), PrivateKey: priv})
}

func (kp *KeyPair) UnmarshalJSON(data []byte) error {
	var raw serializedKeyPair
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	imported, err := ImportKeyPair(raw.PrivateKey)
	if err != nil {
		return err
	} else if raw.PublicKey != "" && raw.PublicKey != imported.PublicBase64() {
		return ErrKeyMismatch
	}
	*kp = *imported
	return nil
}

// EncodePublicKey returns the base64 SPKI DER encoding of a P-256 ECDH public key.
func EncodePublicKey(pub *ecdh.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		// only possible for curves x509 doesn't know, and only P-256 keys are created here
		panic(fmt.Errorf("failed to marshal public key: %w", err))
	}
	return base64.StdEncoding.EncodeToString(der)
}

// DecodePublicKey parses a base64 SPKI DER P-256 public key for use in ECDH.
func DecodePublicKey(encoded string) (*ecdh.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	var pub *ecdh.PublicKey
	switch typedKey := parsed.(type) {
	case *ecdh.PublicKey:
		pub = typedKey
	case *ecdsa.PublicKey:
		pub, err = typedKey.ECDH()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
		}
	default:
		return nil, fmt.Errorf("%w: unexpected key type %T", ErrInvalidPublicKey, parsed)
	}
	if pub.Curve() != ecdh.P256() {
		return nil, fmt.Errorf("%w: not a P-256 key", ErrInvalidPublicKey)
	}
	return pub, nil
}

// SigningKeyPair is a P-256 ECDSA key pair used to sign the signed prekey.
type SigningKeyPair struct {
	Private *ecdsa.PrivateKey
	Public  *ecdsa.PublicKey
}

// GenerateSigningKeyPair generates a new random P-256 ECDSA key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &SigningKeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// ImportSigningKeyPair parses a base64 PKCS#8 private key. The public half is recomputed
// from the private scalar by the parser.
func ImportSigningKeyPair(privateKey string) (*SigningKeyPair, error) {
	der, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
	}
	priv, ok := parsed.(*ecdsa.PrivateKey)
	if !ok || priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not a P-256 ECDSA key", ErrInvalidPrivateKey)
	}
	return &SigningKeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

func (skp *SigningKeyPair) ExportPrivate() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(skp.Private)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// PublicBase64 returns the public key as base64 SPKI DER.
func (skp *SigningKeyPair) PublicBase64() string {
	der, err := x509.MarshalPKIXPublicKey(skp.Public)
	if err != nil {
		panic(fmt.Errorf("failed to marshal signing public key: %w", err))
	}
	return base64.StdEncoding.EncodeToString(der)
}

// Sign signs the SHA-256 hash of the message and returns a base64 ASN.1 signature.
func (skp *SigningKeyPair) Sign(message []byte) (string, error) {
	hash := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, skp.Private, hash[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (skp *SigningKeyPair) MarshalJSON() ([]byte, error) {
	priv, err := skp.ExportPrivate()
	if err != nil {
		return nil, err
	}
	return json.Marshal(&serializedKeyPair{PublicKey: skp.PublicBase64(), PrivateKey: priv})
}

func (skp *SigningKeyPair) UnmarshalJSON(data []byte) error {
	var raw serializedKeyPair
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	imported, err := ImportSigningKeyPair(raw.PrivateKey)
	if err != nil {
		return err
	} else if raw.PublicKey != "" && raw.PublicKey != imported.PublicBase64() {
		return ErrKeyMismatch
	}
	*skp = *imported
	return nil
}

// DecodeSigningPublicKey parses a base64 SPKI DER P-256 ECDSA public key.
func DecodeSigningPublicKey(encoded string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not a P-256 ECDSA key", ErrInvalidPublicKey)
	}
	return pub, nil
}

// VerifySignature checks a base64 ASN.1 signature made by [SigningKeyPair.Sign].
func VerifySignature(pub *ecdsa.PublicKey, message []byte, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	hash := sha256.Sum256(message)
	if !ecdsa.VerifyASN1(pub, hash[:], sig) {
		return ErrInvalidSignature
	}
	return nil
}
