// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"context"
	"crypto/ecdh"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/errgroup"

	"github.com/quuynXp/LinguaMonkey-sub004/crypto/aesgcm"
	"github.com/quuynXp/LinguaMonkey-sub004/event"
	"github.com/quuynXp/LinguaMonkey-sub004/id"
)

var sessionKeyInfo = []byte("lm-e2ee session key v1")

// deriveSessionKey turns an ECDH shared secret into an AES-256 key.
// Both sides must call it with the same key pairing: the sender's ephemeral private key with the
// recipient's signed prekey, or the recipient's signed prekey private key with the ephemeral public key.
func deriveSessionKey(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ECDH failed: %w", err)
	}
	key := make([]byte, aesgcm.KeySize)
	if _, err = io.ReadFull(hkdf.New(sha256.New, shared, nil, sessionKeyInfo), key); err != nil {
		return nil, err
	}
	return key, nil
}

func (mach *Machine) resolveTarget(ctx context.Context, targetID id.UserID) (*TargetKey, error) {
	if cached := mach.Bundles.Get(targetID); cached != nil {
		return cached, nil
	}
	bundle, err := mach.Client.FetchBundle(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prekey bundle: %w", err)
	}
	target, err := VerifyBundle(bundle)
	if err != nil {
		return nil, err
	}
	mach.Bundles.Put(targetID, target)
	mach.machOrContextLog(ctx).Debug().
		Stringer("target_id", targetID).
		Stringer("prekey_id", target.PreKeyID).
		Msg("Fetched and verified prekey bundle")
	return target, nil
}

// EncryptForTarget encrypts the plaintext to the signed prekey of the given user with a fresh
// ephemeral key. If override is set, it's used as the target key and nothing is fetched.
//
// On any failure the cached bundle of the target is evicted and an error wrapping
// [ErrEncryptionFailed] is returned. There is never a plaintext fallback.
func (mach *Machine) EncryptForTarget(ctx context.Context, targetID id.UserID, plaintext string, override *TargetKey) (*event.Envelope, error) {
	env, err := mach.encryptForTarget(ctx, targetID, plaintext, override)
	if err != nil {
		mach.Bundles.Evict(targetID)
		mach.machOrContextLog(ctx).Warn().Err(err).
			Stringer("target_id", targetID).
			Msg("Failed to encrypt message")
		return nil, fmt.Errorf("%w for %s: %w", ErrEncryptionFailed, targetID, err)
	}
	return env, nil
}

func (mach *Machine) encryptForTarget(ctx context.Context, targetID id.UserID, plaintext string, target *TargetKey) (*event.Envelope, error) {
	if target == nil {
		var err error
		if target, err = mach.resolveTarget(ctx, targetID); err != nil {
			return nil, err
		}
	}
	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	sessionKey, err := deriveSessionKey(ephemeral.Private, target.PublicKey)
	if err != nil {
		return nil, err
	}
	iv, ciphertext, err := aesgcm.Encrypt(plaintext, sessionKey)
	if err != nil {
		return nil, err
	}
	return &event.Envelope{
		Ciphertext:           ciphertext,
		InitializationVector: iv,
		EphemeralPublicKey:   ephemeral.PublicBase64(),
		PreKeyID:             target.PreKeyID,
	}, nil
}

// Encrypt encrypts a one-to-one message twice: once for the receiver and once for the sender's own
// signed prekey, so that the sender can read their history later. Both run in parallel.
// If the receiver is the sender, a single envelope is used for both.
func (mach *Machine) Encrypt(ctx context.Context, receiverID, senderID id.UserID, plaintext string) (*event.EncryptedMessage, error) {
	acc := mach.Account()
	if senderID == "" {
		senderID = mach.UserID()
	}
	if senderID == "" || receiverID == "" {
		return nil, ErrNoUserID
	} else if !acc.Complete() {
		return nil, ErrNoKeyMaterial
	}
	ownKey := acc.OwnTargetKey()
	if receiverID == senderID {
		env, err := mach.EncryptForTarget(ctx, senderID, plaintext, ownKey)
		if err != nil {
			return nil, err
		}
		return event.NewEncryptedMessage(env, env), nil
	}

	var selfEnv, receiverEnv *event.Envelope
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		selfEnv, err = mach.EncryptForTarget(egCtx, senderID, plaintext, ownKey)
		return
	})
	eg.Go(func() (err error) {
		receiverEnv, err = mach.EncryptForTarget(egCtx, receiverID, plaintext, nil)
		return
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return event.NewEncryptedMessage(receiverEnv, selfEnv), nil
}
