// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"context"
	"errors"
	"fmt"

	"github.com/quuynXp/LinguaMonkey-sub004/crypto/aesgcm"
	"github.com/quuynXp/LinguaMonkey-sub004/event"
)

var (
	ErrMissingEnvelopeFields = errors.New("envelope is missing required fields")
	ErrNoEnvelope            = errors.New("no envelope")
)

type DecryptResultKind int

const (
	DecryptOK DecryptResultKind = iota
	// DecryptCorrupted means required fields were missing or malformed.
	DecryptCorrupted
	// DecryptUndecryptable means the authentication tag didn't verify, usually because the message
	// was encrypted to an old or rotated key.
	DecryptUndecryptable
	// DecryptFailed is any other failure.
	DecryptFailed
	// DecryptRoomKeyLoading means the room key isn't available yet. It's a transient state.
	DecryptRoomKeyLoading
)

func (kind DecryptResultKind) String() string {
	switch kind {
	case DecryptOK:
		return "ok"
	case DecryptCorrupted:
		return "corrupted"
	case DecryptUndecryptable:
		return "undecryptable"
	case DecryptFailed:
		return "failed"
	case DecryptRoomKeyLoading:
		return "room key loading"
	default:
		return fmt.Sprintf("DecryptResultKind(%d)", int(kind))
	}
}

// DecryptResult is the outcome of a decryption. Decrypt functions always return one instead of
// an error, so a single bad message can't break rendering of a whole conversation.
type DecryptResult struct {
	Plaintext string
	Kind      DecryptResultKind
	Err       error
}

func (res DecryptResult) OK() bool {
	return res.Kind == DecryptOK
}

// Text returns the plaintext, or the placeholder matching the error kind.
func (res DecryptResult) Text(placeholders *Placeholders) string {
	if placeholders == nil {
		placeholders = &DefaultPlaceholders
	}
	switch res.Kind {
	case DecryptOK:
		return res.Plaintext
	case DecryptCorrupted:
		return placeholders.Corrupted
	case DecryptUndecryptable:
		return placeholders.Undecryptable
	case DecryptRoomKeyLoading:
		return placeholders.RoomKeyLoading
	default:
		return placeholders.Failed
	}
}

func decryptOK(plaintext string) DecryptResult {
	return DecryptResult{Plaintext: plaintext, Kind: DecryptOK}
}

func decryptError(kind DecryptResultKind, err error) DecryptResult {
	return DecryptResult{Kind: kind, Err: err}
}

// classifyDecryptError maps cipher errors to result kinds.
func classifyDecryptError(err error) DecryptResultKind {
	switch {
	case errors.Is(err, aesgcm.ErrAuthFailed):
		return DecryptUndecryptable
	case errors.Is(err, aesgcm.ErrInvalidEncoding), errors.Is(err, aesgcm.ErrCiphertextTooShort),
		errors.Is(err, ErrMissingEnvelopeFields):
		return DecryptCorrupted
	default:
		return DecryptFailed
	}
}

// Decrypt decrypts an inbound envelope with the local signed prekey.
func (mach *Machine) Decrypt(ctx context.Context, inbound event.InboundEnvelope) DecryptResult {
	res := mach.decrypt(inbound)
	if !res.OK() {
		evt := mach.machOrContextLog(ctx).Warn().Err(res.Err).Stringer("result", res.Kind)
		switch typedEnv := inbound.(type) {
		case *event.OwnCopyEnvelope:
			evt = evt.Bool("own_copy", true).Bool("legacy", typedEnv.Legacy)
		case *event.ReceivedEnvelope:
			evt = evt.Stringer("sender_id", typedEnv.SenderID)
		}
		evt.Msg("Failed to decrypt message")
	}
	return res
}

func (mach *Machine) decrypt(inbound event.InboundEnvelope) (res DecryptResult) {
	defer func() {
		if r := recover(); r != nil {
			res = decryptError(DecryptFailed, fmt.Errorf("panic while decrypting: %v", r))
		}
	}()
	if inbound == nil {
		return decryptError(DecryptCorrupted, ErrNoEnvelope)
	}
	env := inbound.GetEnvelope()
	if !env.IsComplete() {
		return decryptError(DecryptCorrupted, ErrMissingEnvelopeFields)
	}
	acc := mach.Account()
	if !acc.Complete() {
		return decryptError(DecryptFailed, ErrNoKeyMaterial)
	}
	ephemeral, err := DecodePublicKey(env.EphemeralPublicKey)
	if err != nil {
		return decryptError(DecryptFailed, err)
	}
	sessionKey, err := deriveSessionKey(acc.SignedPreKey.Private, ephemeral)
	if err != nil {
		return decryptError(DecryptFailed, err)
	}
	plaintext, err := aesgcm.Decrypt(env.Ciphertext, env.InitializationVector, sessionKey)
	if err != nil {
		if env.PreKeyID != "" && env.PreKeyID != acc.SignedPreKey.ID {
			err = fmt.Errorf("%w (encrypted to prekey %s, current is %s)", err, env.PreKeyID, acc.SignedPreKey.ID)
		}
		return decryptError(classifyDecryptError(err), err)
	}
	return decryptOK(plaintext)
}

// DecryptMessage selects the right envelope of a one-to-one message for the local user and decrypts it.
func (mach *Machine) DecryptMessage(ctx context.Context, msg *event.DirectMessage) DecryptResult {
	if msg == nil {
		return decryptError(DecryptCorrupted, ErrNoEnvelope)
	}
	return mach.Decrypt(ctx, msg.Select(mach.UserID()))
}
