// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quuynXp/LinguaMonkey-sub004/crypto"
	"github.com/quuynXp/LinguaMonkey-sub004/event"
	"github.com/quuynXp/LinguaMonkey-sub004/mockserver"
)

func TestEncrypt_DualEncryption(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	aliceMach, _ := ms.Machine(t, ctx, alice)
	bobMach, _ := ms.Machine(t, ctx, bob)

	msg, err := aliceMach.Encrypt(ctx, bob, alice, "Xin chào")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Content)
	assert.NotEmpty(t, msg.SelfContent)
	assert.NotEqual(t, msg.Content, msg.SelfContent)
	assert.NotEqual(t, msg.SenderEphemeralKey, msg.SelfEphemeralKey)
	assert.Equal(t, bobMach.Account().SignedPreKey.ID, msg.UsedPreKeyID)

	dm := &event.DirectMessage{SenderID: alice, ReceiverID: bob, EncryptedMessage: *msg}
	res := bobMach.DecryptMessage(ctx, dm)
	require.True(t, res.OK(), res.Err)
	assert.Equal(t, "Xin chào", res.Plaintext)

	res = aliceMach.DecryptMessage(ctx, dm)
	require.True(t, res.OK(), res.Err)
	assert.Equal(t, "Xin chào", res.Plaintext)
}

func TestEncrypt_ReceiverCannotReadSelfCopy(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	aliceMach, _ := ms.Machine(t, ctx, alice)
	bobMach, _ := ms.Machine(t, ctx, bob)

	msg, err := aliceMach.Encrypt(ctx, bob, "", "only for alice")
	require.NoError(t, err)
	selfEnv, ok := msg.SelfEnvelope()
	require.True(t, ok)
	res := bobMach.Decrypt(ctx, &event.ReceivedEnvelope{Envelope: selfEnv, SenderID: alice})
	assert.Equal(t, crypto.DecryptUndecryptable, res.Kind)
}

func TestEncrypt_ToSelf(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	aliceMach, _ := ms.Machine(t, ctx, alice)

	msg, err := aliceMach.Encrypt(ctx, alice, alice, "note to self")
	require.NoError(t, err)
	assert.Equal(t, 0, ms.Count(mockserver.RouteFetchBundle))
	assert.Equal(t, msg.Content, msg.SelfContent)
	assert.Equal(t, msg.SenderEphemeralKey, msg.SelfEphemeralKey)
	assert.Equal(t, msg.InitializationVector, msg.SelfInitializationVector)

	res := aliceMach.DecryptMessage(ctx, &event.DirectMessage{SenderID: alice, ReceiverID: alice, EncryptedMessage: *msg})
	require.True(t, res.OK(), res.Err)
	assert.Equal(t, "note to self", res.Plaintext)
}

func TestEncrypt_LegacyOwnCopy(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	aliceMach, _ := ms.Machine(t, ctx, alice)
	bobMach, _ := ms.Machine(t, ctx, bob)

	toSelf, err := aliceMach.Encrypt(ctx, alice, alice, "old note")
	require.NoError(t, err)
	toSelf.SelfContent, toSelf.SelfEphemeralKey, toSelf.SelfInitializationVector = "", "", ""
	dm := &event.DirectMessage{SenderID: alice, ReceiverID: alice, EncryptedMessage: *toSelf}
	inbound := dm.Select(alice)
	require.IsType(t, &event.OwnCopyEnvelope{}, inbound)
	assert.True(t, inbound.(*event.OwnCopyEnvelope).Legacy)
	res := aliceMach.Decrypt(ctx, inbound)
	require.True(t, res.OK(), res.Err)
	assert.Equal(t, "old note", res.Plaintext)

	// a legacy message sent to someone else was never readable by the sender
	toBob, err := aliceMach.Encrypt(ctx, bob, alice, "old message")
	require.NoError(t, err)
	toBob.SelfContent, toBob.SelfEphemeralKey, toBob.SelfInitializationVector = "", "", ""
	res = aliceMach.DecryptMessage(ctx, &event.DirectMessage{SenderID: alice, ReceiverID: bob, EncryptedMessage: *toBob})
	assert.Equal(t, crypto.DecryptUndecryptable, res.Kind)
	res = bobMach.DecryptMessage(ctx, &event.DirectMessage{SenderID: alice, ReceiverID: bob, EncryptedMessage: *toBob})
	assert.True(t, res.OK(), res.Err)
}

func TestEncrypt_FreshEphemeralKeys(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	aliceMach, _ := ms.Machine(t, ctx, alice)
	ms.Machine(t, ctx, bob)

	first, err := aliceMach.Encrypt(ctx, bob, alice, "same")
	require.NoError(t, err)
	second, err := aliceMach.Encrypt(ctx, bob, alice, "same")
	require.NoError(t, err)
	assert.NotEqual(t, first.Content, second.Content)
	assert.NotEqual(t, first.InitializationVector, second.InitializationVector)
	assert.NotEqual(t, first.SenderEphemeralKey, second.SenderEphemeralKey)
	assert.Equal(t, 1, ms.Count(mockserver.RouteFetchBundle), "bundle should be cached after the first send")
	assert.Equal(t, 1, aliceMach.Bundles.Len())
}

func TestEncrypt_RejectsForgedBundle(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	aliceMach, _ := ms.Machine(t, ctx, alice)
	ms.Machine(t, ctx, bob)

	bundle, err := ms.Store.GetBundle(ctx, bob)
	require.NoError(t, err)
	attacker, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	forged := *bundle
	forged.SignedPreKeyPublicKey = attacker.PublicBase64()
	require.NoError(t, ms.Store.PutBundle(ctx, bob, &forged))

	msg, err := aliceMach.Encrypt(ctx, bob, alice, "secret")
	assert.ErrorIs(t, err, crypto.ErrEncryptionFailed)
	assert.ErrorIs(t, err, crypto.ErrInvalidBundleSignature)
	assert.Nil(t, msg)
	assert.Equal(t, 0, aliceMach.Bundles.Len())
}

func TestEncrypt_MissingBundle(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	aliceMach, _ := ms.Machine(t, ctx, alice)

	_, err := aliceMach.Encrypt(ctx, bob, alice, "hello?")
	assert.ErrorIs(t, err, crypto.ErrEncryptionFailed)
	assert.Equal(t, 0, aliceMach.Bundles.Len())
}

func TestEncrypt_EvictsCachedBundleOnFailure(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	aliceMach, _ := ms.Machine(t, ctx, alice)
	bobMach, _ := ms.Machine(t, ctx, bob)

	wrongCurve, err := ecdh.P384().GenerateKey(rand.Reader)
	require.NoError(t, err)
	aliceMach.Bundles.Put(bob, &crypto.TargetKey{PreKeyID: "stale", PublicKey: wrongCurve.PublicKey()})
	_, err = aliceMach.Encrypt(ctx, bob, alice, "first try")
	require.ErrorIs(t, err, crypto.ErrEncryptionFailed)
	assert.Nil(t, aliceMach.Bundles.Get(bob))

	msg, err := aliceMach.Encrypt(ctx, bob, alice, "second try")
	require.NoError(t, err)
	assert.Equal(t, 1, ms.Count(mockserver.RouteFetchBundle))
	res := bobMach.DecryptMessage(ctx, &event.DirectMessage{SenderID: alice, ReceiverID: bob, EncryptedMessage: *msg})
	require.True(t, res.OK(), res.Err)
	assert.Equal(t, "second try", res.Plaintext)
}

func TestDecrypt_RotatedPreKey(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	aliceMach, _ := ms.Machine(t, ctx, alice)
	bobMach, _ := ms.Machine(t, ctx, bob)

	msg, err := aliceMach.Encrypt(ctx, bob, alice, "before rotation")
	require.NoError(t, err)
	require.NoError(t, bobMach.GenerateAndUpload(ctx, bob))

	res := bobMach.DecryptMessage(ctx, &event.DirectMessage{SenderID: alice, ReceiverID: bob, EncryptedMessage: *msg})
	assert.Equal(t, crypto.DecryptUndecryptable, res.Kind)
	assert.Contains(t, res.Err.Error(), string(msg.UsedPreKeyID))
	assert.Equal(t, crypto.DefaultPlaceholders.Undecryptable, res.Text(nil))
}

func TestDecrypt_BadEnvelopes(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	aliceMach, _ := ms.Machine(t, ctx, alice)
	bobMach, _ := ms.Machine(t, ctx, bob)

	msg, err := aliceMach.Encrypt(ctx, bob, alice, "tamper with me")
	require.NoError(t, err)

	tests := []struct {
		name   string
		modify func(msg *event.EncryptedMessage)
		kind   crypto.DecryptResultKind
	}{
		{"missing ciphertext", func(msg *event.EncryptedMessage) { msg.Content = "" }, crypto.DecryptCorrupted},
		{"missing IV", func(msg *event.EncryptedMessage) { msg.InitializationVector = "" }, crypto.DecryptCorrupted},
		{"missing ephemeral key", func(msg *event.EncryptedMessage) { msg.SenderEphemeralKey = "" }, crypto.DecryptCorrupted},
		{"ciphertext not base64", func(msg *event.EncryptedMessage) { msg.Content = "!!not base64!!" }, crypto.DecryptCorrupted},
		{"tampered ciphertext", func(msg *event.EncryptedMessage) {
			msg.Content = flipFirstChar(msg.Content)
		}, crypto.DecryptUndecryptable},
		{"tampered IV", func(msg *event.EncryptedMessage) {
			msg.InitializationVector = flipFirstChar(msg.InitializationVector)
		}, crypto.DecryptUndecryptable},
		{"invalid ephemeral key", func(msg *event.EncryptedMessage) { msg.SenderEphemeralKey = "AAAA" }, crypto.DecryptFailed},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			modified := *msg
			test.modify(&modified)
			res := bobMach.DecryptMessage(ctx, &event.DirectMessage{SenderID: alice, ReceiverID: bob, EncryptedMessage: modified})
			assert.Equal(t, test.kind, res.Kind, res.Err)
			assert.Empty(t, res.Plaintext)
			assert.NotEmpty(t, res.Text(nil))
		})
	}
	assert.Equal(t, crypto.DecryptCorrupted, bobMach.DecryptMessage(ctx, nil).Kind)
	assert.Equal(t, crypto.DecryptCorrupted, bobMach.Decrypt(ctx, nil).Kind)
}

func TestDecrypt_NoKeys(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	aliceMach, _ := ms.Machine(t, ctx, alice)
	ms.Machine(t, ctx, bob)
	msg, err := aliceMach.Encrypt(ctx, bob, alice, "hi")
	require.NoError(t, err)

	empty := crypto.NewMachine(ms.Client(t), crypto.NewMemoryStore(), nil)
	res := empty.DecryptMessage(ctx, &event.DirectMessage{SenderID: alice, ReceiverID: bob, EncryptedMessage: *msg})
	assert.Equal(t, crypto.DecryptFailed, res.Kind)
	assert.ErrorIs(t, res.Err, crypto.ErrNoKeyMaterial)
}

func flipFirstChar(b64 string) string {
	if b64[0] == 'A' {
		return "B" + b64[1:]
	}
	return "A" + b64[1:]
}
