// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quuynXp/LinguaMonkey-sub004/crypto"
	"github.com/quuynXp/LinguaMonkey-sub004/crypto/aesgcm"
	"github.com/quuynXp/LinguaMonkey-sub004/event"
	"github.com/quuynXp/LinguaMonkey-sub004/id"
	"github.com/quuynXp/LinguaMonkey-sub004/keyserver"
	"github.com/quuynXp/LinguaMonkey-sub004/mockserver"
)

const (
	alice = id.UserID("alice")
	bob   = id.UserID("bob")
)

func newMachine(t *testing.T, ms *mockserver.MockServer, store crypto.KVStore) *crypto.Machine {
	t.Helper()
	mach := crypto.NewMachine(ms.Client(t), store, nil)
	mach.OneTimeKeyCount = 5
	mach.BackupPassphraseRounds = 1000
	return mach
}

func TestMachine_InitializeFreshUser(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	store := crypto.NewMemoryStore()
	mach := newMachine(t, ms, store)

	require.NoError(t, mach.Initialize(ctx, alice))
	assert.Equal(t, alice, mach.UserID())
	assert.Equal(t, 1, ms.Count(mockserver.RouteGetBackup))
	assert.Equal(t, 1, ms.Count(mockserver.RouteUploadBundle))
	assert.Equal(t, 1, ms.Count(mockserver.RouteUploadBackup))

	bundle, err := ms.Store.GetBundle(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.Len(t, bundle.OneTimePreKeys, 5)
	assert.Equal(t, mach.Account().SignedPreKey.ID, bundle.SignedPreKeyID)
	_, err = crypto.VerifyBundle(bundle)
	assert.NoError(t, err)

	for _, key := range []string{crypto.KeyIdentityKeyPair, crypto.KeySigningKeyPair, crypto.KeySignedPreKeyPair} {
		val, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.NotEmpty(t, val, key)
	}
	flag, err := store.Get(ctx, crypto.KeyUploadedFlagPrefix+"alice")
	require.NoError(t, err)
	assert.Equal(t, "true", string(flag))
}

func TestMachine_InitializeTwiceKeepsKeys(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	store := crypto.NewMemoryStore()
	require.NoError(t, newMachine(t, ms, store).Initialize(ctx, alice))

	mach := newMachine(t, ms, store)
	require.NoError(t, mach.Initialize(ctx, alice))
	assert.Equal(t, 1, ms.Count(mockserver.RouteUploadBundle), "keys shouldn't be uploaded again")
	assert.Equal(t, 1, ms.Count(mockserver.RouteGetBackup), "backup shouldn't be fetched when local keys exist")
	bundle, err := ms.Store.GetBundle(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, bundle.SignedPreKeyID, mach.Account().SignedPreKey.ID)
}

func TestMachine_InitializeWithoutUploadedFlag(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	store := crypto.NewMemoryStore()
	first := newMachine(t, ms, store)
	require.NoError(t, first.Initialize(ctx, alice))
	oldIdentity := first.Account().Identity.PublicBase64()
	oldPreKey := first.Account().SignedPreKey.ID
	require.NoError(t, store.Delete(ctx, crypto.KeyUploadedFlagPrefix+"alice"))

	mach := newMachine(t, ms, store)
	require.NoError(t, mach.Initialize(ctx, alice))
	assert.Equal(t, 2, ms.Count(mockserver.RouteUploadBundle))
	assert.Equal(t, oldIdentity, mach.Account().Identity.PublicBase64(), "identity key must be stable")
	assert.NotEqual(t, oldPreKey, mach.Account().SignedPreKey.ID, "signed prekey should be regenerated")
}

func TestMachine_UploadFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	ms.SetFailing(mockserver.RouteUploadBundle, true)
	ms.SetFailing(mockserver.RouteUploadBackup, true)
	store := crypto.NewMemoryStore()

	mach := newMachine(t, ms, store)
	require.NoError(t, mach.Initialize(ctx, alice))
	assert.True(t, mach.Account().Complete())
	flag, err := store.Get(ctx, crypto.KeyUploadedFlagPrefix+"alice")
	require.NoError(t, err)
	assert.Nil(t, flag)

	// the next initialization retries the upload, keeping the identity
	ms.SetFailing(mockserver.RouteUploadBundle, false)
	ms.SetFailing(mockserver.RouteUploadBackup, false)
	identity := mach.Account().Identity.PublicBase64()
	mach = newMachine(t, ms, store)
	require.NoError(t, mach.Initialize(ctx, alice))
	assert.Equal(t, identity, mach.Account().Identity.PublicBase64())
	bundle, err := ms.Store.GetBundle(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.Equal(t, identity, bundle.IdentityPublicKey)
}

func TestMachine_NoUserID(t *testing.T) {
	ms := mockserver.Create(t)
	mach := newMachine(t, ms, crypto.NewMemoryStore())
	assert.ErrorIs(t, mach.Initialize(context.Background(), ""), crypto.ErrNoUserID)
	_, err := mach.Encrypt(context.Background(), bob, "", "hi")
	assert.ErrorIs(t, err, crypto.ErrNoUserID)
	assert.ErrorIs(t, mach.Load(context.Background()), crypto.ErrNoUserID)
}

func TestMachine_Load(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	store := crypto.NewMemoryStore()
	first := newMachine(t, ms, store)
	require.NoError(t, first.Initialize(ctx, alice))

	requestsBefore := ms.Count(mockserver.RouteUploadBundle) + ms.Count(mockserver.RouteGetBackup)
	mach := newMachine(t, ms, store)
	require.NoError(t, mach.Load(ctx))
	assert.Equal(t, alice, mach.UserID())
	assert.Equal(t, first.Fingerprint(), mach.Fingerprint())
	assert.Equal(t, requestsBefore, ms.Count(mockserver.RouteUploadBundle)+ms.Count(mockserver.RouteGetBackup))

	require.NoError(t, store.Delete(ctx, crypto.KeySigningKeyPair))
	assert.ErrorIs(t, newMachine(t, ms, store).Load(ctx), crypto.ErrNoKeyMaterial)
}

func TestMachine_Restore(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	original := newMachine(t, ms, crypto.NewMemoryStore())
	require.NoError(t, original.Initialize(ctx, alice))
	signature, err := original.Account().Signing.Sign([]byte("signed before backup"))
	require.NoError(t, err)

	// new device, empty local storage
	store := crypto.NewMemoryStore()
	restored := newMachine(t, ms, store)
	require.NoError(t, restored.Initialize(ctx, alice))
	assert.Equal(t, 1, ms.Count(mockserver.RouteUploadBundle), "restore shouldn't upload a new bundle")

	acc := restored.Account()
	assert.NoError(t, crypto.VerifySignature(acc.Signing.Public, []byte("signed before backup"), signature))
	assert.Equal(t, original.Account().Identity.PublicBase64(), acc.Identity.PublicBase64())
	assert.Equal(t, original.Account().SignedPreKey.ID, acc.SignedPreKey.ID)
	assert.True(t, original.Account().SignedPreKey.Public.Equal(acc.SignedPreKey.Public))
	val, err := store.Get(ctx, crypto.KeyIdentityKeyPair)
	require.NoError(t, err)
	assert.NotEmpty(t, val)
	flag, err := store.Get(ctx, crypto.KeyUploadedFlagPrefix+"alice")
	require.NoError(t, err)
	assert.Equal(t, "true", string(flag))
}

func TestMachine_InitializeBackupUnavailable(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	original := newMachine(t, ms, crypto.NewMemoryStore())
	require.NoError(t, original.Initialize(ctx, alice))
	backupBefore, err := ms.Store.GetBackup(ctx, alice)
	require.NoError(t, err)
	identityBackup := backupBefore.EncryptedIdentityPrivateKey

	ms.SetFailing(mockserver.RouteGetBackup, true)
	store := crypto.NewMemoryStore()
	mach := newMachine(t, ms, store)
	err = mach.Initialize(ctx, alice)
	assert.ErrorIs(t, err, keyserver.MUnknown)
	assert.Nil(t, mach.Account())
	assert.Equal(t, 1, ms.Count(mockserver.RouteUploadBundle), "no new bundle should be uploaded")
	assert.Equal(t, 1, ms.Count(mockserver.RouteUploadBackup), "existing backup must not be overwritten")
	backupAfter, err := ms.Store.GetBackup(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, identityBackup, backupAfter.EncryptedIdentityPrivateKey)
	val, err := store.Get(ctx, crypto.KeyIdentityKeyPair)
	require.NoError(t, err)
	assert.Nil(t, val)

	// the backup is restored once the server is reachable again
	ms.SetFailing(mockserver.RouteGetBackup, false)
	require.NoError(t, mach.Initialize(ctx, alice))
	assert.Equal(t, original.Fingerprint(), mach.Fingerprint())
	assert.Equal(t, 1, ms.Count(mockserver.RouteUploadBundle))
}

func TestMachine_RestoreAfterFailedBundleUpload(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	ms.SetFailing(mockserver.RouteUploadBundle, true)
	original := newMachine(t, ms, crypto.NewMemoryStore())
	require.NoError(t, original.Initialize(ctx, alice))
	ms.SetFailing(mockserver.RouteUploadBundle, false)

	backup, err := ms.Store.GetBackup(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, backup)
	assert.False(t, backup.BundleUploaded)
	bundle, err := ms.Store.GetBundle(ctx, alice)
	require.NoError(t, err)
	assert.Nil(t, bundle)

	// new device, the backup doesn't claim a bundle so one must be uploaded
	restored := newMachine(t, ms, crypto.NewMemoryStore())
	require.NoError(t, restored.Initialize(ctx, alice))
	assert.Equal(t, original.Fingerprint(), restored.Fingerprint())
	bundle, err = ms.Store.GetBundle(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.Equal(t, restored.Account().SignedPreKey.ID, bundle.SignedPreKeyID)
	backup, err = ms.Store.GetBackup(ctx, alice)
	require.NoError(t, err)
	assert.True(t, backup.BundleUploaded)

	bobMach, _ := ms.Machine(t, ctx, bob)
	msg, err := bobMach.Encrypt(ctx, alice, bob, "reachable again")
	require.NoError(t, err)
	res := restored.DecryptMessage(ctx, &event.DirectMessage{SenderID: bob, ReceiverID: alice, EncryptedMessage: *msg})
	require.True(t, res.OK(), res.Err)
	assert.Equal(t, "reachable again", res.Plaintext)
}

func TestMachine_RestoreNoBackup(t *testing.T) {
	ms := mockserver.Create(t)
	mach := newMachine(t, ms, crypto.NewMemoryStore())
	ok, err := mach.Restore(context.Background(), alice)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, mach.Account())
}

func TestMachine_RestorePassphraseBackup(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	original := newMachine(t, ms, crypto.NewMemoryStore())
	original.BackupPassphrase = "correct horse"
	require.NoError(t, original.Initialize(ctx, alice))

	backup, err := ms.Store.GetBackup(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, backup.Wrapping)
	plainExport, err := original.Account().Identity.ExportPrivate()
	require.NoError(t, err)
	assert.NotEqual(t, plainExport, backup.EncryptedIdentityPrivateKey)

	noPassphrase := newMachine(t, ms, crypto.NewMemoryStore())
	_, err = noPassphrase.Restore(ctx, alice)
	assert.ErrorIs(t, err, crypto.ErrBackupPassphraseRequired)
	assert.ErrorIs(t, noPassphrase.Initialize(ctx, alice), crypto.ErrBackupPassphraseRequired)
	assert.Equal(t, 1, ms.Count(mockserver.RouteUploadBackup), "wrapped backup must not be replaced")

	wrongPassphrase := newMachine(t, ms, crypto.NewMemoryStore())
	wrongPassphrase.BackupPassphrase = "battery staple"
	_, err = wrongPassphrase.Restore(ctx, alice)
	assert.ErrorIs(t, err, aesgcm.ErrAuthFailed)

	restored := newMachine(t, ms, crypto.NewMemoryStore())
	restored.BackupPassphrase = "correct horse"
	ok, err := restored.Restore(ctx, alice)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, original.Fingerprint(), restored.Fingerprint())
}
