// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"fmt"

	"github.com/rs/xid"
	"go.mau.fi/util/random"
	"golang.org/x/crypto/pbkdf2"

	"github.com/quuynXp/LinguaMonkey-sub004/crypto/aesgcm"
	"github.com/quuynXp/LinguaMonkey-sub004/id"
	"github.com/quuynXp/LinguaMonkey-sub004/keyserver"
)

// DefaultBackupPassphraseRounds is the number of PBKDF2 rounds used when BackupPassphrase is set.
const DefaultBackupPassphraseRounds = 100000

func computeBackupKey(passphrase string, salt []byte, rounds int) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, rounds, aesgcm.KeySize, sha512.New)
}

type backupSealer func(privateKey string) (string, error)

func (mach *Machine) makeBackupSealer() (backupSealer, *keyserver.BackupWrapping) {
	if mach.BackupPassphrase == "" {
		return func(privateKey string) (string, error) { return privateKey, nil }, nil
	}
	salt := random.Bytes(16)
	rounds := mach.BackupPassphraseRounds
	if rounds <= 0 {
		rounds = DefaultBackupPassphraseRounds
	}
	key := computeBackupKey(mach.BackupPassphrase, salt, rounds)
	seal := func(privateKey string) (string, error) {
		der, err := base64.StdEncoding.DecodeString(privateKey)
		if err != nil {
			return "", err
		}
		sealed, err := aesgcm.EncryptCombined(der, key, aesgcm.IVSize)
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(sealed), nil
	}
	return seal, &keyserver.BackupWrapping{
		Algorithm: keyserver.BackupWrappingPBKDF2AESGCM,
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Rounds:    rounds,
	}
}

func (mach *Machine) makeBackupOpener(wrapping *keyserver.BackupWrapping) (backupSealer, error) {
	if wrapping == nil {
		return func(privateKey string) (string, error) { return privateKey, nil }, nil
	} else if wrapping.Algorithm != keyserver.BackupWrappingPBKDF2AESGCM {
		return nil, fmt.Errorf("unsupported backup wrapping algorithm %q", wrapping.Algorithm)
	} else if mach.BackupPassphrase == "" {
		return nil, ErrBackupPassphraseRequired
	}
	salt, err := base64.StdEncoding.DecodeString(wrapping.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode backup salt: %w", err)
	}
	key := computeBackupKey(mach.BackupPassphrase, salt, wrapping.Rounds)
	return func(sealedKey string) (string, error) {
		sealed, err := base64.StdEncoding.DecodeString(sealedKey)
		if err != nil {
			return "", err
		}
		der, err := aesgcm.DecryptCombined(sealed, key, aesgcm.IVSize)
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(der), nil
	}, nil
}

// ExportBackup exports the private keys of the given account into a backup payload.
func (mach *Machine) ExportBackup(acc *Account) (*keyserver.KeyBackup, error) {
	if !acc.Complete() {
		return nil, ErrNoKeyMaterial
	}
	seal, wrapping := mach.makeBackupSealer()
	var backup keyserver.KeyBackup
	backup.SignedPreKeyID = acc.SignedPreKey.ID
	backup.Wrapping = wrapping
	for _, item := range []struct {
		export func() (string, error)
		into   *string
	}{
		{acc.Identity.ExportPrivate, &backup.EncryptedIdentityPrivateKey},
		{acc.Signing.ExportPrivate, &backup.EncryptedSigningPrivateKey},
		{acc.SignedPreKey.ExportPrivate, &backup.EncryptedSignedPreKeyPrivate},
	} {
		exported, err := item.export()
		if err != nil {
			return nil, fmt.Errorf("failed to export private key: %w", err)
		}
		if *item.into, err = seal(exported); err != nil {
			return nil, fmt.Errorf("failed to seal private key: %w", err)
		}
	}
	return &backup, nil
}

// UploadBackup uploads the current private keys to the server, overwriting any previous backup.
func (mach *Machine) UploadBackup(ctx context.Context, userID id.UserID) error {
	acc := mach.Account()
	if !acc.Complete() {
		return ErrNoKeyMaterial
	}
	if mach.BackupPassphrase == "" {
		mach.machOrContextLog(ctx).Warn().
			Msg("Uploading key backup without a passphrase, the server must be trusted to protect it")
	}
	backup, err := mach.ExportBackup(acc)
	if err != nil {
		return err
	}
	if backup.BundleUploaded, err = mach.isUploaded(ctx, userID); err != nil {
		return fmt.Errorf("failed to check uploaded flag: %w", err)
	}
	return mach.Client.UploadBackup(ctx, userID, backup)
}

// ImportBackup reconstructs an account from a backup payload. Public keys are recomputed from
// the private keys, and the signed prekey is signed again with the restored signing key.
func (mach *Machine) ImportBackup(backup *keyserver.KeyBackup) (*Account, error) {
	if backup.IsEmpty() {
		return nil, ErrNoKeyMaterial
	}
	open, err := mach.makeBackupOpener(backup.Wrapping)
	if err != nil {
		return nil, err
	}
	var identityKey, signingKey, preKey string
	if identityKey, err = open(backup.EncryptedIdentityPrivateKey); err != nil {
		return nil, fmt.Errorf("failed to open identity key: %w", err)
	} else if signingKey, err = open(backup.EncryptedSigningPrivateKey); err != nil {
		return nil, fmt.Errorf("failed to open signing key: %w", err)
	} else if preKey, err = open(backup.EncryptedSignedPreKeyPrivate); err != nil {
		return nil, fmt.Errorf("failed to open signed prekey: %w", err)
	}
	var acc Account
	if acc.Identity, err = ImportKeyPair(identityKey); err != nil {
		return nil, fmt.Errorf("failed to import identity key: %w", err)
	} else if acc.Signing, err = ImportSigningKeyPair(signingKey); err != nil {
		return nil, fmt.Errorf("failed to import signing key: %w", err)
	}
	preKeyPair, err := ImportKeyPair(preKey)
	if err != nil {
		return nil, fmt.Errorf("failed to import signed prekey: %w", err)
	}
	preKeyID := backup.SignedPreKeyID
	if preKeyID == "" {
		preKeyID = id.PreKeyID(xid.New().String())
	}
	if acc.SignedPreKey, err = acc.signPreKey(preKeyID, preKeyPair); err != nil {
		return nil, err
	}
	return &acc, nil
}

// Restore fetches the key backup of the given user and saves the keys in it locally.
//
// It returns false without an error if the server has no backup for the user.
func (mach *Machine) Restore(ctx context.Context, userID id.UserID) (bool, error) {
	if userID == "" {
		return false, ErrNoUserID
	}
	backup, err := mach.Client.GetBackup(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to get key backup: %w", err)
	} else if backup.IsEmpty() {
		mach.machOrContextLog(ctx).Debug().Msg("No key backup found on server")
		return false, nil
	}
	acc, err := mach.ImportBackup(backup)
	if err != nil {
		return false, err
	}
	if err = mach.saveAccount(ctx, acc); err != nil {
		return false, err
	} else if err = mach.Store.Put(ctx, KeyActiveUserID, []byte(userID)); err != nil {
		return false, fmt.Errorf("failed to save active user ID: %w", err)
	}
	// a bundle with this signed prekey is only on the server if the backup says the upload went through
	uploaded := backup.BundleUploaded && backup.SignedPreKeyID != ""
	if err = mach.setUploaded(ctx, userID, uploaded); err != nil {
		return false, fmt.Errorf("failed to save uploaded flag: %w", err)
	}
	mach.setAccount(userID, acc)
	return true, nil
}
