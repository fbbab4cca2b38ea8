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
	"sync"

	"github.com/rs/zerolog"

	"github.com/quuynXp/LinguaMonkey-sub004/id"
	"github.com/quuynXp/LinguaMonkey-sub004/keyserver"
)

var (
	ErrNoUserID                 = errors.New("no local user ID set")
	ErrNoKeyMaterial            = errors.New("no key material available")
	ErrEmptyBundle              = errors.New("prekey bundle is empty")
	ErrInvalidBundleSignature   = errors.New("prekey bundle signature is invalid")
	ErrEncryptionFailed         = errors.New("encryption failed")
	ErrBackupPassphraseRequired = errors.New("key backup is passphrase-wrapped, but no passphrase is set")
	ErrNoRoomKey                = errors.New("no key for room")
)

const DefaultOneTimeKeyCount = 50

// KeyServer is the remote key-exchange service. It's implemented by [keyserver.Client].
type KeyServer interface {
	UploadBundle(ctx context.Context, userID id.UserID, bundle *keyserver.PreKeyBundle) error
	FetchBundle(ctx context.Context, targetID id.UserID) (*keyserver.PreKeyBundle, error)
	UploadBackup(ctx context.Context, userID id.UserID, backup *keyserver.KeyBackup) error
	GetBackup(ctx context.Context, userID id.UserID) (*keyserver.KeyBackup, error)
}

var _ KeyServer = (*keyserver.Client)(nil)

// Machine owns the local user's key material and performs all one-to-one encryption and decryption.
type Machine struct {
	Client KeyServer
	Store  KVStore
	Log    *zerolog.Logger

	// Number of one-time prekeys published with each bundle.
	OneTimeKeyCount int
	// If set, key backups are sealed with a key derived from this passphrase before upload.
	// By default backups are uploaded as plain PKCS#8 and the server is trusted to encrypt them at rest.
	BackupPassphrase string
	// Number of PBKDF2 rounds used for passphrase-wrapped backups.
	BackupPassphraseRounds int

	Bundles *BundleCache

	accountLock sync.RWMutex
	account     *Account
	userID      id.UserID
}

// NewMachine creates a machine. It doesn't touch the store or network, call Initialize or Load next.
func NewMachine(client KeyServer, store KVStore, log *zerolog.Logger) *Machine {
	if log == nil {
		logPtr := zerolog.Nop()
		log = &logPtr
	}
	return &Machine{
		Client: client,
		Store:  store,
		Log:    log,

		OneTimeKeyCount:        DefaultOneTimeKeyCount,
		BackupPassphraseRounds: DefaultBackupPassphraseRounds,

		Bundles: NewBundleCache(),
	}
}

func (mach *Machine) machOrContextLog(ctx context.Context) *zerolog.Logger {
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled || log == zerolog.DefaultContextLogger {
		return mach.Log
	}
	return log
}

// UserID returns the user ID the machine was initialized or loaded for.
func (mach *Machine) UserID() id.UserID {
	mach.accountLock.RLock()
	defer mach.accountLock.RUnlock()
	return mach.userID
}

// Account returns the currently loaded key material, or nil if nothing is loaded.
func (mach *Machine) Account() *Account {
	mach.accountLock.RLock()
	defer mach.accountLock.RUnlock()
	return mach.account
}

func (mach *Machine) setAccount(userID id.UserID, acc *Account) {
	mach.accountLock.Lock()
	mach.userID = userID
	mach.account = acc
	mach.accountLock.Unlock()
}

func uploadedFlagKey(userID id.UserID) string {
	return KeyUploadedFlagPrefix + userID.String()
}

func (mach *Machine) isUploaded(ctx context.Context, userID id.UserID) (bool, error) {
	val, err := mach.Store.Get(ctx, uploadedFlagKey(userID))
	return string(val) == "true", err
}

func (mach *Machine) setUploaded(ctx context.Context, userID id.UserID, uploaded bool) error {
	if !uploaded {
		return mach.Store.Delete(ctx, uploadedFlagKey(userID))
	}
	return mach.Store.Put(ctx, uploadedFlagKey(userID), []byte("true"))
}

// loadAccount reads the three key pairs from local storage. It returns nil without an error
// if any of them is missing.
func (mach *Machine) loadAccount(ctx context.Context) (*Account, error) {
	var acc Account
	acc.Identity = &KeyPair{}
	acc.Signing = &SigningKeyPair{}
	acc.SignedPreKey = &SignedPreKey{}
	if ok, err := getJSON(ctx, mach.Store, KeyIdentityKeyPair, acc.Identity); err != nil {
		return nil, fmt.Errorf("failed to load identity key: %w", err)
	} else if !ok {
		acc.Identity = nil
	}
	if ok, err := getJSON(ctx, mach.Store, KeySigningKeyPair, acc.Signing); err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	} else if !ok {
		acc.Signing = nil
	}
	if ok, err := getJSON(ctx, mach.Store, KeySignedPreKeyPair, acc.SignedPreKey); err != nil {
		return nil, fmt.Errorf("failed to load signed prekey: %w", err)
	} else if !ok {
		acc.SignedPreKey = nil
	}
	return &acc, nil
}

func (mach *Machine) saveAccount(ctx context.Context, acc *Account) error {
	if err := putJSON(ctx, mach.Store, KeyIdentityKeyPair, acc.Identity); err != nil {
		return fmt.Errorf("failed to save identity key: %w", err)
	} else if err = putJSON(ctx, mach.Store, KeySigningKeyPair, acc.Signing); err != nil {
		return fmt.Errorf("failed to save signing key: %w", err)
	} else if err = putJSON(ctx, mach.Store, KeySignedPreKeyPair, acc.SignedPreKey); err != nil {
		return fmt.Errorf("failed to save signed prekey: %w", err)
	}
	return nil
}

// Load loads key material from local storage only, without any network requests.
// It's meant for cold processes like notification handlers that can't afford a full Initialize.
func (mach *Machine) Load(ctx context.Context) error {
	userID, err := mach.Store.Get(ctx, KeyActiveUserID)
	if err != nil {
		return fmt.Errorf("failed to load active user ID: %w", err)
	} else if len(userID) == 0 {
		return ErrNoUserID
	}
	acc, err := mach.loadAccount(ctx)
	if err != nil {
		return err
	} else if !acc.Complete() {
		return ErrNoKeyMaterial
	}
	mach.setAccount(id.UserID(userID), acc)
	return nil
}

// Initialize makes sure the given user has key material, both locally and on the key server.
//
// Local keys are used if present. Otherwise keys are restored from the server-side backup, and if
// there's no backup either, a fresh identity is generated, uploaded and backed up. If local keys exist
// but were never successfully uploaded for this user, a new signed prekey is generated and uploaded.
//
// Network failures while uploading are logged and ignored: the upload will be retried on the next
// Initialize call. Failing to fetch or open the backup is returned as an error, so that the caller
// retries later instead of replacing the identity. Not having any usable keys at the end is
// returned as [ErrNoKeyMaterial].
func (mach *Machine) Initialize(ctx context.Context, userID id.UserID) error {
	if userID == "" {
		return ErrNoUserID
	}
	log := mach.machOrContextLog(ctx).With().
		Str("action", "initialize e2ee").
		Stringer("user_id", userID).
		Logger()
	ctx = log.WithContext(ctx)

	if err := mach.Store.Put(ctx, KeyActiveUserID, []byte(userID)); err != nil {
		return fmt.Errorf("failed to save active user ID: %w", err)
	}
	acc, err := mach.loadAccount(ctx)
	if err != nil {
		return err
	}
	if acc.Complete() {
		mach.setAccount(userID, acc)
		log.Debug().Stringer("prekey_id", acc.SignedPreKey.ID).Msg("Loaded existing keys")
		return mach.ensureUploaded(ctx, userID)
	}

	// only a confirmed missing backup allows generating a new identity
	restored, err := mach.Restore(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to restore keys from backup: %w", err)
	} else if restored {
		log.Info().Msg("Restored keys from backup")
		return mach.ensureUploaded(ctx, userID)
	}
	if err = mach.GenerateAndUpload(ctx, userID); err != nil {
		return err
	}
	mach.backupAfterGenerate(ctx, userID)
	if !mach.Account().Complete() {
		return ErrNoKeyMaterial
	}
	return nil
}

func (mach *Machine) ensureUploaded(ctx context.Context, userID id.UserID) error {
	uploaded, err := mach.isUploaded(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to check uploaded flag: %w", err)
	} else if uploaded {
		return nil
	}
	mach.machOrContextLog(ctx).Info().Msg("Keys haven't been uploaded for this user, generating new signed prekey")
	if err = mach.GenerateAndUpload(ctx, userID); err != nil {
		return err
	}
	mach.backupAfterGenerate(ctx, userID)
	return nil
}

func (mach *Machine) backupAfterGenerate(ctx context.Context, userID id.UserID) {
	if err := mach.UploadBackup(ctx, userID); err != nil {
		mach.machOrContextLog(ctx).Warn().Err(err).Msg("Failed to upload key backup")
	}
}

// GenerateAndUpload generates a new signed prekey and one-time prekeys, creating the identity and
// signing keys first if they don't exist yet, then saves everything and uploads the bundle.
//
// Only local failures are returned. A failed upload is logged and leaves the uploaded flag unset.
func (mach *Machine) GenerateAndUpload(ctx context.Context, userID id.UserID) error {
	if userID == "" {
		return ErrNoUserID
	}
	log := mach.machOrContextLog(ctx)

	acc := &Account{}
	if existing := mach.Account(); existing != nil && mach.UserID() == userID {
		*acc = *existing
	} else if loaded, err := mach.loadAccount(ctx); err != nil {
		return err
	} else {
		acc = loaded
	}
	var err error
	if acc.Identity == nil {
		log.Debug().Msg("Generating new identity key")
		if acc.Identity, err = GenerateKeyPair(); err != nil {
			return fmt.Errorf("failed to generate identity key: %w", err)
		}
	}
	if acc.Signing == nil {
		log.Debug().Msg("Generating new signing key")
		if acc.Signing, err = GenerateSigningKeyPair(); err != nil {
			return fmt.Errorf("failed to generate signing key: %w", err)
		}
	}
	if acc.SignedPreKey, err = acc.NewSignedPreKey(); err != nil {
		return fmt.Errorf("failed to generate signed prekey: %w", err)
	}
	oneTimeKeys, err := GenerateOneTimeKeys(mach.OneTimeKeyCount)
	if err != nil {
		return fmt.Errorf("failed to generate one-time prekeys: %w", err)
	}
	if err = mach.saveAccount(ctx, acc); err != nil {
		return err
	} else if err = mach.setUploaded(ctx, userID, false); err != nil {
		return fmt.Errorf("failed to clear uploaded flag: %w", err)
	}
	mach.setAccount(userID, acc)

	err = mach.Client.UploadBundle(ctx, userID, acc.Bundle(oneTimeKeys))
	if err != nil {
		log.Warn().Err(err).
			Stringer("prekey_id", acc.SignedPreKey.ID).
			Msg("Failed to upload prekey bundle, will retry on next initialization")
		return nil
	}
	if err = mach.setUploaded(ctx, userID, true); err != nil {
		return fmt.Errorf("failed to save uploaded flag: %w", err)
	}
	log.Info().
		Stringer("prekey_id", acc.SignedPreKey.ID).
		Int("one_time_key_count", len(oneTimeKeys)).
		Msg("Uploaded new prekey bundle")
	return nil
}
