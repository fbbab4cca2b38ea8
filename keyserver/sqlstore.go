// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyserver

import (
	"context"
	"database/sql"
	"embed"
	"errors"

	"go.mau.fi/util/dbutil"

	"github.com/quuynXp/LinguaMonkey-sub004/id"
)

//go:embed *.sql
var rawUpgrades embed.FS

var UpgradeTable dbutil.UpgradeTable

func init() {
	UpgradeTable.RegisterFS(rawUpgrades)
}

const VersionTableName = "keyserver_version"

// SQLStore is a [Store] backed by SQLite or Postgres.
type SQLStore struct {
	*dbutil.Database
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps the given database. Call Upgrade before using the store.
func NewSQLStore(db *dbutil.Database, log dbutil.DatabaseLogger) *SQLStore {
	return &SQLStore{
		Database: db.Child(VersionTableName, UpgradeTable, log),
	}
}

const (
	putBundleQuery = `
		INSERT INTO keyserver_bundle (user_id, prekey_id, bundle, uploaded_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
			SET prekey_id=excluded.prekey_id, bundle=excluded.bundle, uploaded_at=excluded.uploaded_at
	`
	putBackupQuery = `
		INSERT INTO keyserver_backup (user_id, backup, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET backup=excluded.backup, created_at=excluded.created_at
	`
)

func (store *SQLStore) PutBundle(ctx context.Context, userID id.UserID, bundle *PreKeyBundle) error {
	_, err := store.Exec(ctx, putBundleQuery, userID, bundle.SignedPreKeyID, dbutil.JSON{Data: bundle}, bundle.UploadedAt.UnixMilli())
	return err
}

func (store *SQLStore) GetBundle(ctx context.Context, userID id.UserID) (*PreKeyBundle, error) {
	var bundle PreKeyBundle
	err := store.QueryRow(ctx, "SELECT bundle FROM keyserver_bundle WHERE user_id=$1", userID).Scan(dbutil.JSON{Data: &bundle})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (store *SQLStore) PutBackup(ctx context.Context, userID id.UserID, backup *KeyBackup) error {
	_, err := store.Exec(ctx, putBackupQuery, userID, dbutil.JSON{Data: backup}, backup.CreatedAt.UnixMilli())
	return err
}

func (store *SQLStore) GetBackup(ctx context.Context, userID id.UserID) (*KeyBackup, error) {
	var backup KeyBackup
	err := store.QueryRow(ctx, "SELECT backup FROM keyserver_backup WHERE user_id=$1", userID).Scan(dbutil.JSON{Data: &backup})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &backup, nil
}
