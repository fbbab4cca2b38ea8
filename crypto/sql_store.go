// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"context"
	"database/sql"
	"errors"

	"go.mau.fi/util/dbutil"

	"github.com/quuynXp/LinguaMonkey-sub004/crypto/sql_store_upgrade"
)

// SQLStore is a KVStore backed by SQLite or Postgres. Multiple accounts can share one
// database, values are namespaced by AccountID.
type SQLStore struct {
	DB        *dbutil.Database
	AccountID string
}

var _ KVStore = (*SQLStore)(nil)

// NewSQLStore wraps the given database. Call DB.Upgrade before using the store.
func NewSQLStore(db *dbutil.Database, log dbutil.DatabaseLogger, accountID string) *SQLStore {
	return &SQLStore{
		DB:        db.Child(sql_store_upgrade.VersionTableName, sql_store_upgrade.Table, log),
		AccountID: accountID,
	}
}

func (store *SQLStore) Get(ctx context.Context, key string) (value []byte, err error) {
	err = store.DB.QueryRow(ctx, "SELECT kv_value FROM e2ee_kv WHERE account_id=$1 AND kv_key=$2", store.AccountID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if value == nil && err == nil {
		value = []byte{}
	}
	return
}

func (store *SQLStore) Put(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := store.DB.Exec(ctx, `
		INSERT INTO e2ee_kv (account_id, kv_key, kv_value) VALUES ($1, $2, $3)
		ON CONFLICT (account_id, kv_key) DO UPDATE SET kv_value=excluded.kv_value
	`, store.AccountID, key, value)
	return err
}

func (store *SQLStore) Delete(ctx context.Context, key string) error {
	_, err := store.DB.Exec(ctx, "DELETE FROM e2ee_kv WHERE account_id=$1 AND kv_key=$2", store.AccountID, key)
	return err
}

func (store *SQLStore) ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := store.DB.Query(ctx, "SELECT kv_key, kv_value FROM e2ee_kv WHERE account_id=$1 AND substr(kv_key, 1, $2)=$3",
		store.AccountID, len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err = rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}
